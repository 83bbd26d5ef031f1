// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/evsectl/internal/bus"
	"github.com/Thermoquad/evsectl/pkg/evbus"
)

var (
	showAll       bool
	statsInterval int
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Sniff the station bus and report malformed frames",
	Long: `Decode every frame on the station bus without taking part in it.

Each frame is validated as it arrives and detects:
  - CRC errors and framing failures
  - Malformed bodies (missing fields, counts that do not match the values)
  - Exception replies from nodes and meters

By default only errors and exceptions are displayed. Use --show-all to
display valid frames too. A statistics summary is printed at the
configured interval.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all frames (not just errors)")
	monitorCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, connInfo, err := OpenConnection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("evsectl - Bus Monitor\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All frames\n")
	} else {
		fmt.Printf("Mode: Errors only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	return monitor(ctx, conn, time.Duration(statsInterval)*time.Second)
}

// monitor decodes conn until ctx ends or the connection closes.
func monitor(ctx context.Context, conn bus.Connection, interval time.Duration) error {
	decoder := evbus.NewDecoder()
	stats := evbus.NewStatistics()

	// decode errors before the first good frame are a partial frame
	synchronized := false
	invalidBytesBeforeSync := 0

	statsTicker := time.NewTicker(interval)
	defer statsTicker.Stop()

	chunks := make(chan []byte, 16)
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				readErr <- err
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case chunks <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			fmt.Print(stats.String())
			return nil

		case err := <-readErr:
			if errors.Is(err, bus.ErrConnectionClosed) {
				fmt.Println("Connection closed")
				return nil
			}
			return fmt.Errorf("read: %w", err)

		case data := <-chunks:
			for _, b := range data {
				packet, decodeErr := decoder.DecodeByte(b)
				switch {
				case decodeErr != nil:
					if !synchronized {
						invalidBytesBeforeSync++
						continue
					}
					stats.Update(nil, decodeErr, nil)
					printDecodeError(decodeErr)

				case packet != nil:
					if !synchronized {
						synchronized = true
						if invalidBytesBeforeSync > 0 {
							fmt.Printf("[SYNC] Synchronized after skipping %d invalid bytes\n\n", invalidBytesBeforeSync)
						} else {
							fmt.Printf("[SYNC] Synchronized\n\n")
						}
					}

					anomalies := evbus.ValidatePacket(packet)
					stats.Update(packet, nil, anomalies)
					switch {
					case len(anomalies) > 0:
						printValidationErrors(packet, anomalies)
					case packet.Type() == evbus.MsgException:
						printException(packet)
					case showAll:
						fmt.Print(evbus.FormatPacket(packet))
					}
				}
			}

		case <-statsTicker.C:
			stats.CalculateRates()
			fmt.Println()
			fmt.Print(stats.String())
			fmt.Println()
		}
	}
}

// printDecodeError prints a decode error in highlighted format
func printDecodeError(err error) {
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;31mDECODE ERROR:\033[0m %v\n", timestamp, err)
	fmt.Printf("  >>> FRAME DROPPED <<<\n\n")
}

func printException(packet *evbus.Packet) {
	timestamp := packet.Timestamp().Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;33mEXCEPTION:\033[0m %s\n", timestamp, evbus.FormatAddress(packet.Address()))
	fmt.Print(evbus.FormatPayload(packet))
	fmt.Println()
}

// printValidationErrors prints validation errors for a packet
func printValidationErrors(packet *evbus.Packet, anomalies []evbus.ValidationError) {
	timestamp := packet.Timestamp().Format("15:04:05.000")
	msgType := evbus.FormatMessageType(packet.Type())

	fmt.Printf("[%s] \033[1;33mVALIDATION ERROR:\033[0m %s (0x%02X) %s\n",
		timestamp, msgType, packet.Type(), evbus.FormatAddress(packet.Address()))
	fmt.Printf("  CRC: \033[1;32mOK\033[0m\n")

	for i, a := range anomalies {
		switch a.Type {
		case evbus.AnomalyInvalidCount, evbus.AnomalyLengthMismatch:
			fmt.Printf("  Issue %d: \033[1;31m%s\033[0m\n", i+1, a.Message)
			if n, ok := a.Details["count"]; ok {
				fmt.Printf("    count=%v (max %v)\n", n, a.Details["max"])
			}
			if n, ok := a.Details["length"]; ok {
				fmt.Printf("    values=%v (max %v)\n", n, a.Details["max"])
			}
		case evbus.AnomalyInvalidAddress, evbus.AnomalyInvalidValue:
			fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, a.Message)
		default:
			fmt.Printf("  Issue %d: %s\n", i+1, a.Message)
		}
	}
	fmt.Printf("  >>> FRAME REJECTED <<<\n\n")
}
