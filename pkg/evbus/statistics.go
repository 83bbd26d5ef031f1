// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package evbus

import (
	"errors"
	"fmt"
	"time"
)

// Statistics tracks frame counts and error rates seen on the bus
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalPackets     uint64
	ValidPackets     uint64
	CRCErrors        uint64
	FramingErrors    uint64
	DecodeErrors     uint64
	MalformedPackets uint64
	Requests         uint64
	Responses        uint64
	Broadcasts       uint64
	Exceptions       uint64

	// Rates (calculated)
	PacketRate float64 // packets/sec
	ErrorRate  float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update accounts for one decoder result: either a decode error, or a
// packet with its validation anomalies.
func (s *Statistics) Update(packet *Packet, decodeErr error, validationErrors []ValidationError) {
	s.TotalPackets++
	s.LastUpdateTime = time.Now()

	if decodeErr != nil {
		switch {
		case errors.Is(decodeErr, ErrCRCMismatch):
			s.CRCErrors++
		case errors.Is(decodeErr, ErrFraming):
			s.FramingErrors++
		default:
			s.DecodeErrors++
		}
		return
	}

	if len(validationErrors) > 0 {
		s.MalformedPackets++
		return
	}
	s.ValidPackets++

	switch {
	case packet.IsBroadcast():
		s.Broadcasts++
	case packet.Type() == MsgException:
		s.Exceptions++
		s.Responses++
	case packet.IsRequest():
		s.Requests++
	case packet.IsResponse():
		s.Responses++
	}
}

// CalculateRates calculates packet and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.PacketRate = float64(s.TotalPackets) / elapsed
		s.ErrorRate = float64(s.errorCount()) / elapsed
	}
}

func (s *Statistics) errorCount() uint64 {
	return s.CRCErrors + s.FramingErrors + s.DecodeErrors + s.MalformedPackets
}

func percent(n, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) * 100.0 / float64(total)
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()
	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Bus Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Frames:    %8d\n", s.TotalPackets)
	result += fmt.Sprintf("Valid Frames:    %8d (%.1f%%)\n", s.ValidPackets, percent(s.ValidPackets, s.TotalPackets))
	result += fmt.Sprintf("  Requests:        %6d\n", s.Requests)
	result += fmt.Sprintf("  Responses:       %6d\n", s.Responses)
	result += fmt.Sprintf("  Broadcasts:      %6d\n", s.Broadcasts)

	if s.Exceptions > 0 {
		result += fmt.Sprintf("  Exceptions:      %6d\n", s.Exceptions)
	}
	if s.CRCErrors > 0 {
		result += fmt.Sprintf("CRC Errors:      %8d (%.1f%%)\n", s.CRCErrors, percent(s.CRCErrors, s.TotalPackets))
	}
	if s.FramingErrors > 0 {
		result += fmt.Sprintf("Framing Errors:  %8d (%.1f%%)\n", s.FramingErrors, percent(s.FramingErrors, s.TotalPackets))
	}
	if s.DecodeErrors > 0 {
		result += fmt.Sprintf("Decode Errors:   %8d (%.1f%%)\n", s.DecodeErrors, percent(s.DecodeErrors, s.TotalPackets))
	}
	if s.MalformedPackets > 0 {
		result += fmt.Sprintf("Malformed:       %8d (%.1f%%)\n", s.MalformedPackets, percent(s.MalformedPackets, s.TotalPackets))
	}

	result += fmt.Sprintf("Frame Rate:      %8.1f frames/sec\n", s.PacketRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "=====================================\n"
	return result
}

// Reset clears all counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
