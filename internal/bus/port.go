// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Thermoquad/evsectl/internal/metrics"
	"github.com/Thermoquad/evsectl/pkg/evbus"
)

// DefaultTimeout bounds the wait for a reply to one request.
const DefaultTimeout = 85 * time.Millisecond

// ErrTimeout is returned when no reply arrives within the port timeout.
var ErrTimeout = errors.New("bus request timed out")

// Port turns a Connection into a stream of decoded packets and serializes
// outgoing requests. A port is used either by the master, through Request
// and Send, or by a node, through Packets and Reply.
type Port struct {
	conn    Connection
	log     *slog.Logger
	timeout time.Duration

	mu      sync.Mutex // held for one request/reply exchange
	packets chan *evbus.Packet

	statsMu sync.Mutex
	stats   *evbus.Statistics
}

// NewPort creates a port on conn. Run must be started to receive.
func NewPort(conn Connection, log *slog.Logger) *Port {
	return &Port{
		conn:    conn,
		log:     log,
		timeout: DefaultTimeout,
		packets: make(chan *evbus.Packet, 64),
		stats:   evbus.NewStatistics(),
	}
}

// SetTimeout changes the reply timeout.
func (p *Port) SetTimeout(d time.Duration) { p.timeout = d }

// Packets delivers every valid frame read from the bus.
func (p *Port) Packets() <-chan *evbus.Packet { return p.packets }

// Stats returns a copy of the frame counters.
func (p *Port) Stats() evbus.Statistics {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	s := *p.stats
	s.CalculateRates()
	return s
}

// Run reads and decodes frames until ctx is cancelled or the connection
// fails. Cancelling ctx closes the connection.
func (p *Port) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		p.conn.Close()
	}()

	decoder := evbus.NewDecoder()
	buf := make([]byte, 256)
	for {
		n, err := p.conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("bus read: %w", err)
		}
		for _, b := range buf[:n] {
			packet, err := decoder.DecodeByte(b)
			if err != nil {
				p.account(nil, err, nil)
				p.log.Debug("frame dropped", slog.Any("err", err))
				continue
			}
			if packet == nil {
				continue
			}
			anomalies := evbus.ValidatePacket(packet)
			p.account(packet, nil, anomalies)
			if len(anomalies) > 0 {
				p.log.Debug("malformed frame",
					slog.String("frame", evbus.FormatPacket(packet)),
					slog.String("anomaly", anomalies[0].Message))
				continue
			}
			select {
			case p.packets <- packet:
			default:
				p.log.Warn("packet queue full, frame dropped", slog.String("frame", evbus.FormatPacket(packet)))
			}
		}
	}
}

func (p *Port) account(packet *evbus.Packet, err error, anomalies []evbus.ValidationError) {
	p.statsMu.Lock()
	p.stats.Update(packet, err, anomalies)
	p.statsMu.Unlock()

	result := "valid"
	switch {
	case errors.Is(err, evbus.ErrCRCMismatch):
		result = "crc"
	case errors.Is(err, evbus.ErrFraming):
		result = "framing"
	case err != nil:
		result = "decode"
	case len(anomalies) > 0:
		result = "malformed"
	}
	metrics.BusFrames.WithLabelValues(result).Inc()
}

func (p *Port) write(pkt *evbus.Packet) error {
	frame, err := evbus.Encode(pkt)
	if err != nil {
		return fmt.Errorf("encode %s: %w", evbus.FormatMessageType(pkt.Type()), err)
	}
	if _, err := p.conn.Write(frame); err != nil {
		return fmt.Errorf("bus write: %w", err)
	}
	return nil
}

// Send writes pkt without waiting for a reply. It is used for broadcasts.
func (p *Port) Send(pkt *evbus.Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.write(pkt)
}

// Reply answers a request. Nodes call it from their serve loop.
func (p *Port) Reply(pkt *evbus.Packet) error {
	return p.write(pkt)
}

// Request writes pkt and waits for the reply from the same address. An
// EXCEPTION reply is returned together with its *evbus.ExceptionError.
func (p *Port) Request(ctx context.Context, pkt *evbus.Packet) (*evbus.Packet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Late replies to an earlier request must not match this one.
	for drained := false; !drained; {
		select {
		case <-p.packets:
		default:
			drained = true
		}
	}

	if err := p.write(pkt); err != nil {
		metrics.BusRequests.WithLabelValues(metrics.OutcomeError).Inc()
		return nil, err
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			metrics.BusRequests.WithLabelValues(metrics.OutcomeTimeout).Inc()
			return nil, fmt.Errorf("%w: %s %s", ErrTimeout,
				evbus.FormatMessageType(pkt.Type()), evbus.FormatAddress(pkt.Address()))
		case reply := <-p.packets:
			if reply.Address() != pkt.Address() || !reply.IsResponse() {
				continue
			}
			if exc := evbus.AsException(reply); exc != nil {
				metrics.BusRequests.WithLabelValues(metrics.OutcomeException).Inc()
				return reply, exc
			}
			metrics.BusRequests.WithLabelValues(metrics.OutcomeOK).Inc()
			return reply, nil
		}
	}
}
