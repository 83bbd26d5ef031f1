// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package lbus

import (
	"context"
	"log/slog"

	"github.com/Thermoquad/evsectl/pkg/evbus"
)

// Bank is a register file served on the bus. Errors wrapping the evbus
// register bank errors select the exception code of the reply.
type Bank interface {
	ReadRegisters(reg uint16, count int) ([]int32, error)
	WriteRegisters(reg uint16, values []int32) error
}

// Replier is the node side of a bus port.
type Replier interface {
	Packets() <-chan *evbus.Packet
	Reply(p *evbus.Packet) error
}

// Server answers requests addressed to one bus address from a Bank.
type Server struct {
	addr uint8
	bank Bank
	log  *slog.Logger
}

// NewServer creates a server for addr.
func NewServer(addr uint8, bank Bank, log *slog.Logger) *Server {
	return &Server{addr: addr, bank: bank, log: log}
}

// Serve answers requests read from port until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, port Replier) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt := <-port.Packets():
			reply := s.Handle(pkt)
			if reply == nil {
				continue
			}
			if err := port.Reply(reply); err != nil {
				s.log.Warn("reply failed", slog.Any("err", err))
			}
		}
	}
}

// Handle processes one packet and returns the reply to send, if any.
// Responses, requests for other addresses and broadcasts get no reply.
func (s *Server) Handle(pkt *evbus.Packet) *evbus.Packet {
	if !pkt.IsRequest() {
		return nil
	}

	if pkt.IsBroadcast() {
		if pkt.Type() != evbus.MsgWriteMultiple {
			return nil
		}
		reg, _ := evbus.Register(pkt)
		values, _ := evbus.Values(pkt)
		if err := s.bank.WriteRegisters(reg, values); err != nil {
			s.log.Debug("broadcast ignored", slog.Any("err", err))
		}
		return nil
	}

	if pkt.Address() != s.addr {
		return nil
	}

	reg, ok := evbus.Register(pkt)
	if !ok {
		return evbus.NewException(s.addr, pkt.Type(), evbus.ExceptionIllegalValue)
	}

	switch pkt.Type() {
	case evbus.MsgReadRequest:
		count, _ := evbus.Count(pkt)
		values, err := s.bank.ReadRegisters(reg, int(count))
		if err != nil {
			return s.reject(pkt, err)
		}
		return evbus.NewReadResponse(s.addr, reg, values)

	case evbus.MsgWriteSingle:
		v, _ := evbus.Value(pkt)
		if err := s.bank.WriteRegisters(reg, []int32{v}); err != nil {
			return s.reject(pkt, err)
		}
		return evbus.NewWriteAck(s.addr, reg, 1)

	case evbus.MsgWriteMultiple:
		values, _ := evbus.Values(pkt)
		if err := s.bank.WriteRegisters(reg, values); err != nil {
			return s.reject(pkt, err)
		}
		return evbus.NewWriteAck(s.addr, reg, uint8(len(values)))
	}
	return evbus.NewException(s.addr, pkt.Type(), evbus.ExceptionIllegalFunction)
}

func (s *Server) reject(pkt *evbus.Packet, err error) *evbus.Packet {
	s.log.Debug("request rejected",
		slog.String("request", evbus.FormatMessageType(pkt.Type())),
		slog.Any("err", err))
	return evbus.NewException(s.addr, pkt.Type(), evbus.ExceptionCode(err))
}
