// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package evbus

import (
	"fmt"
	"strings"
)

// FormatPacket renders a packet as a single human-readable log line
// followed by an indented payload line.
func FormatPacket(p *Packet) string {
	timestamp := p.Timestamp().Format("15:04:05.000")
	result := fmt.Sprintf("[%s] %s (0x%02X) %s len=%d\n",
		timestamp, FormatMessageType(p.Type()), p.Type(), FormatAddress(p.Address()), p.Length())
	if err := p.ParseError(); err != nil {
		return result + fmt.Sprintf("  Body error: %v\n", err)
	}
	return result + FormatPayload(p)
}

// FormatMessageType returns the name of a message type
func FormatMessageType(msgType uint8) string {
	switch msgType {
	case MsgReadRequest:
		return "READ_REQUEST"
	case MsgWriteSingle:
		return "WRITE_SINGLE"
	case MsgWriteMultiple:
		return "WRITE_MULTIPLE"
	case MsgReadResponse:
		return "READ_RESPONSE"
	case MsgWriteAck:
		return "WRITE_ACK"
	case MsgException:
		return "EXCEPTION"
	default:
		return "UNKNOWN"
	}
}

// FormatException returns the name of an exception code
func FormatException(code uint8) string {
	switch code {
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalAddress:
		return "illegal register"
	case ExceptionIllegalValue:
		return "illegal value"
	case ExceptionBusy:
		return "busy"
	default:
		return fmt.Sprintf("exception 0x%02X", code)
	}
}

// FormatAddress names a bus address
func FormatAddress(addr uint8) string {
	switch {
	case addr == AddressMaster:
		return "master"
	case addr > AddressMaster && addr <= AddressLastNode:
		return fmt.Sprintf("node%d", addr-AddressMaster)
	case addr == AddressBroadcast:
		return "broadcast"
	case addr >= AddressMeterMin && addr <= AddressMeterMax:
		return fmt.Sprintf("meter@%d", addr)
	default:
		return fmt.Sprintf("addr@%d", addr)
	}
}

// FormatPayload renders the fields of a known message type
func FormatPayload(p *Packet) string {
	reg, _ := Register(p)

	switch p.Type() {
	case MsgReadRequest:
		count, _ := Count(p)
		return fmt.Sprintf("  Register: 0x%04X, Count: %d\n", reg, count)
	case MsgWriteSingle:
		value, _ := Value(p)
		return fmt.Sprintf("  Register: 0x%04X, Value: %d\n", reg, value)
	case MsgWriteMultiple, MsgReadResponse:
		values, _ := Values(p)
		return fmt.Sprintf("  Register: 0x%04X, Values: %s\n", reg, formatValues(values))
	case MsgWriteAck:
		count, _ := Count(p)
		return fmt.Sprintf("  Register: 0x%04X, Written: %d\n", reg, count)
	case MsgException:
		if exc := AsException(p); exc != nil {
			return fmt.Sprintf("  Rejected: %s, Reason: %s\n", FormatMessageType(exc.Request), FormatException(exc.Code))
		}
	}
	return fmt.Sprintf("  Payload: %v\n", p.PayloadMap())
}

func formatValues(values []int32) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
