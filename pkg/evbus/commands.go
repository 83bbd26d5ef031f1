// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package evbus

// Builders for every message the bus carries, plus the matching accessors.
// Requests and replies both carry the address of the node or meter being
// talked to; direction is implied by the message type.

// NewReadRequest creates a READ_REQUEST (0x10) for count registers starting at reg.
func NewReadRequest(address uint8, reg uint16, count uint8) *Packet {
	return NewPacketWithPayload(address, MsgReadRequest, map[int]interface{}{
		keyRegister: uint64(reg),
		keyCount:    uint64(count),
	})
}

// NewWriteSingle creates a WRITE_SINGLE (0x11) setting one register.
func NewWriteSingle(address uint8, reg uint16, value int32) *Packet {
	return NewPacketWithPayload(address, MsgWriteSingle, map[int]interface{}{
		keyRegister: uint64(reg),
		keyCount:    int64(value),
	})
}

// NewWriteMultiple creates a WRITE_MULTIPLE (0x12) setting consecutive
// registers starting at reg. Sent to AddressBroadcast it is the only
// message nodes accept without replying.
func NewWriteMultiple(address uint8, reg uint16, values []int32) *Packet {
	return NewPacketWithPayload(address, MsgWriteMultiple, map[int]interface{}{
		keyRegister: uint64(reg),
		keyValues:   int32Array(values),
	})
}

// NewReadResponse creates a READ_RESPONSE (0x30).
func NewReadResponse(address uint8, reg uint16, values []int32) *Packet {
	return NewPacketWithPayload(address, MsgReadResponse, map[int]interface{}{
		keyRegister: uint64(reg),
		keyValues:   int32Array(values),
	})
}

// NewWriteAck creates a WRITE_ACK (0x31) confirming count registers at reg.
func NewWriteAck(address uint8, reg uint16, count uint8) *Packet {
	return NewPacketWithPayload(address, MsgWriteAck, map[int]interface{}{
		keyRegister: uint64(reg),
		keyCount:    uint64(count),
	})
}

// NewException creates an EXCEPTION (0xE0) rejecting a request of type request.
func NewException(address uint8, request uint8, code uint8) *Packet {
	return NewPacketWithPayload(address, MsgException, map[int]interface{}{
		keyRequest: uint64(request),
		keyCode:    uint64(code),
	})
}

func int32Array(values []int32) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = int64(v)
	}
	return out
}

// Register returns the first register a request or reply refers to.
func Register(p *Packet) (uint16, bool) {
	v, ok := GetMapUint(p.PayloadMap(), keyRegister)
	if !ok || v > 0xFFFF {
		return 0, false
	}
	return uint16(v), true
}

// Count returns the register count of a READ_REQUEST or WRITE_ACK.
func Count(p *Packet) (uint8, bool) {
	v, ok := GetMapUint(p.PayloadMap(), keyCount)
	if !ok || v > 0xFF {
		return 0, false
	}
	return uint8(v), true
}

// Value returns the value carried by a WRITE_SINGLE.
func Value(p *Packet) (int32, bool) {
	v, ok := GetMapInt(p.PayloadMap(), keyCount)
	if !ok || v < -1<<31 || v > 1<<31-1 {
		return 0, false
	}
	return int32(v), true
}

// Values returns the register values of a WRITE_MULTIPLE or READ_RESPONSE.
func Values(p *Packet) ([]int32, bool) {
	return GetMapInts(p.PayloadMap(), keyValues)
}
