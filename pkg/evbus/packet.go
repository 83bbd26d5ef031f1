// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package evbus

import "time"

// Packet is one station bus frame. Packets built locally carry their message
// type and payload map directly; decoded packets parse their CBOR body on
// first access.
type Packet struct {
	length      uint8
	address     uint8
	cborPayload []byte
	crc         uint16
	timestamp   time.Time

	msgType    uint8
	payloadMap map[int]interface{}
	parsed     bool
	parseErr   error
}

// NewPacket creates a packet from its framed fields, as the decoder does.
func NewPacket(address uint8, cborPayload []byte, crc uint16) *Packet {
	return &Packet{
		length:      uint8(len(cborPayload)),
		address:     address,
		cborPayload: cborPayload,
		crc:         crc,
		timestamp:   time.Now(),
	}
}

// NewPacketWithPayload creates a packet from a message type and payload map.
func NewPacketWithPayload(address uint8, msgType uint8, payload map[int]interface{}) *Packet {
	return &Packet{
		address:    address,
		msgType:    msgType,
		payloadMap: payload,
		parsed:     true,
		timestamp:  time.Now(),
	}
}

func (p *Packet) ensureParsed() {
	if p.parsed {
		return
	}
	p.parsed = true
	if len(p.cborPayload) == 0 {
		p.parseErr = ErrMalformedBody
		return
	}
	p.msgType, p.payloadMap, p.parseErr = ParseCBORMessage(p.cborPayload)
}

// Length returns the CBOR body length as framed
func (p *Packet) Length() uint8 {
	return p.length
}

// Address returns the bus address of the frame
func (p *Packet) Address() uint8 {
	return p.address
}

// Type returns the message type
func (p *Packet) Type() uint8 {
	p.ensureParsed()
	return p.msgType
}

// Payload returns the raw CBOR body, nil for locally built packets
func (p *Packet) Payload() []byte {
	return p.cborPayload
}

// PayloadMap returns the decoded payload map
func (p *Packet) PayloadMap() map[int]interface{} {
	p.ensureParsed()
	return p.payloadMap
}

// ParseError returns any error from parsing the CBOR body
func (p *Packet) ParseError() error {
	p.ensureParsed()
	return p.parseErr
}

// CRC returns the frame checksum
func (p *Packet) CRC() uint16 {
	return p.crc
}

// Timestamp returns the decode (or creation) time
func (p *Packet) Timestamp() time.Time {
	return p.timestamp
}

// IsBroadcast reports whether the frame is addressed to every node
func (p *Packet) IsBroadcast() bool {
	return p.address == AddressBroadcast
}

// IsRequest reports whether the frame was sent by the master
func (p *Packet) IsRequest() bool {
	switch p.Type() {
	case MsgReadRequest, MsgWriteSingle, MsgWriteMultiple:
		return true
	}
	return false
}

// IsResponse reports whether the frame is a reply to a master request
func (p *Packet) IsResponse() bool {
	switch p.Type() {
	case MsgReadResponse, MsgWriteAck, MsgException:
		return true
	}
	return false
}
