// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package evbus implements the station bus used by cooperating charge point
// controllers sharing one circuit.
//
// The bus is half-duplex and strictly master initiated. Every frame carries a
// one byte bus address, a CBOR message of the form [msg_type, payload_map] and a
// CRC-16-CCITT trailer. Special bytes are escaped so START and END never occur
// inside a frame body.
package evbus

// Protocol framing bytes
const (
	StartByte = 0x7E
	EndByte   = 0x7F
	EscByte   = 0x7D
	EscXor    = 0x20
)

// Packet size limits
const (
	MaxPayloadSize = 114
	MaxPacketSize  = 1 + AddressSize + MaxPayloadSize + 2 // length + address + payload + CRC
	AddressSize    = 1

	// MaxRegisters bounds a single read or write-multiple request.
	MaxRegisters = 16
)

// CRC-16-CCITT configuration
const (
	crcPolynomial = 0x1021
	crcInitial    = 0xFFFF
)

// Bus addresses. The master always answers to AddressMaster, nodes occupy
// AddressMaster+1 through AddressLastNode, and meters live above the
// broadcast address.
const (
	AddressMaster    = 0x01
	AddressLastNode  = 0x08
	AddressBroadcast = 0x09
	AddressMeterMin  = 0x0A
	AddressMeterMax  = 0xF7
)

// Message types - Requests (Master → Node/Meter) 0x10-0x1F
const (
	MsgReadRequest   = 0x10
	MsgWriteSingle   = 0x11
	MsgWriteMultiple = 0x12
)

// Message types - Responses (Node/Meter → Master) 0x30-0x3F
const (
	MsgReadResponse = 0x30
	MsgWriteAck     = 0x31
)

// Message types - Errors 0xE0-0xEF
const (
	MsgException = 0xE0
)

// Exception codes carried by MsgException
const (
	ExceptionIllegalFunction = 0x01
	ExceptionIllegalAddress  = 0x02
	ExceptionIllegalValue    = 0x03
	ExceptionBusy            = 0x06
)

// Payload map keys
const (
	keyRegister = 0
	keyCount    = 1 // count for reads and acks, value for write-single
	keyValues   = 2
	keyRequest  = 0 // exception: originating message type
	keyCode     = 1 // exception: exception code
)

// Decoder states
const (
	stateIdle = iota
	stateLength
	stateAddress
	statePayload
	stateCRC1
	stateCRC2
	stateEnd
)
