// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package evbus

import (
	"fmt"
	"time"
)

// Decoder is the byte-at-a-time frame decoder.
type Decoder struct {
	state      int
	buffer     []byte
	escapeNext bool
	length     uint8
	address    uint8
	crc        uint16
	rawBuffer  []byte
}

// NewDecoder creates a decoder waiting for a START byte
func NewDecoder() *Decoder {
	return &Decoder{
		state:     stateIdle,
		buffer:    make([]byte, 0, MaxPacketSize),
		rawBuffer: make([]byte, 0, MaxPacketSize*2),
	}
}

// Reset discards any partial frame
func (d *Decoder) Reset() {
	d.state = stateIdle
	d.buffer = d.buffer[:0]
	d.escapeNext = false
	d.length = 0
	d.address = 0
	d.crc = 0
	d.rawBuffer = d.rawBuffer[:0]
}

// GetRawBytes returns the raw bytes seen since the last START
func (d *Decoder) GetRawBytes() []byte {
	return d.rawBuffer
}

// Decode feeds a chunk of bytes and returns every complete packet in it.
// Decode errors are reported through onError and do not stop the chunk.
func (d *Decoder) Decode(data []byte, onError func(error)) []*Packet {
	var packets []*Packet
	for _, b := range data {
		p, err := d.DecodeByte(b)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			continue
		}
		if p != nil {
			packets = append(packets, p)
		}
	}
	return packets
}

// DecodeByte processes one byte. It returns a packet when b completes a
// valid frame, and an error when b exposes a broken one.
func (d *Decoder) DecodeByte(b byte) (*Packet, error) {
	d.rawBuffer = append(d.rawBuffer, b)

	if d.escapeNext {
		d.escapeNext = false
		return d.consume(b ^ EscXor)
	}

	switch b {
	case EscByte:
		d.escapeNext = true
		return nil, nil
	case StartByte:
		d.Reset()
		d.rawBuffer = append(d.rawBuffer, b)
		d.state = stateLength
		return nil, nil
	case EndByte:
		return d.finish()
	}
	return d.consume(b)
}

func (d *Decoder) finish() (*Packet, error) {
	defer d.Reset()

	if d.state != stateEnd {
		if d.state == stateIdle {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: unexpected END byte in state %d", ErrFraming, d.state)
	}

	calculated := CalculateCRC(d.buffer)
	if calculated != d.crc {
		return nil, fmt.Errorf("%w: expected 0x%04X, got 0x%04X", ErrCRCMismatch, calculated, d.crc)
	}

	body := make([]byte, d.length)
	copy(body, d.buffer[1+AddressSize:])
	p := NewPacket(d.address, body, d.crc)
	p.timestamp = time.Now()
	return p, nil
}

func (d *Decoder) consume(b byte) (*Packet, error) {
	switch d.state {
	case stateIdle:
		return nil, nil

	case stateLength:
		if b > MaxPayloadSize {
			d.Reset()
			return nil, fmt.Errorf("%w: length %d (max %d)", ErrOversize, b, MaxPayloadSize)
		}
		d.length = b
		d.buffer = append(d.buffer, b)
		d.state = stateAddress

	case stateAddress:
		d.address = b
		d.buffer = append(d.buffer, b)
		if d.length == 0 {
			d.state = stateCRC1
		} else {
			d.state = statePayload
		}

	case statePayload:
		d.buffer = append(d.buffer, b)
		if len(d.buffer) >= 1+AddressSize+int(d.length) {
			d.state = stateCRC1
		}

	case stateCRC1:
		d.crc = uint16(b) << 8
		d.state = stateCRC2

	case stateCRC2:
		d.crc |= uint16(b)
		d.state = stateEnd

	default:
		d.Reset()
		return nil, fmt.Errorf("%w: trailing byte 0x%02X after CRC", ErrFraming, b)
	}
	return nil, nil
}
