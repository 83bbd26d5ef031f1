// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package evbus

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Encode returns the wire form of p.
func Encode(p *Packet) ([]byte, error) {
	return EncodeFrame(p.Address(), p.Type(), p.PayloadMap())
}

// MustEncode is Encode for packets built by this package's constructors.
// It panics on an encoding error.
func MustEncode(p *Packet) []byte {
	data, err := Encode(p)
	if err != nil {
		panic(fmt.Sprintf("evbus: encode error: %v", err))
	}
	return data
}

// EncodeFrame builds a complete frame: START, stuffed body and CRC, END.
// The CRC covers the length byte, the address and the CBOR body.
func EncodeFrame(address uint8, msgType uint8, payloadMap map[int]interface{}) ([]byte, error) {
	body, err := encodeCBORPayload(msgType, payloadMap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode CBOR payload: %w", err)
	}
	if len(body) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d byte payload (max %d)", ErrOversize, len(body), MaxPayloadSize)
	}

	data := make([]byte, 0, 2+len(body)+2)
	data = append(data, uint8(len(body)), address)
	data = append(data, body...)

	crc := CalculateCRC(data)
	data = append(data, byte(crc>>8), byte(crc))

	frame := make([]byte, 0, len(data)*2+2)
	frame = append(frame, StartByte)
	frame = stuffBytes(frame, data)
	frame = append(frame, EndByte)
	return frame, nil
}

func encodeCBORPayload(msgType uint8, payloadMap map[int]interface{}) ([]byte, error) {
	var msg []interface{}
	if len(payloadMap) == 0 {
		msg = []interface{}{uint64(msgType), nil}
	} else {
		msg = []interface{}{uint64(msgType), payloadMap}
	}
	return cbor.Marshal(msg)
}

// stuffBytes appends data to dst, escaping START, END and ESC.
func stuffBytes(dst, data []byte) []byte {
	for _, b := range data {
		switch b {
		case StartByte, EndByte, EscByte:
			dst = append(dst, EscByte, b^EscXor)
		default:
			dst = append(dst, b)
		}
	}
	return dst
}

// UnstuffBytes reverses the escaping applied by the encoder.
func UnstuffBytes(data []byte) ([]byte, error) {
	result := make([]byte, 0, len(data))
	escapeNext := false

	for _, b := range data {
		switch {
		case escapeNext:
			result = append(result, b^EscXor)
			escapeNext = false
		case b == EscByte:
			escapeNext = true
		default:
			result = append(result, b)
		}
	}

	if escapeNext {
		return nil, fmt.Errorf("%w: incomplete escape sequence", ErrFraming)
	}
	return result, nil
}
