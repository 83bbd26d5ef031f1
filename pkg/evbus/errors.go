// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package evbus

import (
	"errors"
	"fmt"
)

// Decoder errors. Each returned error wraps exactly one of these.
var (
	ErrCRCMismatch   = errors.New("CRC mismatch")
	ErrFraming       = errors.New("framing error")
	ErrOversize      = errors.New("frame too large")
	ErrMalformedBody = errors.New("malformed message body")
)

// Register bank errors. A device serving requests maps these to the
// matching exception code.
var (
	ErrIllegalRegister = errors.New("illegal register")
	ErrIllegalValue    = errors.New("illegal value")
	ErrBusy            = errors.New("device busy")
)

// ExceptionCode returns the exception code a device should answer with
// for err.
func ExceptionCode(err error) uint8 {
	switch {
	case errors.Is(err, ErrIllegalRegister):
		return ExceptionIllegalAddress
	case errors.Is(err, ErrBusy):
		return ExceptionBusy
	default:
		return ExceptionIllegalValue
	}
}

// ExceptionError is the error form of a MsgException reply.
type ExceptionError struct {
	Address uint8
	Request uint8
	Code    uint8
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("address %d rejected %s: %s", e.Address, FormatMessageType(e.Request), FormatException(e.Code))
}

// AsException returns the exception carried by p, or nil when p is not a
// MsgException packet.
func AsException(p *Packet) *ExceptionError {
	if p == nil || p.Type() != MsgException {
		return nil
	}
	req, _ := GetMapUint(p.PayloadMap(), keyRequest)
	code, _ := GetMapUint(p.PayloadMap(), keyCode)
	return &ExceptionError{Address: p.Address(), Request: uint8(req), Code: uint8(code)}
}
