// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package evbus

import "fmt"

// AnomalyType classifies a structurally valid frame with suspicious content
type AnomalyType int

const (
	AnomalyUnknownType AnomalyType = iota
	AnomalyMissingField
	AnomalyInvalidCount
	AnomalyLengthMismatch
	AnomalyInvalidAddress
	AnomalyInvalidValue
)

// ValidationError describes one anomaly found by ValidatePacket
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidatePacket checks a decoded packet against the message rules.
// It returns nil for a packet with no anomalies.
func ValidatePacket(p *Packet) []ValidationError {
	if err := p.ParseError(); err != nil {
		return []ValidationError{{
			Type:    AnomalyMissingField,
			Message: fmt.Sprintf("unparseable body: %v", err),
		}}
	}

	var errs []ValidationError
	if p.Address() == 0 {
		errs = append(errs, ValidationError{
			Type:    AnomalyInvalidAddress,
			Message: "address 0 is not assigned on the station bus",
			Details: map[string]interface{}{"address": p.Address()},
		})
	}

	switch p.Type() {
	case MsgReadRequest:
		errs = append(errs, validateRegister(p)...)
		errs = append(errs, validateCount(p)...)
	case MsgWriteSingle:
		errs = append(errs, validateRegister(p)...)
		if _, ok := Value(p); !ok {
			errs = append(errs, missing("WRITE_SINGLE", "value"))
		}
	case MsgWriteMultiple, MsgReadResponse:
		errs = append(errs, validateRegister(p)...)
		errs = append(errs, validateValues(p)...)
	case MsgWriteAck:
		errs = append(errs, validateRegister(p)...)
		errs = append(errs, validateCount(p)...)
	case MsgException:
		if _, ok := GetMapUint(p.PayloadMap(), keyCode); !ok {
			errs = append(errs, missing("EXCEPTION", "code"))
		}
	default:
		errs = append(errs, ValidationError{
			Type:    AnomalyUnknownType,
			Message: fmt.Sprintf("unknown message type 0x%02X", p.Type()),
			Details: map[string]interface{}{"type": p.Type()},
		})
	}

	if p.IsBroadcast() && p.Type() != MsgWriteMultiple {
		errs = append(errs, ValidationError{
			Type:    AnomalyInvalidAddress,
			Message: fmt.Sprintf("%s sent to the broadcast address", FormatMessageType(p.Type())),
			Details: map[string]interface{}{"type": p.Type()},
		})
	}
	return errs
}

func missing(msg, field string) ValidationError {
	return ValidationError{
		Type:    AnomalyMissingField,
		Message: fmt.Sprintf("%s without %s", msg, field),
		Details: map[string]interface{}{"field": field},
	}
}

func validateRegister(p *Packet) []ValidationError {
	if _, ok := Register(p); !ok {
		return []ValidationError{missing(FormatMessageType(p.Type()), "register")}
	}
	return nil
}

func validateCount(p *Packet) []ValidationError {
	count, ok := Count(p)
	if !ok {
		return []ValidationError{missing(FormatMessageType(p.Type()), "count")}
	}
	if count == 0 || count > MaxRegisters {
		return []ValidationError{{
			Type:    AnomalyInvalidCount,
			Message: fmt.Sprintf("register count %d outside 1-%d", count, MaxRegisters),
			Details: map[string]interface{}{"count": count, "max": MaxRegisters},
		}}
	}
	return nil
}

func validateValues(p *Packet) []ValidationError {
	values, ok := Values(p)
	if !ok {
		return []ValidationError{missing(FormatMessageType(p.Type()), "values")}
	}
	if len(values) == 0 || len(values) > MaxRegisters {
		return []ValidationError{{
			Type:    AnomalyLengthMismatch,
			Message: fmt.Sprintf("%d values outside 1-%d", len(values), MaxRegisters),
			Details: map[string]interface{}{"length": len(values), "max": MaxRegisters},
		}}
	}
	return nil
}
