// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package meter

import (
	"fmt"
	"sync"
	"time"

	"github.com/Thermoquad/evsectl/internal/evse"
	"github.com/Thermoquad/evsectl/pkg/evbus"
)

// Register layout of a bus-attached meter. Currents are in tenths of an
// ampere, power in watts, energy in watt-hours.
const (
	RegCurrents      uint16 = 0x0000
	RegCurrentsCount        = 3
	RegPower         uint16 = 0x0003
	RegEnergy        uint16 = 0x0004
	regEnd                  = 0x0005
)

// ParseCurrents converts a RegCurrents response to phase currents.
func ParseCurrents(values []int32) ([3]evse.Current, error) {
	var irms [3]evse.Current
	if len(values) != RegCurrentsCount {
		return irms, fmt.Errorf("expected %d currents, got %d", RegCurrentsCount, len(values))
	}
	for i, v := range values {
		irms[i] = evse.Current(v)
	}
	return irms, nil
}

// Sim is a meter that answers station bus requests from a reading set by
// the caller. It backs the virtual station and the protocol tests.
type Sim struct {
	mu      sync.Mutex
	kind    Kind
	reading Reading
}

// NewSim creates a simulated meter of kind k.
func NewSim(k Kind) *Sim {
	return &Sim{kind: k}
}

// Set replaces the reading served to the bus.
func (s *Sim) Set(r Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reading = r
}

// SetCurrents replaces only the phase currents.
func (s *Sim) SetCurrents(irms [3]evse.Current) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reading.Irms = irms
	s.reading.At = time.Now()
}

// Reading returns the reading currently served.
func (s *Sim) Reading() Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reading
}

// ReadRegisters serves a READ_REQUEST.
func (s *Sim) ReadRegisters(reg uint16, count int) ([]int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if count <= 0 || int(reg)+count > regEnd {
		return nil, fmt.Errorf("%w: 0x%04X+%d", evbus.ErrIllegalRegister, reg, count)
	}
	caps := s.kind.Capabilities()
	all := [regEnd]int32{
		int32(s.reading.Irms[0]),
		int32(s.reading.Irms[1]),
		int32(s.reading.Irms[2]),
		int32(s.reading.Power),
		int32(s.reading.Energy),
	}
	for r := int(reg); r < int(reg)+count; r++ {
		switch {
		case uint16(r) == RegPower && !caps.Has(CapPower),
			uint16(r) == RegEnergy && !caps.Has(CapEnergy):
			return nil, fmt.Errorf("%w: 0x%04X not supported by %s", evbus.ErrIllegalRegister, r, s.kind)
		}
	}
	out := make([]int32, count)
	copy(out, all[reg:int(reg)+count])
	return out, nil
}

// WriteRegisters rejects every write; meters are read-only.
func (s *Sim) WriteRegisters(reg uint16, values []int32) error {
	return fmt.Errorf("%w: meter registers are read-only", evbus.ErrIllegalRegister)
}
