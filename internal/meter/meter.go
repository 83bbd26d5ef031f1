// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package meter models the mains and EV-side energy meters: their kinds,
// their readings and how long a reading may be trusted.
package meter

import (
	"fmt"
	"strings"
	"time"

	"github.com/Thermoquad/evsectl/internal/evse"
)

// Trust windows. A reading older than this is treated as if the meter
// were absent.
const (
	MainsTimeout = 11 * time.Second
	EVTimeout    = 64 * time.Second
)

// Kind is the type of meter attached to a feed.
type Kind uint8

const (
	KindNone      Kind = iota
	KindSensorbox      // current transformers only
	KindGeneric        // currents, power and energy over the station bus
	KindAPI            // readings pushed by an external system, never polled
)

var kindNames = []string{"none", "sensorbox", "generic", "api"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind parses a meter kind name.
func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if name == strings.ToLower(s) {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown meter kind %q", s)
}

// Capability is the set of measurements a meter kind supports.
type Capability uint8

const (
	CapCurrents Capability = 1 << iota
	CapPower
	CapEnergy
)

// Capabilities returns what a meter of kind k can be asked for.
func (k Kind) Capabilities() Capability {
	switch k {
	case KindSensorbox:
		return CapCurrents
	case KindGeneric, KindAPI:
		return CapCurrents | CapPower | CapEnergy
	default:
		return 0
	}
}

// Has reports whether all of want are supported.
func (c Capability) Has(want Capability) bool { return c&want == want }

// Polled reports whether the master reads this kind over the bus.
func (k Kind) Polled() bool {
	return k == KindSensorbox || k == KindGeneric
}

// Reading is one measurement of a three-phase feed.
type Reading struct {
	Irms   [3]evse.Current // per phase, negative when exporting
	Power  int             // W
	Energy int             // Wh, cumulative
	At     time.Time
}

// Imeasured is the highest phase current.
func (r Reading) Imeasured() evse.Current {
	m := r.Irms[0]
	for _, c := range r.Irms[1:] {
		if c > m {
			m = c
		}
	}
	return m
}

// Isum is the sum of all phase currents.
func (r Reading) Isum() evse.Current {
	return r.Irms[0] + r.Irms[1] + r.Irms[2]
}

// Meter tracks the last reading of one feed and whether it is still
// trusted.
type Meter struct {
	Kind    Kind
	Address uint8

	timeout time.Duration
	last    Reading
	seen    bool
}

// New creates a meter of kind k with the given trust window.
func New(k Kind, address uint8, timeout time.Duration) *Meter {
	return &Meter{Kind: k, Address: address, timeout: timeout}
}

// Present reports whether a meter is configured at all.
func (m *Meter) Present() bool { return m != nil && m.Kind != KindNone }

// Update records a fresh reading. Fields the meter kind cannot measure
// keep their previous value.
func (m *Meter) Update(r Reading) {
	caps := m.Kind.Capabilities()
	if !caps.Has(CapPower) {
		r.Power = m.last.Power
	}
	if !caps.Has(CapEnergy) {
		r.Energy = m.last.Energy
	}
	m.last = r
	m.seen = true
}

// UpdateCurrents records new phase currents only.
func (m *Meter) UpdateCurrents(irms [3]evse.Current, at time.Time) {
	r := m.last
	r.Irms = irms
	r.At = at
	m.last = r
	m.seen = true
}

// UpdatePower records a power reading without refreshing the trust window.
func (m *Meter) UpdatePower(w int) { m.last.Power = w }

// UpdateEnergy records an energy reading without refreshing the trust window.
func (m *Meter) UpdateEnergy(wh int) { m.last.Energy = wh }

// Trusted reports whether the last reading is younger than the trust window.
func (m *Meter) Trusted(now time.Time) bool {
	if !m.Present() || !m.seen {
		return false
	}
	return now.Sub(m.last.At) < m.timeout
}

// Seen reports whether any reading has arrived since the meter was created.
func (m *Meter) Seen() bool { return m.seen }

// Last returns the most recent reading regardless of age.
func (m *Meter) Last() Reading { return m.last }

// Current returns the last reading when trusted and a zero reading with ok
// false otherwise.
func (m *Meter) Current(now time.Time) (Reading, bool) {
	if !m.Trusted(now) {
		return Reading{}, false
	}
	return m.last, true
}
