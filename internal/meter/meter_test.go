// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package meter

import (
	"errors"
	"testing"
	"time"

	"github.com/Thermoquad/evsectl/internal/evse"
	"github.com/Thermoquad/evsectl/pkg/evbus"
)

func TestReading_Aggregates(t *testing.T) {
	r := Reading{Irms: [3]evse.Current{120, -30, 95}}
	if got := r.Imeasured(); got != 120 {
		t.Errorf("Imeasured = %s, want 12.0A", got)
	}
	if got := r.Isum(); got != 185 {
		t.Errorf("Isum = %s, want 18.5A", got)
	}

	export := Reading{Irms: [3]evse.Current{-20, -20, -19}}
	if got := export.Imeasured(); got != -19 {
		t.Errorf("Imeasured with export = %s, want -1.9A", got)
	}
}

func TestMeter_Trust(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		kind    Kind
		update  bool
		age     time.Duration
		trusted bool
	}{
		{"absent meter", KindNone, true, 0, false},
		{"never read", KindGeneric, false, 0, false},
		{"fresh", KindGeneric, true, 2 * time.Second, true},
		{"just inside window", KindGeneric, true, MainsTimeout - time.Millisecond, true},
		{"expired", KindGeneric, true, MainsTimeout, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(tt.kind, 10, MainsTimeout)
			if tt.update {
				m.Update(Reading{Irms: [3]evse.Current{50, 50, 50}, At: base})
			}
			now := base.Add(tt.age)
			if got := m.Trusted(now); got != tt.trusted {
				t.Errorf("Trusted = %v, want %v", got, tt.trusted)
			}
			r, ok := m.Current(now)
			if ok != tt.trusted {
				t.Errorf("Current ok = %v, want %v", ok, tt.trusted)
			}
			if !ok && r != (Reading{}) {
				t.Errorf("untrusted reading leaked: %+v", r)
			}
		})
	}
}

func TestMeter_UpdateKeepsUnsupportedFields(t *testing.T) {
	now := time.Now()
	m := New(KindSensorbox, 10, MainsTimeout)
	m.UpdateEnergy(1000)
	m.Update(Reading{Irms: [3]evse.Current{10, 20, 30}, Power: 999, Energy: 5, At: now})
	last := m.Last()
	if last.Energy != 1000 || last.Power != 0 {
		t.Errorf("sensorbox must not take power/energy from a reading: %+v", last)
	}

	g := New(KindGeneric, 12, EVTimeout)
	g.Update(Reading{Power: 7200, Energy: 5, At: now})
	g.UpdateCurrents([3]evse.Current{100, 0, 0}, now.Add(time.Second))
	if g.Last().Power != 7200 || g.Last().Irms[0] != 100 {
		t.Errorf("partial update lost data: %+v", g.Last())
	}
}

func TestKind(t *testing.T) {
	for _, name := range []string{"none", "sensorbox", "generic", "api"} {
		k, err := ParseKind(name)
		if err != nil {
			t.Fatalf("ParseKind(%q): %v", name, err)
		}
		if k.String() != name {
			t.Errorf("round trip %q -> %q", name, k.String())
		}
	}
	if _, err := ParseKind("modbus"); err == nil {
		t.Error("unknown kind should fail")
	}
	if KindAPI.Polled() || !KindSensorbox.Polled() {
		t.Error("only bus meters are polled")
	}
	if KindSensorbox.Capabilities().Has(CapEnergy) {
		t.Error("sensorbox has no energy register")
	}
}

func TestSim_ReadRegisters(t *testing.T) {
	s := NewSim(KindGeneric)
	s.Set(Reading{Irms: [3]evse.Current{11, 22, 33}, Power: 4000, Energy: 12345})

	vals, err := s.ReadRegisters(RegCurrents, RegCurrentsCount)
	if err != nil {
		t.Fatalf("ReadRegisters: %v", err)
	}
	irms, err := ParseCurrents(vals)
	if err != nil {
		t.Fatalf("ParseCurrents: %v", err)
	}
	if irms != [3]evse.Current{11, 22, 33} {
		t.Errorf("currents = %v", irms)
	}

	vals, err = s.ReadRegisters(RegEnergy, 1)
	if err != nil || vals[0] != 12345 {
		t.Errorf("energy = %v, %v", vals, err)
	}

	if _, err := s.ReadRegisters(RegEnergy, 2); !errors.Is(err, evbus.ErrIllegalRegister) {
		t.Errorf("read past end error = %v", err)
	}

	sb := NewSim(KindSensorbox)
	if _, err := sb.ReadRegisters(RegPower, 1); !errors.Is(err, evbus.ErrIllegalRegister) {
		t.Errorf("sensorbox power read error = %v", err)
	}
	if err := sb.WriteRegisters(0, []int32{1}); err == nil {
		t.Error("meter writes must be rejected")
	}
}

func TestParseCurrents_WrongLength(t *testing.T) {
	if _, err := ParseCurrents([]int32{1, 2}); err == nil {
		t.Error("expected error for short response")
	}
}
