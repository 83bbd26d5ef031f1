// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package allocation

import (
	"testing"

	"github.com/Thermoquad/evsectl/internal/evse"
)

func charging(requested, allocated evse.Current) evse.Point {
	return evse.Point{State: evse.StateCharging, Requested: requested, Allocated: allocated}
}

// ============================================================
// Ceilings
// ============================================================

func TestCeilings(t *testing.T) {
	cfg := Config{MinCurrent: evse.Amps(6)}
	tests := []struct {
		name     string
		caps     Capabilities
		limit    evse.Current
		override evse.Current
		want     evse.Current
	}{
		{"requested only", Capabilities{ExternalLimit: true}, NoLimit, 0, evse.Amps(16)},
		{"external limit lowers", Capabilities{ExternalLimit: true}, evse.Amps(10), 0, evse.Amps(10)},
		{"external limit below minimum collapses", Capabilities{ExternalLimit: true}, evse.Amps(5), 0, 0},
		{"external limit ignored when balancing", Capabilities{}, evse.Amps(5), 0, evse.Amps(16)},
		{"override wins", Capabilities{ExternalLimit: true}, evse.Amps(10), evse.Amps(8), evse.Amps(8)},
		{"override below minimum collapses", Capabilities{}, NoLimit, evse.Amps(4), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Input{ExternalLimit: tt.limit, Override: tt.override}
			in.Points[0] = charging(evse.Amps(16), 0)
			in.Points[1] = charging(evse.Amps(16), 0)
			got := ceilings(cfg, tt.caps, in)
			if got[0] != tt.want {
				t.Errorf("ceiling = %s, want %s", got[0], tt.want)
			}
			if got[1] != evse.Amps(16) {
				t.Errorf("remote ceiling changed to %s", got[1])
			}
		})
	}
}

// ============================================================
// Solar adjustment
// ============================================================

func TestSolarAdjust(t *testing.T) {
	tests := []struct {
		name  string
		net   evse.Current
		idiff evse.Current
		want  evse.Current
	}{
		{"large export", -50, 100, 105},
		{"large export little headroom", -50, 10, 101},
		{"small export", -5, 100, 101},
		{"heavy import halves overage", 60, 100, 70},
		{"moderate import", 15, 100, 95},
		{"light import", 5, 100, 99},
		{"within deadband", 3, 100, 100},
		{"balanced", 0, 100, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := solarAdjust(100, tt.net, tt.idiff); got != tt.want {
				t.Errorf("solarAdjust = %d, want %d", got, tt.want)
			}
		})
	}
}

// ============================================================
// Target
// ============================================================

func TestTarget_SmartDamping(t *testing.T) {
	cfg := Config{Mode: evse.ModeSmart, MaxMains: evse.Amps(25), MinCurrent: evse.Amps(6), MainsMeter: true}
	caps := Resolve(cfg)

	s := snapshot{imeasured: evse.Amps(17), phases: 3}
	got := target(cfg, caps, s, evse.Amps(10), true, false)
	if got.target != evse.Amps(12) {
		t.Errorf("ramp up: target = %s, want 12.0A (a quarter of 8A headroom)", got.target)
	}

	s.imeasured = evse.Amps(30)
	got = target(cfg, caps, s, evse.Amps(10), true, false)
	if got.target != evse.Amps(5) {
		t.Errorf("ramp down: target = %s, want 5.0A", got.target)
	}

	got = target(cfg, caps, s, evse.Amps(10), false, false)
	if got.target != evse.Amps(10) {
		t.Errorf("without a new measurement the target must hold, got %s", got.target)
	}

	got = target(cfg, caps, snapshot{imeasured: -evse.Amps(100), phases: 3}, evse.Amps(79), true, false)
	if got.target != evse.MaxTarget {
		t.Errorf("target must clamp to %s, got %s", evse.MaxTarget, got.target)
	}
}

func TestTarget_Normal(t *testing.T) {
	cfg := Config{MaxCircuit: evse.Amps(20)}
	s := snapshot{baseloadEV: evse.Amps(4), phases: 3}
	s.ceilings[0] = evse.Amps(13)

	if got := target(cfg, Capabilities{}, s, 0, false, false); got.target != evse.Amps(13) {
		t.Errorf("stand-alone target = %s, want own ceiling", got.target)
	}
	if got := target(cfg, Capabilities{Balancing: true}, s, 0, false, false); got.target != evse.Amps(16) {
		t.Errorf("master target = %s, want circuit minus EV baseline", got.target)
	}
}

func TestTarget_SmartJoin(t *testing.T) {
	cfg := Config{
		Mode: evse.ModeSmart, Role: evse.RoleMaster,
		MaxMains: evse.Amps(32), MaxCircuit: evse.Amps(20), MaxSumMains: evse.Amps(60),
		MainsMeter: true,
	}
	caps := Resolve(cfg)
	s := snapshot{active: 2, baseload: evse.Amps(10), baseloadEV: 0, isum: evse.Amps(30), phases: 3}

	got := target(cfg, caps, s, 0, false, true)
	// min(32-10, 20-0, (60-30)/3) = 10A
	if got.target != evse.Amps(10) {
		t.Errorf("join target = %s, want 10.0A", got.target)
	}
}

// ============================================================
// Shortage classification
// ============================================================

func TestClassify(t *testing.T) {
	base := Config{MinCurrent: evse.Amps(6), MaxMains: evse.Amps(25), MaxCircuit: evse.Amps(32), MainsMeter: true}

	tests := []struct {
		name  string
		cfg   func(c *Config)
		in    Input
		s     snapshot
		check func(t *testing.T, sh shortage)
	}{
		{
			name: "enough current",
			cfg:  func(c *Config) { c.Mode = evse.ModeSmart },
			s:    snapshot{active: 2, target: evse.Amps(12), phases: 3},
			check: func(t *testing.T, sh shortage) {
				if sh.short {
					t.Error("no shortage expected")
				}
			},
		},
		{
			name: "mains exceeded at the floor is hard",
			cfg:  func(c *Config) { c.Mode = evse.ModeSmart },
			in:   Input{MainsTrusted: true},
			s:    snapshot{active: 2, target: evse.Amps(5), baseload: evse.Amps(20), phases: 3},
			check: func(t *testing.T, sh shortage) {
				if !sh.short || !sh.hard || sh.floor != evse.Amps(12) {
					t.Errorf("got %+v", sh)
				}
			},
		},
		{
			name: "sum limited without grace is hard",
			cfg: func(c *Config) {
				c.Mode = evse.ModeSmart
				c.MaxSumMains = evse.Amps(60)
			},
			in: Input{MainsTrusted: true},
			s:  snapshot{active: 1, target: evse.Amps(4), limitedBySum: true, phases: 3},
			check: func(t *testing.T, sh shortage) {
				if !sh.hard {
					t.Errorf("got %+v", sh)
				}
			},
		},
		{
			name: "sum limited with grace is soft",
			cfg: func(c *Config) {
				c.Mode = evse.ModeSmart
				c.MaxSumMains = evse.Amps(60)
				c.MaxSumMainsTime = 5
			},
			in: Input{MainsTrusted: true},
			s:  snapshot{active: 1, target: evse.Amps(4), limitedBySum: true, phases: 3},
			check: func(t *testing.T, sh shortage) {
				if sh.hard || !sh.sumTimer {
					t.Errorf("got %+v", sh)
				}
			},
		},
		{
			name: "solar shedding precedes hard stop",
			cfg: func(c *Config) {
				c.Mode = evse.ModeSolar
				c.Contactor2 = evse.C2Auto
				c.StopTime = 10
				c.StartCurrent = evse.Amps(4)
			},
			in: Input{MainsTrusted: true, Phases: 3},
			s: snapshot{
				active: 1, target: evse.Amps(2), phases: 3,
				baseload: evse.Amps(22), isum: evse.Amps(30), isumImport: evse.Amps(30),
			},
			check: func(t *testing.T, sh shortage) {
				if !sh.shed || sh.hard || sh.solarTimer {
					t.Errorf("got %+v", sh)
				}
			},
		},
		{
			name: "solar without shedding starts stop timer",
			cfg: func(c *Config) {
				c.Mode = evse.ModeSolar
				c.Contactor2 = evse.C2NotPresent
				c.StopTime = 10
				c.StartCurrent = evse.Amps(4)
			},
			in: Input{MainsTrusted: true, Phases: 3},
			s: snapshot{
				active: 1, target: evse.Amps(2), phases: 3,
				isum: evse.Amps(30), isumImport: evse.Amps(30),
			},
			check: func(t *testing.T, sh shortage) {
				if sh.shed || sh.hard || !sh.solarTimer {
					t.Errorf("got %+v", sh)
				}
			},
		},
		{
			name: "solar exporting resets stop timer",
			cfg: func(c *Config) {
				c.Mode = evse.ModeSolar
				c.StopTime = 10
			},
			in: Input{MainsTrusted: true},
			s:  snapshot{active: 1, target: evse.Amps(2), phases: 3, isum: -evse.Amps(3), isumImport: -evse.Amps(3)},
			check: func(t *testing.T, sh shortage) {
				if !sh.solarReset || sh.solarTimer {
					t.Errorf("got %+v", sh)
				}
			},
		},
		{
			name: "pending phase switch keeps hard stop",
			cfg:  func(c *Config) { c.Mode = evse.ModeSmart },
			in:   Input{MainsTrusted: true, Switching: evse.SwitchPending},
			s:    snapshot{active: 2, target: evse.Amps(5), baseload: evse.Amps(20), phases: 3},
			check: func(t *testing.T, sh shortage) {
				if !sh.hard {
					t.Errorf("got %+v", sh)
				}
			},
		},
		{
			name: "solar switch under way does not shed again",
			cfg: func(c *Config) {
				c.Mode = evse.ModeSolar
				c.Contactor2 = evse.C2Auto
				c.StopTime = 10
				c.StartCurrent = evse.Amps(4)
			},
			in: Input{MainsTrusted: true, Phases: 3, Switching: evse.SwitchPending},
			s: snapshot{
				active: 1, target: evse.Amps(2), phases: 3,
				baseload: evse.Amps(22), isum: evse.Amps(30), isumImport: evse.Amps(30),
			},
			check: func(t *testing.T, sh shortage) {
				if sh.shed || !sh.hard {
					t.Errorf("got %+v", sh)
				}
			},
		},
		{
			name: "floor above absolute ceiling is hard",
			cfg: func(c *Config) {
				c.Role = evse.RoleMaster
				c.MaxCircuit = evse.Amps(16)
			},
			s: snapshot{active: 3, target: evse.Amps(16), phases: 3},
			check: func(t *testing.T, sh shortage) {
				if !sh.hard {
					t.Errorf("got %+v", sh)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.cfg(&cfg)
			tt.check(t, classify(cfg, Resolve(cfg), tt.in, tt.s))
		})
	}
}

// ============================================================
// Distribution
// ============================================================

func TestDistribute(t *testing.T) {
	cfg := Config{MinCurrent: evse.Amps(6)}

	var points [evse.MaxPoints]evse.Point
	points[0] = charging(evse.Amps(32), 0)
	points[2] = charging(evse.Amps(8), 0)
	points[5] = charging(evse.Amps(32), 0)
	points[6] = evse.Point{State: evse.StateDemandPending, Requested: evse.Amps(32)}
	ceil := ceilings(cfg, Capabilities{}, Input{Points: points})

	got := distribute(cfg, points, ceil, evse.Amps(40))
	want := [evse.MaxPoints]evse.Current{0: evse.Amps(16), 2: evse.Amps(8), 5: evse.Amps(16)}
	if got != want {
		t.Errorf("distribute = %v, want %v", got, want)
	}
}

func TestDistribute_RemainderStaysWithinTotal(t *testing.T) {
	cfg := Config{MinCurrent: evse.Amps(6)}
	var points [evse.MaxPoints]evse.Point
	for i := 0; i < 3; i++ {
		points[i] = charging(evse.Amps(32), 0)
	}
	ceil := ceilings(cfg, Capabilities{}, Input{Points: points})
	got := distribute(cfg, points, ceil, 200)

	var sum evse.Current
	for _, c := range got {
		sum += c
	}
	if sum > 200 {
		t.Errorf("sum %s exceeds total", sum)
	}
	if got[0] != 66 || got[1] != 67 || got[2] != 67 {
		t.Errorf("split = %v", got[:3])
	}
}

func TestDistribute_SolarStartWindow(t *testing.T) {
	cfg := Config{Mode: evse.ModeSolar, MinCurrent: evse.Amps(6)}
	var points [evse.MaxPoints]evse.Point
	points[0] = charging(evse.Amps(16), evse.Amps(10))
	points[0].Node.RampTimer = SolarStartSeconds
	points[1] = charging(evse.Amps(16), 0)
	points[1].Node.RampTimer = 3
	ceil := ceilings(cfg, Capabilities{}, Input{Points: points})

	got := distribute(cfg, points, ceil, evse.Amps(20))
	if got[1] != evse.Amps(6) {
		t.Errorf("new solar point = %s, want minimum", got[1])
	}
	if got[0] != evse.Amps(14) {
		t.Errorf("established point = %s, want remainder", got[0])
	}
}
