// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package allocation

import (
	"github.com/Thermoquad/evsectl/internal/evse"
	"github.com/Thermoquad/evsectl/internal/meter"
)

// SolarStartSeconds is how long a point newly charging in solar mode is
// held at the minimum before it shares in the surplus.
const SolarStartSeconds = 40

// NoLimit marks the absence of an external smart-charging limit.
const NoLimit evse.Current = -1

// Input is everything one allocation cycle reads. Points carries the
// point table as it stands, with a joining point already in Charging.
type Input struct {
	Points [evse.MaxPoints]evse.Point

	Mains        meter.Reading
	MainsTrusted bool
	EV           meter.Reading
	EVTrusted    bool

	Phases        int // detected phases of the local session, 0 if unknown
	Switching     evse.PhaseSwitch
	ExternalLimit evse.Current // NoLimit when unset
	Override      evse.Current // 0 when unset
	GridRelayOpen bool
}

// snapshot is the immutable intermediate result passed between steps.
type snapshot struct {
	ceilings  [evse.MaxPoints]evse.Current
	active    int
	activeMax evse.Current
	total     evse.Current // currently allocated to active points

	imeasured   evse.Current
	imeasuredEV evse.Current
	isum        evse.Current
	baseload    evse.Current
	baseloadEV  evse.Current
	phases      int // phases assumed for per-phase limits, never 0

	idiff        evse.Current
	isumImport   evse.Current
	target       evse.Current
	limitedBySum bool
}

// shortage is the outcome of the shortage classification step.
type shortage struct {
	short      bool
	hard       bool
	shed       bool
	solarTimer bool // start the solar stop timer
	solarReset bool // solar import is under control, reset the timer
	sumTimer   bool // start the sum-of-mains timer
	floor      evse.Current
}

func minCurrent(a, b evse.Current) evse.Current {
	if a < b {
		return a
	}
	return b
}

// ============================================================
// Step 1: per-point ceilings
// ============================================================

// ceilings computes max_allowed_current for every point. The external
// limit and the override act on the local point (index 0); a ceiling
// below the minimum collapses to zero.
func ceilings(cfg Config, caps Capabilities, in Input) [evse.MaxPoints]evse.Current {
	var out [evse.MaxPoints]evse.Current
	for i, p := range in.Points {
		c := p.Requested
		if i == 0 {
			if caps.ExternalLimit && in.ExternalLimit != NoLimit {
				if in.ExternalLimit < cfg.MinCurrent {
					c = 0
				} else {
					c = minCurrent(c, in.ExternalLimit)
				}
			}
			if in.Override > 0 {
				c = in.Override
			}
		}
		if c < cfg.MinCurrent {
			c = 0
		}
		if c > evse.MaxTarget {
			c = evse.MaxTarget
		}
		out[i] = c
	}
	return out
}

// ============================================================
// Step 2: baseline load
// ============================================================

func baseline(cfg Config, in Input, ceil [evse.MaxPoints]evse.Current) snapshot {
	s := snapshot{ceilings: ceil}
	for i, p := range in.Points {
		if p.State.Active() {
			s.active++
			s.activeMax += ceil[i]
			s.total += p.Allocated
		}
	}

	if in.MainsTrusted {
		s.imeasured = in.Mains.Imeasured()
		s.isum = in.Mains.Isum()
	}
	if in.EVTrusted {
		s.imeasuredEV = in.EV.Imeasured()
	}
	s.baseload = s.imeasured - s.total
	s.baseloadEV = s.imeasuredEV - s.total
	if s.baseloadEV < 0 {
		s.baseloadEV = 0
	}

	s.phases = in.Phases
	if s.phases == 0 {
		s.phases = 3
	}
	if cfg.SinglePhase(in.Switching) {
		s.phases = 1
	}
	return s
}

// sumBound is the per-phase current all active points may share before
// the sum-of-phases ceiling is reached.
func sumBound(cfg Config, s snapshot) evse.Current {
	baselineSum := s.isum - evse.Current(s.phases)*s.total
	return (cfg.MaxSumMains - baselineSum) / evse.Current(s.phases)
}

// ============================================================
// Step 3: target
// ============================================================

// target derives the aggregate target from the previous one.
func target(cfg Config, caps Capabilities, s snapshot, prev evse.Current, updated, join bool) snapshot {
	if cfg.Mode == evse.ModeNormal {
		if caps.Balancing {
			s.target = cfg.MaxCircuit - s.baseloadEV
		} else {
			s.target = s.ceilings[0]
		}
		return s
	}

	s.target = prev
	s.idiff = cfg.MaxMains - s.imeasured
	if caps.CircuitGuard {
		s.idiff = minCurrent(s.idiff, cfg.MaxCircuit-s.imeasuredEV)
	}
	if caps.SumGuard {
		if d := (cfg.MaxSumMains - s.isum) / evse.Current(s.phases); s.idiff > d {
			s.idiff = d
			s.limitedBySum = true
		}
	}

	if !join {
		if updated {
			if s.idiff > 0 {
				if cfg.Mode == evse.ModeSmart {
					s.target += s.idiff / 4
				}
			} else {
				s.target += s.idiff
			}
		}
		s.target = clampTarget(s.target)
	}

	switch cfg.Mode {
	case evse.ModeSolar:
		s.isumImport = s.isum - cfg.ImportCurrent
		if s.idiff > 0 && updated {
			s.target = solarAdjust(s.target, s.isumImport, s.idiff)
		}
	case evse.ModeSmart:
		if join && s.active > 0 {
			s.target = minCurrent(cfg.MaxMains-s.baseload, cfg.MaxCircuit-s.baseloadEV)
			if caps.SumGuard {
				s.target = minCurrent(s.target, (cfg.MaxSumMains-s.isum)/evse.Current(s.phases))
			}
		}
	}
	return s
}

// solarAdjust moves the target by net grid import relative to the allowed
// import. Exporting raises it gently, importing lowers it in proportion.
func solarAdjust(t, isumImport, idiff evse.Current) evse.Current {
	switch {
	case isumImport < 0:
		if isumImport < -10 && idiff > 10 {
			return t + 5
		}
		return t + 1
	case isumImport > 20:
		return t - isumImport/2
	case isumImport > 10:
		return t - 5
	case isumImport > 3:
		return t - 1
	}
	return t
}

func clampTarget(t evse.Current) evse.Current {
	if t < evse.MinTarget {
		return evse.MinTarget
	}
	if t > evse.MaxTarget {
		return evse.MaxTarget
	}
	return t
}

// ============================================================
// Step 4: clamp
// ============================================================

// absoluteCeiling is the hard bound on the sum of all allocations: the
// mains ceiling while the mains meter is trusted, the circuit ceiling
// where it applies and the sum-of-phases ceiling per phase.
func absoluteCeiling(cfg Config, caps Capabilities, mainsTrusted bool, phases int) evse.Current {
	c := evse.MaxTarget * evse.MaxPoints
	if mainsTrusted {
		c = minCurrent(c, cfg.MaxMains)
	}
	if caps.CircuitGuard {
		c = minCurrent(c, cfg.MaxCircuit)
	}
	if caps.SumGuard {
		c = minCurrent(c, cfg.MaxSumMains/evse.Current(phases))
	}
	return c
}

func clamp(cfg Config, caps Capabilities, in Input, s snapshot) snapshot {
	if caps.MainsGuard {
		s.target = minCurrent(s.target, cfg.MaxMains-s.baseload)
	}
	if caps.CircuitGuard {
		s.target = minCurrent(s.target, cfg.MaxCircuit-s.baseloadEV)
	}
	if caps.SumGuard {
		if b := sumBound(cfg, s); s.target > b {
			s.target = b
			s.limitedBySum = true
		}
	}
	if caps.GridRelay && in.GridRelayOpen {
		s.target = minCurrent(s.target, cfg.GridRelayMaxSumMains/evse.Current(s.phases))
	}
	s.target = minCurrent(s.target, absoluteCeiling(cfg, caps, in.MainsTrusted, s.phases))
	return s
}

// ============================================================
// Step 5: shortage classification
// ============================================================

// classify decides whether the clamped target leaves every active point
// its minimum, and how to react when it does not. Phase shedding is tried
// first, then a hard stop when a bound is exceeded even at the floor,
// then the grace timers.
func classify(cfg Config, caps Capabilities, in Input, s snapshot) shortage {
	floor := evse.Current(s.active) * cfg.MinCurrent
	if s.target >= floor {
		return shortage{floor: floor}
	}
	sh := shortage{short: true, floor: floor}

	if cfg.Mode == evse.ModeSolar {
		wouldRestart := s.isum > evse.Current(s.active*s.phases)*cfg.MinCurrent-cfg.StartCurrent
		if caps.SolarStop && s.isumImport > 0 && wouldRestart {
			if caps.PhaseShedding && in.Phases > 1 && in.Switching != evse.SwitchDone {
				sh.shed = in.Switching == evse.SwitchNone
			} else {
				sh.solarTimer = true
			}
		} else {
			sh.solarReset = true
		}
	}

	hard := false
	if caps.MainsGuard && floor > cfg.MaxMains-s.baseload {
		hard = true
	}
	if caps.CircuitGuard && floor > cfg.MaxCircuit-s.baseloadEV {
		hard = true
	}
	if s.limitedBySum && !caps.SumGrace {
		hard = true
	}
	if floor > absoluteCeiling(cfg, caps, in.MainsTrusted, s.phases) {
		hard = true
	}

	// Only a switch started by this cycle defers the stop. A switch
	// already under way gets no second chance.
	shedding := cfg.Mode == evse.ModeSolar && caps.PhaseShedding && sh.shed
	if hard && !shedding {
		sh.hard = true
		return sh
	}
	if s.limitedBySum && caps.SumGrace {
		sh.sumTimer = true
	}
	return sh
}

// ============================================================
// Step 6: distribution
// ============================================================

// distribute splits total across active points. Points still in their
// solar start window get the minimum, points whose fair share meets their
// ceiling get the ceiling, and the rest share what is left equally.
func distribute(cfg Config, points [evse.MaxPoints]evse.Point, ceil [evse.MaxPoints]evse.Current, total evse.Current) [evse.MaxPoints]evse.Current {
	var out [evse.MaxPoints]evse.Current
	var set [evse.MaxPoints]bool

	active := 0
	for _, p := range points {
		if p.State.Active() {
			active++
		}
	}

	remaining := total
	for n := 0; n < evse.MaxPoints && active > 0; {
		if !points[n].State.Active() || set[n] {
			n++
			continue
		}
		average := remaining / evse.Current(active)
		switch {
		case cfg.Mode == evse.ModeSolar && points[n].Node.RampTimer < SolarStartSeconds:
			out[n] = minCurrent(cfg.MinCurrent, ceil[n])
			if out[n] > remaining {
				out[n] = max(remaining, 0)
			}
		case average >= ceil[n]:
			out[n] = ceil[n]
		default:
			n++
			continue
		}
		set[n] = true
		active--
		remaining -= out[n]
		n = 0
	}

	for n := 0; n < evse.MaxPoints && active > 0; n++ {
		if !points[n].State.Active() || set[n] {
			continue
		}
		c := remaining / evse.Current(active)
		if c < 0 {
			c = 0
		}
		c = minCurrent(c, ceil[n])
		out[n] = c
		set[n] = true
		active--
		remaining -= c
	}
	return out
}
