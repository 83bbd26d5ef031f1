// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package allocation

import (
	"log/slog"

	"github.com/Thermoquad/evsectl/internal/evse"
)

// OverloadCount is the number of hard shortages after which every point
// is flagged, outside Normal mode.
const OverloadCount = 2

// Shortage classifies the outcome of one allocation cycle.
type Shortage uint8

const (
	ShortageNone Shortage = iota
	ShortageSoft
	ShortageHard
)

func (s Shortage) String() string {
	switch s {
	case ShortageSoft:
		return "soft"
	case ShortageHard:
		return "hard"
	default:
		return "none"
	}
}

// Result is the outcome of Recompute.
type Result struct {
	Target       evse.Current
	Allocations  [evse.MaxPoints]evse.Current
	Ceilings     [evse.MaxPoints]evse.Current
	Distributed  bool // false when the previous allocations were kept
	Shortage     Shortage
	LimitedBySum bool

	// ShedPhases asks the local point to restart on one phase.
	ShedPhases bool
	// Stop commands every active point to stop and raise Raise.
	Stop  bool
	Raise evse.ErrorFlags
	// ClearShortage releases shortage flags on every point.
	ClearShortage bool
	// Overload reports a sustained overload: flag every point.
	Overload bool
}

// Status is the engine's state between cycles.
type Status struct {
	Target           evse.Current
	SolarStopTimer   int
	MaxSumMainsTimer int
	NoCurrent        int
}

// Engine runs the allocation pipeline and keeps the damped target and
// the grace timers. It is not safe for concurrent use.
type Engine struct {
	cfg  Config
	caps Capabilities
	log  *slog.Logger

	target           evse.Current
	updated          bool
	solarStopTimer   int
	maxSumMainsTimer int
	noCurrent        int
}

// NewEngine creates an engine for cfg.
func NewEngine(cfg Config, log *slog.Logger) *Engine {
	return &Engine{cfg: cfg, caps: Resolve(cfg), log: log}
}

// Configure replaces the configuration and re-resolves the capabilities.
// Entering Smart mode forgets grace timers from the previous mode.
func (e *Engine) Configure(cfg Config) {
	if cfg.Mode == evse.ModeSmart && e.cfg.Mode != evse.ModeSmart {
		e.ResetTimers()
	}
	e.cfg = cfg
	e.caps = Resolve(cfg)
}

func (e *Engine) Config() Config { return e.cfg }
func (e *Engine) Capabilities() Capabilities { return e.caps }

// Status returns the current engine state.
func (e *Engine) Status() Status {
	return Status{
		Target:           e.target,
		SolarStopTimer:   e.solarStopTimer,
		MaxSumMainsTimer: e.maxSumMainsTimer,
		NoCurrent:        e.noCurrent,
	}
}

// MeasurementUpdated marks that fresh mains currents arrived. Smart and
// Solar targets only move on cycles that follow a new measurement.
func (e *Engine) MeasurementUpdated() { e.updated = true }

// ResetTimers stops both grace timers and the shortage counter.
func (e *Engine) ResetTimers() {
	e.solarStopTimer = 0
	e.maxSumMainsTimer = 0
	e.noCurrent = 0
}

// IsCurrentAvailable reports whether one more point could start charging
// at its minimum without breaking any ceiling.
func (e *Engine) IsCurrentAvailable(in Input) bool {
	ok, reason := Available(e.cfg, e.caps, in)
	if !ok {
		e.log.Debug("no current available", slog.String("reason", reason))
	}
	return ok
}

// Available is the pure form of IsCurrentAvailable. The reason names the
// first violated condition.
func Available(cfg Config, caps Capabilities, in Input) (bool, string) {
	s := baseline(cfg, in, ceilings(cfg, caps, in))
	minimum := cfg.MinCurrent

	if cfg.Mode == evse.ModeSolar {
		switch {
		case s.active == 0 && s.isum >= -cfg.StartCurrent:
			return false, "solar surplus below start current"
		case evse.Current(s.active)*minimum > s.total:
			return false, "active points below minimum"
		case s.active > 0 && s.isum > cfg.ImportCurrent+s.total-evse.Current(s.active)*minimum:
			return false, "solar import above allowance"
		}
	}

	n := s.active + 1
	if n > evse.MaxPoints {
		n = evse.MaxPoints
	}
	need := evse.Current(n) * minimum
	phases := 3
	if cfg.SinglePhase(in.Switching) {
		phases = 1
	}

	if caps.MainsGuard && need+s.baseload > cfg.MaxMains {
		return false, "mains ceiling"
	}
	if caps.CircuitGuard && need+s.baseloadEV > cfg.MaxCircuit {
		return false, "circuit ceiling"
	}
	if caps.SumGuard && evse.Current(phases)*need+s.isum > cfg.MaxSumMains {
		return false, "sum of phases ceiling"
	}
	if caps.ExternalLimit && in.ExternalLimit != NoLimit && in.ExternalLimit < minimum {
		return false, "external limit below minimum"
	}
	if need > absoluteCeiling(cfg, caps, in.MainsTrusted, phases) {
		return false, "absolute ceiling"
	}
	return true, ""
}

// Recompute runs one allocation cycle. join is true when a point has just
// been admitted to Charging in in.Points.
func (e *Engine) Recompute(in Input, join bool) Result {
	cfg, caps := e.cfg, e.caps
	updated := e.updated
	e.updated = false

	ceil := ceilings(cfg, caps, in)
	s := baseline(cfg, in, ceil)
	s = target(cfg, caps, s, e.target, updated, join)
	s = clamp(cfg, caps, in, s)

	res := Result{Ceilings: ceil, LimitedBySum: s.limitedBySum}
	for i, p := range in.Points {
		if p.State.Active() {
			res.Allocations[i] = p.Allocated
		}
	}

	switch {
	case s.active == 0:
		e.solarStopTimer = 0
		e.maxSumMainsTimer = 0
	case updated || join || cfg.Mode == evse.ModeNormal:
		s = e.settle(cfg, caps, in, s, &res)
	}

	s.target = clampTarget(s.target)
	e.target = s.target
	res.Target = s.target

	if cfg.Mode != evse.ModeNormal && (e.noCurrent > OverloadCount || s.imeasured > 2*cfg.MaxMains) {
		res.Overload = true
		e.noCurrent = 0
		e.log.Warn("sustained overload, flagging all points", slog.String("mains", s.imeasured.String()))
	}
	return res
}

// settle classifies the shortage, updates the grace timers and distributes
// the target over the active points.
func (e *Engine) settle(cfg Config, caps Capabilities, in Input, s snapshot, res *Result) snapshot {
	sh := classify(cfg, caps, in, s)
	if !sh.short {
		e.solarStopTimer = 0
		e.maxSumMainsTimer = 0
		e.noCurrent = 0
		res.ClearShortage = true
	} else {
		s.target = sh.floor
		if sh.solarReset {
			e.solarStopTimer = 0
		}
		if sh.solarTimer && e.solarStopTimer == 0 {
			e.solarStopTimer = cfg.StopTime * 60
			e.log.Warn("solar shortage, stop timer started", slog.Int("seconds", e.solarStopTimer))
		}
		if sh.shed {
			res.ShedPhases = true
			e.log.Warn("solar shortage, switching to single phase")
		}

		if sh.hard {
			e.noCurrent++
			res.Shortage = ShortageHard
			res.Stop = true
			res.Raise = evse.ErrLessThanMin
			e.log.Warn("hard current shortage, stopping",
				slog.String("floor", sh.floor.String()),
				slog.Int("active", s.active),
				slog.Int("occurrences", e.noCurrent))
		} else {
			res.Shortage = ShortageSoft
			if sh.sumTimer && e.maxSumMainsTimer == 0 {
				e.maxSumMainsTimer = cfg.MaxSumMainsTime * 60
				e.log.Warn("sum of mains exceeded, grace timer started", slog.Int("seconds", e.maxSumMainsTimer))
			}
		}
	}

	if s.target > s.activeMax {
		s.target = s.activeMax
	}
	res.Distributed = true

	alloc := distribute(cfg, in.Points, s.ceilings, s.target)
	for i, p := range in.Points {
		if !p.State.Active() {
			continue
		}
		// a point shedding phases restarts from zero
		if res.Stop || res.ShedPhases {
			res.Allocations[i] = 0
		} else {
			res.Allocations[i] = alloc[i]
		}
	}
	return s
}

// Tick runs the one-second grace timers. It returns the flags to raise on
// every charging point when a timer expires.
func (e *Engine) Tick() evse.ErrorFlags {
	var expired evse.ErrorFlags
	if e.solarStopTimer > 0 {
		e.solarStopTimer--
		if e.solarStopTimer == 0 {
			expired |= evse.ErrNoSolar
			e.log.Warn("solar stop timer expired")
		}
	}
	if e.maxSumMainsTimer > 0 {
		e.maxSumMainsTimer--
		if e.maxSumMainsTimer == 0 {
			expired |= evse.ErrLessThanMin
			e.log.Warn("sum of mains grace timer expired")
		}
	}
	return expired
}
