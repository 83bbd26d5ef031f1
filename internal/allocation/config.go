// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package allocation decides how much current each charge point sharing a
// circuit may draw.
//
// The decision is a pipeline of pure steps over an immutable snapshot:
// per-point ceilings, baseline load, target, clamp, shortage classification
// and distribution. Engine wraps the pipeline with the state that survives
// between cycles: the damped target and the grace timers.
package allocation

import "github.com/Thermoquad/evsectl/internal/evse"

// Config holds the limits the engine works against. Currents are in
// tenths of an ampere, grace times in minutes.
type Config struct {
	Mode       evse.Mode
	Role       evse.Role
	Contactor2 evse.Contactor2

	MaxMains             evse.Current
	MaxCircuit           evse.Current
	MaxSumMains          evse.Current // 0 disables the sum-of-phases limit
	MaxSumMainsTime      int
	MinCurrent           evse.Current
	StartCurrent         evse.Current
	ImportCurrent        evse.Current
	StopTime             int
	GridRelayMaxSumMains evse.Current

	MainsMeter bool // a mains meter is configured
	EVMeter    bool // an EV sub-meter is configured
}

// Capabilities are the optional behaviours enabled by a configuration.
// They are resolved once per configuration change, never per cycle.
type Capabilities struct {
	Balancing     bool // this controller decides for nodes on the bus
	MainsGuard    bool // the mains ceiling bounds the target
	CircuitGuard  bool // the circuit ceiling bounds the target
	SumGuard      bool // the sum-of-phases ceiling bounds the target
	SumGrace      bool // sum-of-phases overage is tolerated for a while
	SolarStop     bool // solar shortage is tolerated for a while
	PhaseShedding bool // solar shortage may drop the local point to one phase
	ExternalLimit bool // an external smart-charging limit applies
	GridRelay     bool // an open grid relay caps the target
}

// Resolve derives the capability set of cfg.
func Resolve(cfg Config) Capabilities {
	master := cfg.Role == evse.RoleMaster
	smart := cfg.Mode != evse.ModeNormal
	return Capabilities{
		Balancing:     master,
		MainsGuard:    cfg.MainsMeter && smart,
		CircuitGuard:  master || (cfg.Role == evse.RoleDisabled && cfg.EVMeter && smart),
		SumGuard:      cfg.MaxSumMains > 0 && smart,
		SumGrace:      cfg.MaxSumMainsTime > 0,
		SolarStop:     cfg.StopTime > 0,
		PhaseShedding: cfg.Contactor2 == evse.C2Auto && !master,
		ExternalLimit: !master,
		GridRelay:     cfg.GridRelayMaxSumMains > 0,
	}
}

// SinglePhase reports whether charging is forced onto one phase.
func (c Config) SinglePhase(sw evse.PhaseSwitch) bool {
	if c.Contactor2.ForceSinglePhase(c.Mode) {
		return true
	}
	return c.Mode == evse.ModeSolar && c.Contactor2 == evse.C2Auto && sw == evse.SwitchDone
}
