// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package evse

import (
	"log/slog"
	"time"
)

// Timing constants. Cycle counts are control cycles (10 ms), the rest are
// seconds of housekeeping.
const (
	DebounceCycles       = 50
	PilotSettleSeconds   = 5
	StopTimeoutSeconds   = 6
	ActivationSeconds    = 3
	ActivationDelay      = 30
	FaultDelaySeconds    = 3
	StopDelaySeconds     = 15
	ShortageDelaySeconds = 60
	ModemRequestSeconds  = 5
	ModemWaitSeconds     = 60
	ModemDoneSeconds     = 5
	ModemDeniedSeconds   = 60
)

// Actuator performs the commands of the state machine.
type Actuator interface {
	SetPilotDuty(d Duty)
	SetPilotConnected(connected bool)
	SetContactors(c1, c2 bool)
	SetLock(locked bool)
}

// Allocator answers the state machine on controllers that own the
// allocation decision (master or stand-alone).
type Allocator interface {
	// CurrentAvailable reports whether one more point may start.
	CurrentAvailable() bool
	// AdmitCharging recomputes the allocation with this point joining and
	// returns the current granted to it.
	AdmitCharging() Current
}

// Params is the configuration the state machine reads each cycle.
type Params struct {
	Role          Role
	Mode          Mode
	Contactor2    Contactor2
	Access        bool
	ChargeCurrent Current // offered to the vehicle while it waits to charge
	Negotiation   bool
}

// PhaseSwitch tracks a requested drop to single-phase charging.
type PhaseSwitch uint8

const (
	SwitchNone PhaseSwitch = iota
	SwitchPending
	SwitchDone
)

// Transition describes one state change.
type Transition struct {
	From, To State
	Errors   ErrorFlags
	Session  *Session
}

// Machine is the charging state machine of the local charge point. It is
// not safe for concurrent use; the owner serializes Step, Tick and the
// mutating calls.
type Machine struct {
	params Params
	act    Actuator
	alloc  Allocator
	log    *slog.Logger
	notify func(Transition)
	now    func() time.Time

	state     State
	errors    ErrorFlags
	allocated Current
	level     Level
	phases    int
	switching PhaseSwitch

	chargeDelay      int
	pilotOff         bool
	pilotOffTimer    int
	levelCycles      int
	invalidCycles    int
	faultClearCycles int
	diodeChecked     bool
	activationDelay  int
	activationDone   bool
	timer            int // per-state countdown in seconds
	modemDone        bool
	session          *Session
}

// NewMachine creates a machine in Idle and drives the actuator to the
// Idle outputs.
func NewMachine(p Params, act Actuator, alloc Allocator, log *slog.Logger) *Machine {
	m := &Machine{
		params: p,
		act:    act,
		alloc:  alloc,
		log:    log,
		now:    time.Now,
		state:  StateIdle,
	}
	m.enter(StateIdle)
	return m
}

// OnTransition registers fn to be called after every state change.
func (m *Machine) OnTransition(fn func(Transition)) { m.notify = fn }

// Configure replaces the parameters read by the machine.
func (m *Machine) Configure(p Params) {
	m.params = p
	if m.state == StateDemandPending {
		m.act.SetPilotDuty(DutyForCurrent(m.params.ChargeCurrent))
	}
}

func (m *Machine) State() State { return m.state }
func (m *Machine) Errors() ErrorFlags { return m.errors }
func (m *Machine) Allocated() Current { return m.allocated }
func (m *Machine) ChargeDelay() int { return m.chargeDelay }
func (m *Machine) Phases() int { return m.phases }
func (m *Machine) PhaseSwitch() PhaseSwitch { return m.switching }
func (m *Machine) PilotHeldOff() bool { return m.pilotOff }
func (m *Machine) Level() Level { return m.level }

// Session returns the open charge session, nil outside Charging.
func (m *Machine) Session() *Session { return m.session }

// SinglePhase reports whether the second contactor stays open.
func (m *Machine) SinglePhase() bool {
	return m.params.Contactor2 == C2NotPresent ||
		m.params.Contactor2.ForceSinglePhase(m.params.Mode) ||
		m.switching != SwitchNone
}

func (m *Machine) shortageFlag() ErrorFlags {
	if m.params.Mode == ModeSolar {
		return ErrNoSolar
	}
	return ErrLessThanMin
}

// ============================================================
// Control cycle
// ============================================================

// Step applies one control cycle for the pilot level read this cycle.
func (m *Machine) Step(level Level) {
	m.level = level

	switch m.state {
	case StateFaultHold:
		m.stepFaultHold(level)
	case StateIdle, StateRequestDemand:
		m.stepIdle(level)
	case StateDemandConfirmed:
		m.beginDemand()
	case StateDemandPending, StateRequestCharge:
		m.stepDemand(level)
	case StateChargeConfirmed:
		// charging starts on the first allocation from the master
		if level == LevelDisconnected {
			m.transition(StateIdle)
		}
	case StateCharging:
		m.stepCharging(level)
	case StateStoppingRequested:
		switch level {
		case LevelDisconnected:
			m.transition(StateIdle)
		case LevelReady:
			m.finishStop()
		}
	case StateActivation, StateModemRequest, StateModemWait, StateModemDone, StateModemDenied:
		if level == LevelDisconnected {
			m.transition(StateIdle)
		}
	}
}

func (m *Machine) stepFaultHold(level Level) {
	stable := level != LevelInvalid && level != LevelDemand
	if m.errors.Blocking() == ErrPilotFault && m.pilotOffTimer == 0 && stable {
		m.errors &^= ErrPilotFault
	}
	if m.errors.Blocking() != 0 || m.pilotOffTimer > 0 {
		m.faultClearCycles = 0
		return
	}
	m.faultClearCycles++
	if m.faultClearCycles > 1 {
		m.transition(StateIdle)
	}
}

func (m *Machine) stepIdle(level Level) {
	if m.pilotOff {
		if m.pilotOffTimer == 0 {
			m.pilotOff = false
			m.act.SetPilotConnected(true)
		}
		return
	}

	switch level {
	case LevelDisconnected:
		if m.state != StateIdle {
			m.transition(StateIdle)
		}
		m.chargeDelay = 0
		m.errors &^= ShortageFlags
		m.switching = SwitchNone
		m.modemDone = false
	case LevelReady:
		if m.errors != 0 || m.chargeDelay > 0 || !m.params.Access || m.state == StateRequestDemand {
			return
		}
		switch {
		case m.params.Role.IsNode():
			m.transition(StateRequestDemand)
		case m.alloc.CurrentAvailable():
			m.beginDemand()
		default:
			m.raiseShortage()
		}
	}
}

func (m *Machine) beginDemand() {
	m.activationDelay = ActivationDelay
	if m.params.Negotiation && !m.modemDone {
		m.transition(StateModemRequest)
		return
	}
	m.transition(StateDemandPending)
}

func (m *Machine) stepDemand(level Level) {
	if m.checkInvalid(level) {
		return
	}

	switch level {
	case LevelDisconnected:
		m.transition(StateIdle)
	case LevelReady:
		m.levelCycles = 0
		if m.activationDelay == 0 && !m.activationDone && m.state == StateDemandPending {
			m.transition(StateActivation)
		}
	case LevelDiodeCheck:
		m.diodeChecked = true
	case LevelCharging:
		m.levelCycles++
		if m.levelCycles <= DebounceCycles || !m.diodeChecked || m.state == StateRequestCharge {
			return
		}
		if m.errors != 0 || m.chargeDelay > 0 || !m.params.Access {
			return
		}
		if m.params.Role.IsNode() {
			m.transition(StateRequestCharge)
			return
		}
		if !m.alloc.CurrentAvailable() {
			m.raiseShortage()
			return
		}
		granted := m.alloc.AdmitCharging()
		if granted <= 0 {
			m.raiseShortage()
			return
		}
		m.allocated = granted
		m.transition(StateCharging)
	}
}

func (m *Machine) stepCharging(level Level) {
	if m.checkInvalid(level) {
		return
	}

	switch level {
	case LevelDisconnected:
		m.transition(StateIdle)
	case LevelReady:
		m.transition(StateDemandPending)
	case LevelCharging, LevelDiodeCheck:
		m.levelCycles = 0
	}
}

// checkInvalid debounces unsupported pilot levels. It returns true once
// the level has been wrong long enough to raise a pilot fault.
func (m *Machine) checkInvalid(level Level) bool {
	if level != LevelInvalid && level != LevelDemand {
		m.invalidCycles = 0
		return false
	}
	m.invalidCycles++
	if m.invalidCycles <= DebounceCycles {
		return false
	}
	m.invalidCycles = 0
	m.log.Warn("pilot level unstable", slog.String("level", level.String()), slog.String("state", m.state.String()))
	m.Raise(ErrPilotFault)
	return true
}

// ============================================================
// Housekeeping
// ============================================================

// Tick runs the once-per-second timers.
func (m *Machine) Tick() {
	if m.pilotOffTimer > 0 {
		m.pilotOffTimer--
	}
	if m.errors.Has(ShortageFlags) {
		m.chargeDelay = ShortageDelaySeconds
	} else if m.chargeDelay > 0 {
		m.chargeDelay--
	}
	if m.state == StateDemandPending && m.activationDelay > 0 {
		m.activationDelay--
	}
	if m.session != nil {
		m.session.Seconds++
	}

	if m.timer > 0 {
		m.timer--
		if m.timer > 0 {
			return
		}
		switch m.state {
		case StateStoppingRequested:
			m.log.Info("vehicle did not acknowledge stop, forcing contactors off")
			m.finishStop()
		case StateActivation:
			m.activationDone = true
			m.transition(StateDemandPending)
		case StateModemRequest:
			m.transition(StateModemWait)
		case StateModemWait:
			m.log.Warn("vehicle negotiation timed out")
			m.modemDone = true
			m.transition(StateModemDone)
		case StateModemDone:
			m.transition(StateDemandPending)
		case StateModemDenied:
			m.transition(StateIdle)
		}
	}
}

// NegotiationResult completes the vehicle negotiation started in ModemWait.
func (m *Machine) NegotiationResult(accepted bool) {
	if m.state != StateModemWait {
		return
	}
	m.modemDone = true
	if accepted {
		m.transition(StateModemDone)
		return
	}
	m.transition(StateModemDenied)
}

// ============================================================
// Commands from the allocation engine and the bus
// ============================================================

// SetAllocation writes the allocated current. A zero allocation while
// Charging stops the session, and a confirmed node starts charging on its
// first nonzero allocation. Points that cannot charge keep zero.
func (m *Machine) SetAllocation(c Current) {
	if c < 0 {
		c = 0
	}
	switch m.state {
	case StateCharging:
		m.allocated = c
		if c == 0 {
			m.Stop()
			return
		}
		if m.session != nil {
			m.session.observe(c)
		}
		m.act.SetPilotDuty(DutyForCurrent(c))
	case StateChargeConfirmed:
		m.allocated = c
		if c > 0 {
			m.transition(StateCharging)
		}
	default:
		m.allocated = 0
	}
}

// Stop commands an orderly stop of an active session.
func (m *Machine) Stop() {
	if m.state == StateCharging {
		m.transition(StateStoppingRequested)
	}
}

// RequestPhaseSwitch asks a charging point to restart on one phase.
func (m *Machine) RequestPhaseSwitch() bool {
	if m.state != StateCharging || m.switching != SwitchNone {
		return false
	}
	m.switching = SwitchPending
	m.transition(StateStoppingRequested)
	return true
}

// ApplyRemoteState handles a state written by the master. Only the
// confirmations of a pending request are accepted.
func (m *Machine) ApplyRemoteState(s State) bool {
	switch {
	case s == StateDemandConfirmed && m.state == StateRequestDemand,
		s == StateChargeConfirmed && m.state == StateRequestCharge:
		m.transition(s)
		return true
	}
	return false
}

// SetPhases records the number of phases detected for this session.
func (m *Machine) SetPhases(n int) {
	m.phases = n
	if m.session != nil {
		m.session.Phases = n
	}
}

// SetAccess grants or revokes charging permission.
func (m *Machine) SetAccess(access bool) {
	m.params.Access = access
	if access {
		return
	}
	switch {
	case m.state == StateCharging:
		m.Stop()
	case m.state == StateDemandPending || m.state.Negotiating() || m.state == StateActivation:
		m.transition(StateIdle)
	}
}

// Raise sets error flags. A newly set shortage flag ends demand and stops
// charging in order. Any other new flag opens the contactors at once and
// holds the point in FaultHold.
func (m *Machine) Raise(flags ErrorFlags) {
	added := flags &^ m.errors
	m.errors |= flags
	if added == 0 {
		return
	}
	m.log.Warn("error raised", slog.String("flags", added.String()), slog.String("state", m.state.String()))
	if added.Has(ShortageFlags) {
		m.chargeDelay = ShortageDelaySeconds
	}

	switch {
	case m.state == StateFaultHold:
	case added.Blocking() != 0:
		m.transition(StateFaultHold)
	case m.state == StateCharging:
		m.Stop()
	case m.state == StateStoppingRequested:
	case m.state != StateIdle:
		m.transition(StateIdle)
	}
}

func (m *Machine) raiseShortage() {
	m.Raise(m.shortageFlag())
}

// Clear removes error flags. FaultHold is left by the next control cycles.
func (m *Machine) Clear(flags ErrorFlags) {
	m.errors &^= flags
}

// ============================================================
// Transitions
// ============================================================

func (m *Machine) finishStop() {
	if m.errors.Blocking() != 0 {
		m.transition(StateFaultHold)
		return
	}
	m.transition(StateIdle)
}

func (m *Machine) transition(to State) {
	from := m.state
	if from == to {
		return
	}
	m.leave(from, to)
	m.state = to
	m.levelCycles = 0
	m.invalidCycles = 0
	m.enter(to)

	m.log.Info("state change",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("errors", m.errors.String()))
	if m.notify != nil {
		m.notify(Transition{From: from, To: to, Errors: m.errors, Session: m.session})
	}
}

func (m *Machine) leave(from, to State) {
	if from == StateCharging && m.session != nil {
		m.session.Ended = m.now()
		m.log.Info("charge session closed",
			slog.String("session", m.session.ID.String()),
			slog.Int("seconds", m.session.Seconds),
			slog.String("peak", m.session.Peak.String()))
	}

	// The vehicle is still plugged in: hold the pilot at the disconnect
	// level so it does not renegotiate immediately.
	if (to == StateIdle || to == StateFaultHold) && from != StateIdle && from != StateFaultHold &&
		m.level != LevelDisconnected {
		m.holdPilotOff(PilotSettleSeconds)
	}
}

func (m *Machine) holdPilotOff(seconds int) {
	m.pilotOff = true
	if m.pilotOffTimer < seconds {
		m.pilotOffTimer = seconds
	}
	m.act.SetPilotConnected(false)
}

func (m *Machine) enter(to State) {
	m.timer = 0

	switch to {
	case StateIdle:
		m.act.SetContactors(false, false)
		m.act.SetPilotDuty(DutyFull)
		m.act.SetLock(false)
		m.allocated = 0
		m.phases = 0
		m.diodeChecked = false
		m.activationDone = false
		m.session = nil

	case StateFaultHold:
		m.act.SetContactors(false, false)
		m.act.SetPilotDuty(DutyFull)
		m.allocated = 0
		m.session = nil
		m.faultClearCycles = 0
		m.holdPilotOff(PilotSettleSeconds)
		if m.chargeDelay == 0 {
			m.chargeDelay = FaultDelaySeconds
		}

	case StateDemandPending:
		m.act.SetContactors(false, false)
		m.act.SetLock(true)
		m.allocated = 0
		m.session = nil
		m.act.SetPilotDuty(DutyForCurrent(m.params.ChargeCurrent))

	case StateRequestDemand, StateRequestCharge, StateDemandConfirmed, StateChargeConfirmed:
		m.act.SetContactors(false, false)
		m.allocated = 0

	case StateActivation:
		m.act.SetPilotDuty(DutyOff)
		m.timer = ActivationSeconds

	case StateCharging:
		c2 := !m.SinglePhase()
		if m.switching == SwitchPending {
			m.switching = SwitchDone
			c2 = false
		}
		m.act.SetLock(true)
		m.act.SetContactors(true, c2)
		m.act.SetPilotDuty(DutyForCurrent(m.allocated))
		m.session = newSession(m.now())
		m.session.observe(m.allocated)
		m.log.Info("charge session opened",
			slog.String("session", m.session.ID.String()),
			slog.String("allocated", m.allocated.String()),
			slog.Bool("three_phase", c2))

	case StateStoppingRequested:
		m.act.SetPilotDuty(DutyFull)
		m.timer = StopTimeoutSeconds
		m.chargeDelay = StopDelaySeconds

	case StateModemRequest:
		m.act.SetPilotConnected(false)
		m.timer = ModemRequestSeconds

	case StateModemWait:
		m.act.SetPilotConnected(true)
		m.act.SetPilotDuty(DutyFive)
		m.timer = ModemWaitSeconds

	case StateModemDone:
		m.act.SetPilotConnected(false)
		m.timer = ModemDoneSeconds

	case StateModemDenied:
		m.act.SetPilotConnected(true)
		m.act.SetPilotDuty(DutyFull)
		m.timer = ModemDeniedSeconds
	}

	if to != StateModemRequest && to != StateModemDone && to != StateFaultHold && !m.pilotOff {
		m.act.SetPilotConnected(true)
	}
}
