// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package station is the charge controller: it owns the point table, the
// state machine of the local point, the allocation engine and the meters
// behind a single lock, and runs the periodic tasks that drive them.
package station

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Thermoquad/evsectl/internal/allocation"
	"github.com/Thermoquad/evsectl/internal/bus"
	"github.com/Thermoquad/evsectl/internal/evse"
	"github.com/Thermoquad/evsectl/internal/lbus"
	"github.com/Thermoquad/evsectl/internal/meter"
	"github.com/Thermoquad/evsectl/internal/settings"
)

// Task periods.
const (
	ControlInterval      = 10 * time.Millisecond
	HousekeepingInterval = time.Second
	PollInterval         = 2 * time.Second
)

const (
	tempHysteresis     = 10 // °C below the limit before TempHigh clears
	phaseDetectSeconds = 10 // seconds of charging before the phase count is guessed
)

var (
	ErrNotAPIMeter          = errors.New("mains meter does not accept pushed readings")
	ErrResidualCurrentTrip  = errors.New("residual current still detected")
	ErrHardwareFaultPresent = errors.New("hardware fault still present")
)

// PilotSource samples the control pilot once per control cycle.
type PilotSource interface {
	Level() evse.Level
}

// Sensors are the slow inputs read by housekeeping.
type Sensors interface {
	Temperature() int // °C
	ResidualCurrent() bool
	HardwareFault() bool
	GridRelayOpen() bool
}

// Options configures a Station. Port is nil for a controller without a
// bus; Store is nil when settings changes are not persisted.
type Options struct {
	Config  settings.Config
	Store   settings.Store
	Pilot   PilotSource
	Outputs evse.Actuator
	Sensors Sensors
	Port    *bus.Port
	Logger  *slog.Logger
	Now     func() time.Time
}

// Station is one charge controller.
type Station struct {
	mu sync.Mutex

	cfg     settings.Config
	store   settings.Store
	log     *slog.Logger
	now     func() time.Time
	pilot   PilotSource
	sensors Sensors
	port    *bus.Port

	self    evse.Handle
	table   *evse.Table
	machine *evse.Machine
	engine  *allocation.Engine
	mains   *meter.Meter
	ev      *meter.Meter
	started time.Time

	externalLimit evse.Current
	override      evse.Current
	gridRelayOpen bool
	temperature   int
	admitted      [evse.MaxPoints]bool
	last          allocation.Result

	master *lbus.Master
	server *lbus.Server

	// node side
	configChanged bool
	assigned      evse.ErrorFlags
	solarTimer    int
	lastBroadcast lbus.Broadcast
}

// New creates a station in Idle. The configuration must validate.
func New(opts Options) (*Station, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.Pilot == nil || opts.Outputs == nil || opts.Sensors == nil {
		return nil, errors.New("station needs a pilot source, outputs and sensors")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	cfg := opts.Config
	s := &Station{
		cfg:           cfg,
		store:         opts.Store,
		log:           log.With(slog.String("component", "station"), slog.String("role", cfg.Role.String())),
		now:           now,
		pilot:         opts.Pilot,
		sensors:       opts.Sensors,
		port:          opts.Port,
		self:          evse.MustHandle(cfg.Role.Point()),
		table:         evse.NewTable(),
		externalLimit: allocation.NoLimit,
		started:       now(),
	}

	if cfg.Role.IsNode() {
		// the master's broadcast is the mains feed of a node
		s.mains = meter.New(meter.KindAPI, 0, meter.MainsTimeout)
		s.configChanged = true
	} else {
		s.mains = meter.New(cfg.MainsMeter, cfg.MainsMeterAddress, meter.MainsTimeout)
	}
	s.ev = meter.New(cfg.EVMeter, cfg.EVMeterAddress, meter.EVTimeout)

	s.engine = allocation.NewEngine(allocationConfig(cfg), log.With(slog.String("component", "allocation")))
	s.machine = evse.NewMachine(s.params(), opts.Outputs, allocator{s}, log.With(
		slog.String("component", "evse"),
		slog.Int("point", s.self.Index())))
	s.machine.OnTransition(s.onTransition)
	s.syncLocal()

	if s.port != nil {
		switch {
		case cfg.Role.IsNode():
			s.server = lbus.NewServer(lbus.NodeAddress(s.self.Index()), nodeBank{s}, log.With(slog.String("component", "lbus-node")))
		default:
			s.master = lbus.NewMaster(s.port, s, cfg.Role == evse.RoleMaster, log.With(slog.String("component", "lbus-master")))
		}
	}

	s.log.Info("station ready",
		slog.String("mode", cfg.Mode.String()),
		slog.String("mains_meter", s.mains.Kind.String()),
		slog.String("ev_meter", s.ev.Kind.String()),
		slog.String("max_current", cfg.MaxCurrent.String()))
	return s, nil
}

func allocationConfig(cfg settings.Config) allocation.Config {
	return allocation.Config{
		Mode:                 cfg.Mode,
		Role:                 cfg.Role,
		Contactor2:           cfg.Contactor2,
		MaxMains:             cfg.MaxMains,
		MaxCircuit:           cfg.MaxCircuit,
		MaxSumMains:          cfg.MaxSumMains,
		MaxSumMainsTime:      cfg.MaxSumMainsTime,
		MinCurrent:           cfg.MinCurrent,
		StartCurrent:         cfg.StartCurrent,
		ImportCurrent:        cfg.ImportCurrent,
		StopTime:             cfg.StopTime,
		GridRelayMaxSumMains: cfg.GridRelayMaxSumMains,
		MainsMeter:           cfg.MainsMeter != meter.KindNone,
		EVMeter:              cfg.EVMeter != meter.KindNone,
	}
}

func (s *Station) params() evse.Params {
	return evse.Params{
		Role:          s.cfg.Role,
		Mode:          s.cfg.Mode,
		Contactor2:    s.cfg.Contactor2,
		Access:        s.cfg.Access,
		ChargeCurrent: s.requested(),
		Negotiation:   s.cfg.Negotiation,
	}
}

// requested is the local point's own ceiling: the configured maximum,
// lowered by the cable.
func (s *Station) requested() evse.Current {
	c := s.cfg.MaxCurrent
	if s.cfg.CableCapacity > 0 && s.cfg.CableCapacity < c {
		c = s.cfg.CableCapacity
	}
	return c
}

func (s *Station) reconfigure() {
	s.engine.Configure(allocationConfig(s.cfg))
	s.machine.Configure(s.params())
}

// persist stores one changed setting.
func (s *Station) persist(name, value string) error {
	if s.store == nil {
		return nil
	}
	if _, err := settings.Update(s.store, name, value); err != nil {
		return fmt.Errorf("persist %s: %w", name, err)
	}
	return nil
}

// ============================================================
// Tasks
// ============================================================

// Run drives the control, housekeeping and bus tasks until ctx ends.
func (s *Station) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return every(ctx, ControlInterval, s.Control) })
	g.Go(func() error { return every(ctx, HousekeepingInterval, s.Housekeeping) })

	if s.port != nil {
		g.Go(func() error { return s.port.Run(ctx) })
		switch {
		case s.server != nil:
			g.Go(func() error { return s.server.Serve(ctx, s.port) })
		case s.master != nil:
			g.Go(func() error {
				return every(ctx, PollInterval, func() {
					if err := s.Poll(ctx); err != nil && ctx.Err() == nil {
						s.log.Warn("poll sweep failed", slog.Any("err", err))
					}
				})
			})
		}
	}
	s.log.Info("station running")
	return g.Wait()
}

func every(ctx context.Context, d time.Duration, fn func()) error {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}

// Poll runs one bus sweep. It does nothing on a node or without a bus.
func (s *Station) Poll(ctx context.Context) error {
	if s.master == nil {
		return nil
	}
	return s.master.Cycle(ctx)
}

// Control runs one control cycle of the local point.
func (s *Station) Control() {
	level := s.pilot.Level()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.machine.Step(level)
	s.syncLocal()
}

// Housekeeping runs the once-per-second work: timers, sensors, meter
// supervision, phase detection and, on a stand-alone controller, the
// allocation cycle.
func (s *Station) Housekeeping() {
	temp := s.sensors.Temperature()
	rcm := s.sensors.ResidualCurrent()
	hw := s.sensors.HardwareFault()
	relay := s.sensors.GridRelayOpen()

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	if expired := s.engine.Tick(); expired != 0 {
		s.raiseCharging(expired)
	}
	s.machine.Tick()
	s.table.Each(func(_ evse.Handle, p *evse.Point) {
		if p.State.Active() {
			p.Node.ChargeTimer++
			p.Node.RampTimer++
		}
	})

	s.checkTemperature(temp)
	if rcm && !s.machine.Errors().Has(evse.ErrResidualCurrent) {
		s.log.Error("residual current detected")
		s.machine.Raise(evse.ErrResidualCurrent)
	}
	if hw && !s.machine.Errors().Has(evse.ErrHardwareFault) {
		s.log.Error("hardware fault detected")
		s.machine.Raise(evse.ErrHardwareFault)
	}
	if relay != s.gridRelayOpen {
		s.log.Info("grid relay changed", slog.Bool("open", relay))
		s.gridRelayOpen = relay
	}
	s.superviseMeters(now)

	if !s.cfg.Role.IsNode() {
		if s.machine.Errors().Has(evse.ShortageFlags) && s.engine.IsCurrentAvailable(s.input()) {
			s.machine.Clear(evse.ShortageFlags)
		}
		s.detectPhases(now)
	}
	if s.cfg.Role == evse.RoleDisabled {
		s.apply(s.engine.Recompute(s.input(), false), true)
	}
	s.syncLocal()
	s.updateMetrics()
}

func (s *Station) checkTemperature(temp int) {
	s.temperature = temp
	has := s.machine.Errors().Has(evse.ErrTempHigh)
	switch {
	case temp >= s.cfg.MaxTemperature && !has:
		s.log.Error("temperature too high", slog.Int("celsius", temp), slog.Int("limit", s.cfg.MaxTemperature))
		s.machine.Raise(evse.ErrTempHigh)
	case has && temp < s.cfg.MaxTemperature-tempHysteresis:
		s.log.Info("temperature back to normal", slog.Int("celsius", temp))
		s.machine.Clear(evse.ErrTempHigh)
	}
}

// superviseMeters raises and clears the meter-lost flags. A meter is only
// reported lost once the startup grace, its own trust window, has passed.
func (s *Station) superviseMeters(now time.Time) {
	up := now.Sub(s.started)

	var mainsLost bool
	switch {
	case s.cfg.Role.IsNode():
		mainsLost = (up >= meter.MainsTimeout && !s.mains.Trusted(now)) || s.assigned.Has(evse.ErrMainsMeterLost)
	case s.mains.Present() && s.cfg.Mode != evse.ModeNormal:
		mainsLost = up >= meter.MainsTimeout && !s.mains.Trusted(now)
	}
	s.setFlag(evse.ErrMainsMeterLost, mainsLost, "mains meter")

	evLost := !s.cfg.Role.IsNode() && s.ev.Present() && up >= meter.EVTimeout && !s.ev.Trusted(now)
	s.setFlag(evse.ErrEVMeterLost, evLost, "ev meter")
}

func (s *Station) setFlag(flag evse.ErrorFlags, on bool, what string) {
	has := s.machine.Errors().Has(flag)
	switch {
	case on && !has:
		s.log.Warn(what+" lost")
		s.machine.Raise(flag)
	case !on && has:
		s.log.Info(what + " restored")
		s.machine.Clear(flag)
	}
}

func (s *Station) detectPhases(now time.Time) {
	p := s.table.At(s.self)
	if s.machine.State() != evse.StateCharging || s.machine.Phases() != 0 || p.Node.RampTimer < phaseDetectSeconds {
		return
	}
	r, ok := s.ev.Current(now)
	if !ok {
		return
	}
	n := evse.DetectPhases(r.Irms, s.machine.Allocated(), s.cfg.Contactor2, s.cfg.Mode)
	if n == 0 {
		return
	}
	s.machine.SetPhases(n)
	s.log.Info("charging phases detected", slog.Int("phases", n))
}

// raiseCharging raises flags on every point in Charging.
func (s *Station) raiseCharging(flags evse.ErrorFlags) {
	if s.machine.State().Active() {
		s.machine.Raise(flags)
	}
	s.table.Each(func(h evse.Handle, p *evse.Point) {
		if h != s.self && p.State.Active() {
			p.Node.Assigned |= flags
		}
	})
}

func (s *Station) onTransition(tr evse.Transition) {
	recordTransition(tr)
	p := s.table.At(s.self)
	switch tr.To {
	case evse.StateIdle:
		p.ResetConnection()
	case evse.StateCharging:
		p.Node.ChargeTimer = 0
		p.Node.RampTimer = 0
		if s.machine.PhaseSwitch() == evse.SwitchDone {
			s.engine.ResetTimers()
		}
	}
}

// ============================================================
// Allocation
// ============================================================

// syncLocal copies the local machine into its table slot.
func (s *Station) syncLocal() {
	p := s.table.At(s.self)
	p.State = s.machine.State()
	p.Errors = s.machine.Errors()
	p.Allocated = s.machine.Allocated()
	p.Requested = s.requested()
	p.MinFloor = s.cfg.MinCurrent
	p.Phases = s.machine.Phases()
	p.Node.Mode = s.cfg.Mode
	p.Node.Access = s.cfg.Access
}

func (s *Station) input() allocation.Input {
	s.syncLocal()
	now := s.now()
	in := allocation.Input{
		Points:        s.table.Snapshot(),
		Phases:        s.machine.Phases(),
		Switching:     s.machine.PhaseSwitch(),
		ExternalLimit: s.externalLimit,
		Override:      s.override,
		GridRelayOpen: s.gridRelayOpen,
	}
	in.Mains, in.MainsTrusted = s.mains.Current(now)
	in.EV, in.EVTrusted = s.ev.Current(now)
	return in
}

// availabilityInput counts nodes admitted during this sweep as charging.
func (s *Station) availabilityInput() allocation.Input {
	in := s.input()
	for i, ok := range s.admitted {
		if ok {
			in.Points[i].State = evse.StateCharging
		}
	}
	return in
}

// apply commits an allocation result to the table. local selects whether
// the local machine is also commanded; it is false while the machine is
// itself asking to join.
func (s *Station) apply(res allocation.Result, local bool) {
	s.last = res
	s.table.Each(func(h evse.Handle, p *evse.Point) {
		i := h.Index()
		p.Max = res.Ceilings[i]
		if h == s.self {
			return
		}
		if !p.State.Active() {
			p.Allocated = 0
			return
		}
		p.Allocated = res.Allocations[i]
		if res.Stop {
			p.Node.Assigned |= res.Raise
		}
	})
	if res.ClearShortage || res.Overload {
		s.table.Each(func(h evse.Handle, p *evse.Point) {
			if h == s.self {
				return
			}
			if res.ClearShortage {
				p.Node.Assigned &^= evse.ShortageFlags
			}
			if res.Overload {
				p.Node.Assigned |= evse.ErrLessThanMin
			}
		})
	}

	if local {
		active := s.machine.State().Active()
		if res.Stop && active {
			s.machine.Raise(res.Raise)
		}
		if res.ShedPhases && s.machine.RequestPhaseSwitch() {
			s.log.Info("restarting on one phase")
		}
		if res.ClearShortage {
			s.machine.Clear(evse.ShortageFlags)
		}
		if res.Overload {
			s.machine.Raise(evse.ErrLessThanMin)
		}
		if s.machine.State().Active() && res.Distributed {
			s.machine.SetAllocation(res.Allocations[s.self.Index()])
		}
	}
	s.syncLocal()
	recordAllocation(res)
}

// allocator answers the state machine. It runs with the station lock held
// by Control.
type allocator struct{ s *Station }

func (a allocator) CurrentAvailable() bool {
	return a.s.engine.IsCurrentAvailable(a.s.availabilityInput())
}

func (a allocator) AdmitCharging() evse.Current {
	s := a.s
	in := s.availabilityInput()
	p := &in.Points[s.self.Index()]
	p.State = evse.StateCharging
	p.Allocated = 0
	res := s.engine.Recompute(in, true)
	s.apply(res, false)
	return res.Allocations[s.self.Index()]
}

// ============================================================
// Operator commands
// ============================================================

// SetMode switches the charging mode and persists it. Entering Smart mode
// clears shortage flags and the grace timers.
func (s *Station) SetMode(m evse.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setMode(m)
}

func (s *Station) setMode(m evse.Mode) error {
	if m == s.cfg.Mode {
		return nil
	}
	next := s.cfg
	next.Mode = m
	if err := next.Validate(); err != nil {
		return err
	}
	s.log.Info("mode changed", slog.String("from", s.cfg.Mode.String()), slog.String("to", m.String()))
	s.cfg = next
	s.reconfigure()
	if m == evse.ModeSmart {
		s.machine.Clear(evse.ShortageFlags)
		s.table.Each(func(h evse.Handle, p *evse.Point) {
			p.Node.Assigned &^= evse.ShortageFlags
		})
	}
	s.syncLocal()
	return s.persist("mode", m.String())
}

// SetAccess grants or revokes charging permission and persists it.
func (s *Station) SetAccess(access bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if access == s.cfg.Access {
		return nil
	}
	s.cfg.Access = access
	s.machine.SetAccess(access)
	s.syncLocal()
	s.log.Info("access changed", slog.Bool("access", access))
	return s.persist("access", strconv.FormatBool(access))
}

// SetOverride forces the local ceiling; 0 removes the override.
func (s *Station) SetOverride(c evse.Current) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.override = max(c, 0)
}

// SetExternalLimit applies an external smart-charging limit to the local
// point; allocation.NoLimit removes it.
func (s *Station) SetExternalLimit(c evse.Current) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.externalLimit = c
}

// PushMainsReading records mains currents pushed by an external system.
func (s *Station) PushMainsReading(irms [3]evse.Current) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mains.Kind != meter.KindAPI || s.cfg.Role.IsNode() {
		return ErrNotAPIMeter
	}
	s.mains.UpdateCurrents(irms, s.now())
	s.engine.MeasurementUpdated()
	recordMains(irms)
	return nil
}

// AcknowledgeResidualCurrent clears a residual current trip once the
// sensor no longer reports it.
func (s *Station) AcknowledgeResidualCurrent() error {
	if s.sensors.ResidualCurrent() {
		return ErrResidualCurrentTrip
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machine.Errors().Has(evse.ErrResidualCurrent) {
		s.log.Info("residual current trip acknowledged")
		s.machine.Clear(evse.ErrResidualCurrent)
	}
	return nil
}

// ClearHardwareFault clears a latched hardware fault once the hardware no
// longer reports it.
func (s *Station) ClearHardwareFault() error {
	if s.sensors.HardwareFault() {
		return ErrHardwareFaultPresent
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machine.Errors().Has(evse.ErrHardwareFault) {
		s.log.Info("hardware fault cleared")
		s.machine.Clear(evse.ErrHardwareFault)
	}
	return nil
}

// NegotiationResult completes a pending vehicle negotiation.
func (s *Station) NegotiationResult(accepted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machine.NegotiationResult(accepted)
	s.syncLocal()
}
