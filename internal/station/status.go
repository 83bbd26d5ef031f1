// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package station

import (
	"github.com/Thermoquad/evsectl/internal/allocation"
	"github.com/Thermoquad/evsectl/internal/evse"
	"github.com/Thermoquad/evsectl/internal/meter"
	"github.com/Thermoquad/evsectl/internal/metrics"
	"github.com/Thermoquad/evsectl/pkg/evbus"
)

// Status is a consistent copy of the station state for display.
type Status struct {
	Role        evse.Role
	Mode        evse.Mode
	Self        int
	State       evse.State
	Errors      evse.ErrorFlags
	Level       evse.Level
	Allocated   evse.Current
	ChargeDelay int
	Phases      int
	Access      bool
	Temperature int
	Session     *evse.Session

	Points       [evse.MaxPoints]evse.Point
	Mains        meter.Reading
	MainsTrusted bool
	EV           meter.Reading
	EVTrusted    bool

	Engine        allocation.Status
	Shortage      allocation.Shortage
	GridRelayOpen bool

	Bus    evbus.Statistics
	HasBus bool
}

// Status returns a snapshot of the station.
func (s *Station) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLocal()

	now := s.now()
	st := Status{
		Role:          s.cfg.Role,
		Mode:          s.cfg.Mode,
		Self:          s.self.Index(),
		State:         s.machine.State(),
		Errors:        s.machine.Errors(),
		Level:         s.machine.Level(),
		Allocated:     s.machine.Allocated(),
		ChargeDelay:   s.machine.ChargeDelay(),
		Phases:        s.machine.Phases(),
		Access:        s.cfg.Access,
		Temperature:   s.temperature,
		Points:        s.table.Snapshot(),
		Engine:        s.engine.Status(),
		Shortage:      s.last.Shortage,
		GridRelayOpen: s.gridRelayOpen,
	}
	if sess := s.machine.Session(); sess != nil {
		c := *sess
		st.Session = &c
	}
	st.Mains, st.MainsTrusted = s.mains.Last(), s.mains.Trusted(now)
	st.EV, st.EVTrusted = s.ev.Last(), s.ev.Trusted(now)
	if s.port != nil {
		st.Bus = s.port.Stats()
		st.HasBus = true
	}
	return st
}

func amps(c evse.Current) float64 { return float64(c) / 10 }

func recordTransition(tr evse.Transition) {
	metrics.Transitions.WithLabelValues(tr.To.String()).Inc()
}

func recordAllocation(res allocation.Result) {
	metrics.Target.Set(amps(res.Target))
	if res.Shortage != allocation.ShortageNone {
		metrics.Shortages.WithLabelValues(res.Shortage.String()).Inc()
	}
}

func recordMains(irms [3]evse.Current) {
	for i, c := range irms {
		metrics.MainsCurrent.WithLabelValues(metrics.Label(i + 1)).Set(amps(c))
	}
}

func (s *Station) updateMetrics() {
	s.table.Each(func(h evse.Handle, p *evse.Point) {
		label := metrics.Label(h.Index())
		metrics.PointState.WithLabelValues(label).Set(float64(p.State))
		metrics.PointAllocated.WithLabelValues(label).Set(amps(p.Allocated))
		metrics.PointErrors.WithLabelValues(label).Set(float64(p.Errors))
	})
	es := s.engine.Status()
	metrics.GraceTimer.WithLabelValues("solar_stop").Set(float64(es.SolarStopTimer))
	metrics.GraceTimer.WithLabelValues("max_sum_mains").Set(float64(es.MaxSumMainsTimer))
}
