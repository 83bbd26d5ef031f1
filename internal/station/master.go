// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package station

import (
	"log/slog"

	"github.com/Thermoquad/evsectl/internal/evse"
	"github.com/Thermoquad/evsectl/internal/lbus"
	"github.com/Thermoquad/evsectl/internal/meter"
)

// The methods below make a Station the lbus.Controller of its master.

// Borrow runs fn with the point table under the station lock.
func (s *Station) Borrow(fn func(t *evse.Table)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLocal()
	fn(s.table)
}

// Meters returns copies of the mains and EV meters.
func (s *Station) Meters() (mains, ev meter.Meter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.mains, *s.ev
}

// MeterReading stores one polled measurement.
func (s *Station) MeterReading(feed lbus.Feed, field meter.Capability, r meter.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mt := s.mains
	if feed == lbus.FeedEV {
		mt = s.ev
	}
	switch field {
	case meter.CapCurrents:
		mt.UpdateCurrents(r.Irms, r.At)
		if feed == lbus.FeedMains {
			s.engine.MeasurementUpdated()
			recordMains(r.Irms)
		}
	case meter.CapPower:
		mt.UpdatePower(r.Power)
	case meter.CapEnergy:
		mt.UpdateEnergy(r.Energy)
	}
}

// Desired decides what remote point h should hold. A pending start request
// is confirmed when one more point fits; otherwise the node is given the
// shortage flag of the current mode.
func (s *Station) Desired(h evse.Handle) lbus.NodeCommand {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.table.At(h)
	want := lbus.NodeCommand{
		State:      p.State,
		Mode:       s.cfg.Mode,
		SolarTimer: s.engine.Status().SolarStopTimer,
	}

	available := s.engine.IsCurrentAvailable(s.availabilityInput())
	if available {
		p.Node.Assigned &^= evse.ShortageFlags
	}
	switch p.State {
	case evse.StateRequestDemand, evse.StateRequestCharge:
		if !available {
			p.Node.Assigned |= s.shortageFlag()
			s.log.Info("node request refused, no current available",
				slog.Int("point", h.Index()),
				slog.String("state", p.State.String()))
			break
		}
		if p.State == evse.StateRequestDemand {
			want.State = evse.StateDemandConfirmed
		} else {
			want.State = evse.StateChargeConfirmed
			s.admitted[h.Index()] = true
		}
	}

	if s.machine.Errors().Has(evse.ErrMainsMeterLost) {
		p.Node.Assigned |= evse.ErrMainsMeterLost
	} else {
		p.Node.Assigned &^= evse.ErrMainsMeterLost
	}
	want.Errors = p.Node.Assigned
	return want
}

func (s *Station) shortageFlag() evse.ErrorFlags {
	if s.cfg.Mode == evse.ModeSolar {
		return evse.ErrNoSolar
	}
	return evse.ErrLessThanMin
}

// Allocate runs the allocation cycle of the master and returns the table
// to broadcast.
func (s *Station) Allocate(join bool) (lbus.Broadcast, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.admitted = [evse.MaxPoints]bool{}
	res := s.engine.Recompute(s.input(), join)
	s.apply(res, true)

	var b lbus.Broadcast
	s.table.Each(func(h evse.Handle, p *evse.Point) {
		b.Allocations[h.Index()] = p.Allocated
	})
	if r, ok := s.mains.Current(s.now()); ok {
		b.Mains = r.Irms
	}
	return b, res.Overload
}
