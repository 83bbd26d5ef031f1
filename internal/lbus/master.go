// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package lbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Thermoquad/evsectl/internal/bus"
	"github.com/Thermoquad/evsectl/internal/evse"
	"github.com/Thermoquad/evsectl/internal/meter"
	"github.com/Thermoquad/evsectl/internal/metrics"
	"github.com/Thermoquad/evsectl/pkg/evbus"
)

// Feed names a metered supply.
type Feed uint8

const (
	FeedMains Feed = iota
	FeedEV
)

func (f Feed) String() string {
	if f == FeedEV {
		return "ev"
	}
	return "mains"
}

// Controller is the station as seen by the master. Every method takes the
// station lock for its own duration; the master never holds it across a
// bus exchange.
type Controller interface {
	// Borrow runs fn with exclusive access to the point table.
	Borrow(fn func(t *evse.Table))
	// Meters returns the meters to poll this sweep.
	Meters() (mains, ev meter.Meter)
	// MeterReading stores the measurements of field read from feed.
	MeterReading(feed Feed, field meter.Capability, r meter.Reading)
	// Desired returns what the master wants remote point h to hold,
	// deciding any pending start request.
	Desired(h evse.Handle) NodeCommand
	// Allocate recomputes the allocation. join is true when a node was
	// admitted to Charging during this sweep. overload asks for the error
	// register of every node to be set.
	Allocate(join bool) (b Broadcast, overload bool)
}

// Requester is the master side of a bus port.
type Requester interface {
	Request(ctx context.Context, p *evbus.Packet) (*evbus.Packet, error)
	Send(p *evbus.Packet) error
}

// Step is one stage of a polling sweep.
type Step uint8

const (
	StepStart Step = iota
	StepMains
	StepNodeStatus
	StepNodeConfig
	StepNodeConfigAck
	StepEVEnergy
	StepEVPower
	StepEVCurrents
	StepMainsEnergy
	StepEvaluate
	StepNodeWrite
	StepBroadcast
	StepDone
)

var stepNames = [...]string{
	StepStart:         "start",
	StepMains:         "mains",
	StepNodeStatus:    "node-status",
	StepNodeConfig:    "node-config",
	StepNodeConfigAck: "node-config-ack",
	StepEVEnergy:      "ev-energy",
	StepEVPower:       "ev-power",
	StepEVCurrents:    "ev-currents",
	StepMainsEnergy:   "mains-energy",
	StepEvaluate:      "evaluate",
	StepNodeWrite:     "node-write",
	StepBroadcast:     "broadcast",
	StepDone:          "done",
}

func (s Step) String() string {
	if int(s) < len(stepNames) {
		return stepNames[s]
	}
	return fmt.Sprintf("Step(%d)", uint8(s))
}

// Poll is the position of the master in a sweep. Node is the remote point
// (1 through 7) for node steps.
type Poll struct {
	Step Step
	Node int
}

func (p Poll) String() string {
	switch p.Step {
	case StepNodeStatus, StepNodeConfig, StepNodeConfigAck, StepNodeWrite:
		return fmt.Sprintf("%s/%d", p.Step, p.Node)
	}
	return p.Step.String()
}

// Master runs polling sweeps. Without nodes it only polls the meters, as
// a stand-alone controller does.
type Master struct {
	port  Requester
	ctl   Controller
	nodes bool
	log   *slog.Logger
	now   func() time.Time

	// per-sweep scratch
	mains, ev     meter.Meter
	online        [evse.MaxPoints]bool
	configPending [evse.MaxPoints]bool
	configRead    [evse.MaxPoints]bool
	commands      [evse.MaxPoints]NodeCommand
	pending       [evse.MaxPoints]bool
	joined        bool
}

// NewMaster creates a master polling through port. nodes enables node
// polling and the broadcast.
func NewMaster(port Requester, ctl Controller, nodes bool, log *slog.Logger) *Master {
	return &Master{port: port, ctl: ctl, nodes: nodes, log: log, now: time.Now}
}

// Cycle runs one full sweep. It returns early only when ctx ends.
func (m *Master) Cycle(ctx context.Context) error {
	m.reset()
	st := Poll{Step: StepStart}
	for {
		var req *evbus.Packet
		st, req = m.next(st)
		if st.Step == StepDone {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if req == nil {
			m.local(st)
			continue
		}
		reply, err := m.port.Request(ctx, req)
		m.handle(st, reply, err)
	}
}

func (m *Master) reset() {
	m.mains, m.ev = m.ctl.Meters()
	m.online = [evse.MaxPoints]bool{}
	m.configPending = [evse.MaxPoints]bool{}
	m.configRead = [evse.MaxPoints]bool{}
	m.pending = [evse.MaxPoints]bool{}
	m.joined = false
}

// ============================================================
// Transitions
// ============================================================

// next returns the first state after cur that has work, with the request
// it sends. A nil request marks a local step.
func (m *Master) next(cur Poll) (Poll, *evbus.Packet) {
	for st := m.successor(cur); ; st = m.successor(st) {
		if st.Step == StepDone {
			return st, nil
		}
		if req, ok := m.request(st); ok {
			return st, req
		}
	}
}

func (m *Master) successor(st Poll) Poll {
	switch st.Step {
	case StepStart:
		return Poll{Step: StepMains}
	case StepMains:
		if m.nodes {
			return Poll{Step: StepNodeStatus, Node: 1}
		}
		return Poll{Step: StepEVEnergy}
	case StepNodeStatus:
		if m.configPending[st.Node] {
			return Poll{Step: StepNodeConfig, Node: st.Node}
		}
		return m.nextNode(st.Node)
	case StepNodeConfig:
		return Poll{Step: StepNodeConfigAck, Node: st.Node}
	case StepNodeConfigAck:
		return m.nextNode(st.Node)
	case StepEVEnergy:
		return Poll{Step: StepEVPower}
	case StepEVPower:
		return Poll{Step: StepEVCurrents}
	case StepEVCurrents:
		return Poll{Step: StepMainsEnergy}
	case StepMainsEnergy:
		if m.nodes {
			return Poll{Step: StepEvaluate}
		}
		return Poll{Step: StepDone}
	case StepEvaluate:
		return Poll{Step: StepNodeWrite, Node: 1}
	case StepNodeWrite:
		if st.Node < evse.MaxPoints-1 {
			return Poll{Step: StepNodeWrite, Node: st.Node + 1}
		}
		return Poll{Step: StepBroadcast}
	}
	return Poll{Step: StepDone}
}

func (m *Master) nextNode(n int) Poll {
	if n < evse.MaxPoints-1 {
		return Poll{Step: StepNodeStatus, Node: n + 1}
	}
	return Poll{Step: StepEVEnergy}
}

func meterRead(mt meter.Meter, field meter.Capability, reg uint16, count uint8) (*evbus.Packet, bool) {
	if !mt.Kind.Polled() || !mt.Kind.Capabilities().Has(field) {
		return nil, false
	}
	return evbus.NewReadRequest(mt.Address, reg, count), true
}

// request returns the packet for st, or false when st has nothing to do.
func (m *Master) request(st Poll) (*evbus.Packet, bool) {
	switch st.Step {
	case StepMains:
		return meterRead(m.mains, meter.CapCurrents, meter.RegCurrents, meter.RegCurrentsCount)
	case StepNodeStatus:
		return evbus.NewReadRequest(NodeAddress(st.Node), RegState, StatusCount), true
	case StepNodeConfig:
		if !m.configPending[st.Node] {
			return nil, false
		}
		return evbus.NewReadRequest(NodeAddress(st.Node), RegEVMeter, ConfigCount), true
	case StepNodeConfigAck:
		if !m.configRead[st.Node] {
			return nil, false
		}
		return evbus.NewWriteSingle(NodeAddress(st.Node), RegConfigChanged, 0), true
	case StepEVEnergy:
		return meterRead(m.ev, meter.CapEnergy, meter.RegEnergy, 1)
	case StepEVPower:
		return meterRead(m.ev, meter.CapPower, meter.RegPower, 1)
	case StepEVCurrents:
		return meterRead(m.ev, meter.CapCurrents, meter.RegCurrents, meter.RegCurrentsCount)
	case StepMainsEnergy:
		return meterRead(m.mains, meter.CapEnergy, meter.RegEnergy, 1)
	case StepEvaluate, StepBroadcast:
		return nil, true
	case StepNodeWrite:
		if !m.pending[st.Node] {
			return nil, false
		}
		cmd := m.commands[st.Node]
		return evbus.NewWriteMultiple(NodeAddress(st.Node), RegState, cmd.Registers()), true
	}
	return nil, false
}

// ============================================================
// Local steps
// ============================================================

func (m *Master) local(st Poll) {
	switch st.Step {
	case StepEvaluate:
		for n := 1; n < evse.MaxPoints; n++ {
			if !m.online[n] {
				continue
			}
			h := evse.MustHandle(n)
			want := m.ctl.Desired(h)
			m.ctl.Borrow(func(t *evse.Table) {
				m.commands[n], m.pending[n] = Compose(*t.At(h), want)
			})
		}

	case StepBroadcast:
		b, overload := m.ctl.Allocate(m.joined)
		if err := m.port.Send(evbus.NewWriteMultiple(evbus.AddressBroadcast, RegAllocations, b.Registers())); err != nil {
			m.log.Warn("broadcast failed", slog.Any("err", err))
		}
		if overload {
			pkt := evbus.NewWriteMultiple(evbus.AddressBroadcast, RegErrors, []int32{int32(evse.ErrLessThanMin)})
			if err := m.port.Send(pkt); err != nil {
				m.log.Warn("overload broadcast failed", slog.Any("err", err))
			}
		}
	}
}

// ============================================================
// Replies
// ============================================================

func (m *Master) handle(st Poll, reply *evbus.Packet, err error) {
	if err != nil {
		m.failed(st, err)
		return
	}

	switch st.Step {
	case StepMains, StepEVCurrents:
		values, _ := evbus.Values(reply)
		irms, perr := meter.ParseCurrents(values)
		if perr != nil {
			m.log.Warn("bad meter reply", slog.String("poll", st.String()), slog.Any("err", perr))
			return
		}
		feed := FeedMains
		if st.Step == StepEVCurrents {
			feed = FeedEV
		}
		m.ctl.MeterReading(feed, meter.CapCurrents, meter.Reading{Irms: irms, At: m.now()})

	case StepEVEnergy, StepEVPower, StepMainsEnergy:
		values, _ := evbus.Values(reply)
		if len(values) != 1 {
			m.log.Warn("bad meter reply", slog.String("poll", st.String()), slog.Int("values", len(values)))
			return
		}
		feed, field := FeedEV, meter.CapEnergy
		var r meter.Reading
		switch st.Step {
		case StepEVPower:
			field = meter.CapPower
			r.Power = int(values[0])
		case StepMainsEnergy:
			feed = FeedMains
			r.Energy = int(values[0])
		default:
			r.Energy = int(values[0])
		}
		m.ctl.MeterReading(feed, field, r)

	case StepNodeStatus:
		values, _ := evbus.Values(reply)
		status, perr := ParseStatus(values)
		if perr != nil {
			m.log.Warn("bad node status", slog.Int("point", st.Node), slog.Any("err", perr))
			return
		}
		h := evse.MustHandle(st.Node)
		m.ctl.Borrow(func(t *evse.Table) {
			p := t.At(h)
			if p.Node.Online == 0 {
				m.log.Info("node online", slog.Int("point", st.Node), slog.String("state", status.State.String()))
			}
			ApplyStatus(p, status)
		})
		metrics.NodeOnline.WithLabelValues(metrics.Label(st.Node)).Set(evse.NodeOnlineCount)
		m.online[st.Node] = true
		m.configPending[st.Node] = status.ConfigChanged

	case StepNodeConfig:
		values, _ := evbus.Values(reply)
		if len(values) != ConfigCount || values[0] < 0 || values[1] < 0 || values[1] > 0xFF {
			m.log.Warn("bad node config", slog.Int("point", st.Node), slog.Int("values", len(values)))
			return
		}
		kind, addr := meter.Kind(values[0]), uint8(values[1])
		m.ctl.Borrow(func(t *evse.Table) {
			p := t.At(evse.MustHandle(st.Node))
			p.Node.EVMeter = uint8(kind)
			p.Node.EVMeterAddr = addr
		})
		m.configRead[st.Node] = true
		m.log.Info("node configuration synced",
			slog.Int("point", st.Node),
			slog.String("ev_meter", kind.String()),
			slog.Int("ev_meter_address", int(addr)))

	case StepNodeConfigAck:
		m.ctl.Borrow(func(t *evse.Table) {
			t.At(evse.MustHandle(st.Node)).Node.ConfigChanged = false
		})

	case StepNodeWrite:
		cmd := m.commands[st.Node]
		m.ctl.Borrow(func(t *evse.Table) {
			p := t.At(evse.MustHandle(st.Node))
			p.Errors = cmd.Errors
			p.Node.Mode = cmd.Mode
			p.Node.SolarTimer = cmd.SolarTimer
			switch cmd.State {
			case evse.StateChargeConfirmed:
				p.State = evse.StateCharging
				p.ResetConnection()
				m.joined = true
			case evse.StateDemandConfirmed:
				p.State = evse.StateDemandPending
			}
		})
		if cmd.State == evse.StateChargeConfirmed || cmd.State == evse.StateDemandConfirmed {
			m.log.Info("node request confirmed", slog.Int("point", st.Node), slog.String("state", cmd.State.String()))
		}
	}
}

func (m *Master) failed(st Poll, err error) {
	var exc *evbus.ExceptionError
	switch {
	case errors.As(err, &exc):
		m.log.Warn("request rejected", slog.String("poll", st.String()), slog.Any("err", err))
		return
	case errors.Is(err, bus.ErrTimeout):
		// empty addresses are expected to stay silent
		m.log.Debug("no reply", slog.String("poll", st.String()))
	default:
		m.log.Warn("request failed", slog.String("poll", st.String()), slog.Any("err", err))
	}

	if st.Step != StepNodeStatus {
		return
	}
	h := evse.MustHandle(st.Node)
	var offline bool
	var online int
	m.ctl.Borrow(func(t *evse.Table) {
		p := t.At(h)
		offline = Silence(p)
		online = p.Node.Online
	})
	metrics.NodeOnline.WithLabelValues(metrics.Label(st.Node)).Set(float64(online))
	if offline {
		m.log.Info("node offline", slog.Int("point", st.Node))
	}
}
