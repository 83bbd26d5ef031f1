// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package lbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Thermoquad/evsectl/internal/bus"
	"github.com/Thermoquad/evsectl/internal/evse"
	"github.com/Thermoquad/evsectl/internal/meter"
	"github.com/Thermoquad/evsectl/pkg/evbus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeController is a station reduced to its table and meters.
type fakeController struct {
	mu    sync.Mutex
	table *evse.Table
	mains meter.Meter
	ev    meter.Meter

	readings  map[Feed][]meter.Reading
	desired   [evse.MaxPoints]NodeCommand
	broadcast Broadcast
	overload  bool
	allocs    int
	joined    bool
}

func newFakeController() *fakeController {
	return &fakeController{
		table:    evse.NewTable(),
		readings: map[Feed][]meter.Reading{},
	}
}

func (c *fakeController) Borrow(fn func(t *evse.Table)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.table)
}

func (c *fakeController) Meters() (meter.Meter, meter.Meter) { return c.mains, c.ev }

func (c *fakeController) MeterReading(feed Feed, field meter.Capability, r meter.Reading) {
	c.readings[feed] = append(c.readings[feed], r)
}

func (c *fakeController) Desired(h evse.Handle) NodeCommand { return c.desired[h.Index()] }

func (c *fakeController) Allocate(join bool) (Broadcast, bool) {
	c.allocs++
	c.joined = c.joined || join
	return c.broadcast, c.overload
}

// scriptedBus answers master requests from a function instead of a wire.
type scriptedBus struct {
	requests []*evbus.Packet
	sent     []*evbus.Packet
	answer   func(p *evbus.Packet) (*evbus.Packet, error)
}

func (b *scriptedBus) Request(ctx context.Context, p *evbus.Packet) (*evbus.Packet, error) {
	b.requests = append(b.requests, p)
	if b.answer == nil {
		return nil, bus.ErrTimeout
	}
	return b.answer(p)
}

func (b *scriptedBus) Send(p *evbus.Packet) error {
	b.sent = append(b.sent, p)
	return nil
}

func (b *scriptedBus) describe() []string {
	var out []string
	for _, p := range b.requests {
		reg, _ := evbus.Register(p)
		out = append(out, fmt.Sprintf("%s@%d:%04X", evbus.FormatMessageType(p.Type()), p.Address(), reg))
	}
	return out
}

func timeout(p *evbus.Packet) error {
	return fmt.Errorf("%w: %s", bus.ErrTimeout, evbus.FormatAddress(p.Address()))
}

// ============================================================
// Register Codec Tests
// ============================================================

func TestNodeStatus_RoundTrip(t *testing.T) {
	in := NodeStatus{
		State:         evse.StateRequestCharge,
		Errors:        evse.ErrTempHigh,
		Mode:          evse.ModeSolar,
		SolarTimer:    540,
		MaxCurrent:    160,
		Access:        true,
		ConfigChanged: true,
		Phases:        3,
		Allocated:     60,
	}
	out, err := ParseStatus(in.Registers())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out != in {
		t.Errorf("round trip mismatch:\n  in:  %+v\n  out: %+v", in, out)
	}
}

func TestParseStatus_Rejects(t *testing.T) {
	valid := NodeStatus{State: evse.StateIdle}.Registers()

	tests := []struct {
		name   string
		values []int32
	}{
		{name: "short block", values: valid[:StatusCount-1]},
		{name: "unknown state", values: append([]int32{3}, valid[1:]...)},
		{name: "state wraps to a valid code", values: append([]int32{0x102}, valid[1:]...)},
		{name: "negative state", values: append([]int32{-1}, valid[1:]...)},
		{name: "unknown mode", values: append(append([]int32{}, valid[:2]...), append([]int32{7}, valid[3:]...)...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseStatus(tt.values); err == nil {
				t.Errorf("expected an error for %v", tt.values)
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	base := NodeCommand{State: evse.StateRequestDemand, Mode: evse.ModeSmart, SolarTimer: 10}

	t.Run("full block", func(t *testing.T) {
		want := NodeCommand{State: evse.StateDemandConfirmed, Errors: evse.ErrNoSolar, Mode: evse.ModeSolar, SolarTimer: 300}
		got, err := ParseCommand(base, RegState, want.Registers())
		if err != nil || got != want {
			t.Errorf("got %+v, %v", got, err)
		}
	})

	t.Run("single register keeps the rest", func(t *testing.T) {
		got, err := ParseCommand(base, RegErrors, []int32{int32(evse.ErrLessThanMin)})
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if got.Errors != evse.ErrLessThanMin || got.State != base.State || got.Mode != base.Mode {
			t.Errorf("got %+v", got)
		}
	})

	t.Run("past the writable block", func(t *testing.T) {
		if _, err := ParseCommand(base, RegSolarTimer, []int32{1, 2}); err == nil {
			t.Error("expected an error")
		}
	})

	t.Run("invalid mode", func(t *testing.T) {
		if got, err := ParseCommand(base, RegMode, []int32{9}); err == nil || got != base {
			t.Errorf("expected an error and the base back, got %+v, %v", got, err)
		}
	})
}

func TestBroadcast_RoundTrip(t *testing.T) {
	in := Broadcast{
		Allocations: [evse.MaxPoints]evse.Current{100, 60, 0, 0, 0, 0, 0, 75},
		Mains:       [3]evse.Current{120, -30, 45},
	}
	values := in.Registers()
	if len(values) != BroadcastCount {
		t.Fatalf("expected %d registers, got %d", BroadcastCount, len(values))
	}
	out, err := ParseBroadcast(values)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out != in {
		t.Errorf("round trip mismatch:\n  in:  %+v\n  out: %+v", in, out)
	}
	if _, err := ParseBroadcast(values[:evse.MaxPoints]); err == nil {
		t.Error("expected an error for a broadcast without mains currents")
	}
}

// ============================================================
// Compose Tests
// ============================================================

func TestCompose(t *testing.T) {
	node := func(state evse.State, errs evse.ErrorFlags) evse.Point {
		p := evse.Point{State: state, Errors: errs}
		p.Node.Online = evse.NodeOnlineCount
		p.Node.Mode = evse.ModeSmart
		p.Node.SolarTimer = 100
		return p
	}
	same := NodeCommand{Mode: evse.ModeSmart, SolarTimer: 100}

	tests := []struct {
		name      string
		point     evse.Point
		want      NodeCommand
		changed   bool
		wantState evse.State
		wantErrs  evse.ErrorFlags
	}{
		{
			name:      "in sync",
			point:     node(evse.StateCharging, 0),
			want:      same,
			wantState: evse.StateCharging,
		},
		{
			name:      "confirms a demand request",
			point:     node(evse.StateRequestDemand, 0),
			want:      NodeCommand{State: evse.StateDemandConfirmed, Mode: evse.ModeSmart, SolarTimer: 100},
			changed:   true,
			wantState: evse.StateDemandConfirmed,
		},
		{
			name:      "confirmation without a matching request",
			point:     node(evse.StateIdle, 0),
			want:      NodeCommand{State: evse.StateChargeConfirmed, Mode: evse.ModeSmart, SolarTimer: 100},
			wantState: evse.StateIdle,
		},
		{
			name:      "tags a shortage",
			point:     node(evse.StateRequestCharge, evse.ErrTempHigh),
			want:      NodeCommand{Errors: evse.ErrLessThanMin, Mode: evse.ModeSmart, SolarTimer: 100},
			changed:   true,
			wantState: evse.StateRequestCharge,
			wantErrs:  evse.ErrTempHigh | evse.ErrLessThanMin,
		},
		{
			name:      "clears a shortage and keeps node-owned bits",
			point:     node(evse.StateIdle, evse.ErrNoSolar|evse.ErrResidualCurrent),
			want:      same,
			changed:   true,
			wantState: evse.StateIdle,
			wantErrs:  evse.ErrResidualCurrent,
		},
		{
			name:      "node-owned bits in the request are ignored",
			point:     node(evse.StateIdle, 0),
			want:      NodeCommand{Errors: evse.ErrHardwareFault, Mode: evse.ModeSmart, SolarTimer: 100},
			wantState: evse.StateIdle,
		},
		{
			name:      "mode change",
			point:     node(evse.StateIdle, 0),
			want:      NodeCommand{Mode: evse.ModeSolar, SolarTimer: 100},
			changed:   true,
			wantState: evse.StateIdle,
		},
		{
			name:      "timer drift within tolerance",
			point:     node(evse.StateCharging, 0),
			want:      NodeCommand{Mode: evse.ModeSmart, SolarTimer: 100 - SolarTimerTolerance},
			wantState: evse.StateCharging,
		},
		{
			name:      "timer drift beyond tolerance",
			point:     node(evse.StateCharging, 0),
			want:      NodeCommand{Mode: evse.ModeSmart, SolarTimer: 100 + SolarTimerTolerance + 1},
			changed:   true,
			wantState: evse.StateCharging,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, changed := Compose(tt.point, tt.want)
			if changed != tt.changed {
				t.Errorf("changed: expected %v, got %v (%+v)", tt.changed, changed, cmd)
			}
			if cmd.State != tt.wantState {
				t.Errorf("state: expected %s, got %s", tt.wantState, cmd.State)
			}
			if cmd.Errors != tt.wantErrs {
				t.Errorf("errors: expected %s, got %s", tt.wantErrs, cmd.Errors)
			}
		})
	}
}

// ============================================================
// Online Countdown Tests
// ============================================================

func TestSilence_Countdown(t *testing.T) {
	p := evse.Point{State: evse.StateCharging, Allocated: 100, Requested: 160}
	ApplyStatus(&p, NodeStatus{State: evse.StateCharging, MaxCurrent: 160})

	for i := 1; i < evse.NodeOnlineCount; i++ {
		if Silence(&p) {
			t.Fatalf("offline after %d silent rounds", i)
		}
		if p.Allocated != 100 {
			t.Fatalf("allocation changed while still online")
		}
	}
	if !Silence(&p) {
		t.Fatalf("still online after %d silent rounds", evse.NodeOnlineCount)
	}
	if p.State != evse.StateIdle || p.Allocated != 0 || p.Node.Online != 0 {
		t.Errorf("offline slot not reset: %+v", p)
	}
	if Silence(&p) {
		t.Error("an offline node went offline again")
	}
}

func TestApplyStatus_LeavingChargingResetsConnection(t *testing.T) {
	p := evse.Point{State: evse.StateCharging, Allocated: 80, Phases: 3}
	p.Node.RampTimer = 55
	ApplyStatus(&p, NodeStatus{State: evse.StateIdle})
	if p.Allocated != 0 || p.Node.RampTimer != 0 || p.Node.Online != evse.NodeOnlineCount {
		t.Errorf("unexpected slot %+v", p)
	}
}

// ============================================================
// Server Tests
// ============================================================

func TestServer_Handle(t *testing.T) {
	sim := meter.NewSim(meter.KindSensorbox)
	sim.SetCurrents([3]evse.Current{100, 110, 120})
	s := NewServer(10, sim, testLogger())

	t.Run("read currents", func(t *testing.T) {
		reply := s.Handle(evbus.NewReadRequest(10, meter.RegCurrents, meter.RegCurrentsCount))
		if reply == nil || reply.Type() != evbus.MsgReadResponse {
			t.Fatalf("expected a READ_RESPONSE, got %v", reply)
		}
		values, _ := evbus.Values(reply)
		if len(values) != 3 || values[2] != 120 {
			t.Errorf("unexpected values %v", values)
		}
	})

	t.Run("unsupported register", func(t *testing.T) {
		reply := s.Handle(evbus.NewReadRequest(10, meter.RegEnergy, 1))
		exc := evbus.AsException(reply)
		if exc == nil || exc.Code != evbus.ExceptionIllegalAddress {
			t.Errorf("expected an illegal address exception, got %v", reply)
		}
	})

	t.Run("write to a read-only bank", func(t *testing.T) {
		reply := s.Handle(evbus.NewWriteSingle(10, meter.RegPower, 1))
		if exc := evbus.AsException(reply); exc == nil || exc.Request != evbus.MsgWriteSingle {
			t.Errorf("expected an exception for the write, got %v", reply)
		}
	})

	t.Run("silent cases", func(t *testing.T) {
		for name, pkt := range map[string]*evbus.Packet{
			"other address": evbus.NewReadRequest(11, 0, 1),
			"broadcast":     evbus.NewWriteMultiple(evbus.AddressBroadcast, RegAllocations, Broadcast{}.Registers()),
			"response":      evbus.NewReadResponse(10, 0, []int32{1}),
		} {
			if reply := s.Handle(pkt); reply != nil {
				t.Errorf("%s: expected no reply, got %s", name, evbus.FormatPacket(reply))
			}
		}
	})
}

// recordingBank remembers every write it accepts.
type recordingBank struct {
	writes map[uint16][]int32
}

func (b *recordingBank) ReadRegisters(reg uint16, count int) ([]int32, error) {
	return nil, evbus.ErrIllegalRegister
}

func (b *recordingBank) WriteRegisters(reg uint16, values []int32) error {
	if reg == RegMaxCurrent {
		return fmt.Errorf("%w: read-only", evbus.ErrIllegalRegister)
	}
	b.writes[reg] = values
	return nil
}

func TestServer_Writes(t *testing.T) {
	bank := &recordingBank{writes: map[uint16][]int32{}}
	s := NewServer(3, bank, testLogger())

	reply := s.Handle(evbus.NewWriteMultiple(3, RegState, []int32{5, 0, 1, 0}))
	if reply == nil || reply.Type() != evbus.MsgWriteAck {
		t.Fatalf("expected a WRITE_ACK, got %v", reply)
	}
	if count, _ := evbus.Count(reply); count != 4 {
		t.Errorf("ack count: expected 4, got %d", count)
	}

	if reply := s.Handle(evbus.NewWriteMultiple(evbus.AddressBroadcast, RegAllocations, Broadcast{}.Registers())); reply != nil {
		t.Errorf("broadcast answered with %s", evbus.FormatPacket(reply))
	}
	if len(bank.writes[RegAllocations]) != BroadcastCount {
		t.Errorf("broadcast not applied: %v", bank.writes[RegAllocations])
	}

	reply = s.Handle(evbus.NewWriteSingle(3, RegMaxCurrent, 100))
	if exc := evbus.AsException(reply); exc == nil || exc.Code != evbus.ExceptionIllegalAddress {
		t.Errorf("expected an illegal address exception, got %v", reply)
	}
}

// ============================================================
// Master Tests
// ============================================================

func TestMaster_StandaloneSweep(t *testing.T) {
	ctl := newFakeController()
	ctl.mains = *meter.New(meter.KindSensorbox, 10, meter.MainsTimeout)
	ctl.ev = *meter.New(meter.KindGeneric, 12, meter.EVTimeout)

	b := &scriptedBus{answer: func(p *evbus.Packet) (*evbus.Packet, error) {
		reg, _ := evbus.Register(p)
		count, _ := evbus.Count(p)
		values := make([]int32, count)
		for i := range values {
			values[i] = int32(p.Address())*100 + int32(reg) + int32(i)
		}
		return evbus.NewReadResponse(p.Address(), reg, values), nil
	}}
	m := NewMaster(b, ctl, false, testLogger())

	if err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	want := []string{
		"READ_REQUEST@10:0000",
		"READ_REQUEST@12:0004",
		"READ_REQUEST@12:0003",
		"READ_REQUEST@12:0000",
	}
	got := b.describe()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("poll order:\n  expected %v\n  got      %v", want, got)
	}
	if len(b.sent) != 0 || ctl.allocs != 0 {
		t.Errorf("a stand-alone sweep must not broadcast or allocate")
	}

	mains := ctl.readings[FeedMains]
	if len(mains) != 1 || mains[0].Irms != [3]evse.Current{1000, 1001, 1002} {
		t.Errorf("unexpected mains readings %+v", mains)
	}
	if len(ctl.readings[FeedEV]) != 3 {
		t.Errorf("expected energy, power and currents from the EV meter, got %d readings", len(ctl.readings[FeedEV]))
	}
}

func TestMaster_APIMeterIsNotPolled(t *testing.T) {
	ctl := newFakeController()
	ctl.mains = *meter.New(meter.KindAPI, 10, meter.MainsTimeout)
	b := &scriptedBus{}
	m := NewMaster(b, ctl, false, testLogger())

	m.Cycle(context.Background())
	if len(b.requests) != 0 {
		t.Errorf("expected no requests, got %v", b.describe())
	}
}

// nodeScript answers node status requests from a status per point.
func nodeScript(status map[int]NodeStatus, config map[int][2]int32) func(*evbus.Packet) (*evbus.Packet, error) {
	return func(p *evbus.Packet) (*evbus.Packet, error) {
		point := int(p.Address()) - 1
		st, ok := status[point]
		if !ok {
			return nil, timeout(p)
		}
		reg, _ := evbus.Register(p)
		switch {
		case p.Type() == evbus.MsgReadRequest && reg == RegState:
			return evbus.NewReadResponse(p.Address(), reg, st.Registers()), nil
		case p.Type() == evbus.MsgReadRequest && reg == RegEVMeter:
			c := config[point]
			return evbus.NewReadResponse(p.Address(), reg, c[:]), nil
		case p.Type() == evbus.MsgWriteSingle:
			return evbus.NewWriteAck(p.Address(), reg, 1), nil
		case p.Type() == evbus.MsgWriteMultiple:
			values, _ := evbus.Values(p)
			return evbus.NewWriteAck(p.Address(), reg, uint8(len(values))), nil
		}
		return evbus.NewException(p.Address(), p.Type(), evbus.ExceptionIllegalFunction), nil
	}
}

func TestMaster_NodeSweep(t *testing.T) {
	ctl := newFakeController()
	ctl.desired[1] = NodeCommand{State: evse.StateChargeConfirmed}
	ctl.desired[2] = NodeCommand{Errors: evse.ErrLessThanMin}
	ctl.broadcast = Broadcast{Allocations: [evse.MaxPoints]evse.Current{0, 60}}

	b := &scriptedBus{answer: nodeScript(map[int]NodeStatus{
		1: {State: evse.StateRequestCharge, MaxCurrent: 160, Access: true},
		2: {State: evse.StateRequestDemand, MaxCurrent: 130, Access: true, ConfigChanged: true},
	}, map[int][2]int32{
		2: {int32(meter.KindGeneric), 14},
	})}
	m := NewMaster(b, ctl, true, testLogger())

	if err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	want := []string{
		"READ_REQUEST@2:0000",
		"READ_REQUEST@3:0000",
		"READ_REQUEST@3:0108",
		"WRITE_SINGLE@3:0006",
		"READ_REQUEST@4:0000",
		"READ_REQUEST@5:0000",
		"READ_REQUEST@6:0000",
		"READ_REQUEST@7:0000",
		"READ_REQUEST@8:0000",
		"WRITE_MULTIPLE@2:0000",
		"WRITE_MULTIPLE@3:0000",
	}
	got := b.describe()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("poll order:\n  expected %v\n  got      %v", want, got)
	}

	p1 := ctl.table.At(evse.MustHandle(1))
	if p1.State != evse.StateCharging || p1.Requested != 160 {
		t.Errorf("point 1: expected Charging with a 16 A ceiling, got %s %s", p1.State, p1.Requested)
	}
	if !ctl.joined {
		t.Error("a confirmed charge request must allocate as a join")
	}

	p2 := ctl.table.At(evse.MustHandle(2))
	if p2.Errors != evse.ErrLessThanMin || p2.State != evse.StateRequestDemand {
		t.Errorf("point 2: expected a tagged pending request, got %s %s", p2.State, p2.Errors)
	}
	if p2.Node.ConfigChanged || p2.Node.EVMeter != uint8(meter.KindGeneric) || p2.Node.EVMeterAddr != 14 {
		t.Errorf("point 2: configuration not synced: %+v", p2.Node)
	}

	if len(b.sent) != 1 || !b.sent[0].IsBroadcast() {
		t.Fatalf("expected one broadcast, got %d", len(b.sent))
	}
	values, _ := evbus.Values(b.sent[0])
	if got, _ := ParseBroadcast(values); got != ctl.broadcast {
		t.Errorf("broadcast mismatch: %+v", got)
	}
}

func TestMaster_NoWriteWhenInSync(t *testing.T) {
	ctl := newFakeController()
	b := &scriptedBus{answer: nodeScript(map[int]NodeStatus{
		3: {State: evse.StateCharging, MaxCurrent: 100},
	}, nil)}
	m := NewMaster(b, ctl, true, testLogger())

	m.Cycle(context.Background())
	for _, p := range b.requests {
		if p.Type() != evbus.MsgReadRequest {
			t.Errorf("unexpected %s to %s", evbus.FormatMessageType(p.Type()), evbus.FormatAddress(p.Address()))
		}
	}
}

func TestMaster_Overload(t *testing.T) {
	ctl := newFakeController()
	ctl.overload = true
	b := &scriptedBus{}
	m := NewMaster(b, ctl, true, testLogger())

	m.Cycle(context.Background())
	if len(b.sent) != 2 {
		t.Fatalf("expected the table and the error broadcast, got %d", len(b.sent))
	}
	reg, _ := evbus.Register(b.sent[1])
	values, _ := evbus.Values(b.sent[1])
	if reg != RegErrors || len(values) != 1 || evse.ErrorFlags(values[0]) != evse.ErrLessThanMin {
		t.Errorf("unexpected overload broadcast %s", evbus.FormatPacket(b.sent[1]))
	}
}

func TestMaster_SilentNodeGoesOffline(t *testing.T) {
	ctl := newFakeController()
	status := map[int]NodeStatus{
		4: {State: evse.StateCharging, MaxCurrent: 160, Allocated: 100},
	}
	b := &scriptedBus{answer: nodeScript(status, nil)}
	m := NewMaster(b, ctl, true, testLogger())

	m.Cycle(context.Background())
	ctl.Borrow(func(t *evse.Table) { t.At(evse.MustHandle(4)).Allocated = 100 })

	delete(status, 4)
	for round := 1; round <= evse.NodeOnlineCount; round++ {
		b.requests = nil
		if err := m.Cycle(context.Background()); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		polls := 0
		for _, p := range b.requests {
			if p.Address() == NodeAddress(4) {
				polls++
			}
		}
		if polls != 1 {
			t.Fatalf("round %d: node polled %d times", round, polls)
		}

		p := ctl.table.At(evse.MustHandle(4))
		if round < evse.NodeOnlineCount && p.Node.Online != evse.NodeOnlineCount-round {
			t.Fatalf("round %d: online countdown %d", round, p.Node.Online)
		}
	}

	p := ctl.table.At(evse.MustHandle(4))
	if p.Node.Online != 0 || p.State != evse.StateIdle || p.Allocated != 0 {
		t.Errorf("silent node not taken offline: %+v", p)
	}
	if ctl.table.ActiveCount() != 0 || ctl.table.TotalAllocated() != 0 {
		t.Errorf("offline node still counted: active=%d total=%s", ctl.table.ActiveCount(), ctl.table.TotalAllocated())
	}
}

func TestMaster_ContextCancelled(t *testing.T) {
	ctl := newFakeController()
	b := &scriptedBus{}
	m := NewMaster(b, ctl, true, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Cycle(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// ============================================================
// Over the Hub
// ============================================================

func TestMaster_OverHub(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := bus.NewHub()
	masterPort := bus.NewPort(hub.Attach(), testLogger())
	meterPort := bus.NewPort(hub.Attach(), testLogger())
	masterPort.SetTimeout(50 * time.Millisecond)
	go masterPort.Run(ctx)
	go meterPort.Run(ctx)

	sim := meter.NewSim(meter.KindSensorbox)
	sim.SetCurrents([3]evse.Current{80, 90, 100})
	go NewServer(10, sim, testLogger()).Serve(ctx, meterPort)

	ctl := newFakeController()
	ctl.mains = *meter.New(meter.KindSensorbox, 10, meter.MainsTimeout)
	m := NewMaster(masterPort, ctl, true, testLogger())

	if err := m.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	mains := ctl.readings[FeedMains]
	if len(mains) != 1 || mains[0].Irms != [3]evse.Current{80, 90, 100} {
		t.Errorf("unexpected mains readings %+v", mains)
	}
	if ctl.allocs != 1 {
		t.Errorf("expected one allocation, got %d", ctl.allocs)
	}
}
