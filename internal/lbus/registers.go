// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package lbus is the load balancing protocol between one master and up
// to seven nodes on the station bus.
//
// The master polls meters and nodes in a fixed sweep, writes each node the
// decisions that concern it and broadcasts the allocation table. Nodes only
// answer; the broadcast is the one message they apply without replying.
package lbus

import (
	"fmt"

	"github.com/Thermoquad/evsectl/internal/evse"
	"github.com/Thermoquad/evsectl/internal/meter"
)

// Node status registers. The first CommandCount are written by the master.
const (
	RegState         uint16 = 0x0000
	RegErrors        uint16 = 0x0001
	RegMode          uint16 = 0x0002
	RegSolarTimer    uint16 = 0x0003
	RegMaxCurrent    uint16 = 0x0004
	RegAccess        uint16 = 0x0005
	RegConfigChanged uint16 = 0x0006
	RegPhases        uint16 = 0x0007
	RegAllocated     uint16 = 0x0008

	StatusCount  = 9
	CommandCount = 4
)

// Broadcast registers: one allocation per point, then the mains currents.
const (
	RegAllocations   uint16 = 0x0020
	RegMainsCurrents uint16 = 0x0028

	BroadcastCount = evse.MaxPoints + meter.RegCurrentsCount
)

// Node configuration registers read during a configuration sync.
const (
	RegEVMeter        uint16 = 0x0108
	RegEVMeterAddress uint16 = 0x0109

	ConfigCount = 2
)

// MasterErrors are the error bits a master sets and clears on a node.
const MasterErrors = evse.ShortageFlags | evse.ErrMainsMeterLost

// SolarTimerTolerance is how far a node's grace timer may drift from the
// master's before the master rewrites it, in seconds.
const SolarTimerTolerance = 3

// NodeAddress returns the bus address of remote point i (1 through 7).
func NodeAddress(i int) uint8 { return uint8(i + 1) }

// NodeStatus is the status block a node reports.
type NodeStatus struct {
	State         evse.State
	Errors        evse.ErrorFlags
	Mode          evse.Mode
	SolarTimer    int
	MaxCurrent    evse.Current
	Access        bool
	ConfigChanged bool
	Phases        int
	Allocated     evse.Current
}

func boolRegister(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// Registers encodes s starting at RegState.
func (s NodeStatus) Registers() []int32 {
	return []int32{
		int32(s.State),
		int32(s.Errors),
		int32(s.Mode),
		int32(s.SolarTimer),
		int32(s.MaxCurrent),
		boolRegister(s.Access),
		boolRegister(s.ConfigChanged),
		int32(s.Phases),
		int32(s.Allocated),
	}
}

// ParseStatus decodes a status block read from RegState.
func ParseStatus(values []int32) (NodeStatus, error) {
	if len(values) != StatusCount {
		return NodeStatus{}, fmt.Errorf("status block: expected %d registers, got %d", StatusCount, len(values))
	}
	s := NodeStatus{
		State:         evse.State(values[0]),
		Errors:        evse.ErrorFlags(values[1]),
		Mode:          evse.Mode(values[2]),
		SolarTimer:    int(values[3]),
		MaxCurrent:    evse.Current(values[4]),
		Access:        values[5] != 0,
		ConfigChanged: values[6] != 0,
		Phases:        int(values[7]),
		Allocated:     evse.Current(values[8]),
	}
	if values[0] < 0 || values[0] > 0xFF || !s.State.Valid() {
		return NodeStatus{}, fmt.Errorf("status block: invalid state %d", values[0])
	}
	if values[2] < 0 || values[2] > int32(evse.ModeSolar) {
		return NodeStatus{}, fmt.Errorf("status block: invalid mode %d", values[2])
	}
	return s, nil
}

// NodeCommand is what the master writes to a node.
type NodeCommand struct {
	State      evse.State
	Errors     evse.ErrorFlags
	Mode       evse.Mode
	SolarTimer int
}

// Registers encodes c starting at RegState.
func (c NodeCommand) Registers() []int32 {
	return []int32{int32(c.State), int32(c.Errors), int32(c.Mode), int32(c.SolarTimer)}
}

// ParseCommand decodes a write of up to CommandCount registers starting at
// reg, on top of the node's current values in base.
func ParseCommand(base NodeCommand, reg uint16, values []int32) (NodeCommand, error) {
	if int(reg)+len(values) > CommandCount {
		return base, fmt.Errorf("command write 0x%04X+%d outside the writable block", reg, len(values))
	}
	c := base
	for i, v := range values {
		switch reg + uint16(i) {
		case RegState:
			if v < 0 || v > 0xFF || !evse.State(v).Valid() {
				return base, fmt.Errorf("invalid state %d", v)
			}
			c.State = evse.State(v)
		case RegErrors:
			c.Errors = evse.ErrorFlags(v)
		case RegMode:
			if v < 0 || v > int32(evse.ModeSolar) {
				return base, fmt.Errorf("invalid mode %d", v)
			}
			c.Mode = evse.Mode(v)
		case RegSolarTimer:
			c.SolarTimer = int(v)
		}
	}
	return c, nil
}

// Compose decides what to write to node p given what the master wants it
// to hold. Only the master-owned error bits of want are used. ok is false
// when the node already matches and nothing needs to be sent.
func Compose(p evse.Point, want NodeCommand) (NodeCommand, bool) {
	cmd := NodeCommand{
		State:      p.State,
		Errors:     p.Errors&^MasterErrors | want.Errors&MasterErrors,
		Mode:       p.Node.Mode,
		SolarTimer: p.Node.SolarTimer,
	}
	changed := false

	switch {
	case want.State == evse.StateDemandConfirmed && p.State == evse.StateRequestDemand,
		want.State == evse.StateChargeConfirmed && p.State == evse.StateRequestCharge:
		cmd.State = want.State
		changed = true
	}
	if cmd.Errors != p.Errors {
		changed = true
	}
	if want.Mode != p.Node.Mode {
		cmd.Mode = want.Mode
		changed = true
	}
	if d := want.SolarTimer - p.Node.SolarTimer; d > SolarTimerTolerance || d < -SolarTimerTolerance {
		cmd.SolarTimer = want.SolarTimer
		changed = true
	}
	return cmd, changed
}

// Broadcast is the allocation table the master sends to every node.
type Broadcast struct {
	Allocations [evse.MaxPoints]evse.Current
	Mains       [3]evse.Current
}

// Registers encodes b starting at RegAllocations.
func (b Broadcast) Registers() []int32 {
	out := make([]int32, 0, BroadcastCount)
	for _, c := range b.Allocations {
		out = append(out, int32(c))
	}
	for _, c := range b.Mains {
		out = append(out, int32(c))
	}
	return out
}

// ParseBroadcast decodes a broadcast written at RegAllocations.
func ParseBroadcast(values []int32) (Broadcast, error) {
	var b Broadcast
	if len(values) != BroadcastCount {
		return b, fmt.Errorf("broadcast: expected %d registers, got %d", BroadcastCount, len(values))
	}
	for i := range b.Allocations {
		b.Allocations[i] = evse.Current(values[i])
	}
	mains, err := meter.ParseCurrents(values[evse.MaxPoints:])
	if err != nil {
		return b, fmt.Errorf("broadcast: %w", err)
	}
	b.Mains = mains
	return b, nil
}

// ApplyStatus records a status block read from the node in slot p and
// marks it online.
func ApplyStatus(p *evse.Point, s NodeStatus) {
	p.Node.Online = evse.NodeOnlineCount
	if p.State.Active() && !s.State.Active() {
		p.ResetConnection()
	}
	p.State = s.State
	p.Errors = s.Errors
	p.Requested = s.MaxCurrent
	p.Phases = s.Phases
	p.Node.Mode = s.Mode
	p.Node.SolarTimer = s.SolarTimer
	p.Node.Access = s.Access
	p.Node.ConfigChanged = s.ConfigChanged
	p.Node.Phases = s.Phases
}

// Silence counts down a node that did not answer. It returns true when
// this call took the node offline; its slot is then reset, so it reads as
// Idle with nothing allocated.
func Silence(p *evse.Point) bool {
	if p.Node.Online == 0 {
		return false
	}
	p.Node.Online--
	if p.Node.Online > 0 {
		return false
	}
	*p = evse.Point{}
	return true
}
