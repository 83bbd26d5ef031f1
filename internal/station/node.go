// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package station

import (
	"fmt"
	"log/slog"

	"github.com/Thermoquad/evsectl/internal/evse"
	"github.com/Thermoquad/evsectl/internal/lbus"
	"github.com/Thermoquad/evsectl/pkg/evbus"
)

// nodeBank is the register file a node serves to its master.
type nodeBank struct{ s *Station }

func (b nodeBank) ReadRegisters(reg uint16, count int) ([]int32, error) {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var block []int32
	var base uint16
	switch {
	case reg < lbus.StatusCount:
		block, base = s.nodeStatus().Registers(), lbus.RegState
	case reg >= lbus.RegEVMeter && reg < lbus.RegEVMeter+lbus.ConfigCount:
		block, base = []int32{int32(s.cfg.EVMeter), int32(s.cfg.EVMeterAddress)}, lbus.RegEVMeter
	default:
		return nil, fmt.Errorf("%w: 0x%04X", evbus.ErrIllegalRegister, reg)
	}

	off := int(reg - base)
	if count <= 0 || off+count > len(block) {
		return nil, fmt.Errorf("%w: 0x%04X+%d", evbus.ErrIllegalRegister, reg, count)
	}
	return block[off : off+count], nil
}

func (b nodeBank) WriteRegisters(reg uint16, values []int32) error {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case reg == lbus.RegAllocations:
		bc, err := lbus.ParseBroadcast(values)
		if err != nil {
			return fmt.Errorf("%w: %v", evbus.ErrIllegalValue, err)
		}
		s.receiveBroadcast(bc)

	case reg < lbus.CommandCount:
		cmd, err := lbus.ParseCommand(s.nodeCommand(), reg, values)
		if err != nil {
			return fmt.Errorf("%w: %v", evbus.ErrIllegalValue, err)
		}
		s.applyCommand(cmd)

	case reg == lbus.RegConfigChanged && len(values) == 1 && values[0] == 0:
		s.configChanged = false

	default:
		return fmt.Errorf("%w: 0x%04X is not writable", evbus.ErrIllegalRegister, reg)
	}
	s.syncLocal()
	return nil
}

func (s *Station) nodeStatus() lbus.NodeStatus {
	return lbus.NodeStatus{
		State:         s.machine.State(),
		Errors:        s.machine.Errors(),
		Mode:          s.cfg.Mode,
		SolarTimer:    s.solarTimer,
		MaxCurrent:    s.requested(),
		Access:        s.cfg.Access,
		ConfigChanged: s.configChanged,
		Phases:        s.machine.Phases(),
		Allocated:     s.machine.Allocated(),
	}
}

func (s *Station) nodeCommand() lbus.NodeCommand {
	return lbus.NodeCommand{
		State:      s.machine.State(),
		Errors:     s.machine.Errors(),
		Mode:       s.cfg.Mode,
		SolarTimer: s.solarTimer,
	}
}

// receiveBroadcast applies the master's allocation table in one step.
func (s *Station) receiveBroadcast(bc lbus.Broadcast) {
	s.lastBroadcast = bc
	s.mains.UpdateCurrents(bc.Mains, s.now())
	recordMains(bc.Mains)
	s.table.Each(func(h evse.Handle, p *evse.Point) {
		if h != s.self {
			p.Allocated = bc.Allocations[h.Index()]
		}
	})
	s.machine.SetAllocation(bc.Allocations[s.self.Index()])
}

// applyCommand handles a write to the command block. The master owns the
// shortage and mains-lost bits; every other bit stays local.
func (s *Station) applyCommand(cmd lbus.NodeCommand) {
	if cmd.State != s.machine.State() {
		if s.machine.ApplyRemoteState(cmd.State) {
			s.log.Info("master confirmed request", slog.String("state", cmd.State.String()))
		} else {
			s.log.Debug("state write ignored",
				slog.String("state", s.machine.State().String()),
				slog.String("written", cmd.State.String()))
		}
	}

	s.assigned = cmd.Errors & lbus.MasterErrors
	if added := s.assigned &^ s.machine.Errors(); added != 0 {
		s.machine.Raise(added)
	}
	if released := evse.ShortageFlags &^ s.assigned & s.machine.Errors(); released != 0 {
		s.machine.Clear(released)
	}

	s.solarTimer = cmd.SolarTimer
	if cmd.Mode != s.cfg.Mode {
		if err := s.setMode(cmd.Mode); err != nil {
			s.log.Warn("mode from master", slog.String("mode", cmd.Mode.String()), slog.Any("err", err))
		}
	}
}
