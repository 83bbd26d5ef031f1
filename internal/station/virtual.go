// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package station

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Thermoquad/evsectl/internal/evse"
)

// OutputState is the last command of every output.
type OutputState struct {
	Duty           evse.Duty
	PilotConnected bool
	Contactor1     bool
	Contactor2     bool
	Locked         bool
}

// Outputs records actuator commands. It stands in for the driver board
// and lets a simulated vehicle see the pilot.
type Outputs struct {
	mu    sync.Mutex
	state OutputState
	log   *slog.Logger
}

// NewOutputs creates outputs with the pilot connected at full duty.
func NewOutputs(log *slog.Logger) *Outputs {
	return &Outputs{
		state: OutputState{Duty: evse.DutyFull, PilotConnected: true},
		log:   log.With(slog.String("component", "outputs")),
	}
}

func (o *Outputs) SetPilotDuty(d evse.Duty) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Duty != d {
		o.log.Debug("pilot duty", slog.Int("duty", int(d)), slog.String("offer", evse.CurrentForDuty(d).String()))
	}
	o.state.Duty = d
}

func (o *Outputs) SetPilotConnected(connected bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state.PilotConnected = connected
}

func (o *Outputs) SetContactors(c1, c2 bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Contactor1 != c1 || o.state.Contactor2 != c2 {
		o.log.Info("contactors", slog.Bool("c1", c1), slog.Bool("c2", c2))
	}
	o.state.Contactor1 = c1
	o.state.Contactor2 = c2
}

func (o *Outputs) SetLock(locked bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state.Locked = locked
}

// State returns the current outputs.
func (o *Outputs) State() OutputState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// VirtualPilot simulates a vehicle on the pilot line. It answers a charging
// offer with one diode check followed by the charging level.
type VirtualPilot struct {
	out *Outputs

	mu          sync.Mutex
	plugged     bool
	wantsCharge bool
	diodeSent   bool
}

// NewVirtualPilot creates an unplugged vehicle watching out.
func NewVirtualPilot(out *Outputs) *VirtualPilot {
	return &VirtualPilot{out: out}
}

// Connect plugs the vehicle in without asking for energy.
func (v *VirtualPilot) Connect() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.plugged = true
}

// StartCharge plugs the vehicle in, if needed, and asks for energy.
func (v *VirtualPilot) StartCharge() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.plugged = true
	v.wantsCharge = true
}

// Pause keeps the vehicle plugged in but stops asking for energy.
func (v *VirtualPilot) Pause() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.wantsCharge = false
}

// Unplug disconnects the vehicle.
func (v *VirtualPilot) Unplug() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.plugged = false
	v.wantsCharge = false
	v.diodeSent = false
}

// Plugged reports whether the vehicle is connected.
func (v *VirtualPilot) Plugged() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.plugged
}

func (v *VirtualPilot) Level() evse.Level {
	out := v.out.State()

	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.plugged {
		return evse.LevelDisconnected
	}
	offered := out.PilotConnected && evse.CurrentForDuty(out.Duty) > 0
	if !offered {
		v.diodeSent = false
		return evse.LevelReady
	}
	if !v.wantsCharge {
		return evse.LevelReady
	}
	if !v.diodeSent {
		v.diodeSent = true
		return evse.LevelDiodeCheck
	}
	return evse.LevelCharging
}

// VirtualSensors holds sensor values set by hand.
type VirtualSensors struct {
	temperature   atomic.Int32
	residual      atomic.Bool
	hardwareFault atomic.Bool
	relayOpen     atomic.Bool
}

// NewVirtualSensors creates sensors reading 25 °C with nothing tripped.
func NewVirtualSensors() *VirtualSensors {
	v := &VirtualSensors{}
	v.temperature.Store(25)
	return v
}

func (v *VirtualSensors) SetTemperature(c int)      { v.temperature.Store(int32(c)) }
func (v *VirtualSensors) SetResidualCurrent(b bool) { v.residual.Store(b) }
func (v *VirtualSensors) SetHardwareFault(b bool)   { v.hardwareFault.Store(b) }
func (v *VirtualSensors) SetGridRelayOpen(b bool)   { v.relayOpen.Store(b) }

func (v *VirtualSensors) Temperature() int      { return int(v.temperature.Load()) }
func (v *VirtualSensors) ResidualCurrent() bool { return v.residual.Load() }
func (v *VirtualSensors) HardwareFault() bool   { return v.hardwareFault.Load() }
func (v *VirtualSensors) GridRelayOpen() bool   { return v.relayOpen.Load() }
