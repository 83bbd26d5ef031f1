// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package evse holds the charge point model: current units, pilot levels,
// states, error flags, the point table and the charging state machine.
package evse

import (
	"fmt"
	"strings"
)

// Current is a current in tenths of an ampere. Negative values appear only
// for measured quantities (exported power).
type Current int

// Amps converts whole amperes to a Current.
func Amps(a int) Current { return Current(a * 10) }

func (c Current) String() string {
	sign := ""
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s%d.%dA", sign, c/10, c%10)
}

// Hard bounds for any target current.
const (
	MinTarget Current = 0
	MaxTarget Current = 800
)

// Level is the discretized control pilot reading for one control cycle.
type Level uint8

const (
	LevelInvalid      Level = iota
	LevelDisconnected       // 12 V, no vehicle
	LevelReady              // 9 V, vehicle connected
	LevelCharging           // 6 V, vehicle requests energy
	LevelDemand             // 3 V, energy with ventilation; not supported
	LevelDiodeCheck         // negative half-wave seen, vehicle diode present
)

func (l Level) String() string {
	switch l {
	case LevelDisconnected:
		return "disconnected"
	case LevelReady:
		return "ready"
	case LevelCharging:
		return "charging"
	case LevelDemand:
		return "demand"
	case LevelDiodeCheck:
		return "diode"
	default:
		return "invalid"
	}
}

// State is a charge point state. The numeric values are what the bus
// reports in the state register.
type State uint8

const (
	StateIdle              State = 0
	StateDemandPending     State = 1
	StateCharging          State = 2
	StateRequestDemand     State = 4
	StateDemandConfirmed   State = 5
	StateRequestCharge     State = 6
	StateChargeConfirmed   State = 7
	StateActivation        State = 8
	StateFaultHold         State = 9
	StateStoppingRequested State = 10
	StateModemRequest      State = 11
	StateModemWait         State = 12
	StateModemDone         State = 13
	StateModemDenied       State = 14
)

var stateNames = map[State]string{
	StateIdle:              "Idle",
	StateDemandPending:     "DemandPending",
	StateCharging:          "Charging",
	StateRequestDemand:     "RequestDemand",
	StateDemandConfirmed:   "DemandConfirmed",
	StateRequestCharge:     "RequestCharge",
	StateChargeConfirmed:   "ChargeConfirmed",
	StateActivation:        "Activation",
	StateFaultHold:         "FaultHold",
	StateStoppingRequested: "StoppingRequested",
	StateModemRequest:      "ModemRequest",
	StateModemWait:         "ModemWait",
	StateModemDone:         "ModemDone",
	StateModemDenied:       "ModemDenied",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Valid reports whether s is a known state code.
func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// Negotiating reports whether s is one of the handshake sub-states, either
// with the master or with the vehicle.
func (s State) Negotiating() bool {
	switch s {
	case StateRequestDemand, StateDemandConfirmed, StateRequestCharge, StateChargeConfirmed,
		StateModemRequest, StateModemWait, StateModemDone, StateModemDenied:
		return true
	}
	return false
}

// Active reports whether a point in state s draws current.
func (s State) Active() bool {
	return s == StateCharging
}

// ErrorFlags is the set of independent error conditions of a point.
type ErrorFlags uint8

const (
	ErrLessThanMin     ErrorFlags = 1 << iota // insufficient current
	ErrMainsMeterLost                         // mains meter (or master on a node) silent
	ErrTempHigh                               // over-temperature
	ErrEVMeterLost                            // EV meter silent
	ErrResidualCurrent                        // residual current device tripped
	ErrNoSolar                                // not enough solar surplus
	ErrPilotFault                             // pilot level unstable
	ErrHardwareFault                          // local hardware fault
)

// ShortageFlags are the flags that clear on their own once headroom returns.
const ShortageFlags = ErrLessThanMin | ErrNoSolar

// Has reports whether any flag in mask is set.
func (f ErrorFlags) Has(mask ErrorFlags) bool { return f&mask != 0 }

// Blocking returns the flags that hold a point in FaultHold.
func (f ErrorFlags) Blocking() ErrorFlags { return f &^ ShortageFlags }

func (f ErrorFlags) String() string {
	if f == 0 {
		return "none"
	}
	names := []string{"LESS_6A", "MAINS_NOCOMM", "TEMP_HIGH", "EV_NOCOMM", "RCM_TRIPPED", "NO_SUN", "PILOT_FAULT", "HARDWARE"}
	var parts []string
	for i, name := range names {
		if f&(1<<uint(i)) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// Mode selects how the target current is derived.
type Mode uint8

const (
	ModeNormal Mode = iota
	ModeSmart
	ModeSolar
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeSmart:
		return "smart"
	case ModeSolar:
		return "solar"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	for m := ModeNormal; m <= ModeSolar; m++ {
		if m.String() == strings.ToLower(s) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// Role is the bus role of a controller. RoleDisabled runs a single point
// without a bus; RoleMaster is point 0; nodes are points 1 through 7.
type Role uint8

const (
	RoleDisabled Role = iota
	RoleMaster
)

// NodeRole returns the role of node n (1-7).
func NodeRole(n int) Role { return Role(n + 1) }

// IsNode reports whether r is one of the node roles.
func (r Role) IsNode() bool { return r > RoleMaster && int(r) <= MaxPoints }

// Balancing reports whether r coordinates through the bus.
func (r Role) Balancing() bool { return r != RoleDisabled }

// Point returns the table index owned by a controller with role r.
func (r Role) Point() int {
	if r.IsNode() {
		return int(r) - 1
	}
	return 0
}

func (r Role) String() string {
	switch {
	case r == RoleDisabled:
		return "disabled"
	case r == RoleMaster:
		return "master"
	case r.IsNode():
		return fmt.Sprintf("node%d", r.Point())
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// ParseRole parses a role name.
func ParseRole(s string) (Role, error) {
	for r := RoleDisabled; int(r) <= MaxPoints; r++ {
		if r.String() == strings.ToLower(s) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// Contactor2 is the policy for the second (phase 2/3) contactor.
type Contactor2 uint8

const (
	C2NotPresent Contactor2 = iota
	C2AlwaysOff
	C2SolarOff
	C2Auto
	C2AlwaysOn
)

var contactor2Names = []string{"not_present", "always_off", "solar_off", "auto", "always_on"}

func (c Contactor2) String() string {
	if int(c) < len(contactor2Names) {
		return contactor2Names[c]
	}
	return fmt.Sprintf("Contactor2(%d)", uint8(c))
}

// ParseContactor2 parses a contactor-2 policy name.
func ParseContactor2(s string) (Contactor2, error) {
	for i, name := range contactor2Names {
		if name == strings.ToLower(s) {
			return Contactor2(i), nil
		}
	}
	return 0, fmt.Errorf("unknown contactor2 policy %q", s)
}

// ForceSinglePhase reports whether the policy forbids three-phase charging
// in mode m.
func (c Contactor2) ForceSinglePhase(m Mode) bool {
	return c == C2AlwaysOff || (c == C2SolarOff && m == ModeSolar)
}
