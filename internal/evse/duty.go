// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package evse

// Duty is a PWM duty cycle on a 0-1024 scale.
type Duty uint16

// Fixed duty values.
const (
	DutyOff  Duty = 0    // pilot held low
	DutyFull Duty = 1024 // constant +12 V, no current offered
	DutyFive Duty = 51   // 5 %: digital communication requested
)

// DutyForCurrent maps an offered current to its pilot duty cycle. 6 A to
// 51 A uses duty = I / 0.6, 51 A to 80 A uses duty = I / 2.5 + 64 %; anything
// else falls back to the 6 A duty.
func DutyForCurrent(c Current) Duty {
	var permille int
	switch {
	case c >= 60 && c <= 510:
		permille = int(c) * 10 / 6
	case c > 510 && c <= 800:
		permille = int(c)*10/25 + 640
	default:
		permille = 100
	}
	return Duty(permille * 1024 / 1000)
}

// CurrentForDuty is the current a vehicle may draw at duty d, the inverse
// of DutyForCurrent. It is 0 outside the charging range.
func CurrentForDuty(d Duty) Current {
	permille := (int(d)*1000 + 512) / 1024
	switch {
	case permille >= 100 && permille <= 850:
		return Current((permille*6 + 5) / 10)
	case permille > 850 && permille <= 960:
		return Current(((permille-640)*25 + 5) / 10)
	}
	return 0
}
