// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package evse

// Probability thresholds, in percent, for phase detection.
const (
	phaseThreshold       = 40
	phaseBottomThreshold = 25
)

// DetectPhases estimates how many phases a vehicle draws from the EV
// meter's per-phase currents and the current it was offered. It returns 0
// when nothing can be said.
//
// For each phase the likelihood of charging is 100 % when the measured
// current equals the target and falls off linearly; phases within 40 points
// of the most likely phase and above 25 % count as charging.
func DetectPhases(irms [3]Current, target Current, c2 Contactor2, mode Mode) int {
	if target <= 0 {
		return 0
	}

	var probs [3]int
	maxProb := 0
	for i, measured := range irms {
		diff := int(measured - target)
		if diff < 0 {
			diff = -diff
		}
		p := 100 - diff*100/int(target)
		if p < 0 {
			p = 0
		}
		probs[i] = p
		if p > maxProb {
			maxProb = p
		}
	}
	if maxProb == 0 {
		return 0
	}

	n := 0
	for _, p := range probs {
		if p == maxProb || (p > phaseBottomThreshold && maxProb-p <= phaseThreshold) {
			n++
		}
	}

	// A contactor policy that forbids three-phase charging wins over the
	// measurement.
	if c2.ForceSinglePhase(mode) && n != 1 {
		n = 1
	}
	return n
}
