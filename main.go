// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// evsectl - EV Charge Point Controller
//
// Runs the charging state machine of one charge point, shares the circuit
// between charge points on the station bus, and sniffs that bus.

package main

import (
	"os"

	"github.com/Thermoquad/evsectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
