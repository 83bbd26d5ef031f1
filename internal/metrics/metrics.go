// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package metrics holds the prometheus instruments of the controller.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "evsectl"

var (
	PointState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "point_state",
		Help:      "Charging state code of each charge point.",
	}, []string{"point"})

	PointAllocated = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "point_allocated_amps",
		Help:      "Current allocated to each charge point.",
	}, []string{"point"})

	PointErrors = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "point_error_flags",
		Help:      "Error flag bits of each charge point.",
	}, []string{"point"})

	NodeOnline = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "node_online",
		Help:      "Online countdown of each node as seen by the master.",
	}, []string{"point"})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "state_transitions_total",
		Help:      "State changes of the local charge point by target state.",
	}, []string{"to"})

	Target = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "allocation_target_amps",
		Help:      "Aggregate target current of the allocation engine.",
	})

	Shortages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "allocation_shortages_total",
		Help:      "Allocation cycles that ended in a shortage, by kind.",
	}, []string{"kind"})

	GraceTimer = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "grace_timer_seconds",
		Help:      "Remaining seconds of the solar stop and sum-of-mains timers.",
	}, []string{"timer"})

	MainsCurrent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "mains_current_amps",
		Help:      "Last trusted mains current per phase.",
	}, []string{"phase"})

	BusRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_requests_total",
		Help:      "Requests sent on the station bus by outcome.",
	}, []string{"outcome"})

	BusFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_frames_total",
		Help:      "Frames decoded from the station bus by result.",
	}, []string{"result"})
)

// Request outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeTimeout   = "timeout"
	OutcomeException = "exception"
	OutcomeError     = "error"
)

// Label returns the label value for point i.
func Label(i int) string { return strconv.Itoa(i) }

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }
