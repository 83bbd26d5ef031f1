// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package evse

import (
	"errors"
	"fmt"
)

// MaxPoints is the number of charge points that can share one circuit.
const MaxPoints = 8

// NodeOnlineCount is what a successful node response resets the online
// countdown to.
const NodeOnlineCount = 5

// ErrInvalidHandle is returned for a point index outside the table.
var ErrInvalidHandle = errors.New("invalid charge point handle")

// Handle addresses one slot of a Table. The zero Handle is point 0.
type Handle struct {
	idx uint8
}

// NewHandle validates i as a point index.
func NewHandle(i int) (Handle, error) {
	if i < 0 || i >= MaxPoints {
		return Handle{}, fmt.Errorf("%w: %d", ErrInvalidHandle, i)
	}
	return Handle{idx: uint8(i)}, nil
}

// MustHandle is NewHandle for indices known to be valid.
func MustHandle(i int) Handle {
	h, err := NewHandle(i)
	if err != nil {
		panic(err)
	}
	return h
}

// Index returns the slot number, 0 through MaxPoints-1.
func (h Handle) Index() int { return int(h.idx) }

// NodeRecord is what the master knows about a remote point.
type NodeRecord struct {
	Online        int // countdown; 0 means offline
	Mode          Mode
	ConfigChanged bool
	Access        bool
	Assigned      ErrorFlags // error bits the master holds on the node
	EVMeter       uint8      // meter kind as reported by the node
	EVMeterAddr   uint8
	SolarTimer    int // grace timer value last reported, seconds
	ChargeTimer   int // seconds in Charging this session
	RampTimer     int // seconds since Charging began, for the solar start window
	Phases        int
}

// Point is one charge point as seen by the allocation engine.
type Point struct {
	State     State
	Errors    ErrorFlags
	Requested Current // the point's own ceiling (configured maximum, cable)
	Allocated Current
	Max       Current // max_allowed_current after external limits
	MinFloor  Current
	Phases    int
	Node      NodeRecord
}

// Table is the fixed-capacity set of charge points sharing a circuit.
type Table struct {
	points [MaxPoints]Point
}

// NewTable creates a table with every slot offline and idle.
func NewTable() *Table {
	return &Table{}
}

// At returns the point behind h for in-place update.
func (t *Table) At(h Handle) *Point {
	return &t.points[h.idx]
}

// Lookup validates i and returns its point.
func (t *Table) Lookup(i int) (*Point, error) {
	h, err := NewHandle(i)
	if err != nil {
		return nil, err
	}
	return t.At(h), nil
}

// Each calls fn for every slot in order.
func (t *Table) Each(fn func(h Handle, p *Point)) {
	for i := range t.points {
		fn(Handle{idx: uint8(i)}, &t.points[i])
	}
}

// Snapshot returns a copy of all points.
func (t *Table) Snapshot() [MaxPoints]Point {
	return t.points
}

// ActiveCount returns the number of points in Charging.
func (t *Table) ActiveCount() int {
	n := 0
	for i := range t.points {
		if t.points[i].State.Active() {
			n++
		}
	}
	return n
}

// TotalAllocated sums the allocation of every point.
func (t *Table) TotalAllocated() Current {
	var sum Current
	for i := range t.points {
		sum += t.points[i].Allocated
	}
	return sum
}

// ResetNode returns a remote slot to offline defaults.
func (t *Table) ResetNode(h Handle) {
	t.points[h.idx] = Point{}
}

// ResetConnection clears per-connection counters when a point returns to Idle.
func (p *Point) ResetConnection() {
	p.Allocated = 0
	p.Phases = 0
	p.Node.ChargeTimer = 0
	p.Node.RampTimer = 0
	p.Node.Phases = 0
}
