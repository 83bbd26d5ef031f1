// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package evse

import (
	"time"

	"github.com/google/uuid"
)

// Session is one uninterrupted stay in Charging.
type Session struct {
	ID      uuid.UUID
	Started time.Time
	Ended   time.Time
	Seconds int
	Peak    Current // highest allocation offered
	Phases  int
}

func newSession(now time.Time) *Session {
	return &Session{ID: uuid.New(), Started: now}
}

func (s *Session) observe(c Current) {
	if c > s.Peak {
		s.Peak = c
	}
}
