// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const maxLogEntries = 100

// Event log entry
type logEntry struct {
	timestamp time.Time
	level     slog.Level
	message   string
}

// eventLog keeps the most recent log records for the dashboard.
type eventLog struct {
	mu      sync.Mutex
	entries []logEntry
	max     int
}

func newEventLog(limit int) *eventLog {
	return &eventLog{max: limit}
}

func (l *eventLog) add(e logEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
}

// last returns up to n of the newest entries, oldest first.
func (l *eventLog) last(n int) []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := max(len(l.entries)-n, 0)
	return append([]logEntry(nil), l.entries[start:]...)
}

// eventHandler is a slog.Handler writing one line per record into an
// eventLog, so logging does not tear the alternate screen.
type eventHandler struct {
	log   *eventLog
	level slog.Leveler
	attrs string
	group string
}

func newEventHandler(log *eventLog, level slog.Leveler) *eventHandler {
	return &eventHandler{log: log, level: level}
}

func (h *eventHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *eventHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	b.WriteString(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.group, a)
		return true
	})
	h.log.add(logEntry{timestamp: r.Time, level: r.Level, message: b.String()})
	return nil
}

func (h *eventHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	var b strings.Builder
	b.WriteString(h.attrs)
	for _, a := range attrs {
		writeAttr(&b, h.group, a)
	}
	next.attrs = b.String()
	return &next
}

func (h *eventHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.group = h.group + name + "."
	return &next
}

func writeAttr(b *strings.Builder, group string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	fmt.Fprintf(b, " %s%s=%v", group, a.Key, a.Value.Resolve())
}
