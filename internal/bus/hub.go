// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bus

import (
	"sync"
	"sync/atomic"
)

// hubQueue is how many writes an endpoint may fall behind before the hub
// drops bytes for it, as a UART overrun would.
const hubQueue = 256

// Hub is an in-memory multi-drop bus. Bytes written by one endpoint reach
// every other attached endpoint, never the writer itself.
type Hub struct {
	mu        sync.Mutex
	endpoints []*Endpoint
	dropped   atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{}
}

// Attach connects a new endpoint.
func (h *Hub) Attach() *Endpoint {
	e := &Endpoint{
		hub:   h,
		inbox: make(chan []byte, hubQueue),
		done:  make(chan struct{}),
	}
	h.mu.Lock()
	h.endpoints = append(h.endpoints, e)
	h.mu.Unlock()
	return e
}

// Dropped returns the number of writes lost to full endpoints.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (h *Hub) deliver(from *Endpoint, p []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.endpoints {
		if e == from {
			continue
		}
		buf := make([]byte, len(p))
		copy(buf, p)
		select {
		case e.inbox <- buf:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) detach(e *Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, x := range h.endpoints {
		if x == e {
			h.endpoints = append(h.endpoints[:i], h.endpoints[i+1:]...)
			return
		}
	}
}

// Endpoint is one device's connection to a Hub.
type Endpoint struct {
	hub     *Hub
	inbox   chan []byte
	pending []byte
	done    chan struct{}
	once    sync.Once
}

func (e *Endpoint) Read(p []byte) (int, error) {
	if len(e.pending) == 0 {
		select {
		case buf := <-e.inbox:
			e.pending = buf
		case <-e.done:
			return 0, ErrConnectionClosed
		}
	}
	n := copy(p, e.pending)
	e.pending = e.pending[n:]
	return n, nil
}

func (e *Endpoint) Write(p []byte) (int, error) {
	select {
	case <-e.done:
		return 0, ErrConnectionClosed
	default:
	}
	e.hub.deliver(e, p)
	return len(p), nil
}

func (e *Endpoint) Close() error {
	e.once.Do(func() {
		e.hub.detach(e)
		close(e.done)
	})
	return nil
}
