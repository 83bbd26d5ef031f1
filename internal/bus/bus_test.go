// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Thermoquad/evsectl/pkg/evbus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startPort attaches a port to hub and runs it until the test ends.
func startPort(t *testing.T, hub *Hub) *Port {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPort(hub.Attach(), testLogger())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p
}

// serve answers every request addressed to addr with reply(request).
func serve(t *testing.T, p *Port, addr uint8, reply func(*evbus.Packet) []*evbus.Packet) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case pkt := <-p.Packets():
				if !pkt.IsRequest() || pkt.Address() != addr {
					continue
				}
				for _, r := range reply(pkt) {
					p.Reply(r)
				}
			}
		}
	}()
}

// ============================================================
// Hub Tests
// ============================================================

func TestHub_DeliversToOthersOnly(t *testing.T) {
	hub := NewHub()
	a, b, c := hub.Attach(), hub.Attach(), hub.Attach()
	defer a.Close()
	defer b.Close()
	defer c.Close()

	if _, err := a.Write([]byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}

	for name, e := range map[string]*Endpoint{"b": b, "c": c} {
		buf := make([]byte, 8)
		n, err := e.Read(buf)
		if err != nil {
			t.Fatalf("%s: read: %v", name, err)
		}
		if n != 3 || buf[0] != 1 || buf[2] != 3 {
			t.Errorf("%s: got %v", name, buf[:n])
		}
	}

	select {
	case got := <-a.inbox:
		t.Errorf("writer received its own bytes: %v", got)
	default:
	}
}

func TestHub_PartialReads(t *testing.T) {
	hub := NewHub()
	a, b := hub.Attach(), hub.Attach()
	defer a.Close()
	defer b.Close()

	a.Write([]byte{1, 2, 3, 4})
	buf := make([]byte, 3)
	n, _ := b.Read(buf)
	if n != 3 {
		t.Fatalf("first read: expected 3 bytes, got %d", n)
	}
	n, _ = b.Read(buf)
	if n != 1 || buf[0] != 4 {
		t.Errorf("second read: expected [4], got %v", buf[:n])
	}
}

func TestHub_ClosedEndpoint(t *testing.T) {
	hub := NewHub()
	a, b := hub.Attach(), hub.Attach()
	b.Close()

	if _, err := b.Read(make([]byte, 1)); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("read after close: expected ErrConnectionClosed, got %v", err)
	}
	if _, err := b.Write([]byte{1}); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("write after close: expected ErrConnectionClosed, got %v", err)
	}
	// Writing to a hub with a detached endpoint must not block or fail.
	if _, err := a.Write([]byte{1}); err != nil {
		t.Errorf("write with detached peer: %v", err)
	}
	a.Close()
}

// ============================================================
// Port Tests
// ============================================================

func TestPort_RequestReply(t *testing.T) {
	hub := NewHub()
	master := startPort(t, hub)
	node := startPort(t, hub)

	serve(t, node, 3, func(req *evbus.Packet) []*evbus.Packet {
		reg, _ := evbus.Register(req)
		return []*evbus.Packet{evbus.NewReadResponse(3, reg, []int32{2, 0, 160})}
	})

	reply, err := master.Request(context.Background(), evbus.NewReadRequest(3, 0x0000, 3))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	values, ok := evbus.Values(reply)
	if !ok || len(values) != 3 || values[2] != 160 {
		t.Errorf("unexpected reply values %v", values)
	}
}

func TestPort_IgnoresRepliesFromOtherAddresses(t *testing.T) {
	hub := NewHub()
	master := startPort(t, hub)
	node := startPort(t, hub)

	serve(t, node, 4, func(req *evbus.Packet) []*evbus.Packet {
		return []*evbus.Packet{
			evbus.NewReadResponse(5, 0, []int32{99}),
			evbus.NewReadResponse(4, 0, []int32{7}),
		}
	})

	reply, err := master.Request(context.Background(), evbus.NewReadRequest(4, 0, 1))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if values, _ := evbus.Values(reply); len(values) != 1 || values[0] != 7 {
		t.Errorf("expected the reply from address 4, got %v", values)
	}
}

func TestPort_Timeout(t *testing.T) {
	hub := NewHub()
	master := startPort(t, hub)
	master.SetTimeout(20 * time.Millisecond)

	start := time.Now()
	_, err := master.Request(context.Background(), evbus.NewReadRequest(7, 0, 1))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestPort_Exception(t *testing.T) {
	hub := NewHub()
	master := startPort(t, hub)
	node := startPort(t, hub)

	serve(t, node, 2, func(req *evbus.Packet) []*evbus.Packet {
		return []*evbus.Packet{evbus.NewException(2, req.Type(), evbus.ExceptionIllegalAddress)}
	})

	_, err := master.Request(context.Background(), evbus.NewReadRequest(2, 0x0FFF, 1))
	var exc *evbus.ExceptionError
	if !errors.As(err, &exc) {
		t.Fatalf("expected an ExceptionError, got %v", err)
	}
	if exc.Code != evbus.ExceptionIllegalAddress || exc.Request != evbus.MsgReadRequest {
		t.Errorf("unexpected exception %+v", exc)
	}
}

func TestPort_ContextCancelled(t *testing.T) {
	hub := NewHub()
	master := startPort(t, hub)
	master.SetTimeout(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := master.Request(ctx, evbus.NewReadRequest(6, 0, 1)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestPort_BroadcastReachesEveryNode(t *testing.T) {
	hub := NewHub()
	master := startPort(t, hub)
	nodes := []*Port{startPort(t, hub), startPort(t, hub)}

	if err := master.Send(evbus.NewWriteMultiple(evbus.AddressBroadcast, 0x0020, []int32{60, 60})); err != nil {
		t.Fatalf("send: %v", err)
	}
	for i, n := range nodes {
		select {
		case pkt := <-n.Packets():
			if !pkt.IsBroadcast() || pkt.Type() != evbus.MsgWriteMultiple {
				t.Errorf("node %d: unexpected packet %s", i, evbus.FormatPacket(pkt))
			}
		case <-time.After(time.Second):
			t.Fatalf("node %d: broadcast not received", i)
		}
	}
}

func TestPort_CountsCorruptFrames(t *testing.T) {
	hub := NewHub()
	raw := hub.Attach()
	defer raw.Close()
	p := startPort(t, hub)

	raw.Write([]byte{evbus.StartByte, evbus.MaxPayloadSize + 10, evbus.EndByte})
	raw.Write(evbus.MustEncode(evbus.NewReadRequest(3, 0, 1)))

	select {
	case pkt := <-p.Packets():
		if pkt.Address() != 3 {
			t.Errorf("unexpected packet %s", evbus.FormatPacket(pkt))
		}
	case <-time.After(time.Second):
		t.Fatal("valid frame after a corrupt one was not delivered")
	}

	stats := p.Stats()
	if stats.ValidPackets != 1 {
		t.Errorf("expected 1 valid frame, got %d", stats.ValidPackets)
	}
	if stats.DecodeErrors != 1 {
		t.Errorf("expected 1 oversize frame, got %d", stats.DecodeErrors)
	}
}
