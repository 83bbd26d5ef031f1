// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package evbus

import (
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"
)

// getFuzzRounds returns the number of fuzz rounds from FUZZ_ROUNDS, default 1000
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

// newFuzzRng seeds from FUZZ_SEED (or the clock) and logs the seed
func newFuzzRng(t *testing.T) *rand.Rand {
	seed := time.Now().UnixNano()
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if s, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			seed = s
		}
	}
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

func randomPacket(rng *rand.Rand) *Packet {
	addr := uint8(rng.Intn(256))
	reg := uint16(rng.Intn(0x10000))
	values := make([]int32, 1+rng.Intn(MaxRegisters))
	for i := range values {
		values[i] = int32(rng.Intn(2000) - 1000)
	}

	switch rng.Intn(6) {
	case 0:
		return NewReadRequest(addr, reg, uint8(1+rng.Intn(MaxRegisters)))
	case 1:
		return NewWriteSingle(addr, reg, values[0])
	case 2:
		return NewWriteMultiple(addr, reg, values)
	case 3:
		return NewReadResponse(addr, reg, values)
	case 4:
		return NewWriteAck(addr, reg, uint8(len(values)))
	default:
		return NewException(addr, MsgReadRequest, uint8(1+rng.Intn(6)))
	}
}

// ============================================================
// Round Trip Fuzz
// ============================================================

func TestFuzz_RoundTrip(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds()
	d := NewDecoder()

	for i := 0; i < rounds; i++ {
		want := randomPacket(rng)
		frame, err := Encode(want)
		if err != nil {
			t.Fatalf("round %d: encode failed: %v", i, err)
		}

		packets := d.Decode(frame, func(err error) { t.Fatalf("round %d: decode error: %v", i, err) })
		if len(packets) != 1 {
			t.Fatalf("round %d: expected 1 packet, got %d", i, len(packets))
		}
		got := packets[0]
		if got.Address() != want.Address() || got.Type() != want.Type() {
			t.Fatalf("round %d: header mismatch: addr %d/%d type 0x%02X/0x%02X",
				i, want.Address(), got.Address(), want.Type(), got.Type())
		}
		wantValues, _ := Values(want)
		gotValues, _ := Values(got)
		if len(wantValues) != len(gotValues) {
			t.Fatalf("round %d: values length %d != %d", i, len(gotValues), len(wantValues))
		}
		for j := range wantValues {
			if wantValues[j] != gotValues[j] {
				t.Fatalf("round %d: value %d: %d != %d", i, j, gotValues[j], wantValues[j])
			}
		}
	}
}

// ============================================================
// Corruption Fuzz
// ============================================================

// A single flipped bit anywhere in the checked region must be rejected.
func TestFuzz_BitFlipsNeverPassSilently(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds()

	for i := 0; i < rounds; i++ {
		frame := MustEncode(randomPacket(rng))
		body, err := UnstuffBytes(frame[1 : len(frame)-1])
		if err != nil {
			t.Fatalf("round %d: unstuff failed: %v", i, err)
		}
		body[rng.Intn(len(body))] ^= 1 << uint(rng.Intn(8))

		corrupted := append([]byte{StartByte}, stuffBytes(nil, body)...)
		corrupted = append(corrupted, EndByte)

		if packets := NewDecoder().Decode(corrupted, nil); len(packets) != 0 {
			t.Fatalf("round %d: corrupted frame decoded as %s", i, FormatPacket(packets[0]))
		}
	}
}

func TestFuzz_RandomBytesNeverPanic(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds()
	d := NewDecoder()

	buf := make([]byte, 256)
	for i := 0; i < rounds; i++ {
		rng.Read(buf)
		for _, p := range d.Decode(buf, nil) {
			_ = ValidatePacket(p)
			_ = FormatPacket(p)
		}
	}
}
