// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package evbus

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ParseCBORMessage parses a [msg_type, payload_map] message body.
// The payload map is nil when the message carries no payload.
func ParseCBORMessage(data []byte) (msgType uint8, payload map[int]interface{}, err error) {
	if len(data) == 0 {
		return 0, nil, fmt.Errorf("%w: empty CBOR payload", ErrMalformedBody)
	}

	var msg []interface{}
	if err := cbor.Unmarshal(data, &msg); err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrMalformedBody, err)
	}
	if len(msg) != 2 {
		return 0, nil, fmt.Errorf("%w: expected 2-element array, got %d elements", ErrMalformedBody, len(msg))
	}

	v, ok := msg[0].(uint64)
	if !ok || v > 0xFF {
		return 0, nil, fmt.Errorf("%w: bad message type %v", ErrMalformedBody, msg[0])
	}
	msgType = uint8(v)

	if msg[1] == nil {
		return msgType, nil, nil
	}

	raw, ok := msg[1].(map[interface{}]interface{})
	if !ok {
		return 0, nil, fmt.Errorf("%w: expected map or nil for payload, got %T", ErrMalformedBody, msg[1])
	}
	payload = make(map[int]interface{}, len(raw))
	for key, val := range raw {
		switch k := key.(type) {
		case uint64:
			payload[int(k)] = val
		case int64:
			payload[int(k)] = val
		default:
			return 0, nil, fmt.Errorf("%w: expected integer map key, got %T", ErrMalformedBody, key)
		}
	}
	return msgType, payload, nil
}

// GetMapUint extracts a non-negative integer from a payload map
func GetMapUint(m map[int]interface{}, key int) (uint64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch val := v.(type) {
	case uint64:
		return val, true
	case int64:
		if val >= 0 {
			return uint64(val), true
		}
	}
	return 0, false
}

// GetMapInt extracts a signed integer from a payload map
func GetMapInt(m map[int]interface{}, key int) (int64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	return asInt64(v)
}

// GetMapInts extracts an integer array from a payload map. Values outside
// the int32 range make the whole array invalid.
func GetMapInts(m map[int]interface{}, key int) ([]int32, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}

	var items []interface{}
	switch val := v.(type) {
	case []interface{}:
		items = val
	case []int32:
		return val, true
	default:
		return nil, false
	}

	out := make([]int32, len(items))
	for i, item := range items {
		n, ok := asInt64(item)
		if !ok || n < -1<<31 || n > 1<<31-1 {
			return nil, false
		}
		out[i] = int32(n)
	}
	return out, true
}

func asInt64(v interface{}) (int64, bool) {
	switch val := v.(type) {
	case int64:
		return val, true
	case uint64:
		if val > 1<<63-1 {
			return 0, false
		}
		return int64(val), true
	case int32:
		return int64(val), true
	case int:
		return int64(val), true
	}
	return 0, false
}
