// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package settings

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrSettingNotFound is returned by a Store for a name it does not hold.
var ErrSettingNotFound = errors.New("setting not found")

// Store persists settings in their text form.
type Store interface {
	Get(name string) (string, error)
	Set(name, value string) error
	Keys() ([]string, error)
	Close() error
}

// MemoryStore is a Store that lives only as long as the process.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string]string{}}
}

func (m *MemoryStore) Get(name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSettingNotFound, name)
	}
	return v, nil
}

func (m *MemoryStore) Set(name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name] = value
	return nil
}

func (m *MemoryStore) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Close() error { return nil }

// Load reads every setting from store. Missing names take their default;
// a stored value that no longer parses is an error naming the setting.
func Load(store Store) (Config, error) {
	c := Default()
	for _, s := range table {
		v, err := store.Get(s.name)
		if errors.Is(err, ErrSettingNotFound) {
			continue
		}
		if err != nil {
			return c, fmt.Errorf("load %s: %w", s.name, err)
		}
		if err := c.Set(s.name, v); err != nil {
			return c, fmt.Errorf("load: %w", err)
		}
	}
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("load: %w", err)
	}
	return c, nil
}

// Save writes every setting of c to store.
func Save(store Store, c Config) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	for _, s := range table {
		if err := store.Set(s.name, s.get(&c)); err != nil {
			return fmt.Errorf("save %s: %w", s.name, err)
		}
	}
	return nil
}

// Update applies one named change to the stored configuration and returns
// the result. Nothing is written when the change is invalid.
func Update(store Store, name, value string) (Config, error) {
	c, err := Load(store)
	if err != nil {
		return c, err
	}
	if err := c.Set(name, value); err != nil {
		return c, err
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	stored, _ := c.Get(name)
	if err := store.Set(name, stored); err != nil {
		return c, fmt.Errorf("save %s: %w", name, err)
	}
	return c, nil
}
