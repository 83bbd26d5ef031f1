// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package settings holds the controller configuration: a flat set of
// named values with defaults and ranges, kept in a Store.
package settings

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Thermoquad/evsectl/internal/evse"
	"github.com/Thermoquad/evsectl/internal/meter"
	"github.com/Thermoquad/evsectl/pkg/evbus"
)

// ErrUnknownSetting is returned for a name that is not a setting.
var ErrUnknownSetting = errors.New("unknown setting")

// Config is a snapshot of every setting. Currents are in tenths of an
// ampere; the stored form is whole amperes.
type Config struct {
	Mode                 evse.Mode
	Role                 evse.Role
	MaxMains             evse.Current
	MaxCircuit           evse.Current
	MaxSumMains          evse.Current // 0 disables the limit
	MaxSumMainsTime      int          // minutes, 0 stops at once
	MinCurrent           evse.Current
	MaxCurrent           evse.Current
	CableCapacity        evse.Current // 0 when the cable has no limit
	StartCurrent         evse.Current
	StopTime             int // minutes, 0 never stops
	ImportCurrent        evse.Current
	Contactor2           evse.Contactor2
	MainsMeter           meter.Kind
	MainsMeterAddress    uint8
	EVMeter              meter.Kind
	EVMeterAddress       uint8
	MaxTemperature       int // °C
	Access               bool
	Negotiation          bool
	GridRelayMaxSumMains evse.Current // 0 when no grid relay is wired
}

type setting struct {
	name string
	def  string
	get  func(c *Config) string
	set  func(c *Config, v string) error
}

func parseInt(v string, lo, hi int) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", v)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%d outside %d-%d", n, lo, hi)
	}
	return n, nil
}

// amps is a setting in whole amperes between lo and hi. zeroOff allows 0
// as "disabled" below lo.
func amps(name, def string, lo, hi int, zeroOff bool, field func(c *Config) *evse.Current) setting {
	return setting{
		name: name,
		def:  def,
		get:  func(c *Config) string { return strconv.Itoa(int(*field(c) / 10)) },
		set: func(c *Config, v string) error {
			low := lo
			if zeroOff {
				low = 0
			}
			n, err := parseInt(v, low, hi)
			if err != nil {
				return err
			}
			if zeroOff && n != 0 && n < lo {
				return fmt.Errorf("%d below %d (use 0 to disable)", n, lo)
			}
			*field(c) = evse.Amps(n)
			return nil
		},
	}
}

func number(name, def string, lo, hi int, field func(c *Config) *int) setting {
	return setting{
		name: name,
		def:  def,
		get:  func(c *Config) string { return strconv.Itoa(*field(c)) },
		set: func(c *Config, v string) error {
			n, err := parseInt(v, lo, hi)
			if err != nil {
				return err
			}
			*field(c) = n
			return nil
		},
	}
}

func address(name, def string, field func(c *Config) *uint8) setting {
	return setting{
		name: name,
		def:  def,
		get:  func(c *Config) string { return strconv.Itoa(int(*field(c))) },
		set: func(c *Config, v string) error {
			n, err := parseInt(v, evbus.AddressMeterMin, evbus.AddressMeterMax)
			if err != nil {
				return err
			}
			*field(c) = uint8(n)
			return nil
		},
	}
}

func flag(name, def string, field func(c *Config) *bool) setting {
	return setting{
		name: name,
		def:  def,
		get:  func(c *Config) string { return strconv.FormatBool(*field(c)) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("not a boolean: %q", v)
			}
			*field(c) = b
			return nil
		},
	}
}

var table = []setting{
	{
		name: "mode",
		def:  "normal",
		get:  func(c *Config) string { return c.Mode.String() },
		set: func(c *Config, v string) (err error) {
			c.Mode, err = evse.ParseMode(v)
			return err
		},
	},
	{
		name: "role",
		def:  "disabled",
		get:  func(c *Config) string { return c.Role.String() },
		set: func(c *Config, v string) (err error) {
			c.Role, err = evse.ParseRole(v)
			return err
		},
	},
	amps("max_mains", "25", 10, 200, false, func(c *Config) *evse.Current { return &c.MaxMains }),
	amps("max_circuit", "16", 10, 160, false, func(c *Config) *evse.Current { return &c.MaxCircuit }),
	amps("max_sum_mains", "0", 10, 600, true, func(c *Config) *evse.Current { return &c.MaxSumMains }),
	number("max_sum_mains_time", "0", 0, 60, func(c *Config) *int { return &c.MaxSumMainsTime }),
	amps("min_current", "6", 6, 16, false, func(c *Config) *evse.Current { return &c.MinCurrent }),
	amps("max_current", "13", 6, 80, false, func(c *Config) *evse.Current { return &c.MaxCurrent }),
	amps("cable_capacity", "0", 6, 80, true, func(c *Config) *evse.Current { return &c.CableCapacity }),
	amps("start_current", "4", 0, 48, false, func(c *Config) *evse.Current { return &c.StartCurrent }),
	number("stop_time", "10", 0, 60, func(c *Config) *int { return &c.StopTime }),
	amps("import_current", "0", 0, 20, false, func(c *Config) *evse.Current { return &c.ImportCurrent }),
	{
		name: "contactor2",
		def:  "not_present",
		get:  func(c *Config) string { return c.Contactor2.String() },
		set: func(c *Config, v string) (err error) {
			c.Contactor2, err = evse.ParseContactor2(v)
			return err
		},
	},
	{
		name: "mains_meter",
		def:  "none",
		get:  func(c *Config) string { return c.MainsMeter.String() },
		set: func(c *Config, v string) (err error) {
			c.MainsMeter, err = meter.ParseKind(v)
			return err
		},
	},
	address("mains_meter_address", "10", func(c *Config) *uint8 { return &c.MainsMeterAddress }),
	{
		name: "ev_meter",
		def:  "none",
		get:  func(c *Config) string { return c.EVMeter.String() },
		set: func(c *Config, v string) error {
			k, err := meter.ParseKind(v)
			if err != nil {
				return err
			}
			if k != meter.KindNone && k != meter.KindGeneric {
				return fmt.Errorf("an EV meter must be none or generic, not %s", k)
			}
			c.EVMeter = k
			return nil
		},
	},
	address("ev_meter_address", "12", func(c *Config) *uint8 { return &c.EVMeterAddress }),
	number("max_temperature", "65", 40, 75, func(c *Config) *int { return &c.MaxTemperature }),
	flag("access", "true", func(c *Config) *bool { return &c.Access }),
	flag("negotiation", "false", func(c *Config) *bool { return &c.Negotiation }),
	amps("grid_relay_max_sum_mains", "0", 10, 600, true, func(c *Config) *evse.Current { return &c.GridRelayMaxSumMains }),
}

func lookup(name string) (setting, bool) {
	for _, s := range table {
		if s.name == name {
			return s, true
		}
	}
	return setting{}, false
}

// Names lists every setting name in alphabetical order.
func Names() []string {
	names := make([]string, len(table))
	for i, s := range table {
		names[i] = s.name
	}
	sort.Strings(names)
	return names
}

// Default returns the configuration with every setting at its default.
func Default() Config {
	var c Config
	for _, s := range table {
		if err := s.set(&c, s.def); err != nil {
			panic(fmt.Sprintf("settings: bad default for %s: %v", s.name, err))
		}
	}
	return c
}

// DefaultValue returns the default of name.
func DefaultValue(name string) (string, error) {
	s, ok := lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSetting, name)
	}
	return s.def, nil
}

// Get returns the stored form of setting name.
func (c Config) Get(name string) (string, error) {
	s, ok := lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSetting, name)
	}
	return s.get(&c), nil
}

// Set parses value into setting name. c is unchanged on error.
func (c *Config) Set(name, value string) error {
	s, ok := lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSetting, name)
	}
	next := *c
	if err := s.set(&next, value); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*c = next
	return nil
}

// Validate checks the constraints between settings.
func (c Config) Validate() error {
	var errs []error
	if c.MinCurrent > c.MaxCurrent {
		errs = append(errs, fmt.Errorf("min_current %s above max_current %s", c.MinCurrent, c.MaxCurrent))
	}
	if c.MinCurrent > c.MaxCircuit {
		errs = append(errs, fmt.Errorf("min_current %s above max_circuit %s", c.MinCurrent, c.MaxCircuit))
	}
	if c.Mode != evse.ModeNormal && c.MainsMeter == meter.KindNone && !c.Role.IsNode() {
		errs = append(errs, fmt.Errorf("%s mode needs a mains meter", c.Mode))
	}
	if c.MainsMeter.Polled() && c.EVMeter != meter.KindNone && c.MainsMeterAddress == c.EVMeterAddress {
		errs = append(errs, fmt.Errorf("mains and EV meter share address %d", c.MainsMeterAddress))
	}
	return errors.Join(errs...)
}
