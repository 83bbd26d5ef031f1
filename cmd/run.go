// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Thermoquad/evsectl/internal/bus"
	"github.com/Thermoquad/evsectl/internal/evse"
	"github.com/Thermoquad/evsectl/internal/lbus"
	"github.com/Thermoquad/evsectl/internal/meter"
	"github.com/Thermoquad/evsectl/internal/metrics"
	"github.com/Thermoquad/evsectl/internal/settings"
	"github.com/Thermoquad/evsectl/internal/station"
)

var (
	metricsAddr  string
	runTUI       bool
	vehicle      string
	overrides    []string
	simulate     bool
	simBaseLoad  float64
	simSolarGain float64
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the charge controller",
	Long: `Run the charge controller with a simulated vehicle on the pilot line.

Settings are read from --db (defaults when empty); --set overrides one for
this run without storing it. With --port or --url the controller joins the
station bus as its configured role. With --simulate and no connection, the
configured mains and EV meters are simulated on an in-memory bus.

Vehicle scenarios (--vehicle):
  none       nothing plugged in
  connected  plugged in, not asking for energy
  charging   plugged in and charging`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9100)")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Show the status dashboard")
	runCmd.Flags().StringVar(&vehicle, "vehicle", "none", "Initial vehicle scenario: none, connected, charging")
	runCmd.Flags().StringArrayVar(&overrides, "set", nil, "Override a setting for this run (name=value, repeatable)")
	runCmd.Flags().BoolVar(&simulate, "simulate", false, "Simulate the configured meters when no bus connection is given")
	runCmd.Flags().Float64Var(&simBaseLoad, "sim-load", 8, "Simulated household load per phase (A)")
	runCmd.Flags().Float64Var(&simSolarGain, "sim-solar", 0, "Simulated solar production per phase (A)")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var events *eventLog
	var log *slog.Logger
	if runTUI {
		level, err := parseLevel(logLevel)
		if err != nil {
			return err
		}
		events = newEventLog(maxLogEntries)
		log = slog.New(newEventHandler(events, level))
	} else {
		var err error
		if log, err = newLogger(os.Stderr); err != nil {
			return err
		}
	}

	store, err := openStore(log)
	if err != nil {
		return err
	}
	defer store.Close()

	cfg, err := settings.Load(store)
	if err != nil {
		return err
	}
	if cfg, err = applyOverrides(cfg, overrides); err != nil {
		return err
	}
	if dbPath == "" {
		// an in-memory store starts from this run's settings
		if err := settings.Save(store, cfg); err != nil {
			return err
		}
	}

	out := station.NewOutputs(log)
	car := station.NewVirtualPilot(out)
	sensors := station.NewVirtualSensors()
	if err := startScenario(car, vehicle); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	port, sims, err := openBus(ctx, g, cfg, log)
	if err != nil {
		return err
	}

	st, err := station.New(station.Options{
		Config:  cfg,
		Store:   store,
		Pilot:   car,
		Outputs: out,
		Sensors: sensors,
		Port:    port,
		Logger:  log,
	})
	if err != nil {
		return err
	}

	g.Go(func() error { return st.Run(ctx) })
	if sims != nil {
		g.Go(func() error { return sims.run(ctx, st, out, cfg) })
	}
	if metricsAddr != "" {
		serveMetrics(ctx, g, metricsAddr, log)
	}

	if !runTUI {
		return g.Wait()
	}

	m := newDashboard(st, car, sensors, out, events)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, tuiErr := p.Run()
	cancel()
	if err := g.Wait(); err != nil {
		return err
	}
	if tuiErr != nil && !errors.Is(tuiErr, tea.ErrProgramKilled) {
		return fmt.Errorf("TUI error: %w", tuiErr)
	}
	return nil
}

// openStore opens the settings database, or an empty in-memory store
// when no --db was given.
func openStore(log *slog.Logger) (settings.Store, error) {
	if dbPath == "" {
		return settings.NewMemoryStore(), nil
	}
	return settings.OpenBadger(dbPath, log.With(slog.String("component", "settings")))
}

// applyOverrides applies name=value pairs on top of cfg.
func applyOverrides(cfg settings.Config, pairs []string) (settings.Config, error) {
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return cfg, fmt.Errorf("--set %q: want name=value", pair)
		}
		if err := cfg.Set(strings.TrimSpace(name), strings.TrimSpace(value)); err != nil {
			return cfg, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func startScenario(car *station.VirtualPilot, name string) error {
	switch name {
	case "none":
	case "connected":
		car.Connect()
	case "charging":
		car.StartCharge()
	default:
		return fmt.Errorf("unknown vehicle scenario %q (use none, connected or charging)", name)
	}
	return nil
}

// openBus returns the controller's port. A real connection wins over
// simulation; with neither the controller runs without a bus.
func openBus(ctx context.Context, g *errgroup.Group, cfg settings.Config, log *slog.Logger) (*bus.Port, *simMeters, error) {
	if hasConnection() {
		conn, info, err := OpenConnection(ctx)
		if err != nil {
			return nil, nil, err
		}
		log.Info("bus connected", slog.String("connection", info))
		return bus.NewPort(conn, log.With(slog.String("component", "bus"))), nil, nil
	}
	if !simulate || cfg.Role.IsNode() {
		return nil, nil, nil
	}

	hub := bus.NewHub()
	sims := &simMeters{baseLoad: simBaseLoad, solar: simSolarGain}
	if cfg.MainsMeter.Polled() {
		sims.mains = meter.NewSim(cfg.MainsMeter)
		serveSim(ctx, g, hub, cfg.MainsMeterAddress, sims.mains, log)
	}
	if cfg.EVMeter.Polled() {
		sims.ev = meter.NewSim(cfg.EVMeter)
		serveSim(ctx, g, hub, cfg.EVMeterAddress, sims.ev, log)
	}
	log.Info("simulated meters on in-memory bus",
		slog.String("mains", cfg.MainsMeter.String()),
		slog.String("ev", cfg.EVMeter.String()))
	return bus.NewPort(hub.Attach(), log.With(slog.String("component", "bus"))), sims, nil
}

func serveSim(ctx context.Context, g *errgroup.Group, hub *bus.Hub, addr uint8, sim *meter.Sim, log *slog.Logger) {
	log = log.With(slog.String("component", "sim-meter"), slog.Int("address", int(addr)))
	port := bus.NewPort(hub.Attach(), log)
	srv := lbus.NewServer(addr, sim, log)
	g.Go(func() error { return port.Run(ctx) })
	g.Go(func() error { return srv.Serve(ctx, port) })
}

// simMeters feeds the simulated meters from the charger's own draw.
type simMeters struct {
	mains    *meter.Sim
	ev       *meter.Sim
	baseLoad float64
	solar    float64
	energy   float64 // Wh
}

func (s *simMeters) run(ctx context.Context, st *station.Station, out *station.Outputs, cfg settings.Config) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.update(st.Status(), out.State(), cfg)
		}
	}
}

func (s *simMeters) update(status station.Status, outs station.OutputState, cfg settings.Config) {
	var draw [3]evse.Current
	if status.State == evse.StateCharging && outs.Contactor1 {
		offer := evse.CurrentForDuty(outs.Duty)
		phases := 3
		if cfg.Contactor2 != evse.C2NotPresent && !outs.Contactor2 {
			phases = 1
		}
		for i := 0; i < phases; i++ {
			draw[i] = offer
		}
	}

	if s.ev != nil {
		watts := 0
		for _, c := range draw {
			watts += int(c) * 230 / 10
		}
		s.energy += float64(watts) / 3600
		s.ev.Set(meter.Reading{Irms: draw, Power: watts, Energy: int(s.energy), At: time.Now()})
	}
	if s.mains != nil {
		var irms [3]evse.Current
		for i := range irms {
			irms[i] = evse.Current((s.baseLoad-s.solar)*10) + draw[i]
		}
		s.mains.SetCurrents(irms)
	}
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		log.Info("serving metrics", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
