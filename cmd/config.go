// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/evsectl/internal/settings"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show and change persisted settings",
	Long: `Show and change the settings stored in the --db directory.

Currents are whole amperes. A change is validated against the other
settings before it is written; nothing is stored when it is rejected.`,
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every setting",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store settings.Store) error {
			cfg, err := settings.Load(store)
			if err != nil {
				return err
			}
			for _, name := range settings.Names() {
				value, _ := cfg.Get(name)
				def, _ := settings.DefaultValue(name)
				marker := ""
				if value != def {
					marker = fmt.Sprintf("  (default %s)", def)
				}
				fmt.Printf("%-26s %s%s\n", name, value, marker)
			}
			return nil
		})
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get NAME",
	Short: "Print one setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store settings.Store) error {
			cfg, err := settings.Load(store)
			if err != nil {
				return err
			}
			value, err := cfg.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		})
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set NAME VALUE",
	Short: "Change one setting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store settings.Store) error {
			cfg, err := settings.Update(store, args[0], args[1])
			if err != nil {
				return err
			}
			value, _ := cfg.Get(args[0])
			fmt.Printf("%s = %s\n", args[0], value)
			return nil
		})
	},
}

var configResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Restore every setting to its default",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store settings.Store) error {
			if err := settings.Save(store, settings.Default()); err != nil {
				return err
			}
			fmt.Println("settings restored to defaults")
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd, configResetCmd)
}

// withStore opens the settings database for the duration of fn.
func withStore(fn func(settings.Store) error) (err error) {
	if dbPath == "" {
		return errors.New("config needs a settings database (--db)")
	}
	log, err := newLogger(os.Stderr)
	if err != nil {
		return err
	}
	store, err := settings.OpenBadger(dbPath, log.With(slog.String("component", "settings")))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(store)
}
