// Copyright (C) 2025 CloseOps (ops@closeops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command mongoops is an interactive terminal console for observing
// and terminating in-flight MongoDB operations.
//
// It polls $currentOp through the admin interface, renders the result
// in a filterable table, and issues killOp commands against selected
// entries with confirmation and post-kill verification.
//
// Usage:
//
//	mongoops --namespace mydb
//	mongoops --host db1.internal --port 27018 --namespace mydb.orders
//	mongoops --username admin --password secret --namespace mydb
//
// With a config file (flags win over file values):
//
//	mongoops --config ~/.mongoops/config.yaml --namespace mydb
//
// Diagnostics are appended to {log-dir}/mongoops_{date}.log; the
// terminal stays reserved for the TUI.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/closeops/mongoops/pkg/logging"
	"github.com/closeops/mongoops/services/opsmanager/mongodb"
	"github.com/closeops/mongoops/services/opsmanager/tui"
)

var flags struct {
	host            string
	port            string
	username        string
	password        string
	namespace       string
	refreshInterval float64
	hideSystemOps   bool
	logDir          string
	configPath      string
}

var rootCmd = &cobra.Command{
	Use:          "mongoops",
	Short:        "Monitor and kill in-flight MongoDB operations",
	SilenceUsage: true,
	RunE:         runRoot,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flags.host, "host", "localhost", "MongoDB host")
	f.StringVar(&flags.port, "port", "27017", "MongoDB port")
	f.StringVar(&flags.username, "username", "", "MongoDB username")
	f.StringVar(&flags.password, "password", "", "MongoDB password")
	f.StringVar(&flags.namespace, "namespace", "", "namespace prefix to monitor (db or db.collection)")
	f.Float64Var(&flags.refreshInterval, "refresh-interval", 5.0, "auto-refresh interval in seconds (min: 0.5, max: 60)")
	f.BoolVar(&flags.hideSystemOps, "hide-system-ops", true, "hide system and monitor-noise operations")
	f.StringVar(&flags.logDir, "log-dir", "~/.mongoops/logs", "directory for the diagnostic log file")
	f.StringVar(&flags.configPath, "config", "", "optional YAML config file (flags win over file values)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runRoot(cmd *cobra.Command, args []string) error {
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return fmt.Errorf("mongoops is an interactive tool and requires a terminal")
	}

	applyConfigFile(cmd)

	logger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		LogDir:  flags.logDir,
		Service: "mongoops",
		Quiet:   true, // the TUI owns the terminal
	})
	defer logger.Close()

	interval, clamped := clampRefreshInterval(flags.refreshInterval)
	if clamped {
		logger.Warn("refresh interval out of range, clamped",
			"requested", flags.refreshInterval, "effective", interval.String())
	}

	coreCfg := mongodb.DefaultConfig()
	coreCfg.URI = buildURI(flags.host, flags.port, flags.username, flags.password)
	coreCfg.NamespaceScope = flags.namespace
	coreCfg.HideSystemOps = flags.hideSystemOps

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger.Info("connecting", "host", flags.host, "port", flags.port,
		"authenticated", flags.username != "")

	manager, err := mongodb.Connect(ctx, coreCfg, logger)
	if err != nil {
		logger.Error("connection failed", "error", err.Error())
		return startupError(err)
	}
	defer manager.Close(context.Background())

	model := tui.New(manager, tui.Config{
		RefreshInterval: interval,
		Kill:            mongodb.DefaultKillConfig(),
	}, logger)

	program := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		logger.Error("TUI terminated with error", "error", err.Error())
		return fmt.Errorf("terminal UI failed: %w", err)
	}
	logger.Info("session ended")
	return nil
}

// applyConfigFile merges file values under command-line flags: a file
// value is used only when the corresponding flag was not set.
func applyConfigFile(cmd *cobra.Command) {
	if flags.configPath == "" {
		return
	}
	cfg, err := loadConfigFile(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		return
	}

	set := cmd.Flags().Changed
	if !set("host") && cfg.Host != "" {
		flags.host = cfg.Host
	}
	if !set("port") && cfg.Port != "" {
		flags.port = cfg.Port
	}
	if !set("username") && cfg.Username != "" {
		flags.username = cfg.Username
	}
	if !set("password") && cfg.Password != "" {
		flags.password = cfg.Password
	}
	if !set("namespace") && cfg.Namespace != "" {
		flags.namespace = cfg.Namespace
	}
	if !set("refresh-interval") && cfg.RefreshInterval > 0 {
		flags.refreshInterval = cfg.RefreshInterval
	}
	if !set("hide-system-ops") && cfg.HideSystemOps != nil {
		flags.hideSystemOps = *cfg.HideSystemOps
	}
	if !set("log-dir") && cfg.LogDir != "" {
		flags.logDir = cfg.LogDir
	}
}

// startupError turns a connection failure into a user-facing message.
// Connection failures at startup are fatal; everything later is a
// transient notification inside the TUI.
func startupError(err error) error {
	if connErr, ok := err.(*mongodb.ConnectionError); ok {
		if hint := connErr.Hint(); hint != "" {
			return fmt.Errorf("%s", hint)
		}
	}
	return err
}
