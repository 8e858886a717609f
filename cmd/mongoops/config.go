// Copyright (C) 2025 CloseOps (ops@closeops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// appConfig is the merged CLI/file configuration. File values apply
// only for flags the user did not set on the command line.
type appConfig struct {
	Host            string  `yaml:"host"`
	Port            string  `yaml:"port"`
	Username        string  `yaml:"username"`
	Password        string  `yaml:"password"`
	Namespace       string  `yaml:"namespace"`
	RefreshInterval float64 `yaml:"refresh_interval"`
	HideSystemOps   *bool   `yaml:"hide_system_ops"`
	LogDir          string  `yaml:"log_dir"`
}

// loadConfigFile reads an optional YAML config file.
func loadConfigFile(path string) (appConfig, error) {
	var cfg appConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// buildURI assembles the MongoDB connection string. Credentials are
// URL-escaped; without both username and password the connection is
// unauthenticated.
func buildURI(host, port, username, password string) string {
	if username != "" && password != "" {
		return fmt.Sprintf("mongodb://%s:%s@%s:%s/",
			url.QueryEscape(username), url.QueryEscape(password), host, port)
	}
	return fmt.Sprintf("mongodb://%s:%s/", host, port)
}

// clampRefreshInterval bounds the auto-refresh cadence to [0.5s, 60s].
// The clamped flag reports whether the input was adjusted.
func clampRefreshInterval(seconds float64) (d time.Duration, clamped bool) {
	switch {
	case seconds < 0.5:
		return 500 * time.Millisecond, true
	case seconds > 60:
		return 60 * time.Second, true
	default:
		return time.Duration(seconds * float64(time.Second)), false
	}
}
