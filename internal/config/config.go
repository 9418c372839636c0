/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package config reads process-level configuration from the environment.
package config

import (
	"os"
	"strings"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	// Environment selects log verbosity ("development" or "production").
	Environment string

	// CommandBind is the loopback bind address for the command endpoint
	// (e.g. "0.0.0.0:8080"). Empty means the command endpoint is not
	// opened; only in-process dispatch is available.
	CommandBind string

	// GStreamerBin is the path to the gst-launch-1.0 binary used to
	// realize node pipeline profiles.
	GStreamerBin string
}

// Load reads environment variables and applies defaults. It never fails:
// an unset or blank command bind address simply means the command
// endpoint stays closed, per the original specification's environment
// contract (§6).
func Load() *Config {
	return &Config{
		Environment:  getEnvAny([]string{"GRAPH_ENV"}, "production"),
		CommandBind:  strings.TrimSpace(getEnvAny([]string{"GRAPH_COMMAND_BIND", "MIGRATION_COMMAND_BIND"}, "")),
		GStreamerBin: getEnvAny([]string{"GST_LAUNCH_BIN", "GRIMNIR_GSTREAMER_BIN"}, "gst-launch-1.0"),
	}
}

// getEnvAny returns the first non-empty environment variable value from
// keys, or def if none are set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}
