// Copyright 2026 The Testfloor Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for station binaries.
//
// Configuration is loaded from a single YAML file specified by:
//   - STATION_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery; this keeps a test
// station's configuration deterministic and auditable. Every tuning
// knob of the session core (retry counts, poll intervals, keepalive
// cadence) lives here rather than as a compiled-in literal.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for a test station console.
type Config struct {
	// Backend locates the test-execution backend.
	Backend BackendConfig `yaml:"backend"`

	// Timing tunes the session core's retry and polling behavior.
	Timing TimingConfig `yaml:"timing"`

	// EventLog configures the local session event log.
	EventLog EventLogConfig `yaml:"event_log"`

	// WaiverFile is the path to a JSONC file listing test paths the
	// operator may waive on failure. Empty disables waiving.
	WaiverFile string `yaml:"waiver_file"`
}

// BackendConfig locates the backend's two channels.
type BackendConfig struct {
	// RPCURL is the HTTP endpoint for request/response calls
	// (e.g., "http://localhost:4012/rpc").
	RPCURL string `yaml:"rpc_url"`

	// EventURL is the websocket endpoint for the push-event channel
	// (e.g., "ws://localhost:4012/events").
	EventURL string `yaml:"event_url"`

	// Extensions maps an extension name to the HTTP endpoint of its
	// isolated RPC surface. Calls addressed to a named sub-endpoint
	// use these URLs with the same request envelope.
	Extensions map[string]string `yaml:"extensions"`

	// ReadyMethod is the RPC method polled during cold start until it
	// returns true. Default: "IsReady".
	ReadyMethod string `yaml:"ready_method"`
}

// TimingConfig holds the session core's timing knobs. Durations are
// Go duration strings ("100ms", "30s").
type TimingConfig struct {
	// CallAttempts is the number of attempts for an RPC call whose
	// transport keeps failing. Default: 5.
	CallAttempts int `yaml:"call_attempts"`

	// CallRetryDelay is the fixed delay between RPC attempts.
	// Default: 100ms.
	CallRetryDelay string `yaml:"call_retry_delay"`

	// ReadyPollInterval is the delay between readiness polls during
	// cold start. Default: 500ms.
	ReadyPollInterval string `yaml:"ready_poll_interval"`

	// KeepaliveInterval is the cadence of keep-alive messages on the
	// push channel while it is open. Default: 30s.
	KeepaliveInterval string `yaml:"keepalive_interval"`
}

// EventLogConfig configures the local session event log.
type EventLogConfig struct {
	// Path is the SQLite database file for the event log. The parent
	// directory must exist. Empty disables logging.
	Path string `yaml:"path"`
}

// Default returns the default configuration. The timing defaults are
// the protocol's historical values; the backend URLs assume a backend
// on the local station.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			RPCURL:      "http://localhost:4012/rpc",
			EventURL:    "ws://localhost:4012/events",
			ReadyMethod: "IsReady",
		},
		Timing: TimingConfig{
			CallAttempts:      5,
			CallRetryDelay:    "100ms",
			ReadyPollInterval: "500ms",
			KeepaliveInterval: "30s",
		},
	}
}

// Load loads configuration from the STATION_CONFIG environment
// variable. Fails if it is not set; there is no implicit default
// path.
func Load() (*Config, error) {
	path := os.Getenv("STATION_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("STATION_CONFIG environment variable not set; " +
			"set it to the path of your station.yaml config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, merging it
// over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors, including that every
// duration string parses.
func (c *Config) Validate() error {
	var errs []error

	if c.Backend.RPCURL == "" {
		errs = append(errs, fmt.Errorf("backend.rpc_url is required"))
	}
	if c.Backend.EventURL == "" {
		errs = append(errs, fmt.Errorf("backend.event_url is required"))
	}
	if c.Backend.ReadyMethod == "" {
		errs = append(errs, fmt.Errorf("backend.ready_method is required"))
	}
	if c.Timing.CallAttempts < 1 {
		errs = append(errs, fmt.Errorf("timing.call_attempts must be at least 1"))
	}
	for name, value := range map[string]string{
		"timing.call_retry_delay":    c.Timing.CallRetryDelay,
		"timing.ready_poll_interval": c.Timing.ReadyPollInterval,
		"timing.keepalive_interval":  c.Timing.KeepaliveInterval,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// RetryDelay returns the parsed retry delay, or the default when
// unset.
func (t TimingConfig) RetryDelay() time.Duration {
	return parseDuration("timing.call_retry_delay", t.CallRetryDelay, 100*time.Millisecond)
}

// ReadyInterval returns the parsed readiness poll interval.
func (t TimingConfig) ReadyInterval() time.Duration {
	return parseDuration("timing.ready_poll_interval", t.ReadyPollInterval, 500*time.Millisecond)
}

// Keepalive returns the parsed keepalive interval.
func (t TimingConfig) Keepalive() time.Duration {
	return parseDuration("timing.keepalive_interval", t.KeepaliveInterval, 30*time.Second)
}

func parseDuration(name, value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		// Validate rejects malformed durations; this path is only
		// reachable when validation was skipped, so make the
		// substitution visible instead of silent.
		slog.Warn("malformed duration in config, using default",
			"field", name,
			"value", value,
			"default", fallback,
		)
		return fallback
	}
	return d
}
