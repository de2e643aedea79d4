// Copyright 2026 The Testfloor Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "station.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
backend:
  rpc_url: "http://station-7:4012/rpc"
timing:
  call_attempts: 3
  keepalive_interval: "10s"
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Backend.RPCURL != "http://station-7:4012/rpc" {
		t.Errorf("RPCURL = %q", cfg.Backend.RPCURL)
	}
	// Unset fields keep defaults.
	if cfg.Backend.EventURL != "ws://localhost:4012/events" {
		t.Errorf("EventURL = %q, want default", cfg.Backend.EventURL)
	}
	if cfg.Timing.CallAttempts != 3 {
		t.Errorf("CallAttempts = %d, want 3", cfg.Timing.CallAttempts)
	}
	if got := cfg.Timing.Keepalive(); got != 10*time.Second {
		t.Errorf("Keepalive() = %v, want 10s", got)
	}
	if got := cfg.Timing.RetryDelay(); got != 100*time.Millisecond {
		t.Errorf("RetryDelay() = %v, want default 100ms", got)
	}
}

func TestAccessorWarnsOnMalformedDuration(t *testing.T) {
	var buf bytes.Buffer
	previous := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(previous)

	cfg := Default()
	cfg.Timing.CallRetryDelay = "fast"
	if got := cfg.Timing.RetryDelay(); got != 100*time.Millisecond {
		t.Fatalf("RetryDelay() = %v, want default 100ms", got)
	}
	if !strings.Contains(buf.String(), "malformed duration") {
		t.Fatalf("no warning logged, got: %q", buf.String())
	}
}

func TestValidateRejectsBadDuration(t *testing.T) {
	cfg := Default()
	cfg.Timing.CallRetryDelay = "fast"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate accepted an unparseable duration")
	}
}

func TestValidateRejectsMissingURLs(t *testing.T) {
	cfg := Default()
	cfg.Backend.RPCURL = ""
	cfg.Backend.EventURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate accepted empty backend URLs")
	}
}

func TestValidateRejectsZeroAttempts(t *testing.T) {
	cfg := Default()
	cfg.Timing.CallAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate accepted call_attempts = 0")
	}
}

func TestLoadRequiresEnvVar(t *testing.T) {
	t.Setenv("STATION_CONFIG", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load succeeded without STATION_CONFIG")
	}
}

func TestLoadUsesEnvVar(t *testing.T) {
	path := writeConfig(t, "timing:\n  call_attempts: 2\n")
	t.Setenv("STATION_CONFIG", path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Timing.CallAttempts != 2 {
		t.Errorf("CallAttempts = %d, want 2", cfg.Timing.CallAttempts)
	}
}
