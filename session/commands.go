// Copyright 2026 The Testfloor Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/testfloor/station/testplan"
)

// ErrClosed is returned by commands issued against a session whose
// event loop has exited.
var ErrClosed = errors.New("session: closed")

// do runs fn on the event goroutine and waits for it. This is how
// commands read and write session state without racing push handlers.
func (s *Session) do(ctx context.Context, fn func()) error {
	executed := make(chan struct{})
	select {
	case s.commands <- func() { fn(); close(executed) }:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-executed:
		return nil
	case <-s.done:
		// The loop may have run fn on its final iteration.
		select {
		case <-executed:
			return nil
		default:
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lookup fetches a node on the event goroutine.
func (s *Session) lookup(ctx context.Context, path string) (*testplan.Node, error) {
	var node *testplan.Node
	if err := s.do(ctx, func() {
		node, _ = s.store.Lookup(path)
	}); err != nil {
		return nil, err
	}
	if node == nil {
		return nil, fmt.Errorf("session: unknown test path %q", path)
	}
	return node, nil
}

// RunTest asks the backend to run the test at path. The resulting
// state transitions arrive on the push channel.
func (s *Session) RunTest(ctx context.Context, path string) error {
	if _, err := s.lookup(ctx, path); err != nil {
		return err
	}
	if err := s.client.Call(ctx, "RunTest", []any{path}, nil); err != nil {
		return fmt.Errorf("session: starting %q: %w", path, err)
	}
	return nil
}

// StopTest asks the backend to stop the running test at path. Tests
// marked disable-abort cannot be stopped from the console.
func (s *Session) StopTest(ctx context.Context, path string) error {
	node, err := s.lookup(ctx, path)
	if err != nil {
		return err
	}
	if node.Def.DisableAbort {
		return fmt.Errorf("session: stopping %q is disabled for this test", path)
	}
	if err := s.client.Call(ctx, "StopTest", []any{path}, nil); err != nil {
		return fmt.Errorf("session: stopping %q: %w", path, err)
	}
	return nil
}

// RestartTests asks the backend to reset all statuses and start the
// test sequence over.
func (s *Session) RestartTests(ctx context.Context) error {
	if err := s.client.Call(ctx, "RestartTests", nil, nil); err != nil {
		return fmt.Errorf("session: restarting tests: %w", err)
	}
	return nil
}

// SwitchTest jumps execution to the test at path. Jumping ahead is
// only permitted once every leaf before path has finished; the gate is
// evaluated against the console's current view.
func (s *Session) SwitchTest(ctx context.Context, path string) error {
	var allowed, known bool
	if err := s.do(ctx, func() {
		_, known = s.store.Lookup(path)
		if known {
			allowed = s.store.RunsBefore(path)
		}
	}); err != nil {
		return err
	}
	if !known {
		return fmt.Errorf("session: unknown test path %q", path)
	}
	if !allowed {
		return fmt.Errorf("session: cannot switch to %q: earlier tests have not finished", path)
	}
	if err := s.client.Call(ctx, "SwitchTest", []any{path}, nil); err != nil {
		return fmt.Errorf("session: switching to %q: %w", path, err)
	}
	return nil
}

// Waive marks the failed test at path as failed-and-waived, both
// upstream and in the console's view. The path must be on the
// station's waiver list and currently FAILED. If the session ends
// while the upstream call is in flight, the stale result is dropped
// and ErrClosed returned.
func (s *Session) Waive(ctx context.Context, path string) error {
	if !s.waivers.Allowed(path) {
		return fmt.Errorf("session: %q is not on the waiver list", path)
	}

	var current testplan.TestStatus
	node, err := s.lookup(ctx, path)
	if err != nil {
		return err
	}
	if err := s.do(ctx, func() { current = node.Status }); err != nil {
		return err
	}
	if current.Status != testplan.StatusFailed {
		return fmt.Errorf("session: cannot waive %q in status %s", path, current.Status)
	}

	if err := s.client.Call(ctx, "UpdateStatus", []any{path, string(testplan.StatusFailedAndWaived)}, nil); err != nil {
		return fmt.Errorf("session: waiving %q: %w", path, err)
	}

	reason, _ := s.waivers.Reason(path)
	err = s.do(ctx, func() {
		status := node.Status
		status.Status = testplan.StatusFailedAndWaived
		s.store.ApplyStatus(path, status)
		s.record("waive", waiveRecord{
			Path:   path,
			Status: string(testplan.StatusFailedAndWaived),
			Reason: reason,
		})
	})
	if errors.Is(err, ErrClosed) {
		s.logger.Debug("dropping waive result for ended session", "path", path)
	}
	return err
}

// Snapshot returns a copy of every test's current status.
func (s *Session) Snapshot(ctx context.Context) (map[string]testplan.TestStatus, error) {
	var statuses map[string]testplan.TestStatus
	if err := s.do(ctx, func() { statuses = s.store.Statuses() }); err != nil {
		return nil, err
	}
	return statuses, nil
}

// DataGet reads one key from the backend's shared data shelf. The
// value is returned undecoded.
func (s *Session) DataGet(ctx context.Context, key string) (json.RawMessage, error) {
	var value json.RawMessage
	if err := s.client.Call(ctx, "DataGet", []any{key}, &value); err != nil {
		return nil, fmt.Errorf("session: reading data %q: %w", key, err)
	}
	return value, nil
}

// DataSet writes one key on the backend's shared data shelf.
func (s *Session) DataSet(ctx context.Context, key string, value any) error {
	if err := s.client.Call(ctx, "DataSet", []any{key, value}, nil); err != nil {
		return fmt.Errorf("session: writing data %q: %w", key, err)
	}
	return nil
}
