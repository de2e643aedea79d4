// Copyright 2026 The Testfloor Authors
// SPDX-License-Identifier: Apache-2.0

// Package invocation tracks the ephemeral per-run execution contexts
// the backend announces on the push channel. An invocation binds a
// backend-assigned run identifier to a test path and owns one
// execution surface (the resource the UI layer renders the running
// test into) that is released exactly once on disposal.
package invocation

import (
	"fmt"
	"log/slog"
)

// Surface is the resource an invocation exclusively owns. The
// collaborator layer decides what it is (an iframe slot, a terminal
// region); the manager only guarantees single release.
type Surface interface {
	Release() error
}

// SurfaceFactory allocates the surface for a new invocation.
type SurfaceFactory func(path, id string) (Surface, error)

// noopSurface is used when no factory is configured, for collaborator
// layers that track rendering elsewhere.
type noopSurface struct{}

func (noopSurface) Release() error { return nil }

// Invocation is one live execution of a single test. The path
// association is fixed for the invocation's lifetime even if the
// node's status later changes hands.
type Invocation struct {
	// Path is the test path this run executes.
	Path string

	// ID is the backend-assigned run identifier, unique among live
	// invocations and never reused.
	ID string

	surface Surface
}

// Surface returns the execution surface owned by this invocation.
func (inv *Invocation) Surface() Surface { return inv.surface }

// Manager owns the id→invocation mapping for one session. It holds no
// opinion on when disposal happens: the backend's end message is
// authoritative for top-level invocations, and nested invocations are
// disposed by whoever owns them. All calls happen on the session's
// event goroutine.
type Manager struct {
	logger   *slog.Logger
	resolve  func(path string) bool
	surfaces SurfaceFactory
	live     map[string]*Invocation
}

// NewManager creates a manager. resolve reports whether a test path
// currently exists in the session's tree; it is required. surfaces
// may be nil, in which case invocations get an inert surface.
func NewManager(resolve func(path string) bool, surfaces SurfaceFactory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if surfaces == nil {
		surfaces = func(string, string) (Surface, error) { return noopSurface{}, nil }
	}
	return &Manager{
		logger:   logger,
		resolve:  resolve,
		surfaces: surfaces,
		live:     make(map[string]*Invocation),
	}
}

// Create registers a new invocation for id bound to path. Create is
// idempotent per id: if the id is already tracked, the existing
// invocation is returned untouched, so a duplicated begin message
// never double-allocates a surface. The path must resolve in the
// session's tree at creation time.
func (m *Manager) Create(path, id string) (*Invocation, error) {
	if existing, ok := m.live[id]; ok {
		return existing, nil
	}
	if !m.resolve(path) {
		return nil, fmt.Errorf("invocation: begin for unknown test path %q (id %s)", path, id)
	}
	surface, err := m.surfaces(path, id)
	if err != nil {
		return nil, fmt.Errorf("invocation: allocating surface for %q (id %s): %w", path, id, err)
	}
	inv := &Invocation{Path: path, ID: id, surface: surface}
	m.live[id] = inv
	m.logger.Debug("invocation created", "path", path, "id", id)
	return inv, nil
}

// Get returns the live invocation for id.
func (m *Manager) Get(id string) (*Invocation, bool) {
	inv, ok := m.live[id]
	return inv, ok
}

// Live returns the number of live invocations.
func (m *Manager) Live() int { return len(m.live) }

// Dispose releases the invocation's surface and removes the mapping.
// The mapping is removed before release, so the surface is released
// exactly once even if disposal re-enters. Disposing an untracked id
// is a no-op.
func (m *Manager) Dispose(id string) {
	inv, ok := m.live[id]
	if !ok {
		return
	}
	delete(m.live, id)
	if err := inv.surface.Release(); err != nil {
		m.logger.Warn("releasing invocation surface",
			"path", inv.Path,
			"id", id,
			"error", err,
		)
	}
	m.logger.Debug("invocation disposed", "path", inv.Path, "id", id)
}

// DisposeAll disposes every live invocation. Used at session
// teardown, where the backend's end messages will never arrive.
func (m *Manager) DisposeAll() {
	for id := range m.live {
		m.Dispose(id)
	}
}
