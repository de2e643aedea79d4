// Copyright 2026 The Testfloor Authors
// SPDX-License-Identifier: Apache-2.0

package testplan

import (
	"fmt"
	"log/slog"
	"strings"
)

// Store is the path-addressed view of one session's test tree. It is
// built exactly once from a snapshot and updated in place by status
// events. All access happens from the session's event goroutine, so
// the store takes no locks; write order follows message arrival
// order.
type Store struct {
	logger *slog.Logger

	root  *Node
	nodes map[string]*Node

	// position is each path's pre-order index; leaves lists leaf
	// paths in document order. Both back the RunsBefore query.
	position map[string]int
	leaves   []string
}

// NewStore builds a store from a snapshot definition tree. Every path
// in the tree must be unique; duplicates are a protocol violation and
// fail construction. Statuses start as UNTESTED until the first
// status snapshot is applied.
func NewStore(root *Definition, logger *slog.Logger) (*Store, error) {
	if root == nil {
		return nil, fmt.Errorf("testplan: snapshot has no root")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		logger:   logger,
		nodes:    make(map[string]*Node),
		position: make(map[string]int),
	}
	if err := s.index(root); err != nil {
		return nil, err
	}
	s.root = s.nodes[root.Path]
	return s, nil
}

// index walks the tree in pre-order, registering every node.
func (s *Store) index(def *Definition) error {
	if _, exists := s.nodes[def.Path]; exists {
		return fmt.Errorf("testplan: duplicate path %q in snapshot", def.Path)
	}
	s.position[def.Path] = len(s.position)
	s.nodes[def.Path] = &Node{
		Def:    def,
		Status: TestStatus{Status: StatusUntested},
	}
	if def.Leaf() {
		s.leaves = append(s.leaves, def.Path)
	}
	for _, child := range def.Children {
		if err := s.index(child); err != nil {
			return err
		}
	}
	return nil
}

// Root returns the tree's root node.
func (s *Store) Root() *Node { return s.root }

// RootPath returns the root's path, recorded once per session.
func (s *Store) RootPath() string { return s.root.Def.Path }

// Len returns the number of nodes in the tree.
func (s *Store) Len() int { return len(s.nodes) }

// Lookup returns the node for path. The same *Node is returned for
// the store's whole lifetime.
func (s *Store) Lookup(path string) (*Node, bool) {
	node, ok := s.nodes[path]
	return node, ok
}

// ApplyStatus replaces the status of path. Later writes win; there is
// no merging. A status for an unknown path is dropped with a warning:
// it can arrive when a status event races tree construction, and the
// full snapshot that follows settles the state.
func (s *Store) ApplyStatus(path string, status TestStatus) {
	node, ok := s.nodes[path]
	if !ok {
		s.logger.Warn("status update for unknown test path",
			"path", path,
			"status", status.Status,
		)
		return
	}
	node.Status = status
}

// ApplyStatusMap applies a full status snapshot in one pass. Reserved
// backend keys (leading underscore, used for non-test bookkeeping in
// the backend's state shelf) are skipped silently; unknown test paths
// are dropped with a warning as in ApplyStatus.
func (s *Store) ApplyStatusMap(statuses map[string]TestStatus) {
	for path, status := range statuses {
		if reservedKey(path) {
			continue
		}
		s.ApplyStatus(path, status)
	}
}

// reservedKey reports whether a status-map key is backend bookkeeping
// rather than a test path.
func reservedKey(key string) bool {
	return strings.HasPrefix(key, "_")
}

// RunsBefore reports whether every leaf that precedes path in
// document order has reached a terminal status. Skip-ahead operations
// (running a later test out of order) are only permitted when this
// holds. An unknown path reports false.
func (s *Store) RunsBefore(path string) bool {
	target, ok := s.position[path]
	if !ok {
		s.logger.Warn("runs-before query for unknown test path", "path", path)
		return false
	}
	for _, leaf := range s.leaves {
		if s.position[leaf] >= target {
			break
		}
		if !s.nodes[leaf].Status.Status.Terminal() {
			return false
		}
	}
	return true
}

// Statuses returns the current status of every node, keyed by path.
// The result is a copy; mutating it does not touch the store.
func (s *Store) Statuses() map[string]TestStatus {
	out := make(map[string]TestStatus, len(s.nodes))
	for path, node := range s.nodes {
		out[path] = node.Status
	}
	return out
}
