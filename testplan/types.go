// Copyright 2026 The Testfloor Authors
// SPDX-License-Identifier: Apache-2.0

// Package testplan holds the canonical view of the backend's test
// tree: an immutable definition tree built once per session from a
// snapshot, plus a mutable per-path status record updated by push
// events. The tree is never restructured within a session; a changed
// test list means a new session.
package testplan

import "encoding/json"

// Status is the execution state of a single test path.
type Status string

const (
	StatusUntested        Status = "UNTESTED"
	StatusActive          Status = "ACTIVE"
	StatusPassed          Status = "PASSED"
	StatusFailed          Status = "FAILED"
	StatusFailedAndWaived Status = "FAILED_AND_WAIVED"
)

// Terminal reports whether a test in this status has finished running
// for the session: it is neither pending nor in flight.
func (s Status) Terminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusFailedAndWaived:
		return true
	}
	return false
}

// overallOrder is the priority used by OverallStatus: the first
// status present in a group of subtests determines the group's
// status. A single active subtest makes the group active; a single
// failure outranks untested; waived failures outrank passes.
var overallOrder = []Status{
	StatusActive,
	StatusFailed,
	StatusUntested,
	StatusFailedAndWaived,
	StatusPassed,
}

// OverallStatus reduces a set of subtest statuses to one status for
// their parent. An empty input reports UNTESTED.
func OverallStatus(statuses []Status) Status {
	present := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		present[s] = true
	}
	for _, s := range overallOrder {
		if present[s] {
			return s
		}
	}
	return StatusUntested
}

// TestStatus is the mutable per-path state. Field names on the wire
// follow the backend's status records.
type TestStatus struct {
	// Status is the current execution state.
	Status Status `json:"status" cbor:"status"`

	// ErrorMessage is the last failure message, if any.
	ErrorMessage string `json:"error_msg,omitempty" cbor:"error_msg,omitempty"`

	// Invocation is the run identifier of the currently executing
	// invocation, empty when the test is not running.
	Invocation string `json:"invocation,omitempty" cbor:"invocation,omitempty"`

	// Count is the number of times the test has run.
	Count int `json:"count" cbor:"count"`

	// IterationsLeft is the number of iterations remaining after the
	// current one for an active test.
	IterationsLeft int `json:"iterations_left" cbor:"iterations_left"`

	// RetriesLeft is the number of retries the test may still use.
	// -1 means the first try and all retries are spent.
	RetriesLeft int `json:"retries_left" cbor:"retries_left"`

	// ShutdownCount is the number of shutdowns the test has caused.
	ShutdownCount int `json:"shutdown_count" cbor:"shutdown_count"`

	// Skip marks a test the backend decided not to run.
	Skip bool `json:"skip" cbor:"skip"`
}

// Definition is one node of the immutable test tree. Path is globally
// unique and encodes the node's position (dotted components).
type Definition struct {
	// Path identifies the node. The root's path is the empty string.
	Path string `json:"path"`

	// Label is the operator-facing display text.
	Label string `json:"label"`

	// PytestName is the backend test implementation name, empty for
	// group nodes.
	PytestName string `json:"pytest_name,omitempty"`

	// DisableAbort marks tests the operator must not stop once
	// started.
	DisableAbort bool `json:"disable_abort,omitempty"`

	// Args carries the test's arguments. The console treats this as
	// opaque and never interprets it.
	Args json.RawMessage `json:"args,omitempty"`

	// Children are the subtests in execution order. Empty for leaves.
	Children []*Definition `json:"subtests,omitempty"`
}

// Leaf reports whether the definition has no subtests.
func (d *Definition) Leaf() bool { return len(d.Children) == 0 }

// Node pairs a definition with its current status. Nodes are created
// once at store construction; Lookup always returns the same *Node
// for a given path.
type Node struct {
	// Def is the immutable definition. Never modified after store
	// construction.
	Def *Definition

	// Status is the current state. Replaced wholesale by store
	// updates; read it through the store's single-goroutine model.
	Status TestStatus
}
