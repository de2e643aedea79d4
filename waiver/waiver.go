// Copyright 2026 The Testfloor Authors
// SPDX-License-Identifier: Apache-2.0

// Package waiver parses the station's waiver list: the set of test
// paths an operator may mark as waived after a failure. The list is
// authored on disk as a JSONC file (JSON extended with // comments,
// /* block comments */, and trailing commas) so line engineers can
// annotate each entry with its justification in place.
package waiver

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// Entry is one waivable test path.
type Entry struct {
	// Path is the test path, as it appears in the test tree.
	Path string `json:"path"`

	// Reason documents why waiving this test is acceptable. Shown to
	// the operator when they waive.
	Reason string `json:"reason,omitempty"`
}

// fileFormat is the on-disk shape of a waiver list.
type fileFormat struct {
	Waivable []Entry `json:"waivable"`
}

// List answers whether a given test path may be waived.
type List struct {
	entries map[string]Entry
}

// Empty returns a list that allows no waivers. Used when the station
// has no waiver file configured.
func Empty() *List {
	return &List{entries: map[string]Entry{}}
}

// Parse strips JSONC comments and trailing commas from data, then
// unmarshals and validates the waiver list. Entries must have a path,
// and a path may appear at most once.
func Parse(data []byte) (*List, error) {
	stripped := jsonc.ToJSON(data)

	var file fileFormat
	if err := json.Unmarshal(stripped, &file); err != nil {
		return nil, fmt.Errorf("waiver: parsing list: %w", err)
	}

	entries := make(map[string]Entry, len(file.Waivable))
	for i, entry := range file.Waivable {
		if entry.Path == "" {
			return nil, fmt.Errorf("waiver: entry %d has no path", i)
		}
		if _, exists := entries[entry.Path]; exists {
			return nil, fmt.Errorf("waiver: duplicate entry for %q", entry.Path)
		}
		entries[entry.Path] = entry
	}
	return &List{entries: entries}, nil
}

// Load reads and parses the waiver list at path.
func Load(path string) (*List, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("waiver: reading %s: %w", path, err)
	}
	list, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return list, nil
}

// Allowed reports whether path may be waived.
func (l *List) Allowed(path string) bool {
	_, ok := l.entries[path]
	return ok
}

// Reason returns the documented justification for waiving path.
func (l *List) Reason(path string) (string, bool) {
	entry, ok := l.entries[path]
	return entry.Reason, ok
}

// Len returns the number of waivable paths.
func (l *List) Len() int { return len(l.entries) }
