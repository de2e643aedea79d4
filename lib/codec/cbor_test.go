// Copyright 2026 The Testfloor Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestMarshalDeterministic(t *testing.T) {
	record := map[string]any{
		"path":   "smt.probe",
		"status": "PASSED",
		"seq":    int64(42),
	}
	first, err := Marshal(record)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(record)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("deterministic encoding produced different bytes for the same record")
	}
}

func TestUnmarshalAnyProducesStringKeyedMaps(t *testing.T) {
	data, err := Marshal(map[string]any{"outer": map[string]any{"inner": "value"}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	outer, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", decoded)
	}
	if _, ok := outer["outer"].(map[string]any); !ok {
		t.Fatalf("nested type = %T, want map[string]any", outer["outer"])
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	data, err := Marshal(map[string]any{"known": "yes", "unknown": "extra"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var target struct {
		Known string `cbor:"known"`
	}
	if err := Unmarshal(data, &target); err != nil {
		t.Fatalf("Unmarshal with unknown field: %v", err)
	}
	if target.Known != "yes" {
		t.Fatalf("Known = %q, want %q", target.Known, "yes")
	}
}
