// Copyright 2026 The Testfloor Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for durable station
// data (event-log payloads, exported archives). Encoding is Core
// Deterministic (RFC 8949 §4.2) so the same logical record always
// produces identical bytes, which keeps log diffs and export
// checksums stable.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Station records never use non-string map keys. When decoding
		// into any-typed targets, produce map[string]any rather than
		// the CBOR default map[any]any, which encoding/json and most
		// Go code cannot consume.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Unknown fields are ignored for
// forward compatibility.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, usable to delay decoding.
type RawMessage = cbor.RawMessage
