// Copyright 2026 The Testfloor Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventstream implements the console's push channel from the
// test backend: a single websocket connection carrying JSON messages
// discriminated by a "type" field, an ordered read loop, and a
// dispatch table routing each message kind to a typed handler.
package eventstream

import (
	"encoding/json"
	"fmt"

	"github.com/testfloor/station/testplan"
)

// Kind discriminates push message types on the wire.
type Kind string

const (
	// KindIdentity announces the backend's session identity token.
	// The first message on every push channel is an identity message.
	KindIdentity Kind = "identity"

	// KindStatus reports a test state transition for one path.
	KindStatus Kind = "status"

	// KindInvocationBegin announces a new run of a test.
	KindInvocationBegin Kind = "invocationBegin"

	// KindInvocationEnd announces completion of a run.
	KindInvocationEnd Kind = "invocationEnd"

	// KindKeepAlive is outbound only: the console's periodic proof of
	// liveness, echoing the session identity token.
	KindKeepAlive Kind = "keepAlive"
)

// Identity carries the backend's session identity token.
type Identity struct {
	Token string `json:"token"`
}

// StatusChange carries a single test state transition. The wire field
// is named "state" because it carries the full per-path state record,
// not just the status label.
type StatusChange struct {
	Path  string              `json:"path"`
	State testplan.TestStatus `json:"state"`
}

// InvocationBegin announces a run identifier newly bound to a path.
type InvocationBegin struct {
	Path       string `json:"path"`
	Invocation string `json:"invocation"`
}

// InvocationEnd announces that a run has completed.
type InvocationEnd struct {
	Invocation string `json:"invocation"`
}

// KeepAlive is the outbound liveness message.
type KeepAlive struct {
	Type  Kind   `json:"type"`
	Token string `json:"token"`
}

// NewKeepAlive builds the outbound keepalive for token.
func NewKeepAlive(token string) KeepAlive {
	return KeepAlive{Type: KindKeepAlive, Token: token}
}

// Message is one decoded push message. Kind is always set; exactly one
// payload pointer is non-nil for the kinds this package knows, and all
// are nil for an unknown kind (which callers treat as a no-op).
type Message struct {
	Kind Kind

	Identity        *Identity
	Status          *StatusChange
	InvocationBegin *InvocationBegin
	InvocationEnd   *InvocationEnd
}

// Decode parses one wire message. A missing or empty "type" field is
// malformed; an unrecognized "type" is not an error, the message comes
// back with only Kind set so newer backends can speak to older
// consoles.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Message{}, fmt.Errorf("eventstream: malformed push message: %w", err)
	}
	if head.Type == "" {
		return Message{}, fmt.Errorf("eventstream: push message without a type field")
	}

	msg := Message{Kind: head.Type}
	var err error
	switch head.Type {
	case KindIdentity:
		msg.Identity = new(Identity)
		err = json.Unmarshal(data, msg.Identity)
	case KindStatus:
		msg.Status = new(StatusChange)
		err = json.Unmarshal(data, msg.Status)
	case KindInvocationBegin:
		msg.InvocationBegin = new(InvocationBegin)
		err = json.Unmarshal(data, msg.InvocationBegin)
	case KindInvocationEnd:
		msg.InvocationEnd = new(InvocationEnd)
		err = json.Unmarshal(data, msg.InvocationEnd)
	}
	if err != nil {
		return Message{}, fmt.Errorf("eventstream: decoding %s message: %w", head.Type, err)
	}
	return msg, nil
}
