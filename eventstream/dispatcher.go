// Copyright 2026 The Testfloor Authors
// SPDX-License-Identifier: Apache-2.0

package eventstream

import (
	"log/slog"
	"runtime/debug"
)

// Handlers holds the per-kind callbacks a Dispatcher routes to. A nil
// entry means that kind is ignored.
type Handlers struct {
	Identity        func(Identity)
	Status          func(StatusChange)
	InvocationBegin func(InvocationBegin)
	InvocationEnd   func(InvocationEnd)
}

// Dispatcher decodes raw push messages and invokes the matching
// handler synchronously, in arrival order. A handler panic is
// recovered and logged so one bad message cannot take down the
// session's event loop; unknown message kinds are a logged no-op.
//
// Dispatch is meant to be called from a single goroutine.
type Dispatcher struct {
	handlers Handlers
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher routing to h.
func NewDispatcher(h Handlers, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{handlers: h, logger: logger}
}

// Dispatch decodes one raw message and routes it. Malformed messages
// are discarded with a warning.
func (d *Dispatcher) Dispatch(raw []byte) {
	msg, err := Decode(raw)
	if err != nil {
		d.logger.Warn("discarding malformed push message", "error", err)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("push message handler panicked",
				"kind", msg.Kind,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	switch msg.Kind {
	case KindIdentity:
		if d.handlers.Identity != nil {
			d.handlers.Identity(*msg.Identity)
		}
	case KindStatus:
		if d.handlers.Status != nil {
			d.handlers.Status(*msg.Status)
		}
	case KindInvocationBegin:
		if d.handlers.InvocationBegin != nil {
			d.handlers.InvocationBegin(*msg.InvocationBegin)
		}
	case KindInvocationEnd:
		if d.handlers.InvocationEnd != nil {
			d.handlers.InvocationEnd(*msg.InvocationEnd)
		}
	default:
		d.logger.Debug("ignoring push message of unknown kind", "kind", msg.Kind)
	}
}
