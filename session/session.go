// Copyright 2026 The Testfloor Authors
// SPDX-License-Identifier: Apache-2.0

// Package session ties the console's halves together: the RPC client
// for requests, the push channel for backend-initiated events, the
// test tree store, and the invocation manager. One Session corresponds
// to one backend lifetime; when the backend restarts (detected by a
// changed identity token) or the push channel dies, the session is
// over and the caller starts a fresh one. There is no in-place
// recovery.
//
// All session state is confined to a single event goroutine: push
// messages, keepalive ticks, and operator commands are serialized
// through one loop, so the store and invocation manager need no locks.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/testfloor/station/eventlog"
	"github.com/testfloor/station/eventstream"
	"github.com/testfloor/station/invocation"
	"github.com/testfloor/station/lib/clock"
	"github.com/testfloor/station/rpc"
	"github.com/testfloor/station/testplan"
	"github.com/testfloor/station/waiver"
)

// DialFunc opens the push channel. Injected so tests can point the
// session at a local server.
type DialFunc func(ctx context.Context) (*eventstream.Conn, error)

// Fatal is the terminal session notification: the session cannot
// continue and the console must restart it from scratch. Delivered at
// most once on Events.
type Fatal struct {
	Reason string
	Err    error
}

// Options holds the collaborators for creating a Session.
type Options struct {
	// Client issues RPCs to the backend. Required.
	Client *rpc.Client

	// Dial opens the push channel. Required.
	Dial DialFunc

	// Surfaces allocates the execution surface for each invocation.
	// Optional; nil gives invocations an inert surface.
	Surfaces invocation.SurfaceFactory

	// Waivers is the station's waiver list. Optional; nil allows no
	// waivers.
	Waivers *waiver.List

	// EventLog, when non-nil, records the session's history. The
	// session does not close it.
	EventLog *eventlog.Log

	// KeepaliveInterval is the period of outbound keepalives. If
	// zero, defaults to 30 seconds.
	KeepaliveInterval time.Duration

	// Clock drives the keepalive ticker. If nil, the real clock.
	Clock clock.Clock

	// Logger receives session diagnostics. If nil, slog.Default().
	Logger *slog.Logger
}

// Session is one console-to-backend pairing. Create with New, bring up
// with Start, and watch Events for the terminal notification.
type Session struct {
	client    *rpc.Client
	dial      DialFunc
	surfaces  invocation.SurfaceFactory
	waivers   *waiver.List
	log       *eventlog.Log
	keepalive time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	store       *testplan.Store
	invocations *invocation.Manager
	conn        *eventstream.Conn
	dispatcher  *eventstream.Dispatcher
	token       string

	commands chan func()
	fatals   chan Fatal
	done     chan struct{}

	closeOnce sync.Once

	// closed is confined to the event goroutine. Once set, no further
	// state mutation happens and the loop exits.
	closed bool
}

// New creates a Session. Start must be called before anything else.
func New(opts Options) (*Session, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("session: Client is required")
	}
	if opts.Dial == nil {
		return nil, fmt.Errorf("session: Dial is required")
	}
	keepalive := opts.KeepaliveInterval
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	waivers := opts.Waivers
	if waivers == nil {
		waivers = waiver.Empty()
	}

	return &Session{
		client:    opts.Client,
		dial:      opts.Dial,
		surfaces:  opts.Surfaces,
		waivers:   waivers,
		log:       opts.EventLog,
		keepalive: keepalive,
		clock:     clk,
		logger:    logger,
		commands:  make(chan func()),
		fatals:    make(chan Fatal, 1),
		done:      make(chan struct{}),
	}, nil
}

// Start brings the session up: waits for backend readiness, takes the
// tree and status snapshots, opens the push channel, and consumes the
// identity message that must lead it. On success the event loop is
// running and Start's snapshots are settled.
func (s *Session) Start(ctx context.Context) error {
	if err := s.client.WaitReady(ctx); err != nil {
		return fmt.Errorf("session: %w", err)
	}

	var root testplan.Definition
	if err := s.client.Call(ctx, "GetTestList", nil, &root); err != nil {
		return fmt.Errorf("session: fetching test list: %w", err)
	}
	store, err := testplan.NewStore(&root, s.logger)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	var statuses map[string]testplan.TestStatus
	if err := s.client.Call(ctx, "GetTestStates", nil, &statuses); err != nil {
		return fmt.Errorf("session: fetching test states: %w", err)
	}
	store.ApplyStatusMap(statuses)

	s.store = store
	s.invocations = invocation.NewManager(func(path string) bool {
		_, ok := store.Lookup(path)
		return ok
	}, s.surfaces, s.logger)

	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("session: opening push channel: %w", err)
	}

	// The backend leads every push channel with its identity.
	// Anything else is a protocol violation.
	select {
	case raw := <-conn.Messages():
		msg, err := eventstream.Decode(raw)
		if err != nil {
			conn.Close()
			return fmt.Errorf("session: first push message: %w", err)
		}
		if msg.Kind != eventstream.KindIdentity {
			conn.Close()
			return fmt.Errorf("session: first push message is %q, want %q", msg.Kind, eventstream.KindIdentity)
		}
		s.token = msg.Identity.Token
	case <-conn.Done():
		return fmt.Errorf("session: push channel closed before identity: %w", conn.Err())
	case <-ctx.Done():
		conn.Close()
		return fmt.Errorf("session: waiting for identity: %w", ctx.Err())
	}

	s.conn = conn
	s.dispatcher = eventstream.NewDispatcher(eventstream.Handlers{
		Identity:        s.handleIdentity,
		Status:          s.handleStatus,
		InvocationBegin: s.handleInvocationBegin,
		InvocationEnd:   s.handleInvocationEnd,
	}, s.logger)

	s.record("identity", identityRecord{Token: s.token})
	s.logger.Info("session started",
		"token", s.token,
		"tests", store.Len(),
	)

	go s.run()
	return nil
}

// Token returns the backend's session identity token. Fixed after
// Start.
func (s *Session) Token() string { return s.token }

// Events delivers the terminal notification, at most once.
func (s *Session) Events() <-chan Fatal { return s.fatals }

// Done is closed when the event loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close shuts the session down: closes the push channel and waits for
// the event loop to exit. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.conn == nil {
			return
		}
		s.conn.Close()
		<-s.done
	})
}

// run is the event loop. Everything that touches session state runs
// here.
func (s *Session) run() {
	defer close(s.done)

	ticker := s.clock.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case raw := <-s.conn.Messages():
			s.dispatcher.Dispatch(raw)
		case <-ticker.C:
			s.sendKeepalive()
		case fn := <-s.commands:
			fn()
		case <-s.conn.Done():
			s.handleDisconnect()
			return
		}
		if s.closed {
			return
		}
	}
}

// sendKeepalive sends the periodic liveness message carrying the
// session identity token.
func (s *Session) sendKeepalive() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.conn.Send(ctx, eventstream.NewKeepAlive(s.token)); err != nil {
		// The read loop will surface the terminal failure; this send
		// error is just the early symptom.
		s.logger.Warn("sending keepalive", "error", err)
	}
}

// handleDisconnect runs when the push channel reaches its terminal
// state before the session was closed through fatal or Close.
func (s *Session) handleDisconnect() {
	if s.closed {
		return
	}
	if err := s.conn.Err(); err != nil {
		s.fatal("push channel lost", err)
		return
	}
	// Clean local close.
	s.closed = true
	s.invocations.DisposeAll()
	s.logger.Info("session closed", "token", s.token)
}

// fatal latches the terminal state and emits the Fatal notification.
// Runs on the event goroutine, so the closed check makes it
// exactly-once.
func (s *Session) fatal(reason string, err error) {
	if s.closed {
		return
	}
	s.closed = true

	s.logger.Error("session is dead, restart required",
		"reason", reason,
		"error", err,
	)
	s.record("fatal", fatalRecord{Reason: reason, Error: errorString(err)})
	s.invocations.DisposeAll()
	s.conn.Close()
	s.fatals <- Fatal{Reason: reason, Err: err}
}

func (s *Session) handleIdentity(m eventstream.Identity) {
	if m.Token == s.token {
		s.logger.Debug("identity confirmed", "token", m.Token)
		return
	}
	s.record("identity", identityRecord{Token: m.Token})
	s.fatal("backend identity changed",
		fmt.Errorf("session: identity token changed from %s to %s", s.token, m.Token))
}

func (s *Session) handleStatus(m eventstream.StatusChange) {
	s.store.ApplyStatus(m.Path, m.State)
	s.record("status", statusRecord{Path: m.Path, Status: string(m.State.Status)})
}

func (s *Session) handleInvocationBegin(m eventstream.InvocationBegin) {
	if _, err := s.invocations.Create(m.Path, m.Invocation); err != nil {
		s.logger.Warn("ignoring invocation begin", "error", err)
		return
	}
	s.record("invocationBegin", invocationRecord{Path: m.Path, ID: m.Invocation})
}

func (s *Session) handleInvocationEnd(m eventstream.InvocationEnd) {
	inv, ok := s.invocations.Get(m.Invocation)
	if ok {
		s.record("invocationEnd", invocationRecord{Path: inv.Path, ID: m.Invocation})
	}
	s.invocations.Dispose(m.Invocation)
}

// record appends to the event log, if one is configured. Log failures
// never disturb the session.
func (s *Session) record(kind string, payload any) {
	if s.log == nil {
		return
	}
	if err := s.log.Append(kind, payload); err != nil {
		s.logger.Warn("recording session event", "kind", kind, "error", err)
	}
}

// Event log payload shapes. CBOR-encoded by the log.

type identityRecord struct {
	Token string `cbor:"token"`
}

type statusRecord struct {
	Path   string `cbor:"path"`
	Status string `cbor:"status"`
}

type waiveRecord struct {
	Path   string `cbor:"path"`
	Status string `cbor:"status"`
	Reason string `cbor:"reason,omitempty"`
}

type invocationRecord struct {
	Path string `cbor:"path"`
	ID   string `cbor:"id"`
}

type fatalRecord struct {
	Reason string `cbor:"reason"`
	Error  string `cbor:"error,omitempty"`
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
