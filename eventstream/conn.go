// Copyright 2026 The Testfloor Authors
// SPDX-License-Identifier: Apache-2.0

package eventstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// maxMessageSize bounds a single push message. Push messages are
// deltas; bulk state travels over the RPC channel.
const maxMessageSize = 1024 * 1024

// messageBuffer absorbs a burst of pushes while the consumer is
// handling an earlier one. Delivery order is preserved.
const messageBuffer = 64

// State is the lifecycle position of a push channel.
type State int32

const (
	// StateConnecting covers the dial window. Dial returns only open
	// or failed connections, so a *Conn is never observed connecting.
	StateConnecting State = iota

	// StateOpen means the read loop is running and Send is usable.
	StateOpen

	// StateClosed is terminal. There is no reconnect; a closed channel
	// means the session it carried is over.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Conn is one push channel connection. Messages are delivered in
// arrival order on the Messages channel; the first terminal condition
// (read failure, remote close, or local Close) latches, closes Done,
// and is the only terminal transition the connection ever makes.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	messages chan json.RawMessage
	done     chan struct{}
	once     sync.Once
	err      error
	state    atomic.Int32
}

// Dial opens the push channel at url and starts its read loop. The
// returned connection is open.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("eventstream: dialing %s: %w", url, err)
	}
	ws.SetReadLimit(maxMessageSize)

	c := &Conn{
		ws:       ws,
		logger:   logger,
		messages: make(chan json.RawMessage, messageBuffer),
		done:     make(chan struct{}),
	}
	c.state.Store(int32(StateOpen))
	go c.readLoop()
	return c, nil
}

// State returns the connection's current lifecycle position.
func (c *Conn) State() State { return State(c.state.Load()) }

// Messages returns the ordered stream of raw push messages. The
// channel is never closed; consumers select on Done alongside it.
func (c *Conn) Messages() <-chan json.RawMessage { return c.messages }

// Done is closed when the connection reaches its terminal state.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection terminated. Valid only after Done is
// closed; nil means a clean local Close.
func (c *Conn) Err() error { return c.err }

// Send writes one outbound JSON message. Fails once the connection is
// no longer open.
func (c *Conn) Send(ctx context.Context, payload any) error {
	if c.State() != StateOpen {
		return fmt.Errorf("eventstream: send on %s connection", c.State())
	}
	if err := wsjson.Write(ctx, c.ws, payload); err != nil {
		return fmt.Errorf("eventstream: sending message: %w", err)
	}
	return nil
}

// Close terminates the connection locally. Safe to call more than
// once and concurrently with a read-loop failure; whichever terminal
// transition happens first wins.
func (c *Conn) Close() error {
	c.terminate(nil)
	err := c.ws.Close(websocket.StatusNormalClosure, "session closed")
	if err != nil {
		// The peer may already be gone; the connection is closed
		// either way.
		c.logger.Debug("closing push channel", "error", err)
	}
	return nil
}

// terminate latches the terminal state. err is recorded only by the
// winning caller.
func (c *Conn) terminate(err error) {
	c.once.Do(func() {
		c.err = err
		c.state.Store(int32(StateClosed))
		close(c.done)
	})
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.Read(context.Background())
		if err != nil {
			c.terminate(fmt.Errorf("eventstream: push channel read: %w", err))
			return
		}
		select {
		case c.messages <- json.RawMessage(data):
		case <-c.done:
			return
		}
	}
}
