// Copyright 2026 The Testfloor Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventlog persists the console's session history: every
// status change, invocation boundary, identity event, and terminal
// error, appended to a local SQLite database. The log is the raw
// material for factory-floor debugging and for archival upload after
// a device leaves the station.
//
// The log is single-connection and meant to be driven from one
// goroutine, matching the session's event-loop model. Payloads are
// CBOR so they survive schema drift in the structures they capture.
package eventlog

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/testfloor/station/lib/clock"
	"github.com/testfloor/station/lib/codec"
)

const schema = `
	CREATE TABLE IF NOT EXISTS events (
		seq     INTEGER PRIMARY KEY AUTOINCREMENT,
		id      TEXT NOT NULL,
		time    INTEGER NOT NULL,
		kind    TEXT NOT NULL,
		payload BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, seq);
`

// Entry is one persisted event. Seq is assigned by the database and
// strictly increases for the life of the log file, across sessions.
type Entry struct {
	Seq     int64
	ID      string
	Time    time.Time
	Kind    string
	Payload []byte
}

// Config holds the parameters for opening a Log.
type Config struct {
	// Path is the database file. Use ":memory:" in tests.
	Path string

	// Clock provides entry timestamps. If nil, the real clock.
	Clock clock.Clock

	// Logger receives operational messages. If nil, slog.Default().
	Logger *slog.Logger
}

// Log is an append-only event log backed by a single SQLite
// connection. Not safe for concurrent use.
type Log struct {
	conn   *sqlite.Conn
	clock  clock.Clock
	logger *slog.Logger
	path   string
}

// Open opens (creating if needed) the event log at cfg.Path.
func Open(cfg Config) (*Log, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("eventlog: Path is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := sqlite.OpenConn(cfg.Path, sqlite.OpenReadWrite|sqlite.OpenCreate|sqlite.OpenWAL)
	if err != nil {
		return nil, fmt.Errorf("eventlog: opening %s: %w", cfg.Path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("eventlog: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("eventlog: creating schema: %w", err)
	}

	logger.Info("event log opened", "path", cfg.Path)
	return &Log{conn: conn, clock: clk, logger: logger, path: cfg.Path}, nil
}

// Close closes the underlying connection.
func (l *Log) Close() error {
	if err := l.conn.Close(); err != nil {
		return fmt.Errorf("eventlog: closing %s: %w", l.path, err)
	}
	return nil
}

// Append records one event. payload is CBOR-encoded; kind is a short
// stable label ("status", "invocationBegin", ...) used for filtering.
func (l *Log) Append(kind string, payload any) error {
	encoded, err := codec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventlog: encoding %s payload: %w", kind, err)
	}
	err = sqlitex.Execute(l.conn,
		"INSERT INTO events (id, time, kind, payload) VALUES (?, ?, ?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{uuid.NewString(), l.clock.Now().UnixNano(), kind, encoded},
		})
	if err != nil {
		return fmt.Errorf("eventlog: appending %s event: %w", kind, err)
	}
	return nil
}

// Count returns the number of entries in the log.
func (l *Log) Count() (int64, error) {
	var count int64
	err := sqlitex.Execute(l.conn, "SELECT COUNT(*) FROM events", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("eventlog: counting events: %w", err)
	}
	return count, nil
}

// Entries streams every entry in sequence order through fn. A non-nil
// error from fn aborts the scan and is returned.
func (l *Log) Entries(fn func(Entry) error) error {
	err := sqlitex.Execute(l.conn,
		"SELECT seq, id, time, kind, payload FROM events ORDER BY seq",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				payload := make([]byte, stmt.ColumnLen(4))
				stmt.ColumnBytes(4, payload)
				return fn(Entry{
					Seq:     stmt.ColumnInt64(0),
					ID:      stmt.ColumnText(1),
					Time:    time.Unix(0, stmt.ColumnInt64(2)).UTC(),
					Kind:    stmt.ColumnText(3),
					Payload: payload,
				})
			},
		})
	if err != nil {
		return fmt.Errorf("eventlog: scanning events: %w", err)
	}
	return nil
}
