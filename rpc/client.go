// Copyright 2026 The Testfloor Authors
// SPDX-License-Identifier: Apache-2.0

// Package rpc implements the console's request/response channel to
// the test backend: positional-parameter JSON calls over HTTP, with a
// bounded retry policy for transport failures and immediate surfacing
// of backend-reported errors.
//
// The two failure classes are deliberately asymmetric. A transport
// failure (the call never reached the backend, or no well-formed
// response came back) is retried on a fixed delay up to a fixed
// attempt count, because the backend may be mid-restart. An
// application failure (a well-formed response carrying an error
// payload) is never retried: the backend saw the call and rejected
// it, and repeating it would repeat the rejection.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/testfloor/station/lib/clock"
)

// maxResponseSize bounds a single RPC response body. Tree snapshots
// for large test lists are well under this.
const maxResponseSize = 8 * 1024 * 1024

// Config holds the parameters for creating a Client.
type Config struct {
	// URL is the default endpoint for calls.
	URL string

	// Endpoints maps sub-endpoint names to URLs for calls addressed
	// to an isolated extension. The request envelope is identical;
	// only the transport target differs.
	Endpoints map[string]string

	// HTTPClient is used for all requests. If nil, http.DefaultClient.
	HTTPClient *http.Client

	// Attempts is the total number of tries for a call whose
	// transport keeps failing. If zero, defaults to 5.
	Attempts int

	// RetryDelay is the fixed delay between attempts. If zero,
	// defaults to 100ms.
	RetryDelay time.Duration

	// ReadyMethod is the method polled by WaitReady. If empty,
	// defaults to "IsReady".
	ReadyMethod string

	// ReadyInterval is the delay between readiness polls. If zero,
	// defaults to 500ms.
	ReadyInterval time.Duration

	// Clock drives retry and poll delays. If nil, the real clock.
	Clock clock.Clock

	// Logger receives per-attempt diagnostics. If nil, slog.Default().
	Logger *slog.Logger
}

// BackendError is an application failure: the backend processed the
// call and returned an error payload. Never retried.
type BackendError struct {
	Method  string
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("rpc: %s failed: %s", e.Method, e.Message)
}

// TransportError is returned after the retry budget for a call is
// exhausted. Err is the last underlying failure.
type TransportError struct {
	Method   string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rpc: %s failed after %d attempts: %v", e.Method, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Client issues correlated request/response calls. Calls are
// independent: there is no ordering guarantee between two in-flight
// calls, but each caller's response is correlated to its own request
// by construction (one HTTP exchange per attempt).
//
// Client is safe for concurrent use.
type Client struct {
	url        string
	endpoints  map[string]string
	httpClient *http.Client
	attempts   int
	retryDelay time.Duration

	readyMethod   string
	readyInterval time.Duration

	clock  clock.Clock
	logger *slog.Logger

	// nextID numbers outgoing requests. Ids are unique per client;
	// the backend echoes them but correlation rests on the HTTP
	// exchange, not the id.
	nextID atomic.Int64
}

// New creates a Client. Only Config.URL is required.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rpc: URL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 5
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 100 * time.Millisecond
	}
	readyMethod := cfg.ReadyMethod
	if readyMethod == "" {
		readyMethod = "IsReady"
	}
	readyInterval := cfg.ReadyInterval
	if readyInterval <= 0 {
		readyInterval = 500 * time.Millisecond
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		url:           cfg.URL,
		endpoints:     cfg.Endpoints,
		httpClient:    httpClient,
		attempts:      attempts,
		retryDelay:    retryDelay,
		readyMethod:   readyMethod,
		readyInterval: readyInterval,
		clock:         clk,
		logger:        logger,
	}, nil
}

// request is the wire envelope for one call.
type request struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
	ID     int64  `json:"id"`
}

// response is the wire envelope for one reply: exactly one of Result
// and Error is set by a well-behaved backend.
type response struct {
	Result json.RawMessage `json:"result"`
	Error  *responseError  `json:"error"`
	ID     int64           `json:"id"`
}

type responseError struct {
	Message string `json:"message"`
}

// Call invokes method on the default endpoint. params are positional;
// nil means no parameters. On success, if result is non-nil the
// backend's result value is decoded into it.
func (c *Client) Call(ctx context.Context, method string, params []any, result any) error {
	return c.CallEndpoint(ctx, "", method, params, result)
}

// CallEndpoint invokes method on a named sub-endpoint ("" for the
// default). Transport failures are retried up to the attempt budget
// with a fixed delay; a backend error payload fails immediately with
// a *BackendError.
func (c *Client) CallEndpoint(ctx context.Context, endpoint, method string, params []any, result any) error {
	url := c.url
	if endpoint != "" {
		var ok bool
		url, ok = c.endpoints[endpoint]
		if !ok {
			return fmt.Errorf("rpc: unknown endpoint %q for %s", endpoint, method)
		}
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		err := c.do(ctx, url, method, params, result)
		if err == nil {
			return nil
		}
		if backendErr, ok := err.(*BackendError); ok {
			return backendErr
		}
		lastErr = err

		if attempt >= c.attempts {
			return &TransportError{Method: method, Attempts: attempt, Err: lastErr}
		}
		c.logger.Debug("rpc transport failure, retrying",
			"method", method,
			"attempt", attempt,
			"max_attempts", c.attempts,
			"error", err,
		)
		select {
		case <-c.clock.After(c.retryDelay):
		case <-ctx.Done():
			return &TransportError{Method: method, Attempts: attempt, Err: ctx.Err()}
		}
	}
}

// do performs a single attempt: one HTTP exchange, one envelope.
func (c *Client) do(ctx context.Context, url, method string, params []any, result any) error {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(request{
		Method: method,
		Params: params,
		ID:     c.nextID.Add(1),
	})
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", method, err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", method, err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return fmt.Errorf("sending %s: %w", method, err)
	}
	defer httpResponse.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(httpResponse.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("reading %s response: %w", method, err)
	}

	// A parseable envelope with an error payload is an application
	// failure regardless of HTTP status. Anything else that is not a
	// 2xx-with-result is a transport failure.
	var envelope response
	if err := json.Unmarshal(responseBody, &envelope); err != nil {
		return fmt.Errorf("%s: malformed response (status %d): %w", method, httpResponse.StatusCode, err)
	}
	if envelope.Error != nil {
		return &BackendError{Method: method, Message: envelope.Error.Message}
	}
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
		return fmt.Errorf("%s: unexpected status %d", method, httpResponse.StatusCode)
	}

	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
	}
	return nil
}
