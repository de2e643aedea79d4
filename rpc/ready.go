// Copyright 2026 The Testfloor Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"fmt"
)

// WaitReady polls the readiness method until the backend answers
// true. Any failure, whether transport, application, or a false
// result, means "not yet ready": during cold start the backend may not
// even be listening. Each poll is a single attempt (no retry budget),
// spaced by the configured ready interval. The only exit conditions
// are readiness and ctx cancellation.
func (c *Client) WaitReady(ctx context.Context) error {
	polls := 0
	for {
		polls++
		var ready bool
		err := c.do(ctx, c.url, c.readyMethod, nil, &ready)
		if err == nil && ready {
			if polls > 1 {
				c.logger.Info("backend ready", "polls", polls)
			}
			return nil
		}
		if err != nil {
			c.logger.Debug("backend not ready", "polls", polls, "error", err)
		} else {
			c.logger.Debug("backend not ready", "polls", polls)
		}

		select {
		case <-c.clock.After(c.readyInterval):
		case <-ctx.Done():
			return fmt.Errorf("rpc: waiting for backend readiness: %w", ctx.Err())
		}
	}
}
