// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook delivers broker lifecycle events to HTTP endpoints.
package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/absmach/stompmux/broker/events"
)

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("webhook notifier closed")

// Notifier sends webhook notifications asynchronously.
type Notifier interface {
	// Notify queues ev for every matching endpoint without blocking.
	Notify(ctx context.Context, ev events.Event) error

	// Close gracefully shuts down, flushing pending events
	Close() error
}

// Sender is the protocol-specific sender interface.
type Sender interface {
	// Send delivers payload to url and fails on any non-success response.
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}
