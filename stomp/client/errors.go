// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "errors"

// Client errors.
var (
	// Configuration errors.
	ErrNoDialer         = errors.New("no dialer configured")
	ErrInvalidHeartbeat = errors.New("heartbeat intervals cannot be negative")
	ErrInvalidVersion   = errors.New("unsupported protocol version")

	// Connection errors.
	ErrNotConnected     = errors.New("client not connected")
	ErrAlreadyConnected = errors.New("client already connected or connecting")
	ErrConnectionLost   = errors.New("connection lost")
	ErrHeartbeatTimeout = errors.New("no traffic from server within heartbeat window")

	// Operation errors.
	ErrEmptyDestination = errors.New("destination cannot be empty")
)
