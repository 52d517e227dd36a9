// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "errors"

// Broker errors.
var (
	ErrClosed           = errors.New("broker closed")
	ErrQueueFull        = errors.New("broker command queue full")
	ErrUnknownRequest   = errors.New("unknown request type")
	ErrInvalidPayload   = errors.New("invalid request payload")
	ErrNoURL            = errors.New("upstream url not set")
	ErrUnknownConsumer  = errors.New("consumer not registered")
	ErrConsumerRequired = errors.New("consumer id required")
)
