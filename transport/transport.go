// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport provides the websocket and TCP dialers the protocol
// client uses to reach the upstream server.
package transport

import (
	"errors"
	"time"

	"github.com/absmach/stompmux/stomp/client"
)

// Transport kinds accepted by Select.
const (
	KindWebSocket = "ws"
	KindTCP       = "tcp"
)

var (
	ErrUnknownTransport  = errors.New("unknown transport")
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
)

// Select returns the dialer for kind.
func Select(kind string, writeTimeout time.Duration) (client.Dialer, error) {
	switch kind {
	case KindWebSocket, "":
		return &WSDialer{WriteTimeout: writeTimeout}, nil
	case KindTCP:
		return &TCPDialer{WriteTimeout: writeTimeout, KeepAlive: 30 * time.Second}, nil
	default:
		return nil, ErrUnknownTransport
	}
}
