// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"log/slog"
	"time"

	"github.com/absmach/stompmux/stomp/frame"
	"github.com/jonboulle/clockwork"
)

// Default values.
const (
	DefaultHeartbeat      = 10 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultMaxFrameSize   = 16 * 1024
	DefaultMaxPendingSize = 1 << 20
)

// DefaultAcceptVersion is sent in CONNECT when no versions are configured.
var DefaultAcceptVersion = []string{frame.V11, frame.V10}

// Options configures the protocol client.
type Options struct {
	Dialer         Dialer
	ConnectTimeout time.Duration // Bounds dialing; the handshake itself is not timed

	// Heartbeat proposal sent in CONNECT. Zero disables that direction.
	HeartbeatOutgoing time.Duration
	HeartbeatIncoming time.Duration

	AcceptVersion  []string
	MaxFrameSize   int // Outgoing frames larger than this are split across writes
	MaxPendingSize int // Incomplete inbound frames above this size are dropped

	Observer Observer // Optional traffic counters

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		ConnectTimeout:    DefaultConnectTimeout,
		HeartbeatOutgoing: DefaultHeartbeat,
		HeartbeatIncoming: DefaultHeartbeat,
		AcceptVersion:     DefaultAcceptVersion,
		MaxFrameSize:      DefaultMaxFrameSize,
		MaxPendingSize:    DefaultMaxPendingSize,
		Clock:             clockwork.NewRealClock(),
		Logger:            slog.Default(),
	}
}

// SetDialer sets the transport dialer.
func (o *Options) SetDialer(d Dialer) *Options {
	o.Dialer = d
	return o
}

// SetConnectTimeout sets the dial timeout.
func (o *Options) SetConnectTimeout(d time.Duration) *Options {
	o.ConnectTimeout = d
	return o
}

// SetHeartbeat sets the outgoing and incoming heartbeat proposal.
func (o *Options) SetHeartbeat(outgoing, incoming time.Duration) *Options {
	o.HeartbeatOutgoing = outgoing
	o.HeartbeatIncoming = incoming
	return o
}

// SetAcceptVersion sets the protocol versions offered in CONNECT.
func (o *Options) SetAcceptVersion(versions ...string) *Options {
	o.AcceptVersion = versions
	return o
}

// SetMaxFrameSize sets the largest single transport write.
func (o *Options) SetMaxFrameSize(n int) *Options {
	o.MaxFrameSize = n
	return o
}

// SetObserver sets the traffic observer.
func (o *Options) SetObserver(obs Observer) *Options {
	o.Observer = obs
	return o
}

// SetClock sets the clock driving heartbeat timers.
func (o *Options) SetClock(c clockwork.Clock) *Options {
	o.Clock = c
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// Validate checks the options for errors and fills in missing defaults.
func (o *Options) Validate() error {
	if o.Dialer == nil {
		return ErrNoDialer
	}
	if o.HeartbeatOutgoing < 0 || o.HeartbeatIncoming < 0 {
		return ErrInvalidHeartbeat
	}
	for _, v := range o.AcceptVersion {
		switch v {
		case frame.V10, frame.V11, frame.V12:
		default:
			return ErrInvalidVersion
		}
	}
	if len(o.AcceptVersion) == 0 {
		o.AcceptVersion = DefaultAcceptVersion
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	if o.MaxPendingSize <= 0 {
		o.MaxPendingSize = DefaultMaxPendingSize
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}
