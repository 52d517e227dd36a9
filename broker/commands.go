// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"encoding/json"
	"time"

	"github.com/absmach/stompmux/stomp/frame"
)

// Command is a request handled by the broker goroutine. The set is closed:
// only types in this package implement it.
type Command interface{ command() }

// Register adds a consumer, or updates one already registered. Optional
// fields left nil keep their current values.
type Register struct {
	Consumer             ConsumerID
	Endpoint             Endpoint
	Visible              *bool
	ReconnectInterval    *time.Duration
	ReconnectMaxAttempts *int
}

// Unregister removes a consumer and all of its channel interest.
type Unregister struct {
	Consumer ConsumerID
}

// SetURL sets the upstream url used by the next connect.
type SetURL struct {
	URL string
}

// SetAuthHeader sets the Authorization value sent in CONNECT after the
// custom headers. An empty value removes it.
type SetAuthHeader struct {
	Value string
}

// SetHeader replaces the custom CONNECT headers.
type SetHeader struct {
	Headers map[string]string
}

// Connect opens the upstream connection.
type Connect struct{}

// Disconnect closes the upstream connection and cancels any retry.
type Disconnect struct{}

// Drop closes the transport as if the network failed, so the retry policy
// applies.
type Drop struct{}

// Send transmits message to channel.
type Send struct {
	Channel string
	Message json.RawMessage
}

// Subscribe adds raw interest in channel.
type Subscribe struct {
	Consumer ConsumerID
	Channel  string
}

// SubscribeSynced adds retained-list interest in channel.
type SubscribeSynced struct {
	Consumer ConsumerID
	Channel  string
}

// Unsubscribe drops every interest the consumer has in channel.
type Unsubscribe struct {
	Consumer ConsumerID
	Channel  string
}

// Dismiss removes retained items from channel's list.
type Dismiss struct {
	Channel string
	IDs     []string
}

// SetVisibility records whether the consumer is in the foreground.
type SetVisibility struct {
	Consumer ConsumerID
	Visible  bool
}

func (Register) command()        {}
func (Unregister) command()      {}
func (SetURL) command()          {}
func (SetAuthHeader) command()   {}
func (SetHeader) command()       {}
func (Connect) command()         {}
func (Disconnect) command()      {}
func (Drop) command()            {}
func (Send) command()            {}
func (Subscribe) command()       {}
func (SubscribeSynced) command() {}
func (Unsubscribe) command()     {}
func (Dismiss) command()         {}
func (SetVisibility) command()   {}

// Upstream callbacks, tagged with the epoch of the connect that produced
// them so late events from an earlier connection are dropped.

type upstreamConnected struct {
	epoch uint64
	frame *frame.Frame
}

type upstreamDisconnected struct {
	epoch uint64
	err   error
}

type upstreamMessage struct {
	epoch   uint64
	channel string
	frame   *frame.Frame
}

type upstreamError struct {
	epoch uint64
	frame *frame.Frame
}

type upstreamReceipt struct {
	epoch uint64
	frame *frame.Frame
}

type reconnectTick struct {
	episode uint64
}

type statusQuery struct {
	reply chan Status
}

type retainedQuery struct {
	channel string
	reply   chan []RetainedItem
}

func (upstreamConnected) command()    {}
func (upstreamDisconnected) command() {}
func (upstreamMessage) command()      {}
func (upstreamError) command()        {}
func (upstreamReceipt) command()      {}
func (reconnectTick) command()        {}
func (statusQuery) command()          {}
func (retainedQuery) command()        {}

// Status is a snapshot of broker state.
type Status struct {
	State             string          `json:"state"`
	URL               string          `json:"url"`
	Version           string          `json:"version,omitempty"`
	ReconnectAttempt  int             `json:"reconnect_attempt"`
	ReconnectMax      int             `json:"reconnect_max_attempts"`
	ReconnectInterval time.Duration   `json:"reconnect_interval"`
	Consumers         int             `json:"consumers"`
	Visible           int             `json:"visible"`
	RetainedItems     int             `json:"retained_items"`
	Channels          []ChannelStatus `json:"channels"`
	Stats             StatsSnapshot   `json:"stats"`
}

// ChannelStatus describes one channel with interest.
type ChannelStatus struct {
	Channel   string `json:"channel"`
	Consumers int    `json:"consumers"`
	Synced    int    `json:"synced"`
	Wire      bool   `json:"wire"`
	Retained  int    `json:"retained"`
}
