// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package events defines the broker lifecycle events delivered to webhooks.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeConnectionStateChanged = "connection.state_changed"
	TypeReconnectExhausted     = "reconnect.exhausted"
	TypeConsumerRegistered     = "consumer.registered"
	TypeConsumerUnregistered   = "consumer.unregistered"
	TypeSubscriptionCreated    = "subscription.created"
	TypeSubscriptionRemoved    = "subscription.removed"
	TypeRetainedAdded          = "retained.added"
	TypeRetainedDismissed      = "retained.dismissed"
)

// Event is the common interface for all webhook events.
type Event interface {
	// Type returns the event type identifier (e.g., "consumer.registered")
	Type() string

	// Channel returns the channel for subscription and retained events,
	// empty for others
	Channel() string

	// Wrap wraps the event in a common envelope with metadata
	Wrap(brokerID string) *Envelope
}

// Envelope is the common wrapper for all webhook events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	BrokerID  string `json:"broker_id"`
	Data      any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	return json.Marshal((*plain)(e))
}

func wrap(e Event, brokerID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		BrokerID:  brokerID,
		Data:      e,
	}
}

// ConnectionStateChanged is emitted on every upstream state transition.
type ConnectionStateChanged struct {
	State    string `json:"state"`
	Previous string `json:"previous"`
	URL      string `json:"url"`
}

func (e ConnectionStateChanged) Type() string                   { return TypeConnectionStateChanged }
func (e ConnectionStateChanged) Channel() string                { return "" }
func (e ConnectionStateChanged) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// ReconnectExhausted is emitted when a retry episode gives up. The
// connection stays disconnected until the next explicit connect.
type ReconnectExhausted struct {
	URL      string `json:"url"`
	Attempts int    `json:"attempts"`
}

func (e ReconnectExhausted) Type() string                   { return TypeReconnectExhausted }
func (e ReconnectExhausted) Channel() string                { return "" }
func (e ReconnectExhausted) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// ConsumerRegistered is emitted when a new consumer registers.
type ConsumerRegistered struct {
	ConsumerID string `json:"consumer_id"`
	Visible    bool   `json:"visible"`
}

func (e ConsumerRegistered) Type() string                   { return TypeConsumerRegistered }
func (e ConsumerRegistered) Channel() string                { return "" }
func (e ConsumerRegistered) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// ConsumerUnregistered is emitted when a consumer leaves.
type ConsumerUnregistered struct {
	ConsumerID string `json:"consumer_id"`
}

func (e ConsumerUnregistered) Type() string                   { return TypeConsumerUnregistered }
func (e ConsumerUnregistered) Channel() string                { return "" }
func (e ConsumerUnregistered) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SubscriptionCreated is emitted when a consumer adds interest in a channel.
type SubscriptionCreated struct {
	ConsumerID  string `json:"consumer_id"`
	ChannelName string `json:"channel"`
	Mode        string `json:"mode"` // "raw" or "synced"
}

func (e SubscriptionCreated) Type() string                   { return TypeSubscriptionCreated }
func (e SubscriptionCreated) Channel() string                { return e.ChannelName }
func (e SubscriptionCreated) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SubscriptionRemoved is emitted when a consumer drops interest in a channel.
type SubscriptionRemoved struct {
	ConsumerID  string `json:"consumer_id"`
	ChannelName string `json:"channel"`
}

func (e SubscriptionRemoved) Type() string                   { return TypeSubscriptionRemoved }
func (e SubscriptionRemoved) Channel() string                { return e.ChannelName }
func (e SubscriptionRemoved) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// RetainedAdded is emitted when a message joins a retained list.
type RetainedAdded struct {
	ChannelName string `json:"channel"`
	ItemID      string `json:"item_id"`
}

func (e RetainedAdded) Type() string                   { return TypeRetainedAdded }
func (e RetainedAdded) Channel() string                { return e.ChannelName }
func (e RetainedAdded) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// RetainedDismissed is emitted when items are dismissed from a list.
type RetainedDismissed struct {
	ChannelName string   `json:"channel"`
	ItemIDs     []string `json:"item_ids"`
}

func (e RetainedDismissed) Type() string                   { return TypeRetainedDismissed }
func (e RetainedDismissed) Channel() string                { return e.ChannelName }
func (e RetainedDismissed) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }
