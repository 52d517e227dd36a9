// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"encoding/json"
	"slices"

	"github.com/absmach/stompmux/retained"
)

// ConsumerID identifies one connected consumer endpoint.
type ConsumerID string

// Endpoint receives events for one consumer. Deliver must not block: the
// broker calls it from its command loop.
type Endpoint interface {
	Deliver(Event)
}

// EndpointFunc adapts a function to Endpoint.
type EndpointFunc func(Event)

// Deliver calls f.
func (f EndpointFunc) Deliver(ev Event) { f(ev) }

// EventType names an outbound event.
type EventType string

// Outbound event types.
const (
	EventConnection EventType = "CONNECTION"
	EventMessage    EventType = "MESSAGE"
	EventError      EventType = "ERROR"
)

// Event is sent to consumers. Payload is one of ConnectionPayload,
// MessagePayload, SyncedPayload or ErrorPayload.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// ConnectionPayload carries the broker-wide connection state.
type ConnectionPayload struct {
	State string `json:"state"`
}

// MessagePayload is a raw delivery.
type MessagePayload struct {
	Channel string          `json:"channel"`
	Message json.RawMessage `json:"message"`
}

// SyncedPayload is a retained-list delivery.
type SyncedPayload = retained.Diff[json.RawMessage]

// ErrorPayload describes a protocol error or a rejected request.
type ErrorPayload struct {
	Message string            `json:"message"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

type consumer struct {
	id       ConsumerID
	endpoint Endpoint
	visible  bool
}

// directory tracks registered consumers. Owned by the broker goroutine.
type directory struct {
	consumers map[ConsumerID]*consumer
}

func newDirectory() *directory {
	return &directory{consumers: make(map[ConsumerID]*consumer)}
}

// add registers or updates a consumer and reports whether it is new.
// A nil endpoint keeps the existing one.
func (d *directory) add(id ConsumerID, ep Endpoint, visible bool) bool {
	if c, ok := d.consumers[id]; ok {
		if ep != nil {
			c.endpoint = ep
		}
		c.visible = visible
		return false
	}
	d.consumers[id] = &consumer{id: id, endpoint: ep, visible: visible}
	return true
}

func (d *directory) remove(id ConsumerID) bool {
	if _, ok := d.consumers[id]; !ok {
		return false
	}
	delete(d.consumers, id)
	return true
}

func (d *directory) get(id ConsumerID) (*consumer, bool) {
	c, ok := d.consumers[id]
	return c, ok
}

func (d *directory) setVisible(id ConsumerID, visible bool) bool {
	c, ok := d.consumers[id]
	if !ok {
		return false
	}
	c.visible = visible
	return true
}

func (d *directory) len() int {
	return len(d.consumers)
}

func (d *directory) visibleCount() int {
	n := 0
	for _, c := range d.consumers {
		if c.visible {
			n++
		}
	}
	return n
}

// ids returns the registered ids in sorted order.
func (d *directory) ids() []ConsumerID {
	out := make([]ConsumerID, 0, len(d.consumers))
	for id := range d.consumers {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// deliver sends ev to one consumer and reports whether it was registered
// with an endpoint.
func (d *directory) deliver(id ConsumerID, ev Event) bool {
	c, ok := d.consumers[id]
	if !ok || c.endpoint == nil {
		return false
	}
	c.endpoint.Deliver(ev)
	return true
}

// broadcast sends ev to every consumer and returns how many received it.
func (d *directory) broadcast(ev Event) int {
	n := 0
	for _, id := range d.ids() {
		if d.deliver(id, ev) {
			n++
		}
	}
	return n
}
