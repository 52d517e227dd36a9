// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"cmp"
	"slices"

	"github.com/absmach/stompmux/stomp/client"
)

// Mode selects how a consumer receives a channel.
type Mode uint8

// Delivery modes. A consumer may hold both on the same channel.
const (
	ModeRaw Mode = 1 << iota
	ModeSynced
)

func (m Mode) String() string {
	switch m {
	case ModeRaw:
		return "raw"
	case ModeSynced:
		return "synced"
	case ModeRaw | ModeSynced:
		return "raw+synced"
	default:
		return "none"
	}
}

type channelState struct {
	interest map[ConsumerID]Mode
	wire     *client.Subscription
}

type interest struct {
	id   ConsumerID
	mode Mode
}

// registry counts consumer interest per channel and remembers the wire
// subscription serving it. Owned by the broker goroutine.
type registry struct {
	channels map[string]*channelState
}

func newRegistry() *registry {
	return &registry{channels: make(map[string]*channelState)}
}

// add records interest and reports whether the channel had none before.
func (r *registry) add(id ConsumerID, channel string, mode Mode) bool {
	cs, ok := r.channels[channel]
	if !ok {
		cs = &channelState{interest: make(map[ConsumerID]Mode)}
		r.channels[channel] = cs
	}
	first := len(cs.interest) == 0
	cs.interest[id] |= mode
	return first
}

// remove drops every mode id holds on channel. When the last consumer
// leaves, the channel is forgotten and its wire subscription returned.
func (r *registry) remove(id ConsumerID, channel string) (removed, last bool, wire *client.Subscription) {
	cs, ok := r.channels[channel]
	if !ok {
		return false, false, nil
	}
	if _, ok := cs.interest[id]; !ok {
		return false, false, nil
	}
	delete(cs.interest, id)
	if len(cs.interest) > 0 {
		return true, false, nil
	}
	delete(r.channels, channel)
	return true, true, cs.wire
}

// channelsOf returns the channels id is interested in, sorted.
func (r *registry) channelsOf(id ConsumerID) []string {
	var out []string
	for ch, cs := range r.channels {
		if _, ok := cs.interest[id]; ok {
			out = append(out, ch)
		}
	}
	slices.Sort(out)
	return out
}

// interested returns the consumers of channel sorted by id.
func (r *registry) interested(channel string) []interest {
	cs, ok := r.channels[channel]
	if !ok {
		return nil
	}
	out := make([]interest, 0, len(cs.interest))
	for id, mode := range cs.interest {
		out = append(out, interest{id: id, mode: mode})
	}
	slices.SortFunc(out, func(a, b interest) int { return cmp.Compare(a.id, b.id) })
	return out
}

func (r *registry) hasSynced(channel string) bool {
	cs, ok := r.channels[channel]
	if !ok {
		return false
	}
	for _, mode := range cs.interest {
		if mode&ModeSynced != 0 {
			return true
		}
	}
	return false
}

func (r *registry) setWire(channel string, sub *client.Subscription) {
	if cs, ok := r.channels[channel]; ok {
		cs.wire = sub
	}
}

func (r *registry) wire(channel string) *client.Subscription {
	if cs, ok := r.channels[channel]; ok {
		return cs.wire
	}
	return nil
}

// clearWire forgets every wire subscription, as after the connection is
// lost, and returns how many there were.
func (r *registry) clearWire() int {
	n := 0
	for _, cs := range r.channels {
		if cs.wire != nil {
			cs.wire = nil
			n++
		}
	}
	return n
}

// channelNames returns every channel with interest, sorted.
func (r *registry) channelNames() []string {
	out := make([]string, 0, len(r.channels))
	for ch := range r.channels {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

func (r *registry) wireCount() int {
	n := 0
	for _, cs := range r.channels {
		if cs.wire != nil {
			n++
		}
	}
	return n
}
