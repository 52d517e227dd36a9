// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package retained keeps per-channel ordered lists of retained messages and
// reports every change as an added/removed diff against the previous list.
package retained

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Item is one retained message.
type Item[T any] struct {
	ID         string    `json:"id"`
	Message    T         `json:"message"`
	ReceivedAt time.Time `json:"received_at"`
}

// Diff describes one change to a channel's list. List is the full list
// after the change.
type Diff[T any] struct {
	Channel string    `json:"channel"`
	List    []Item[T] `json:"list"`
	Added   []Item[T] `json:"added"`
	Removed []Item[T] `json:"removed"`
}

// Empty reports whether the change added or removed nothing.
func (d Diff[T]) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Compute returns the items of next whose ids are absent from prev, and the
// items of prev whose ids are absent from next. Both keep their list order.
func Compute[T any](prev, next []Item[T]) (added, removed []Item[T]) {
	prevIDs := make(map[string]struct{}, len(prev))
	for _, it := range prev {
		prevIDs[it.ID] = struct{}{}
	}
	nextIDs := make(map[string]struct{}, len(next))
	for _, it := range next {
		nextIDs[it.ID] = struct{}{}
	}

	added = []Item[T]{}
	for _, it := range next {
		if _, ok := prevIDs[it.ID]; !ok {
			added = append(added, it)
		}
	}
	removed = []Item[T]{}
	for _, it := range prev {
		if _, ok := nextIDs[it.ID]; !ok {
			removed = append(removed, it)
		}
	}
	return added, removed
}

// Option configures a Store.
type Option func(*config)

type config struct {
	maxPerChannel int
	newID         func() string
	clock         clockwork.Clock
}

// WithMaxPerChannel caps each list; the oldest items are evicted first.
// Zero means unbounded.
func WithMaxPerChannel(n int) Option {
	return func(c *config) { c.maxPerChannel = n }
}

// WithIDGenerator replaces the random item id source.
func WithIDGenerator(fn func() string) Option {
	return func(c *config) { c.newID = fn }
}

// WithClock sets the clock stamping ReceivedAt.
func WithClock(clock clockwork.Clock) Option {
	return func(c *config) { c.clock = clock }
}

// Store holds the retained lists. It is not safe for concurrent use; the
// broker goroutine owns it.
type Store[T any] struct {
	cfg   config
	lists map[string][]Item[T]
}

// New creates an empty store.
func New[T any](opts ...Option) *Store[T] {
	cfg := config{
		newID: uuid.NewString,
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Store[T]{cfg: cfg, lists: make(map[string][]Item[T])}
}

// Append adds msgs to the end of the channel's list under fresh ids.
func (s *Store[T]) Append(channel string, msgs ...T) Diff[T] {
	prev := s.lists[channel]
	now := s.cfg.clock.Now()

	next := slices.Clone(prev)
	for _, m := range msgs {
		next = append(next, Item[T]{ID: s.cfg.newID(), Message: m, ReceivedAt: now})
	}
	if limit := s.cfg.maxPerChannel; limit > 0 && len(next) > limit {
		next = next[len(next)-limit:]
	}
	return s.replace(channel, prev, next)
}

// Dismiss removes the items with the given ids. Unknown ids are ignored;
// ok is false when nothing was removed.
func (s *Store[T]) Dismiss(channel string, ids ...string) (diff Diff[T], ok bool) {
	prev := s.lists[channel]
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	next := make([]Item[T], 0, len(prev))
	for _, it := range prev {
		if _, found := drop[it.ID]; !found {
			next = append(next, it)
		}
	}
	if len(next) == len(prev) {
		return Diff[T]{Channel: channel, List: s.List(channel), Added: []Item[T]{}, Removed: []Item[T]{}}, false
	}
	return s.replace(channel, prev, next), true
}

// set replaces the channel's list with items, keeping ids as given.
func (s *Store[T]) set(channel string, items []Item[T]) Diff[T] {
	return s.replace(channel, s.lists[channel], slices.Clone(items))
}

func (s *Store[T]) replace(channel string, prev, next []Item[T]) Diff[T] {
	added, removed := Compute(prev, next)
	if len(next) == 0 {
		delete(s.lists, channel)
	} else {
		s.lists[channel] = next
	}
	return Diff[T]{Channel: channel, List: s.List(channel), Added: added, Removed: removed}
}

// List returns a copy of the channel's list, never nil.
func (s *Store[T]) List(channel string) []Item[T] {
	out := slices.Clone(s.lists[channel])
	if out == nil {
		out = []Item[T]{}
	}
	return out
}

func (s *Store[T]) get(channel, id string) (Item[T], bool) {
	for _, it := range s.lists[channel] {
		if it.ID == id {
			return it, true
		}
	}
	return Item[T]{}, false
}

// Drop discards the channel's list and returns how many items it held.
func (s *Store[T]) Drop(channel string) int {
	n := len(s.lists[channel])
	delete(s.lists, channel)
	return n
}

// Len returns the number of items retained for channel.
func (s *Store[T]) Len(channel string) int {
	return len(s.lists[channel])
}

// Total returns the number of items retained across all channels.
func (s *Store[T]) Total() int {
	n := 0
	for _, l := range s.lists {
		n += len(l)
	}
	return n
}

// channels returns the channels that have retained items, sorted.
func (s *Store[T]) channels() []string {
	out := make([]string, 0, len(s.lists))
	for ch := range s.lists {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}
