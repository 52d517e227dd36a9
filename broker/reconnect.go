// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"time"

	"github.com/absmach/stompmux/stomp/client"
)

// Reconnect defaults.
const (
	DefaultReconnectInterval    = 10 * time.Second
	DefaultReconnectMaxAttempts = 10
)

type reconnectAction int

const (
	reconnectNone    reconnectAction = iota
	reconnectStart                   // connect now and arm the ticker
	reconnectAttempt                 // connect now
	reconnectStop                    // connected; cancel the ticker
	reconnectGiveUp                  // attempts exhausted; cancel the ticker
)

func (a reconnectAction) String() string {
	switch a {
	case reconnectStart:
		return "start"
	case reconnectAttempt:
		return "attempt"
	case reconnectStop:
		return "stop"
	case reconnectGiveUp:
		return "give_up"
	default:
		return "none"
	}
}

// reconnectState is the retry policy. Its methods are pure transitions;
// the broker owns the ticker and acts on the returned action.
type reconnectState struct {
	attempt     int
	maxAttempts int
	interval    time.Duration
	explicit    bool
	armed       bool
}

func newReconnectState(interval time.Duration, maxAttempts int) reconnectState {
	if interval <= 0 {
		interval = DefaultReconnectInterval
	}
	return reconnectState{interval: interval, maxAttempts: maxAttempts}
}

// enabled reports whether unexpected disconnects are retried at all.
func (r *reconnectState) enabled() bool {
	return r.maxAttempts > 0
}

// onDisconnected handles the end of a connection. An explicit disconnect
// clears the flag and is never retried.
func (r *reconnectState) onDisconnected() reconnectAction {
	if r.explicit {
		r.explicit = false
		return reconnectNone
	}
	if !r.enabled() || r.armed {
		return reconnectNone
	}
	r.armed = true
	r.attempt = 1
	return reconnectStart
}

// onTick decides what one timer tick does given the connection state.
func (r *reconnectState) onTick(state client.State) reconnectAction {
	if !r.armed {
		return reconnectNone
	}
	switch {
	case state == client.StateConnected:
		r.reset()
		return reconnectStop
	case state == client.StateConnecting || state == client.StateDisconnecting:
		return reconnectNone
	case r.attempt >= r.maxAttempts:
		r.reset()
		return reconnectGiveUp
	default:
		r.attempt++
		return reconnectAttempt
	}
}

// onConnected ends a retry episode early.
func (r *reconnectState) onConnected() reconnectAction {
	if !r.armed {
		r.attempt = 0
		return reconnectNone
	}
	r.reset()
	return reconnectStop
}

// onExplicitDisconnect cancels retries. pending marks that a disconnect
// notification is still to come and must not trigger a retry. The flag is
// only ever cleared by onDisconnected, so a repeated request while a
// disconnect is in flight keeps it set.
func (r *reconnectState) onExplicitDisconnect(pending bool) reconnectAction {
	if pending {
		r.explicit = true
	}
	if !r.armed {
		return reconnectNone
	}
	r.reset()
	return reconnectStop
}

// setPolicy changes the policy. A running episode keeps its attempt count
// and picks up the new limit at the next tick.
func (r *reconnectState) setPolicy(interval time.Duration, maxAttempts int) {
	if interval > 0 {
		r.interval = interval
	}
	r.maxAttempts = maxAttempts
}

func (r *reconnectState) reset() {
	r.attempt = 0
	r.armed = false
}
