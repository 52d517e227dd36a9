// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"

	"github.com/absmach/stompmux/stomp/frame"
)

// Stats tracks broker and upstream traffic counters. It is safe for
// concurrent use; the protocol client updates it from its read goroutine.
type Stats struct {
	startTime time.Time

	// Upstream connection stats
	connects          atomic.Uint64
	disconnects       atomic.Uint64
	reconnectAttempts atomic.Uint64

	// Frame stats
	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64

	// Message stats
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	deliveries       atomic.Uint64
	dropped          atomic.Uint64

	// Subscription stats
	subscriptions   atomic.Int64
	unsubscriptions atomic.Uint64

	// Consumer stats
	registrations atomic.Uint64
	consumers     atomic.Int64

	protocolErrors atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// FrameSent counts an outgoing frame of n wire bytes.
func (s *Stats) FrameSent(cmd frame.Command, n int) {
	s.framesSent.Add(1)
	s.bytesSent.Add(uint64(n))
	if cmd == frame.Send {
		s.messagesSent.Add(1)
	}
}

// FrameReceived counts an inbound frame.
func (s *Stats) FrameReceived(cmd frame.Command) {
	s.framesReceived.Add(1)
	switch cmd {
	case frame.Message:
		s.messagesReceived.Add(1)
	case frame.Error:
		s.protocolErrors.Add(1)
	}
}

// BytesReceived counts raw inbound transport bytes, heartbeats included.
func (s *Stats) BytesReceived(n int) {
	s.bytesReceived.Add(uint64(n))
}

func (s *Stats) incrementConnects()          { s.connects.Add(1) }
func (s *Stats) incrementDisconnects()       { s.disconnects.Add(1) }
func (s *Stats) incrementReconnectAttempts() { s.reconnectAttempts.Add(1) }
func (s *Stats) incrementDeliveries()        { s.deliveries.Add(1) }
func (s *Stats) incrementDropped()           { s.dropped.Add(1) }

func (s *Stats) incrementSubscriptions() {
	s.subscriptions.Add(1)
}

func (s *Stats) decrementSubscriptions() {
	s.subscriptions.Add(-1)
	s.unsubscriptions.Add(1)
}

// wireLost forgets n subscriptions that ended with the connection.
func (s *Stats) wireLost(n int) {
	s.subscriptions.Add(-int64(n))
}

func (s *Stats) consumerRegistered() {
	s.registrations.Add(1)
	s.consumers.Add(1)
}

func (s *Stats) consumerUnregistered() {
	s.consumers.Add(-1)
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Uptime            time.Duration `json:"uptime"`
	Connects          uint64        `json:"connects"`
	Disconnects       uint64        `json:"disconnects"`
	ReconnectAttempts uint64        `json:"reconnect_attempts"`
	FramesSent        uint64        `json:"frames_sent"`
	FramesReceived    uint64        `json:"frames_received"`
	BytesSent         uint64        `json:"bytes_sent"`
	BytesReceived     uint64        `json:"bytes_received"`
	MessagesSent      uint64        `json:"messages_sent"`
	MessagesReceived  uint64        `json:"messages_received"`
	Deliveries        uint64        `json:"deliveries"`
	Dropped           uint64        `json:"dropped"`
	Subscriptions     int64         `json:"subscriptions"`
	Unsubscriptions   uint64        `json:"unsubscriptions"`
	Registrations     uint64        `json:"registrations"`
	Consumers         int64         `json:"consumers"`
	ProtocolErrors    uint64        `json:"protocol_errors"`
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Uptime:            time.Since(s.startTime),
		Connects:          s.connects.Load(),
		Disconnects:       s.disconnects.Load(),
		ReconnectAttempts: s.reconnectAttempts.Load(),
		FramesSent:        s.framesSent.Load(),
		FramesReceived:    s.framesReceived.Load(),
		BytesSent:         s.bytesSent.Load(),
		BytesReceived:     s.bytesReceived.Load(),
		MessagesSent:      s.messagesSent.Load(),
		MessagesReceived:  s.messagesReceived.Load(),
		Deliveries:        s.deliveries.Load(),
		Dropped:           s.dropped.Load(),
		Subscriptions:     s.subscriptions.Load(),
		Unsubscriptions:   s.unsubscriptions.Load(),
		Registrations:     s.registrations.Load(),
		Consumers:         s.consumers.Load(),
		ProtocolErrors:    s.protocolErrors.Load(),
	}
}

// GetUptime returns the time since the stats were created.
func (s *Stats) GetUptime() time.Duration {
	return time.Since(s.startTime)
}
