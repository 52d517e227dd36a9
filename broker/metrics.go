// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"github.com/absmach/stompmux/stomp/client"
	"github.com/absmach/stompmux/stomp/frame"
)

// Metrics receives broker instrumentation. Implementations must be safe for
// concurrent use.
type Metrics interface {
	FrameSent(cmd string, n int)
	FrameReceived(cmd string)
	BytesReceived(n int)
	ReconnectAttempt()
	StateChanged(state string)
	Delivered(kind string)
	DeliveryDropped()
	ConsumersChanged(delta int)
	SubscriptionsChanged(delta int)
	RetainedChanged(delta int)
}

type noopMetrics struct{}

func (noopMetrics) FrameSent(string, int)    {}
func (noopMetrics) FrameReceived(string)     {}
func (noopMetrics) BytesReceived(int)        {}
func (noopMetrics) ReconnectAttempt()        {}
func (noopMetrics) StateChanged(string)      {}
func (noopMetrics) Delivered(string)         {}
func (noopMetrics) DeliveryDropped()         {}
func (noopMetrics) ConsumersChanged(int)     {}
func (noopMetrics) SubscriptionsChanged(int) {}
func (noopMetrics) RetainedChanged(int)      {}

// observer feeds client traffic into Stats and Metrics.
type observer struct {
	stats   *Stats
	metrics Metrics
}

// Observe returns a client.Observer that records upstream traffic in stats
// and m. Either may be nil.
func Observe(stats *Stats, m Metrics) client.Observer {
	if stats == nil {
		stats = NewStats()
	}
	if m == nil {
		m = noopMetrics{}
	}
	return &observer{stats: stats, metrics: m}
}

func (o *observer) FrameSent(cmd frame.Command, n int) {
	o.stats.FrameSent(cmd, n)
	o.metrics.FrameSent(string(cmd), n)
}

func (o *observer) FrameReceived(cmd frame.Command) {
	o.stats.FrameReceived(cmd)
	o.metrics.FrameReceived(string(cmd))
}

func (o *observer) BytesReceived(n int) {
	o.stats.BytesReceived(n)
	o.metrics.BytesReceived(n)
}
