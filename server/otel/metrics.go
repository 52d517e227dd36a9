// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"github.com/absmach/stompmux/broker"
	"github.com/absmach/stompmux/stomp/frame"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "stompmux"

var _ broker.Metrics = (*Metrics)(nil)

// Metrics holds OpenTelemetry instruments for the broker and its upstream
// connection.
type Metrics struct {
	meter metric.Meter

	// Counters
	framesSent        metric.Int64Counter
	framesReceived    metric.Int64Counter
	bytesSent         metric.Int64Counter
	bytesReceived     metric.Int64Counter
	protocolErrors    metric.Int64Counter
	reconnectAttempts metric.Int64Counter
	stateTransitions  metric.Int64Counter
	deliveries        metric.Int64Counter
	deliveriesDropped metric.Int64Counter

	// UpDownCounters (Gauges)
	consumers     metric.Int64UpDownCounter
	subscriptions metric.Int64UpDownCounter
	retainedItems metric.Int64UpDownCounter

	// Histograms
	frameSize metric.Int64Histogram
}

// NewMetrics creates the instruments on meter, or on the global meter
// provider when meter is nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := &Metrics{meter: meter}

	var err error

	m.framesSent, err = meter.Int64Counter(
		"stomp.frames.sent.total",
		metric.WithDescription("Frames written to the upstream server"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create framesSent counter: %w", err)
	}

	m.framesReceived, err = meter.Int64Counter(
		"stomp.frames.received.total",
		metric.WithDescription("Frames read from the upstream server"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create framesReceived counter: %w", err)
	}

	m.bytesSent, err = meter.Int64Counter(
		"stomp.bytes.sent.total",
		metric.WithDescription("Bytes written to the upstream server"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesSent counter: %w", err)
	}

	m.bytesReceived, err = meter.Int64Counter(
		"stomp.bytes.received.total",
		metric.WithDescription("Bytes read from the upstream server, heartbeats included"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesReceived counter: %w", err)
	}

	m.protocolErrors, err = meter.Int64Counter(
		"stomp.errors.total",
		metric.WithDescription("ERROR frames received"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create protocolErrors counter: %w", err)
	}

	m.reconnectAttempts, err = meter.Int64Counter(
		"stompmux.reconnect.attempts.total",
		metric.WithDescription("Automatic reconnect attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconnectAttempts counter: %w", err)
	}

	m.stateTransitions, err = meter.Int64Counter(
		"stompmux.connection.transitions.total",
		metric.WithDescription("Connection state transitions by target state"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stateTransitions counter: %w", err)
	}

	m.deliveries, err = meter.Int64Counter(
		"stompmux.deliveries.total",
		metric.WithDescription("Events delivered to consumers by kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveries counter: %w", err)
	}

	m.deliveriesDropped, err = meter.Int64Counter(
		"stompmux.deliveries.dropped.total",
		metric.WithDescription("Events addressed to consumers that were gone"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveriesDropped counter: %w", err)
	}

	m.consumers, err = meter.Int64UpDownCounter(
		"stompmux.consumers.current",
		metric.WithDescription("Registered consumers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumers gauge: %w", err)
	}

	m.subscriptions, err = meter.Int64UpDownCounter(
		"stompmux.subscriptions.active",
		metric.WithDescription("Subscriptions open on the upstream connection"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriptions gauge: %w", err)
	}

	m.retainedItems, err = meter.Int64UpDownCounter(
		"stompmux.retained.items",
		metric.WithDescription("Items held in retained lists"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retainedItems gauge: %w", err)
	}

	m.frameSize, err = meter.Int64Histogram(
		"stomp.frame.size.bytes",
		metric.WithDescription("Outgoing frame size distribution"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create frameSize histogram: %w", err)
	}

	return m, nil
}

func (m *Metrics) FrameSent(cmd string, n int) {
	ctx := context.Background()
	m.framesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("command", cmd)))
	m.bytesSent.Add(ctx, int64(n))
	m.frameSize.Record(ctx, int64(n))
}

func (m *Metrics) FrameReceived(cmd string) {
	ctx := context.Background()
	m.framesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("command", cmd)))
	if cmd == string(frame.Error) {
		m.protocolErrors.Add(ctx, 1)
	}
}

func (m *Metrics) BytesReceived(n int) {
	m.bytesReceived.Add(context.Background(), int64(n))
}

func (m *Metrics) ReconnectAttempt() {
	m.reconnectAttempts.Add(context.Background(), 1)
}

func (m *Metrics) StateChanged(state string) {
	m.stateTransitions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("state", state)))
}

func (m *Metrics) Delivered(kind string) {
	m.deliveries.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) DeliveryDropped() {
	m.deliveriesDropped.Add(context.Background(), 1)
}

func (m *Metrics) ConsumersChanged(delta int) {
	m.consumers.Add(context.Background(), int64(delta))
}

func (m *Metrics) SubscriptionsChanged(delta int) {
	m.subscriptions.Add(context.Background(), int64(delta))
}

func (m *Metrics) RetainedChanged(delta int) {
	m.retainedItems.Add(context.Background(), int64(delta))
}
