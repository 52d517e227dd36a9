// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker shares one upstream connection between many consumers.
//
// A single goroutine (Run) owns the connection state, the subscription
// registry, the consumer directory, the retained lists and the reconnect
// policy. Consumers and the protocol client talk to it only by posting
// commands, so no state is shared between goroutines.
package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/stompmux/broker/events"
	"github.com/absmach/stompmux/retained"
	"github.com/absmach/stompmux/stomp/client"
	"github.com/absmach/stompmux/stomp/frame"
	"github.com/jonboulle/clockwork"
)

// DefaultQueueSize is the command queue capacity used when none is set.
const DefaultQueueSize = 1024

// RetainedItem is one entry of a channel's retained list.
type RetainedItem = retained.Item[json.RawMessage]

// Upstream is the protocol client the broker drives. *client.Client
// implements it.
type Upstream interface {
	Connect(url string, headers frame.Headers, h client.Handlers) error
	Disconnect() error
	Drop()
	Version() string
	Send(destination string, headers frame.Headers, body string) error
	Subscribe(destination string, handler client.MessageHandler, headers frame.Headers) (*client.Subscription, error)
}

// Notifier receives lifecycle events. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, event events.Event) error
}

// Config holds broker settings.
type Config struct {
	URL        string
	Headers    map[string]string // Custom CONNECT headers
	AuthHeader string            // Sent as Authorization in CONNECT

	ReconnectInterval    time.Duration
	ReconnectMaxAttempts int // Zero or less disables reconnecting

	QueueSize             int
	MaxRetainedPerChannel int  // Zero keeps every item
	AutoConnect           bool // Connect as soon as Run starts
}

// DefaultConfig returns the default broker configuration.
func DefaultConfig() Config {
	return Config{
		ReconnectInterval:    DefaultReconnectInterval,
		ReconnectMaxAttempts: DefaultReconnectMaxAttempts,
		QueueSize:            DefaultQueueSize,
	}
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock sets the clock driving the reconnect timer.
func WithClock(c clockwork.Clock) Option {
	return func(b *Broker) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(b *Broker) {
		if m != nil {
			b.metrics = m
		}
	}
}

// WithNotifier sets the lifecycle event notifier.
func WithNotifier(n Notifier) Option {
	return func(b *Broker) {
		b.notifier = n
	}
}

// WithStats sets the stats collector, typically the one also passed to
// Observe for the upstream client.
func WithStats(s *Stats) Option {
	return func(b *Broker) {
		if s != nil {
			b.stats = s
		}
	}
}

// Broker multiplexes consumer channel interest over one upstream connection.
type Broker struct {
	logger   *slog.Logger
	clock    clockwork.Clock
	metrics  Metrics
	stats    *Stats
	notifier Notifier
	upstream Upstream

	cmds     chan Command
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
	autoConn bool

	// Everything below is owned by the Run goroutine.
	url        string
	headers    map[string]string
	authHeader string
	state      client.State
	epoch      uint64 // Bumped on every upstream connect
	consumers  *directory
	subs       *registry
	retained   *retained.Store[json.RawMessage]
	reconnect  reconnectState
	episode    uint64 // Bumped every time the reconnect ticker is armed
	tickerStop chan struct{}
}

// New creates a broker driving upstream. Call Run to start processing.
func New(cfg Config, upstream Upstream, opts ...Option) *Broker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	b := &Broker{
		logger:     slog.Default(),
		clock:      clockwork.NewRealClock(),
		metrics:    noopMetrics{},
		upstream:   upstream,
		cmds:       make(chan Command, cfg.QueueSize),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		autoConn:   cfg.AutoConnect,
		url:        cfg.URL,
		headers:    cloneHeaders(cfg.Headers),
		authHeader: cfg.AuthHeader,
		state:      client.StateDisconnected,
		consumers:  newDirectory(),
		subs:       newRegistry(),
		reconnect:  newReconnectState(cfg.ReconnectInterval, cfg.ReconnectMaxAttempts),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.stats == nil {
		b.stats = NewStats()
	}

	var storeOpts []retained.Option
	if cfg.MaxRetainedPerChannel > 0 {
		storeOpts = append(storeOpts, retained.WithMaxPerChannel(cfg.MaxRetainedPerChannel))
	}
	storeOpts = append(storeOpts, retained.WithClock(b.clock))
	b.retained = retained.New[json.RawMessage](storeOpts...)

	return b
}

// Run processes commands until ctx is cancelled or Close is called. On exit
// the upstream connection is closed.
func (b *Broker) Run(ctx context.Context) error {
	defer close(b.done)
	defer b.shutdown()

	b.logger.Info("broker_started", slog.String("url", b.url))
	if b.autoConn {
		b.connect()
	}

	for {
		select {
		case <-ctx.Done():
			b.stop()
			return ctx.Err()
		case <-b.quit:
			b.stop()
			return nil
		case cmd := <-b.cmds:
			b.dispatch(cmd)
		}
	}
}

// Close stops Run and waits for it to return.
func (b *Broker) Close() error {
	b.shutdown()
	<-b.done
	return nil
}

func (b *Broker) shutdown() {
	b.quitOnce.Do(func() { close(b.quit) })
}

// stop releases upstream resources when the loop exits.
func (b *Broker) stop() {
	b.stopTicker()
	if b.state == client.StateConnected || b.state == client.StateConnecting {
		b.reconnect.onExplicitDisconnect(false)
		if err := b.upstream.Disconnect(); err != nil {
			b.logger.Warn("upstream disconnect failed", slog.String("error", err.Error()))
		}
	}
	b.logger.Info("broker_stopped")
}

// Post queues cmd without blocking. It fails with ErrQueueFull when the
// queue is at capacity and ErrClosed after the broker stopped.
func (b *Broker) Post(cmd Command) error {
	select {
	case <-b.quit:
		return ErrClosed
	default:
	}
	select {
	case b.cmds <- cmd:
		return nil
	case <-b.quit:
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

// enqueue queues an upstream callback, waiting for room so inbound frames
// are never lost or reordered.
func (b *Broker) enqueue(cmd Command) bool {
	select {
	case b.cmds <- cmd:
		return true
	case <-b.quit:
		return false
	}
}

// Status returns a snapshot of the broker state.
func (b *Broker) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if err := b.Submit(ctx, statusQuery{reply: reply}); err != nil {
		return Status{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	case <-b.done:
		return Status{}, ErrClosed
	}
}

// Retained returns a copy of channel's retained list.
func (b *Broker) Retained(ctx context.Context, channel string) ([]RetainedItem, error) {
	reply := make(chan []RetainedItem, 1)
	if err := b.Submit(ctx, retainedQuery{channel: channel, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case items := <-reply:
		return items, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
		return nil, ErrClosed
	}
}

// Submit queues cmd, waiting for room until ctx is done. Use it where a
// command must not be lost, such as unregistering a departed consumer.
func (b *Broker) Submit(ctx context.Context, cmd Command) error {
	select {
	case b.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.quit:
		return ErrClosed
	}
}

// Stats returns the broker stats collector.
func (b *Broker) Stats() *Stats {
	return b.stats
}

// notify forwards a lifecycle event when a notifier is configured.
func (b *Broker) notify(ev events.Event) {
	if b.notifier == nil {
		return
	}
	if err := b.notifier.Notify(context.Background(), ev); err != nil {
		b.logger.Debug("webhook notify failed", slog.String("event", ev.Type()), slog.String("error", err.Error()))
	}
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
