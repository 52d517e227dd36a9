// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/stompmux/broker/events"
	"github.com/absmach/stompmux/config"
	"github.com/absmach/stompmux/topics"
	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
)

const dropOldest = "oldest"

var _ Notifier = (*GenericNotifier)(nil)

// GenericNotifier fans events out to the configured endpoints through a
// bounded queue, a worker pool and one circuit breaker per endpoint.
type GenericNotifier struct {
	cfg       config.WebhookConfig
	endpoints []endpoint
	queue     chan job
	breakers  map[string]*gobreaker.CircuitBreaker
	sender    Sender
	logger    *slog.Logger
	clock     clockwork.Clock

	ctx     context.Context
	cancel  context.CancelFunc
	stop    chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

type endpoint struct {
	name           string
	url            string
	eventFilters   map[string]bool
	channelFilters []string
	headers        map[string]string
	timeout        time.Duration
	retry          config.RetryConfig
}

type job struct {
	event    events.Event
	endpoint *endpoint
	attempt  int
}

// NewNotifier creates a notifier and starts its workers. A nil clock uses
// the real clock for retry delays.
func NewNotifier(cfg config.WebhookConfig, sender Sender, logger *slog.Logger, clock clockwork.Clock) (*GenericNotifier, error) {
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	workers := max(cfg.Workers, 1)

	endpoints := make([]endpoint, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		filters := make(map[string]bool, len(ep.Events))
		for _, t := range ep.Events {
			filters[t] = true
		}

		timeout := cfg.Defaults.Timeout
		if ep.Timeout > 0 {
			timeout = ep.Timeout
		}
		retry := cfg.Defaults.Retry
		if ep.Retry != nil {
			retry = *ep.Retry
		}

		endpoints = append(endpoints, endpoint{
			name:           ep.Name,
			url:            ep.URL,
			eventFilters:   filters,
			channelFilters: ep.ChannelFilters,
			headers:        ep.Headers,
			timeout:        timeout,
			retry:          retry,
		})
	}

	threshold := uint32(max(cfg.Defaults.CircuitBreaker.FailureThreshold, 1))
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(endpoints))
	for _, ep := range endpoints {
		breakers[ep.name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.name,
			MaxRequests: 1,
			Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("webhook_breaker_state_changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &GenericNotifier{
		cfg:       cfg,
		endpoints: endpoints,
		queue:     make(chan job, max(cfg.QueueSize, 1)),
		breakers:  breakers,
		sender:    sender,
		logger:    logger,
		clock:     clock,
		ctx:       ctx,
		cancel:    cancel,
		stop:      make(chan struct{}),
	}

	for range workers {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook_notifier_started",
		slog.Int("workers", workers),
		slog.Int("queue_size", cap(n.queue)),
		slog.Int("endpoints", len(endpoints)))

	return n, nil
}

// Notify queues ev for every endpoint whose filters accept it.
func (n *GenericNotifier) Notify(ctx context.Context, ev events.Event) error {
	if n.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for i := range n.endpoints {
		ep := &n.endpoints[i]
		if !ep.accepts(ev) {
			continue
		}
		n.enqueue(job{event: ev, endpoint: ep})
	}
	return nil
}

// Dropped returns how many deliveries were discarded by the drop policy.
func (n *GenericNotifier) Dropped() uint64 {
	return n.dropped.Load()
}

func (ep *endpoint) accepts(ev events.Event) bool {
	if len(ep.eventFilters) > 0 && !ep.eventFilters[ev.Type()] {
		return false
	}
	// Channel filters only constrain events that name a channel.
	if ch := ev.Channel(); ch != "" && !topics.MatchAny(ep.channelFilters, ch) {
		return false
	}
	return true
}

func (n *GenericNotifier) enqueue(j job) {
	select {
	case n.queue <- j:
		return
	default:
	}

	if n.cfg.DropPolicy == dropOldest {
		select {
		case <-n.queue:
			n.dropped.Add(1)
		default:
		}
		select {
		case n.queue <- j:
			return
		default:
		}
	}

	n.dropped.Add(1)
	n.logger.Warn("webhook_queue_full",
		slog.String("event_type", j.event.Type()),
		slog.String("endpoint", j.endpoint.name))
}

func (n *GenericNotifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case j := <-n.queue:
			n.process(j)
		case <-n.stop:
			// Flush what is already queued.
			for {
				select {
				case j := <-n.queue:
					n.process(j)
				default:
					return
				}
			}
		}
	}
}

func (n *GenericNotifier) process(j job) {
	breaker := n.breakers[j.endpoint.name]
	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, n.send(j)
	})
	if err == nil {
		return
	}

	if j.attempt+1 >= j.endpoint.retry.MaxAttempts {
		n.logger.Error("webhook_delivery_failed",
			slog.String("endpoint", j.endpoint.name),
			slog.String("event_type", j.event.Type()),
			slog.Int("attempts", j.attempt+1),
			slog.String("error", err.Error()))
		return
	}

	j.attempt++
	delay := retryDelay(j.attempt, j.endpoint.retry)
	n.logger.Debug("webhook_delivery_retry",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.event.Type()),
		slog.Int("attempt", j.attempt),
		slog.Duration("retry_after", delay),
		slog.Bool("breaker_open", errors.Is(err, gobreaker.ErrOpenState)),
		slog.String("error", err.Error()))

	n.clock.AfterFunc(delay, func() {
		if n.closed.Load() {
			return
		}
		n.enqueue(j)
	})
}

func (n *GenericNotifier) send(j job) error {
	payload, err := json.Marshal(j.event.Wrap(n.cfg.BrokerID))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := n.sender.Send(n.ctx, j.endpoint.url, j.endpoint.headers, payload, j.endpoint.timeout); err != nil {
		return err
	}

	n.logger.Debug("webhook_delivered",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.event.Type()))
	return nil
}

// retryDelay returns InitialInterval * Multiplier^attempt, capped at
// MaxInterval when one is set.
func retryDelay(attempt int, cfg config.RetryConfig) time.Duration {
	delay := float64(cfg.InitialInterval) * math.Pow(cfg.Multiplier, float64(attempt))
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Close stops accepting events, flushes the queue and waits for the workers
// up to the configured shutdown timeout. In-flight sends are cancelled
// when the timeout expires.
func (n *GenericNotifier) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	n.logger.Info("webhook_notifier_stopping")
	close(n.stop)
	defer n.cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	timeout := n.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-done:
		n.logger.Info("webhook_notifier_stopped")
	case <-time.After(timeout):
		n.logger.Warn("webhook_notifier_shutdown_timeout",
			slog.Int("queue_depth", len(n.queue)))
	}
	return nil
}
