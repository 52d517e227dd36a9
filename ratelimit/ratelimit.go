// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles websocket upgrades per remote IP and consumer
// commands per consumer.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// IPRateLimiter limits websocket upgrade attempts per remote IP.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	clock    clockwork.Clock
	stopCh   chan struct{}
	stopOnce sync.Once
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a new IP-based rate limiter.
// r is upgrades per second, burst is the burst allowance.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration, clock clockwork.Clock) *IPRateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	l := &IPRateLimiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		clock:    clock,
		stopCh:   make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go l.cleanupLoop()
	}
	return l
}

// Allow reports whether an upgrade from addr may proceed.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	ip := extractIP(addr)
	if ip == "" {
		return true // Allow if we can't extract IP
	}

	now := l.clock.Now()
	l.mu.Lock()
	entry, exists := l.limiters[ip]
	if !exists {
		entry = &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}

// Len returns the number of tracked IPs.
func (l *IPRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := l.clock.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			l.removeStale()
		case <-l.stopCh:
			return
		}
	}
}

// removeStale forgets IPs idle for more than two cleanup intervals.
func (l *IPRateLimiter) removeStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := l.clock.Now().Add(-l.cleanup * 2)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, ip)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// ConsumerRateLimiter limits SEND_MESSAGE and subscribe requests per consumer.
type ConsumerRateLimiter struct {
	mu           sync.Mutex
	sendLimiters map[string]*rate.Limiter
	subLimiters  map[string]*rate.Limiter
	sendRate     rate.Limit
	sendBurst    int
	subRate      rate.Limit
	subBurst     int
	clock        clockwork.Clock
}

// NewConsumerRateLimiter creates a new consumer-based rate limiter.
func NewConsumerRateLimiter(sendRate float64, sendBurst int, subRate float64, subBurst int, clock clockwork.Clock) *ConsumerRateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ConsumerRateLimiter{
		sendLimiters: make(map[string]*rate.Limiter),
		subLimiters:  make(map[string]*rate.Limiter),
		sendRate:     rate.Limit(sendRate),
		sendBurst:    sendBurst,
		subRate:      rate.Limit(subRate),
		subBurst:     subBurst,
		clock:        clock,
	}
}

// AllowSend reports whether consumer may send another message now.
func (l *ConsumerRateLimiter) AllowSend(consumer string) bool {
	return l.allow(l.sendLimiters, consumer, l.sendRate, l.sendBurst)
}

// AllowSubscribe reports whether consumer may subscribe again now.
func (l *ConsumerRateLimiter) AllowSubscribe(consumer string) bool {
	return l.allow(l.subLimiters, consumer, l.subRate, l.subBurst)
}

func (l *ConsumerRateLimiter) allow(m map[string]*rate.Limiter, consumer string, r rate.Limit, burst int) bool {
	l.mu.Lock()
	limiter, ok := m[consumer]
	if !ok {
		limiter = rate.NewLimiter(r, burst)
		m[consumer] = limiter
	}
	l.mu.Unlock()

	return limiter.AllowN(l.clock.Now(), 1)
}

// Remove drops the limiters of a consumer that went away.
func (l *ConsumerRateLimiter) Remove(consumer string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sendLimiters, consumer)
	delete(l.subLimiters, consumer)
}

// extractIP extracts the IP address from a net.Addr.
func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Connection ConnectionConfig `yaml:"connection"`
	Message    MessageConfig    `yaml:"message"`
	Subscribe  SubscribeConfig  `yaml:"subscribe"`
}

// ConnectionConfig holds per-IP upgrade rate limiting settings.
type ConnectionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`             // upgrades per second per IP
	Burst           int           `yaml:"burst"`            // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // cleanup interval for stale entries
}

// MessageConfig holds per-consumer send rate limiting settings.
type MessageConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // messages per second per consumer
	Burst   int     `yaml:"burst"` // burst allowance
}

// SubscribeConfig holds per-consumer subscription rate limiting settings.
type SubscribeConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // subscriptions per second per consumer
	Burst   int     `yaml:"burst"` // burst allowance
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            100.0 / 60.0, // 100 upgrades per minute per IP
			Burst:           20,
			CleanupInterval: 5 * time.Minute,
		},
		Message: MessageConfig{
			Enabled: true,
			Rate:    100,
			Burst:   50,
		},
		Subscribe: SubscribeConfig{
			Enabled: true,
			Rate:    20,
			Burst:   10,
		},
	}
}

// Manager coordinates all rate limiters. A nil *Manager allows everything.
type Manager struct {
	config   Config
	ip       *IPRateLimiter
	consumer *ConsumerRateLimiter
}

// NewManager creates a new rate limit manager. It returns nil when rate
// limiting is disabled.
func NewManager(cfg Config, clock clockwork.Clock) *Manager {
	if !cfg.Enabled {
		return nil
	}

	m := &Manager{config: cfg}
	if cfg.Connection.Enabled {
		m.ip = NewIPRateLimiter(cfg.Connection.Rate, cfg.Connection.Burst, cfg.Connection.CleanupInterval, clock)
	}
	if cfg.Message.Enabled || cfg.Subscribe.Enabled {
		m.consumer = NewConsumerRateLimiter(
			cfg.Message.Rate,
			cfg.Message.Burst,
			cfg.Subscribe.Rate,
			cfg.Subscribe.Burst,
			clock,
		)
	}
	return m
}

// Allow reports whether a websocket upgrade from addr may proceed.
func (m *Manager) Allow(addr net.Addr) bool {
	if m == nil || m.ip == nil {
		return true
	}
	return m.ip.Allow(addr)
}

// AllowSend reports whether consumer may send a message.
func (m *Manager) AllowSend(consumer string) bool {
	if m == nil || m.consumer == nil || !m.config.Message.Enabled {
		return true
	}
	return m.consumer.AllowSend(consumer)
}

// AllowSubscribe reports whether consumer may subscribe.
func (m *Manager) AllowSubscribe(consumer string) bool {
	if m == nil || m.consumer == nil || !m.config.Subscribe.Enabled {
		return true
	}
	return m.consumer.AllowSubscribe(consumer)
}

// Remove cleans up the limiters of a consumer that went away.
func (m *Manager) Remove(consumer string) {
	if m == nil || m.consumer == nil {
		return
	}
	m.consumer.Remove(consumer)
}

// Stop stops the rate limiter manager and cleans up resources.
func (m *Manager) Stop() {
	if m != nil && m.ip != nil {
		m.ip.Stop()
	}
}
