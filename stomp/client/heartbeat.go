// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/absmach/stompmux/stomp/frame"
)

// heartbeat owns the ping ticker and the incoming-traffic watchdog of one
// connection.
type heartbeat struct {
	stopCh chan struct{}
	once   sync.Once
}

func (h *heartbeat) stop() {
	if h == nil {
		return
	}
	h.once.Do(func() { close(h.stopCh) })
}

// startHeartbeat arms timers from the server's heart-beat header. Pings go
// out every max(own outgoing, server incoming); the connection is dropped
// once nothing arrived for twice max(own incoming, server outgoing).
// Must be called with c.mu held.
func (c *Client) startHeartbeat(s *session, header string) *heartbeat {
	serverOut, serverIn := parseHeartbeat(header)
	hb := &heartbeat{stopCh: make(chan struct{})}
	clock := c.opts.Clock

	if c.opts.HeartbeatOutgoing > 0 && serverIn > 0 {
		ttl := max(c.opts.HeartbeatOutgoing, serverIn)
		c.logger.Debug("sending heartbeats", slog.Duration("interval", ttl))

		ticker := clock.NewTicker(ttl)
		conn := s.conn
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-hb.stopCh:
					return
				case <-ticker.Chan():
					if err := c.write(conn, frame.Heartbeat); err != nil {
						c.logger.Debug("heartbeat write failed", slog.String("error", err.Error()))
					}
				}
			}
		}()
	}

	if c.opts.HeartbeatIncoming > 0 && serverOut > 0 {
		ttl := max(c.opts.HeartbeatIncoming, serverOut)
		c.logger.Debug("expecting heartbeats", slog.Duration("interval", ttl))

		ticker := clock.NewTicker(ttl)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-hb.stopCh:
					return
				case <-ticker.Chan():
					last := time.Unix(0, s.lastRecv.Load())
					if idle := clock.Since(last); idle > 2*ttl {
						c.logger.Warn("no server activity, closing connection", slog.Duration("idle", idle))
						c.teardown(s, ErrHeartbeatTimeout)
						return
					}
				}
			}
		}()
	}

	return hb
}

// parseHeartbeat reads an "x,y" millisecond pair. Malformed values read as
// zero, which disables that direction.
func parseHeartbeat(v string) (time.Duration, time.Duration) {
	x, y, ok := strings.Cut(v, ",")
	if !ok {
		return 0, 0
	}
	return parseMillis(x), parseMillis(y)
}

func parseMillis(v string) time.Duration {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0
	}
	return time.Duration(n) * time.Millisecond
}

func formatHeartbeat(out, in time.Duration) string {
	return strconv.FormatInt(out.Milliseconds(), 10) + "," + strconv.FormatInt(in.Milliseconds(), 10)
}
