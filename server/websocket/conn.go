// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/stompmux/broker"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline = 5 * time.Second
	pingInterval  = 30 * time.Second
	pongDeadline  = 60 * time.Second
)

var _ broker.Endpoint = (*consumerConn)(nil)

// consumerConn is the broker endpoint of one websocket consumer. Deliver
// only queues; a single writer goroutine owns all socket writes.
type consumerConn struct {
	id      broker.ConsumerID
	ws      *websocket.Conn
	clock   clockwork.Clock
	logger  *slog.Logger
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

func newConsumerConn(id broker.ConsumerID, ws *websocket.Conn, buffer int, clock clockwork.Clock, logger *slog.Logger) *consumerConn {
	c := &consumerConn{
		id:     id,
		ws:     ws,
		clock:  clock,
		logger: logger,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
	c.extendReadDeadline()
	ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
	c.wg.Add(1)
	go c.writeLoop()
	return c
}

// Deliver queues ev for the writer. When the buffer is full the event is
// dropped: a slow consumer must never stall the broker.
func (c *consumerConn) Deliver(ev broker.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("event_encode_failed",
			slog.String("consumer", string(c.id)),
			slog.String("error", err.Error()))
		return
	}

	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	default:
		c.dropped.Add(1)
		c.logger.Warn("consumer_buffer_full",
			slog.String("consumer", string(c.id)),
			slog.String("event", string(ev.Type)))
	}
}

func (c *consumerConn) writeLoop() {
	defer c.wg.Done()
	ticker := c.clock.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(c.clock.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("consumer_write_failed",
					slog.String("consumer", string(c.id)),
					slog.String("error", err.Error()))
				_ = c.ws.Close()
				return
			}
		case <-ticker.Chan():
			_ = c.ws.SetWriteDeadline(c.clock.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.ws.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *consumerConn) extendReadDeadline() {
	_ = c.ws.SetReadDeadline(c.clock.Now().Add(pongDeadline))
}

// close stops the writer, sends a close frame with reason and closes the
// socket. Safe to call more than once.
func (c *consumerConn) close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		c.wg.Wait()

		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, c.clock.Now().Add(writeDeadline))
		_ = c.ws.Close()
	})
}
