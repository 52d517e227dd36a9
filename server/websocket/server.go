// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket is the consumer gateway: every websocket connection is
// one broker consumer exchanging JSON requests and events.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/absmach/stompmux/broker"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

// ErrRateLimited is reported to a consumer whose request was throttled.
var ErrRateLimited = errors.New("rate limited")

const unregisterTimeout = 5 * time.Second

type Config struct {
	Address         string
	Path            string
	SendBuffer      int
	ShutdownTimeout time.Duration
}

// Broker is the part of the broker the gateway drives.
type Broker interface {
	Post(cmd broker.Command) error
	Submit(ctx context.Context, cmd broker.Command) error
}

// Limiter throttles upgrades and consumer requests. A *ratelimit.Manager
// satisfies it, including a nil one.
type Limiter interface {
	Allow(addr net.Addr) bool
	AllowSend(consumer string) bool
	AllowSubscribe(consumer string) bool
	Remove(consumer string)
}

type Option func(*Server)

func WithLimiter(l Limiter) Option {
	return func(s *Server) {
		if l != nil {
			s.limiter = l
		}
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(s *Server) {
		if c != nil {
			s.clock = c
		}
	}
}

type Server struct {
	config   Config
	broker   Broker
	limiter  Limiter
	clock    clockwork.Clock
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

func New(cfg Config, b Broker, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}

	s := &Server{
		config:  cfg,
		broker:  b,
		limiter: allowAll{},
		clock:   clockwork.NewRealClock(),
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler serving the gateway path.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("websocket_server_starting",
		slog.String("addr", s.config.Address),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("websocket_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("websocket_server_stopped")
		return nil
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(remoteAddr(r.RemoteAddr)) {
		s.logger.Warn("websocket_upgrade_rate_limited", slog.String("remote_addr", r.RemoteAddr))
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}

	id := broker.ConsumerID(uuid.NewString())
	conn := newConsumerConn(id, ws, s.config.SendBuffer, s.clock, s.logger)

	if err := s.broker.Post(broker.Register{Consumer: id, Endpoint: conn}); err != nil {
		s.logger.Warn("consumer_register_failed",
			slog.String("consumer", string(id)),
			slog.String("error", err.Error()))
		conn.close(websocket.CloseTryAgainLater, err.Error())
		return
	}

	s.logger.Debug("consumer_connected",
		slog.String("consumer", string(id)),
		slog.String("remote_addr", r.RemoteAddr))

	s.readLoop(conn)

	ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
	defer cancel()
	if err := s.broker.Submit(ctx, broker.Unregister{Consumer: id}); err != nil && !errors.Is(err, broker.ErrClosed) {
		s.logger.Warn("consumer_unregister_failed",
			slog.String("consumer", string(id)),
			slog.String("error", err.Error()))
	}
	s.limiter.Remove(string(id))
	conn.close(websocket.CloseNormalClosure, "")

	s.logger.Debug("consumer_disconnected", slog.String("consumer", string(id)))
}

func (s *Server) readLoop(conn *consumerConn) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("consumer_read_failed",
					slog.String("consumer", string(conn.id)),
					slog.String("error", err.Error()))
			}
			return
		}
		conn.extendReadDeadline()

		if err := s.handleRequest(conn, data); err != nil {
			conn.Deliver(broker.Event{
				Type:    broker.EventError,
				Payload: broker.ErrorPayload{Message: err.Error()},
			})
		}
	}
}

func (s *Server) handleRequest(conn *consumerConn, data []byte) error {
	cmd, err := broker.ParseRequest(conn.id, data)
	if err != nil {
		return err
	}

	switch c := cmd.(type) {
	case broker.Register:
		// The endpoint is always this socket.
		c.Endpoint = conn
		cmd = c
	case broker.Send:
		if !s.limiter.AllowSend(string(conn.id)) {
			return ErrRateLimited
		}
	case broker.Subscribe, broker.SubscribeSynced:
		if !s.limiter.AllowSubscribe(string(conn.id)) {
			return ErrRateLimited
		}
	}

	return s.broker.Post(cmd)
}

// remoteAddr parses an http.Request RemoteAddr for the IP limiter.
func remoteAddr(addr string) net.Addr {
	if ap, err := net.ResolveTCPAddr("tcp", addr); err == nil {
		return ap
	}
	return nil
}

type allowAll struct{}

func (allowAll) Allow(net.Addr) bool        { return true }
func (allowAll) AllowSend(string) bool      { return true }
func (allowAll) AllowSubscribe(string) bool { return true }
func (allowAll) Remove(string)              {}
