// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package api serves the operator HTTP API over h2c.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/absmach/stompmux/broker"
	"github.com/absmach/stompmux/topics"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const maxBodySize = 1 << 20

// Config holds configuration for the API server.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	TLSCertFile     string
	TLSKeyFile      string
}

// Broker is the part of the broker the API drives.
type Broker interface {
	Post(cmd broker.Command) error
	Status(ctx context.Context) (broker.Status, error)
	Retained(ctx context.Context, channel string) ([]broker.RetainedItem, error)
}

// Server provides the operator API.
type Server struct {
	config     Config
	broker     Broker
	httpServer *http.Server
	logger     *slog.Logger
}

type sendRequest struct {
	Channel string          `json:"channel"`
	Message json.RawMessage `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New creates a new API server.
func New(config Config, b Broker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config: config,
		broker: b,
		logger: logger,
	}

	h2s := &http2.Server{}
	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      h2c.NewHandler(s.routes(), h2s),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/connect", s.command(func(*http.Request) (broker.Command, error) {
		return broker.Connect{}, nil
	}))
	mux.HandleFunc("POST /api/disconnect", s.command(func(*http.Request) (broker.Command, error) {
		return broker.Disconnect{}, nil
	}))
	mux.HandleFunc("POST /api/send", s.command(decodeSend))
	mux.HandleFunc("GET /api/retained/{channel...}", s.handleRetained)
	mux.HandleFunc("DELETE /api/retained/{channel...}", s.command(decodeDismiss))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Handler returns the h2c handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Listen starts the API server.
func (s *Server) Listen(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		var err error
		if s.config.TLSCertFile != "" && s.config.TLSKeyFile != "" {
			s.logger.Info("api_server_starting",
				slog.String("address", s.config.Address),
				slog.Bool("tls", true))
			err = s.httpServer.ListenAndServeTLS(s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			s.logger.Info("api_server_starting",
				slog.String("address", s.config.Address),
				slog.Bool("tls", false))
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("api_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("API server error: %w", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.broker.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRetained(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	if err := topics.ValidateChannel(channel); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	items, err := s.broker.Retained(r.Context(), channel)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if items == nil {
		items = []broker.RetainedItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

// command posts the command built by decode and answers 202.
func (s *Server) command(decode func(*http.Request) (broker.Command, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cmd, err := decode(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		if err := s.broker.Post(cmd); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func decodeSend(r *http.Request) (broker.Command, error) {
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodySize)).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid body: %w", err)
	}
	if err := topics.ValidateChannel(req.Channel); err != nil {
		return nil, err
	}
	if len(req.Message) == 0 {
		return nil, errors.New("message is required")
	}
	return broker.Send{Channel: req.Channel, Message: req.Message}, nil
}

func decodeDismiss(r *http.Request) (broker.Command, error) {
	channel := r.PathValue("channel")
	if err := topics.ValidateChannel(channel); err != nil {
		return nil, err
	}
	ids := r.URL.Query()["id"]
	if len(ids) == 0 {
		return nil, errors.New("at least one id is required")
	}
	return broker.Dismiss{Channel: channel, IDs: ids}, nil
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, broker.ErrQueueFull), errors.Is(err, broker.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("api_request_failed", slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
