// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/stompmux/broker"
	"github.com/absmach/stompmux/stomp/client"
)

const statusTimeout = 2 * time.Second

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// StatusSource reports the broker state.
type StatusSource interface {
	Status(ctx context.Context) (broker.Status, error)
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config   Config
	source   StatusSource
	logger   *slog.Logger
	server   *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new health check server.
func New(cfg Config, src StatusSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config: cfg,
		source: src,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the listener's network address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Handler returns the health mux.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Listen starts the health check server.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("health_server_starting", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("health_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("health_server_stopped")
		return nil
	}
}

// HealthResponse represents the liveness check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth implements the liveness check: 200 while the process runs.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness check response.
type ReadyResponse struct {
	Status  string `json:"status"`
	State   string `json:"state,omitempty"`
	Details string `json:"details,omitempty"`
}

// handleReady implements the readiness check: 200 only while the upstream
// connection is established.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.source == nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "broker not initialized",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()
	st, err := s.source.Status(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: err.Error(),
		})
		return
	}

	if st.State != client.StateConnected.String() {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			State:   st.State,
			Details: "upstream not connected",
		})
		return
	}

	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready", State: st.State})
}

// StatusResponse summarizes connection and traffic counters.
type StatusResponse struct {
	State             string `json:"state"`
	URL               string `json:"url"`
	Version           string `json:"version,omitempty"`
	Consumers         int    `json:"consumers"`
	Channels          int    `json:"channels"`
	FramesSent        uint64 `json:"frames_sent"`
	FramesReceived    uint64 `json:"frames_received"`
	BytesSent         uint64 `json:"bytes_sent"`
	BytesReceived     uint64 `json:"bytes_received"`
	Reconnects        uint64 `json:"reconnect_attempts"`
	ProtocolErrors    uint64 `json:"protocol_errors"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	ReconnectAttempt  int    `json:"reconnect_attempt"`
	ReconnectMaxRetry int    `json:"reconnect_max_attempts"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.source == nil {
		http.Error(w, "broker not initialized", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()
	st, err := s.source.Status(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		State:             st.State,
		URL:               st.URL,
		Version:           st.Version,
		Consumers:         st.Consumers,
		Channels:          len(st.Channels),
		FramesSent:        st.Stats.FramesSent,
		FramesReceived:    st.Stats.FramesReceived,
		BytesSent:         st.Stats.BytesSent,
		BytesReceived:     st.Stats.BytesReceived,
		Reconnects:        st.Stats.ReconnectAttempts,
		ProtocolErrors:    st.Stats.ProtocolErrors,
		UptimeSeconds:     int64(st.Stats.Uptime / time.Second),
		ReconnectAttempt:  st.ReconnectAttempt,
		ReconnectMaxRetry: st.ReconnectMax,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
