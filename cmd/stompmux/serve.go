// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/stompmux/broker"
	"github.com/absmach/stompmux/broker/webhook"
	"github.com/absmach/stompmux/config"
	"github.com/absmach/stompmux/ratelimit"
	"github.com/absmach/stompmux/server/api"
	"github.com/absmach/stompmux/server/health"
	"github.com/absmach/stompmux/server/otel"
	"github.com/absmach/stompmux/server/websocket"
	"github.com/absmach/stompmux/stomp/client"
	"github.com/absmach/stompmux/transport"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var (
		configFile string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker and its listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, newLogger(cfg.Log, os.Stdout))
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")

	return cmd
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	slog.SetDefault(logger)
	instanceID := uuid.NewString()

	logger.Info("Starting stompmux", "version", version, "instance", instanceID)
	logger.Info("Configuration loaded",
		"upstream_url", cfg.Upstream.URL,
		"upstream_transport", cfg.Upstream.Transport,
		"auto_connect", cfg.Broker.AutoConnect,
		"ws_enabled", cfg.Server.WSEnabled,
		"ws_addr", cfg.Server.WSAddr,
		"api_enabled", cfg.Server.APIEnabled,
		"health_enabled", cfg.Server.HealthEnabled,
		"webhook_enabled", cfg.Webhook.Enabled,
		"rate_limit_enabled", cfg.RateLimit.Enabled,
		"log_level", cfg.Log.Level)

	var (
		metrics      *otel.Metrics
		otelShutdown func(context.Context) error
	)
	if cfg.Server.MetricsEnabled {
		m, shutdown, err := otel.Setup(ctx, cfg.Server, instanceID)
		if err != nil {
			return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
		}
		metrics, otelShutdown = m, shutdown
		logger.Info("OpenTelemetry initialized",
			"endpoint", cfg.Server.MetricsAddr,
			"metrics", cfg.Server.OtelMetricsEnabled,
			"traces", cfg.Server.OtelTracesEnabled)
	}

	dialer, err := transport.Select(cfg.Upstream.Transport, cfg.Upstream.WriteTimeout)
	if err != nil {
		return err
	}

	stats := broker.NewStats()
	opts := client.NewOptions().
		SetDialer(dialer).
		SetHeartbeat(cfg.Upstream.HeartbeatOutgoing, cfg.Upstream.HeartbeatIncoming).
		SetMaxFrameSize(cfg.Upstream.MaxFrameSize).
		SetConnectTimeout(cfg.Upstream.ConnectTimeout).
		SetAcceptVersion(cfg.Upstream.AcceptVersion...).
		SetLogger(logger)
	brokerOpts := []broker.Option{
		broker.WithLogger(logger),
		broker.WithStats(stats),
	}
	if metrics != nil {
		opts.SetObserver(broker.Observe(stats, metrics))
		brokerOpts = append(brokerOpts, broker.WithMetrics(metrics))
	} else {
		opts.SetObserver(broker.Observe(stats, nil))
	}

	upstream, err := client.New(opts)
	if err != nil {
		return fmt.Errorf("failed to create protocol client: %w", err)
	}

	var notifier *webhook.GenericNotifier
	if cfg.Webhook.Enabled {
		notifier, err = webhook.NewNotifier(cfg.Webhook, webhook.NewHTTPSender(cfg.Webhook.Compress), logger, nil)
		if err != nil {
			return fmt.Errorf("failed to create webhook notifier: %w", err)
		}
		brokerOpts = append(brokerOpts, broker.WithNotifier(notifier))
	}

	b := broker.New(broker.Config{
		URL:                   cfg.Upstream.URL,
		Headers:               cfg.Upstream.Headers,
		AuthHeader:            cfg.Upstream.AuthHeader,
		ReconnectInterval:     cfg.Reconnect.Interval,
		ReconnectMaxAttempts:  cfg.Reconnect.MaxAttempts,
		QueueSize:             cfg.Broker.CommandQueueSize,
		MaxRetainedPerChannel: cfg.Broker.MaxRetainedPerChannel,
		AutoConnect:           cfg.Broker.AutoConnect,
	}, upstream, brokerOpts...)

	limiter := ratelimit.NewManager(cfg.RateLimit, nil)
	if limiter != nil {
		logger.Info("Rate limiting enabled",
			"connection", cfg.RateLimit.Connection.Enabled,
			"message", cfg.RateLimit.Message.Enabled,
			"subscribe", cfg.RateLimit.Subscribe.Enabled)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	brokerErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		brokerErr <- b.Run(ctx)
	}()

	listen := func(name, addr string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("Starting "+name+" server", "address", addr)
			if err := fn(ctx); err != nil {
				logger.Error(name+" server error", "error", err)
				cancel()
			}
		}()
	}

	if cfg.Server.WSEnabled {
		var wsOpts []websocket.Option
		if limiter != nil {
			wsOpts = append(wsOpts, websocket.WithLimiter(limiter))
		}
		ws := websocket.New(websocket.Config{
			Address:         cfg.Server.WSAddr,
			Path:            cfg.Server.WSPath,
			SendBuffer:      cfg.Server.WSSendBuffer,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, b, logger, wsOpts...)
		listen("WebSocket", cfg.Server.WSAddr, ws.Listen)
	}

	if cfg.Server.APIEnabled {
		apiServer := api.New(api.Config{
			Address:         cfg.Server.APIAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			TLSCertFile:     cfg.Server.APITLSCertFile,
			TLSKeyFile:      cfg.Server.APITLSKeyFile,
		}, b, logger)
		listen("API", cfg.Server.APIAddr, apiServer.Listen)
	}

	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, b, logger)
		listen("Health", cfg.Server.HealthAddr, healthServer.Listen)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case runErr = <-brokerErr:
		logger.Error("Broker stopped", "error", runErr)
	}
	cancel()
	wg.Wait()

	if notifier != nil {
		if err := notifier.Close(); err != nil {
			logger.Error("Webhook notifier shutdown error", "error", err)
		}
	}
	limiter.Stop()

	if otelShutdown != nil {
		otelCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelCtx); err != nil {
			logger.Error("OpenTelemetry shutdown error", "error", err)
		}
	}

	logger.Info("stompmux stopped")
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}
