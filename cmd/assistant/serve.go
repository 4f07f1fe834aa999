package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/felipepmaragno/finance-assistant/internal/metrics"
	"github.com/felipepmaragno/finance-assistant/internal/telemetry"
)

const serviceName = "finance-assistant"

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg := appConfig
	logger := slog.Default()

	logger.Info("starting finance assistant", "addr", cfg.Server.Addr, "version", version)

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Version:     version,
		Endpoint:    cfg.OTLP.Endpoint,
		SampleRatio: cfg.OTLP.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	pod := cfg.Metrics.Pod
	if pod == "" {
		pod, _ = os.Hostname()
	}
	metrics.InitInstanceMetrics(pod, version)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      a.handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr, "providers", a.clients.Names())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		return err
	}

	logger.Info("server stopped")
	return nil
}
