// webhookflow is a webhook delivery pipeline.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"webhookflow/internal/breaker"
	"webhookflow/internal/config"
	"webhookflow/internal/ctxkeys"
	"webhookflow/internal/ingest"
	"webhookflow/internal/metrics"
	"webhookflow/internal/middleware"
	"webhookflow/internal/search"
	"webhookflow/internal/store"
	"webhookflow/internal/worker"
)

func newLogger(level string) *slog.Logger {
	var lv slog.LevelVar
	switch level {
	case "debug":
		lv.Set(slog.LevelDebug)
	case "warn":
		lv.Set(slog.LevelWarn)
	case "error":
		lv.Set(slog.LevelError)
	default:
		lv.Set(slog.LevelInfo)
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &lv}))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func readyHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := st.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
	}
}

// circuitGaugeLoop periodically samples the breaker's state into the
// webhook_circuit_breaker_state gauge so it stays current even across
// poll cycles with no delivery attempts.
func circuitGaugeLoop(ctx context.Context, cb *breaker.Breaker) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetCircuitState(cb.State().GaugeValue())
		}
	}
}

func newMux(ingestHandler http.Handler, searchHandler *search.Handler, st *store.Store, rateLimiter *middleware.RateLimiter) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/readyz", readyHandler(st))
	mux.Handle("/metrics", metrics.Handler())

	mux.Handle("/webhooks/ingest", rateLimiter.Middleware(ingestHandler))
	mux.HandleFunc("/webhooks/search", searchHandler.ServeSearch)
	mux.HandleFunc("/webhooks/", searchHandler.ServeGetByID)

	return mux
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "webhookflow: config error: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)
	log.Info("starting webhookflow", "config", cfg.String())

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	cb := breaker.New(breaker.Config{
		FailureThreshold:          cfg.CircuitFailureThreshold,
		RecoveryTimeout:           cfg.CircuitRecoveryTimeout,
		HalfOpenRequiredSuccesses: cfg.CircuitHalfOpenSuccesses,
	})

	ingestHandler := ingest.New(st, cfg.HMACSecret, log, nil)
	searchHandler := search.New(st, log)

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		RequestsPerMinute: cfg.RateLimitPerMinute,
		BurstSize:         cfg.RateLimitPerMinute / 3,
		CleanupInterval:   5 * time.Minute,
		Logger:            log,
	})
	defer rateLimiter.Stop()

	mux := newMux(ingestHandler, searchHandler, st, rateLimiter)
	handler := middleware.SecurityHeaders(middleware.DefaultSecurityHeadersConfig())(mux)
	handler = ctxkeys.Middleware(handler)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	w := worker.New(st, cb, worker.Config{
		PollInterval:     cfg.WorkerPollInterval,
		MaxRetryAttempts: cfg.MaxRetryAttempts,
		RetryBaseDelay:   cfg.RetryBaseDelay,
		RetryMaxDelay:    cfg.RetryMaxDelay,
		DeliveryTimeout:  cfg.DeliveryTimeout,
		DownstreamURL:    cfg.DownstreamURL,
	}, log)
	w.Start(workerCtx)
	go circuitGaugeLoop(workerCtx, cb)

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		log.Error("server error", "error", err)
	}

	w.Stop()
	workerCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	} else {
		log.Info("server stopped gracefully")
	}
}
