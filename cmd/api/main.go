package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/somatogether/tokenledger/internal/analytics"
	"github.com/somatogether/tokenledger/internal/api"
	"github.com/somatogether/tokenledger/internal/config"
	"github.com/somatogether/tokenledger/internal/gateway"
	"github.com/somatogether/tokenledger/internal/store"
	"github.com/somatogether/tokenledger/internal/sweeper"
	"github.com/somatogether/tokenledger/internal/webhook"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("database unreachable", "error", err)
		os.Exit(1)
	}

	ledgerStore := store.NewWithPool(dbPool)
	gw := gateway.New(gateway.Config{
		APIKey:        cfg.StripeAPIKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		Timeout:       cfg.GatewayTimeout,
	})
	processor := webhook.NewService(gw, ledgerStore, logger)
	aggregator := analytics.New(dbPool)

	sweep := sweeper.New(ledgerStore, logger)
	if err := sweep.Start(cfg.SweepSchedule); err != nil {
		logger.Error("failed to start expiry sweeper", "schedule", cfg.SweepSchedule, "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(ledgerStore, gw, processor, aggregator, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped unexpectedly", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	// Let an in-flight sweep finish before closing the pool.
	select {
	case <-sweep.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("sweeper did not stop before shutdown deadline")
	}
}
