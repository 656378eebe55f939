// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Draftwise — Email Triage Service
//
// Entry point for the triage service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL and Redis
//  3. Starts the webhook server, then registers push subscriptions
//  4. Runs the subscription renewal loop and the pipeline sweep
//  5. Serves health and metrics endpoints
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/draftwise/pipeline/internal/config"
	"github.com/draftwise/pipeline/internal/graph"
	"github.com/draftwise/pipeline/internal/pipeline"
	"github.com/draftwise/pipeline/internal/queue"
	"github.com/draftwise/pipeline/internal/respond"
	"github.com/draftwise/pipeline/internal/store"
	"github.com/draftwise/pipeline/internal/subscription"
	"github.com/draftwise/pipeline/internal/token"
	"github.com/draftwise/pipeline/internal/webhook"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting draftwise triage service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"min_delay", cfg.MinResponseDelay,
		"max_delay", cfg.MaxResponseDelay,
		"renewal_buffer", cfg.SubscriptionRenewalBuffer,
	)

	if cfg.WebhookURL == "" {
		slog.Error("WEBHOOK_URL is required — push subscriptions need a public webhook endpoint")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	publisher := queue.NewPublisher(rdb, cfg.EventsQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Stores (Postgres) ---
	accounts, err := store.NewAccountStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise account store", "error", err)
		os.Exit(1)
	}
	styles, err := store.NewStyleStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise style store", "error", err)
		os.Exit(1)
	}
	subs, err := store.NewSubscriptionStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise subscription store", "error", err)
		os.Exit(1)
	}
	records, err := store.NewRecordStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise record store", "error", err)
		os.Exit(1)
	}

	// --- Token Provider ---
	crypter, err := token.NewCrypter(cfg.TokenEncryptionKey)
	if err != nil {
		slog.Error("failed to initialise token crypter", "error", err)
		os.Exit(1)
	}
	tokens := token.NewProvider(accounts, crypter, &oauth2.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: cfg.OAuth.TokenURL,
		},
	}, graphBaseURL+"/me")

	// --- Mail Client ---
	mail := graph.NewClient(tokens, graphBaseURL)

	// --- Reply Generator ---
	responder := respond.NewGenerator(cfg.Model.BaseURL, cfg.Model.APIKey, cfg.Model.Model, cfg.Model.MaxTokens)

	// --- Pipeline Service ---
	svc := pipeline.NewService(pipeline.Config{
		Records:       records,
		Subscriptions: subs,
		Accounts:      accounts,
		Styles:        styles,
		Mail:          mail,
		Responder:     responder,
		Publisher:     publisher,
		MinDelay:      cfg.MinResponseDelay,
		MaxDelay:      cfg.MaxResponseDelay,
	})
	svc.Start(ctx)

	// --- Phase 1: Start webhook server BEFORE registering subscriptions ---
	// The provider validates the endpoint immediately when creating a
	// subscription.
	handler := webhook.NewHandler(svc)
	ready, err := webhook.Serve(ctx, cfg.WebhookPort, handler)
	if err != nil {
		slog.Error("failed to start webhook server", "error", err)
		os.Exit(1)
	}
	<-ready
	slog.Info("webhook server ready, proceeding to register subscriptions")

	// --- Phase 2: Start subscription manager ---
	mgr := subscription.NewManager(subscription.Config{
		Store:       subs,
		Accounts:    accounts,
		Mail:        mail,
		WebhookURL:  cfg.WebhookURL,
		RenewBuffer: cfg.SubscriptionRenewalBuffer,
	})
	if err := mgr.Start(ctx); err != nil {
		slog.Error("failed to start subscription manager", "error", err)
		os.Exit(1)
	}

	// --- Health + Metrics Server ---
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := publisher.Ping(r.Context()); err != nil {
			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		if err := pgPool.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel() // Stop all background goroutines

		mgr.Stop()
		svc.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}

		rdb.Close()
		pgPool.Close()
	}()

	slog.Info("triage service listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("triage service stopped")
}
