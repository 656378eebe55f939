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

// Draftwise — Subscription Sweep CLI
//
// One-shot hygiene tool: lists each mailbox's provider-side push
// subscriptions and deletes the ones this service would never have
// created (wrong resource scope or wrong change type). Run with
// -dry-run first to see what would go.
//
// Usage:
//
//	sweep [-account <id>] [-dry-run]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/oauth2"

	"github.com/draftwise/pipeline/internal/config"
	"github.com/draftwise/pipeline/internal/graph"
	"github.com/draftwise/pipeline/internal/models"
	"github.com/draftwise/pipeline/internal/store"
	"github.com/draftwise/pipeline/internal/token"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

func main() {
	var (
		accountID = flag.String("account", "", "sweep a single mailbox account (default: all active)")
		dryRun    = flag.Bool("dry-run", false, "report misconfigured subscriptions without deleting them")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(context.Background(), *accountID, *dryRun); err != nil {
		slog.Error("sweep failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, accountID string, dryRun bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("create Postgres pool: %w", err)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		return fmt.Errorf("connect to PostgreSQL: %w", err)
	}

	accounts, err := store.NewAccountStore(ctx, pgPool)
	if err != nil {
		return fmt.Errorf("initialise account store: %w", err)
	}

	crypter, err := token.NewCrypter(cfg.TokenEncryptionKey)
	if err != nil {
		return fmt.Errorf("initialise token crypter: %w", err)
	}
	tokens := token.NewProvider(accounts, crypter, &oauth2.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: cfg.OAuth.TokenURL,
		},
	}, graphBaseURL+"/me")

	mail := graph.NewClient(tokens, graphBaseURL)

	targets, err := sweepTargets(ctx, accounts, accountID)
	if err != nil {
		return err
	}

	var removed int
	for _, account := range targets {
		ids, err := mail.SweepMisconfigured(ctx, account.ID, dryRun)
		if err != nil {
			slog.Error("sweep failed for account", "account", account.ID, "error", err)
			continue
		}
		for _, id := range ids {
			fmt.Printf("%s\t%s\n", account.ID, id)
		}
		removed += len(ids)
	}

	if dryRun {
		slog.Info("dry run complete", "accounts", len(targets), "would_remove", removed)
	} else {
		slog.Info("sweep complete", "accounts", len(targets), "removed", removed)
	}
	return nil
}

// sweepTargets resolves which mailboxes to sweep: one named account, or
// every active one.
func sweepTargets(ctx context.Context, accounts *store.AccountStore, accountID string) ([]models.MailAccount, error) {
	if accountID != "" {
		account, err := accounts.Get(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("load account %s: %w", accountID, err)
		}
		if account == nil {
			return nil, fmt.Errorf("account %s not found", accountID)
		}
		return []models.MailAccount{*account}, nil
	}

	active, err := accounts.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active accounts: %w", err)
	}
	return active, nil
}
