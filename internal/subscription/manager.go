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

// Package subscription manages per-mailbox push registrations: one
// "created" and one "deleted" subscription per active account, renewed
// before expiry by a background loop. Keeping the two event classes as
// separate subscriptions means the creation and deletion paths cannot
// interfere with each other.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/draftwise/pipeline/internal/graph"
	"github.com/draftwise/pipeline/internal/models"
)

// Store is the persistence surface the manager needs.
type Store interface {
	Upsert(ctx context.Context, r models.Subscription) error
	Get(ctx context.Context, accountID, changeType string) (*models.Subscription, error)
	ListExpiringSoon(ctx context.Context, buffer time.Duration) ([]models.Subscription, error)
	UpdateExpiry(ctx context.Context, subscriptionID string, newExpiry time.Time) error
	Deactivate(ctx context.Context, subscriptionID string) error
}

// Accounts lists the mailboxes under automation.
type Accounts interface {
	ListActive(ctx context.Context) ([]models.MailAccount, error)
}

// Mail is the provider-client surface for subscription operations.
type Mail interface {
	CreateSubscription(ctx context.Context, accountID, changeType, clientState, notificationURL string) (*graph.ProviderSubscription, error)
	RenewSubscription(ctx context.Context, accountID, subscriptionID string) (time.Time, error)
	SweepMisconfigured(ctx context.Context, accountID string, dryRun bool) ([]string, error)
}

// Manager handles creation, renewal, and hygiene of push subscriptions.
type Manager struct {
	store       Store
	accounts    Accounts
	mail        Mail
	webhookURL  string
	renewBuffer time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds the manager's collaborators.
type Config struct {
	Store       Store
	Accounts    Accounts
	Mail        Mail
	WebhookURL  string
	RenewBuffer time.Duration
}

// NewManager creates a subscription manager.
func NewManager(cfg Config) *Manager {
	return &Manager{
		store:       cfg.Store,
		accounts:    cfg.Accounts,
		mail:        cfg.Mail,
		webhookURL:  cfg.WebhookURL,
		renewBuffer: cfg.RenewBuffer,
	}
}

// Start sweeps stale provider-side registrations, ensures both
// subscriptions exist for every active mailbox, and launches the renewal
// loop. Per-account failures are logged, not fatal to startup.
func (m *Manager) Start(ctx context.Context) error {
	accounts, err := m.accounts.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active accounts: %w", err)
	}

	slog.Info("ensuring subscriptions", "accounts", len(accounts))

	for _, account := range accounts {
		if removed, err := m.mail.SweepMisconfigured(ctx, account.ID, false); err != nil {
			slog.Error("subscription sweep failed",
				"account", account.ID,
				"error", err,
			)
		} else if len(removed) > 0 {
			slog.Info("removed misconfigured subscriptions",
				"account", account.ID,
				"count", len(removed),
			)
		}

		for _, changeType := range []string{models.ChangeCreated, models.ChangeDeleted} {
			if err := m.ensureSubscription(ctx, account.ID, changeType); err != nil {
				slog.Error("failed to ensure subscription",
					"account", account.ID,
					"change_type", changeType,
					"error", err,
				)
			}
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.renewalLoop(loopCtx)

	slog.Info("subscription manager started", "renew_buffer", m.renewBuffer)
	return nil
}

// Stop gracefully shuts down the renewal loop.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	slog.Info("subscription manager stopped")
}

// ensureSubscription creates or renews one (account, change type)
// registration.
func (m *Manager) ensureSubscription(ctx context.Context, accountID, changeType string) error {
	existing, err := m.store.Get(ctx, accountID, changeType)
	if err != nil {
		return fmt.Errorf("check existing subscription: %w", err)
	}

	if existing != nil && existing.Active {
		if time.Until(existing.ExpiresAt) < m.renewBuffer {
			return m.renew(ctx, *existing)
		}
		return nil
	}

	return m.create(ctx, accountID, changeType)
}

// create registers a fresh subscription with a new correlation token.
func (m *Manager) create(ctx context.Context, accountID, changeType string) error {
	clientState := uuid.New().String()

	sub, err := m.mail.CreateSubscription(ctx, accountID, changeType, clientState, m.webhookURL+"/webhook/notifications")
	if err != nil {
		return fmt.Errorf("create %s subscription: %w", changeType, err)
	}

	record := models.Subscription{
		SubscriptionID: sub.ID,
		AccountID:      accountID,
		ChangeType:     changeType,
		ClientState:    clientState,
		Resource:       sub.Resource,
		ExpiresAt:      sub.ExpiresAt,
		Active:         true,
	}
	if err := m.store.Upsert(ctx, record); err != nil {
		return fmt.Errorf("persist subscription: %w", err)
	}

	slog.Info("subscription created",
		"account", accountID,
		"change_type", changeType,
		"subscription_id", sub.ID,
		"expires_at", sub.ExpiresAt,
	)
	return nil
}

// renew extends a subscription's expiry; a provider-side 404 deactivates
// the stale record and re-creates from scratch.
func (m *Manager) renew(ctx context.Context, rec models.Subscription) error {
	newExpiry, err := m.mail.RenewSubscription(ctx, rec.AccountID, rec.SubscriptionID)
	if err != nil {
		if errors.Is(err, graph.ErrSubscriptionGone) {
			slog.Warn("subscription removed by provider, re-creating",
				"subscription_id", rec.SubscriptionID,
				"account", rec.AccountID,
				"change_type", rec.ChangeType,
			)
			if err := m.store.Deactivate(ctx, rec.SubscriptionID); err != nil {
				slog.Error("failed to deactivate stale subscription", "error", err)
			}
			return m.create(ctx, rec.AccountID, rec.ChangeType)
		}
		return fmt.Errorf("renew subscription: %w", err)
	}

	if err := m.store.UpdateExpiry(ctx, rec.SubscriptionID, newExpiry); err != nil {
		return fmt.Errorf("update expiry in store: %w", err)
	}

	slog.Info("subscription renewed",
		"subscription_id", rec.SubscriptionID,
		"account", rec.AccountID,
		"change_type", rec.ChangeType,
		"new_expiry", newExpiry,
	)
	return nil
}

// renewalLoop runs periodically to renew expiring subscriptions. With the
// provider capping lifetimes at one hour, the loop is the only thing
// keeping pushes flowing.
func (m *Manager) renewalLoop(ctx context.Context) {
	defer m.wg.Done()

	interval := m.renewBuffer / 2
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.renewExpiring(ctx)
		}
	}
}

// renewExpiring renews all subscriptions close to expiry.
func (m *Manager) renewExpiring(ctx context.Context) {
	records, err := m.store.ListExpiringSoon(ctx, m.renewBuffer)
	if err != nil {
		slog.Error("failed to list expiring subscriptions", "error", err)
		return
	}

	if len(records) == 0 {
		return
	}

	slog.Info("renewing expiring subscriptions", "count", len(records))

	for _, rec := range records {
		if err := m.renew(ctx, rec); err != nil {
			slog.Error("renewal failed",
				"subscription_id", rec.SubscriptionID,
				"account", rec.AccountID,
				"error", err,
			)
		}
	}
}
