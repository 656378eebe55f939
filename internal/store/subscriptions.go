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

package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/draftwise/pipeline/internal/models"
)

// SubscriptionStore provides CRUD operations for push-subscription records.
// One row per (account, change type): creation and deletion subscriptions
// are kept logically separate so the two paths cannot interfere.
type SubscriptionStore struct {
	pool *pgxpool.Pool
}

// NewSubscriptionStore creates a subscription store and ensures its schema.
func NewSubscriptionStore(ctx context.Context, pool *pgxpool.Pool) (*SubscriptionStore, error) {
	s := &SubscriptionStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure subscriptions schema: %w", err)
	}
	slog.Info("subscription store initialised")
	return s, nil
}

func (s *SubscriptionStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS subscriptions (
			id              BIGSERIAL PRIMARY KEY,
			subscription_id TEXT NOT NULL UNIQUE,
			account_id      TEXT NOT NULL,
			change_type     TEXT NOT NULL,
			client_state    TEXT NOT NULL,
			resource        TEXT NOT NULL,
			expires_at      TIMESTAMPTZ NOT NULL,
			active          BOOLEAN DEFAULT TRUE,
			created_at      TIMESTAMPTZ DEFAULT NOW(),
			updated_at      TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(account_id, change_type)
		);
		CREATE INDEX IF NOT EXISTS idx_subs_state ON subscriptions(client_state);
		CREATE INDEX IF NOT EXISTS idx_subs_expires ON subscriptions(expires_at);
	`)
	return err
}

// Upsert inserts or updates a subscription keyed on (account_id, change_type).
func (s *SubscriptionStore) Upsert(ctx context.Context, r models.Subscription) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions
			(subscription_id, account_id, change_type, client_state, resource, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_id, change_type) DO UPDATE SET
			subscription_id = EXCLUDED.subscription_id,
			client_state    = EXCLUDED.client_state,
			resource        = EXCLUDED.resource,
			expires_at      = EXCLUDED.expires_at,
			active          = EXCLUDED.active,
			updated_at      = NOW()
	`, r.SubscriptionID, r.AccountID, r.ChangeType, r.ClientState, r.Resource, r.ExpiresAt, r.Active)
	return err
}

// GetByClientState resolves an inbound push back to its subscription via
// the correlation token. Only active subscriptions match.
func (s *SubscriptionStore) GetByClientState(ctx context.Context, clientState, changeType string) (*models.Subscription, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, subscription_id, account_id, change_type, client_state,
		       resource, expires_at, active, created_at, updated_at
		FROM subscriptions
		WHERE client_state = $1 AND change_type = $2 AND active = TRUE
	`, clientState, changeType)
	return scanSubscription(row)
}

// Get retrieves the subscription for an account + change type.
func (s *SubscriptionStore) Get(ctx context.Context, accountID, changeType string) (*models.Subscription, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, subscription_id, account_id, change_type, client_state,
		       resource, expires_at, active, created_at, updated_at
		FROM subscriptions
		WHERE account_id = $1 AND change_type = $2
	`, accountID, changeType)
	return scanSubscription(row)
}

// ListExpiringSoon returns active subscriptions expiring within the buffer.
func (s *SubscriptionStore) ListExpiringSoon(ctx context.Context, buffer time.Duration) ([]models.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, subscription_id, account_id, change_type, client_state,
		       resource, expires_at, active, created_at, updated_at
		FROM subscriptions
		WHERE active = TRUE AND expires_at < NOW() + $1::interval
		ORDER BY expires_at
	`, fmt.Sprintf("%d seconds", int(buffer.Seconds())))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

// UpdateExpiry updates the expiration time after a successful renewal.
func (s *SubscriptionStore) UpdateExpiry(ctx context.Context, subscriptionID string, newExpiry time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET expires_at = $1, updated_at = NOW()
		WHERE subscription_id = $2
	`, newExpiry, subscriptionID)
	return err
}

// Deactivate marks a subscription inactive, for example after the provider
// reports it gone during renewal.
func (s *SubscriptionStore) Deactivate(ctx context.Context, subscriptionID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET active = FALSE, updated_at = NOW()
		WHERE subscription_id = $1
	`, subscriptionID)
	return err
}

func scanSubscription(row pgx.Row) (*models.Subscription, error) {
	var r models.Subscription
	err := row.Scan(
		&r.ID, &r.SubscriptionID, &r.AccountID, &r.ChangeType, &r.ClientState,
		&r.Resource, &r.ExpiresAt, &r.Active, &r.CreatedAt, &r.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func collectSubscriptions(rows pgx.Rows) ([]models.Subscription, error) {
	var records []models.Subscription
	for rows.Next() {
		var r models.Subscription
		if err := rows.Scan(
			&r.ID, &r.SubscriptionID, &r.AccountID, &r.ChangeType, &r.ClientState,
			&r.Resource, &r.ExpiresAt, &r.Active, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
