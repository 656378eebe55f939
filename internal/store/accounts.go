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

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/draftwise/pipeline/internal/models"
)

// AccountStore provides access to mail accounts in Postgres. The token
// columns hold encrypted credentials; decryption lives in the token provider.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore creates an account store and ensures its schema.
func NewAccountStore(ctx context.Context, pool *pgxpool.Pool) (*AccountStore, error) {
	s := &AccountStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure mail_accounts schema: %w", err)
	}
	slog.Info("account store initialised")
	return s, nil
}

func (s *AccountStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS mail_accounts (
			id                TEXT PRIMARY KEY,
			client_id         TEXT NOT NULL,
			address           TEXT NOT NULL,
			access_token_enc  TEXT DEFAULT '',
			refresh_token_enc TEXT DEFAULT '',
			active            BOOLEAN DEFAULT TRUE,
			created_at        TIMESTAMPTZ DEFAULT NOW(),
			updated_at        TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_accounts_client ON mail_accounts(client_id);
	`)
	return err
}

// Get retrieves a single account by id, or nil when none exists.
func (s *AccountStore) Get(ctx context.Context, id string) (*models.MailAccount, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, client_id, address, access_token_enc, refresh_token_enc,
		       active, created_at, updated_at
		FROM mail_accounts
		WHERE id = $1
	`, id)
	return scanAccount(row)
}

// ListActive returns all accounts under automation.
func (s *AccountStore) ListActive(ctx context.Context) ([]models.MailAccount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, client_id, address, access_token_enc, refresh_token_enc,
		       active, created_at, updated_at
		FROM mail_accounts
		WHERE active = TRUE
		ORDER BY address
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.MailAccount
	for rows.Next() {
		var a models.MailAccount
		if err := rows.Scan(
			&a.ID, &a.ClientID, &a.Address, &a.AccessTokenEnc,
			&a.RefreshTokenEnc, &a.Active, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpdateTokens persists a refreshed access/refresh credential pair in one
// statement so a crash cannot leave the pair split across refreshes.
func (s *AccountStore) UpdateTokens(ctx context.Context, id, accessTokenEnc, refreshTokenEnc string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mail_accounts
		SET access_token_enc = $2, refresh_token_enc = $3, updated_at = NOW()
		WHERE id = $1
	`, id, accessTokenEnc, refreshTokenEnc)
	return err
}

func scanAccount(row pgx.Row) (*models.MailAccount, error) {
	var a models.MailAccount
	err := row.Scan(
		&a.ID, &a.ClientID, &a.Address, &a.AccessTokenEnc,
		&a.RefreshTokenEnc, &a.Active, &a.CreatedAt, &a.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
