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

// StyleStore reads per-client writing configuration. The pipeline only
// reads; the dashboard settings API owns writes.
type StyleStore struct {
	pool *pgxpool.Pool
}

// NewStyleStore creates a style-profile store and ensures its schema.
func NewStyleStore(ctx context.Context, pool *pgxpool.Pool) (*StyleStore, error) {
	s := &StyleStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure style_profiles schema: %w", err)
	}
	slog.Info("style profile store initialised")
	return s, nil
}

func (s *StyleStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS style_profiles (
			client_id              TEXT PRIMARY KEY,
			style                  TEXT DEFAULT 'professional',
			tone                   TEXT DEFAULT 'friendly',
			signature              TEXT DEFAULT '',
			sample_texts           TEXT[] DEFAULT '{}',
			custom_instructions    TEXT DEFAULT '',
			auto_response          BOOLEAN DEFAULT TRUE,
			response_delay_seconds INT DEFAULT 0,
			allowed_senders        TEXT[] DEFAULT '{}',
			created_at             TIMESTAMPTZ DEFAULT NOW(),
			updated_at             TIMESTAMPTZ DEFAULT NOW()
		);
	`)
	return err
}

// GetByClient retrieves the style profile for a client, or nil when the
// client has not configured one yet.
func (s *StyleStore) GetByClient(ctx context.Context, clientID string) (*models.StyleProfile, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT client_id, style, tone, signature, sample_texts,
		       custom_instructions, auto_response, response_delay_seconds,
		       allowed_senders
		FROM style_profiles
		WHERE client_id = $1
	`, clientID)

	var p models.StyleProfile
	err := row.Scan(
		&p.ClientID, &p.Style, &p.Tone, &p.Signature, &p.SampleTexts,
		&p.CustomInstructions, &p.AutoResponse, &p.ResponseDelaySeconds,
		&p.AllowedSenders,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
