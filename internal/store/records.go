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

// Package store provides the Postgres-backed stores for mail accounts,
// style profiles, push subscriptions, and the processing-record ledger.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/draftwise/pipeline/internal/models"
)

// ErrDuplicateMessage is returned by InsertPending when another claim for
// the same message identifier already exists. The unique constraint on
// message_id is the durable arbiter under concurrent delivery.
var ErrDuplicateMessage = errors.New("processing record already exists for message")

const uniqueViolation = "23505"

// RecordStore provides CRUD operations for processing records in Postgres.
type RecordStore struct {
	pool *pgxpool.Pool
}

// NewRecordStore creates a processing-record store backed by the given pool.
// It ensures the processing_records table exists on creation.
func NewRecordStore(ctx context.Context, pool *pgxpool.Pool) (*RecordStore, error) {
	s := &RecordStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure processing_records schema: %w", err)
	}
	slog.Info("processing record store initialised")
	return s, nil
}

func (s *RecordStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS processing_records (
			id               BIGSERIAL PRIMARY KEY,
			message_id       TEXT NOT NULL UNIQUE,
			account_id       TEXT NOT NULL,
			subject          TEXT DEFAULT '',
			sender           TEXT DEFAULT '',
			body_preview     TEXT DEFAULT '',
			status           TEXT NOT NULL DEFAULT 'pending',
			ai_response      TEXT,
			tokens_used      INT DEFAULT 0,
			draft_message_id TEXT,
			draft_deleted    BOOLEAN DEFAULT FALSE,
			error_reason     TEXT,
			created_at       TIMESTAMPTZ DEFAULT NOW(),
			updated_at       TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_records_account ON processing_records(account_id);
		CREATE INDEX IF NOT EXISTS idx_records_status ON processing_records(status);
	`)
	return err
}

// InsertPending inserts a placeholder claim for a message. A unique
// violation means a concurrent request won the race and is reported as
// ErrDuplicateMessage, not a failure.
func (s *RecordStore) InsertPending(ctx context.Context, messageID, accountID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processing_records (message_id, account_id, status)
		VALUES ($1, $2, 'pending')
	`, messageID, accountID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("insert pending record: %w", err)
	}
	return nil
}

// GetByMessageID retrieves a processing record, or nil when none exists.
func (s *RecordStore) GetByMessageID(ctx context.Context, messageID string) (*models.ProcessingRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, message_id, account_id, subject, sender, body_preview,
		       status, ai_response, tokens_used, draft_message_id,
		       draft_deleted, error_reason, created_at, updated_at
		FROM processing_records
		WHERE message_id = $1
	`, messageID)
	return scanRecord(row)
}

// MarkProcessing moves a claimed record to 'processing' with the real
// subject, sender, and body snapshot from the provider.
func (s *RecordStore) MarkProcessing(ctx context.Context, messageID, subject, sender, bodyPreview string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE processing_records
		SET status = 'processing', subject = $2, sender = $3,
		    body_preview = $4, updated_at = NOW()
		WHERE message_id = $1
	`, messageID, subject, sender, bodyPreview)
	return err
}

// FinalizeDraftCreated marks a record terminal with the generated response
// and the identifier of the draft it produced.
func (s *RecordStore) FinalizeDraftCreated(ctx context.Context, messageID, draftID, aiResponse string, tokensUsed int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE processing_records
		SET status = 'draft_created', draft_message_id = $2, ai_response = $3,
		    tokens_used = $4, updated_at = NOW()
		WHERE message_id = $1
	`, messageID, draftID, aiResponse, tokensUsed)
	return err
}

// FinalizeSkipped marks a record terminal without a draft (auto-response
// disabled or sender filtered). Skipped is a normal outcome, not an error.
func (s *RecordStore) FinalizeSkipped(ctx context.Context, messageID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE processing_records
		SET status = 'skipped', error_reason = $2, updated_at = NOW()
		WHERE message_id = $1
	`, messageID, reason)
	return err
}

// FinalizeError marks a record terminal with a captured failure reason.
// The claim is never retried automatically.
func (s *RecordStore) FinalizeError(ctx context.Context, messageID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE processing_records
		SET status = 'error', error_reason = $2, updated_at = NOW()
		WHERE message_id = $1
	`, messageID, reason)
	return err
}

// MarkDraftDeleted flags a draft_created record as having had its draft
// removed. The primary status is left untouched; a failure reason may be
// recorded alongside.
func (s *RecordStore) MarkDraftDeleted(ctx context.Context, messageID string, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE processing_records
		SET draft_deleted = TRUE,
		    error_reason = COALESCE(NULLIF($2, ''), error_reason),
		    updated_at = NOW()
		WHERE message_id = $1
	`, messageID, reason)
	return err
}

// ListByAccount returns recent records for one mailbox, newest first.
func (s *RecordStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]models.ProcessingRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, message_id, account_id, subject, sender, body_preview,
		       status, ai_response, tokens_used, draft_message_id,
		       draft_deleted, error_reason, created_at, updated_at
		FROM processing_records
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.ProcessingRecord
	for rows.Next() {
		var r models.ProcessingRecord
		if err := rows.Scan(
			&r.ID, &r.MessageID, &r.AccountID, &r.Subject, &r.Sender,
			&r.BodyPreview, &r.Status, &r.AIResponse, &r.TokensUsed,
			&r.DraftMessageID, &r.DraftDeleted, &r.ErrorReason,
			&r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func scanRecord(row pgx.Row) (*models.ProcessingRecord, error) {
	var r models.ProcessingRecord
	err := row.Scan(
		&r.ID, &r.MessageID, &r.AccountID, &r.Subject, &r.Sender,
		&r.BodyPreview, &r.Status, &r.AIResponse, &r.TokensUsed,
		&r.DraftMessageID, &r.DraftDeleted, &r.ErrorReason,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
