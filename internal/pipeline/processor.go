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

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/draftwise/pipeline/internal/graph"
	"github.com/draftwise/pipeline/internal/metrics"
	"github.com/draftwise/pipeline/internal/models"
	"github.com/draftwise/pipeline/internal/queue"
	"github.com/draftwise/pipeline/internal/respond"
)

// bodyPreviewLimit bounds the cleaned snapshot stored on the record.
const bodyPreviewLimit = 1000

// calendarLookahead is how far ahead busy intervals are collected for the
// prompt.
const calendarLookahead = 7 * 24 * time.Hour

// processMessage is the delayed processing step. It runs once per claimed
// message, on the timer's goroutine. Every failure after the claim is
// absorbed into the record's terminal state; the claim is never retried
// automatically, which bounds retries and prevents duplicate drafts.
func (s *Service) processMessage(ctx context.Context, messageID, accountID string) {
	started := s.clock.Now()
	status := s.runProcessing(ctx, messageID, accountID)
	metrics.RecordProcessing(status, s.clock.Now().Sub(started))

	if s.publisher != nil {
		if err := s.publisher.PublishOutcome(ctx, queue.OutcomeEvent{
			MessageID: messageID,
			AccountID: accountID,
			Outcome:   "processed",
			Status:    status,
		}); err != nil {
			slog.Warn("outcome publish failed", "error", err)
		}
	}
}

func (s *Service) runProcessing(ctx context.Context, messageID, accountID string) string {
	// Notification-preserving read: fetching content must not change the
	// unread flag. The bearer credential is obtained (and refreshed if
	// needed) inside the mail client.
	msg, err := s.mail.GetMessage(ctx, accountID, messageID)
	if err != nil {
		return s.fail(ctx, messageID, fmt.Errorf("fetch message: %w", err))
	}

	preview := graph.StripHTML(msg.Body.Content)
	if len(preview) > bodyPreviewLimit {
		preview = preview[:bodyPreviewLimit]
	}
	if err := s.records.MarkProcessing(ctx, messageID, msg.Subject, msg.From.Address, preview); err != nil {
		return s.fail(ctx, messageID, fmt.Errorf("mark processing: %w", err))
	}

	account, err := s.accounts.Get(ctx, accountID)
	if err != nil || account == nil {
		return s.fail(ctx, messageID, fmt.Errorf("load account %s: %w", accountID, err))
	}

	profile, err := s.styles.GetByClient(ctx, account.ClientID)
	if err != nil {
		return s.fail(ctx, messageID, fmt.Errorf("load style profile: %w", err))
	}
	if profile == nil || !profile.AutoResponse {
		// Terminal but not an error: the client opted out.
		return s.skip(ctx, messageID, "auto-response disabled")
	}
	if !senderAllowed(profile.AllowedSenders, msg.From.Address) {
		return s.skip(ctx, messageID, "sender not in allow list")
	}

	// Calendar context is best-effort; a failed read degrades the prompt,
	// not the pipeline.
	now := s.clock.Now()
	busy, err := s.mail.ListCalendarView(ctx, accountID, now, now.Add(calendarLookahead))
	if err != nil {
		slog.Warn("calendar read failed, generating without availability",
			"account", accountID,
			"error", err,
		)
		busy = nil
	}

	modelStart := time.Now()
	result, err := s.responder.Generate(ctx, respond.GenerateInput{
		Subject: msg.Subject,
		Sender:  msg.From.Address,
		Body:    preview,
		Style:   profile,
		Busy:    busy,
	})
	metrics.ModelLatency.Observe(time.Since(modelStart).Seconds())
	if err != nil {
		return s.fail(ctx, messageID, fmt.Errorf("generate reply: %w", err))
	}

	draftID, err := s.mail.CreateDraftReply(ctx, accountID, msg, result.HTML, profile.Signature)
	if err != nil {
		return s.fail(ctx, messageID, fmt.Errorf("create draft reply: %w", err))
	}

	if err := s.records.FinalizeDraftCreated(ctx, messageID, draftID, result.HTML, result.TokensUsed); err != nil {
		return s.fail(ctx, messageID, fmt.Errorf("finalize record: %w", err))
	}

	metrics.RecordDraft("created")
	slog.Info("draft reply created",
		"message_id", messageID,
		"account", accountID,
		"draft_id", draftID,
		"tokens_used", result.TokensUsed,
	)

	return models.StatusDraftCreated
}

func (s *Service) fail(ctx context.Context, messageID string, cause error) string {
	slog.Error("processing failed", "message_id", messageID, "error", cause)
	if err := s.records.FinalizeError(ctx, messageID, cause.Error()); err != nil {
		slog.Error("failed to finalize error record", "message_id", messageID, "error", err)
	}
	metrics.RecordDraft("failed")
	return models.StatusError
}

func (s *Service) skip(ctx context.Context, messageID, reason string) string {
	slog.Info("processing skipped", "message_id", messageID, "reason", reason)
	if err := s.records.FinalizeSkipped(ctx, messageID, reason); err != nil {
		slog.Error("failed to finalize skipped record", "message_id", messageID, "error", err)
	}
	return models.StatusSkipped
}

// senderAllowed applies the sender-allow filter. An empty list allows
// everyone; entries match a full address or a domain suffix.
func senderAllowed(allowed []string, sender string) bool {
	if len(allowed) == 0 {
		return true
	}
	sender = strings.ToLower(strings.TrimSpace(sender))
	for _, entry := range allowed {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if sender == entry || strings.HasSuffix(sender, "@"+strings.TrimPrefix(entry, "@")) {
			return true
		}
	}
	return false
}
