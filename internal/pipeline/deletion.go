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

	"github.com/draftwise/pipeline/internal/metrics"
	"github.com/draftwise/pipeline/internal/models"
)

// HandleDeleted processes one push event from a deletion subscription: when
// the source email is deleted, the draft this system generated for it is
// removed too. The path mirrors the creation layering but runs immediately,
// with no scheduling delay.
func (s *Service) HandleDeleted(ctx context.Context, n models.ChangeNotification) Outcome {
	out := s.handleDeleted(ctx, n)
	s.report(ctx, models.ChangeDeleted, n, out)
	return out
}

func (s *Service) handleDeleted(ctx context.Context, n models.ChangeNotification) Outcome {
	if n.ChangeType != models.ChangeDeleted {
		return Outcome{Code: OutcomeSkippedByDesign}
	}

	messageID, err := extractMessageID(n.Resource)
	if err != nil {
		return Outcome{Code: OutcomeError, Err: err}
	}

	key := cacheKey(models.ChangeDeleted, messageID, n.ClientState)
	if !s.cache.Claim(key) {
		return Outcome{Code: OutcomeDuplicateCache, MessageID: messageID}
	}

	sub, err := s.subscriptions.GetByClientState(ctx, n.ClientState, models.ChangeDeleted)
	if err != nil {
		s.cache.Release(key)
		return Outcome{Code: OutcomeError, MessageID: messageID, Err: fmt.Errorf("resolve subscription: %w", err)}
	}
	if sub == nil {
		s.cache.Release(key)
		return Outcome{Code: OutcomeError, MessageID: messageID,
			Err: fmt.Errorf("no active deleted subscription for correlation token")}
	}

	rec, err := s.records.GetByMessageID(ctx, messageID)
	if err != nil {
		s.cache.Release(key)
		return Outcome{Code: OutcomeError, MessageID: messageID, Err: fmt.Errorf("record lookup: %w", err)}
	}

	// Nothing to compensate: the message was never processed to a draft,
	// or the draft is already flagged gone. Both are normal.
	if rec == nil || rec.Status != models.StatusDraftCreated ||
		rec.DraftMessageID == nil || rec.DraftDeleted {
		return Outcome{Code: OutcomeNothingToDelete, MessageID: messageID}
	}

	// DeleteDraft treats provider 404 as success: an externally removed
	// draft is the same end state.
	deleteErr := s.mail.DeleteDraft(ctx, sub.AccountID, *rec.DraftMessageID)

	// The flag is set even on failure to avoid retry storms against a
	// deleted resource; a leftover draft is the safer failure mode.
	reason := ""
	if deleteErr != nil {
		reason = fmt.Sprintf("draft deletion failed: %v", deleteErr)
	}
	if err := s.records.MarkDraftDeleted(ctx, messageID, reason); err != nil {
		return Outcome{Code: OutcomeError, MessageID: messageID, Err: fmt.Errorf("mark draft deleted: %w", err)}
	}

	if deleteErr != nil {
		slog.Warn("draft deletion failed, flagged anyway",
			"message_id", messageID,
			"draft_id", *rec.DraftMessageID,
			"error", deleteErr,
		)
		metrics.RecordDraft("delete_failed")
		return Outcome{Code: OutcomeDraftDeleted, MessageID: messageID, Err: deleteErr}
	}

	slog.Info("draft removed after source deletion",
		"message_id", messageID,
		"draft_id", *rec.DraftMessageID,
	)
	metrics.RecordDraft("deleted")

	return Outcome{Code: OutcomeDraftDeleted, MessageID: messageID}
}
