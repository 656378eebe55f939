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
	"errors"
	"testing"

	"github.com/draftwise/pipeline/internal/models"
)

func deletedNotification(messageID string) models.ChangeNotification {
	return models.ChangeNotification{
		SubscriptionID: "sub-state-deleted",
		ChangeType:     models.ChangeDeleted,
		Resource:       "/me/mailFolders('Inbox')/messages/" + messageID,
		ClientState:    "state-deleted",
	}
}

func draftCreatedRecord(messageID, draftID string) models.ProcessingRecord {
	return models.ProcessingRecord{
		MessageID:      messageID,
		AccountID:      "acct-1",
		Status:         models.StatusDraftCreated,
		DraftMessageID: &draftID,
	}
}

// TestHandleDeleted_RemovesDraft verifies the compensation path: deleting
// the source email removes the generated draft and flags the record.
func TestHandleDeleted_RemovesDraft(t *testing.T) {
	env := newTestEnv(t)
	env.records.seed(draftCreatedRecord("msg-12345678", "draft-1"))

	out := env.svc.HandleDeleted(context.Background(), deletedNotification("msg-12345678"))

	if out.Code != OutcomeDraftDeleted {
		t.Fatalf("outcome = %q, want %q (err: %v)", out.Code, OutcomeDraftDeleted, out.Err)
	}
	if env.mail.deleteCalls() != 1 {
		t.Errorf("delete calls = %d, want 1", env.mail.deleteCalls())
	}
	if env.mail.deleted[0] != "draft-1" {
		t.Errorf("deleted draft = %q, want draft-1", env.mail.deleted[0])
	}

	rec := env.records.get("msg-12345678")
	if !rec.DraftDeleted {
		t.Error("record should be flagged draft_deleted")
	}
	if rec.Status != models.StatusDraftCreated {
		t.Errorf("status = %q, want draft_created preserved", rec.Status)
	}
}

// TestHandleDeleted_NothingToDelete verifies that records without a
// removable draft yield the benign outcome and no provider call.
func TestHandleDeleted_NothingToDelete(t *testing.T) {
	env := newTestEnv(t)

	// No record at all.
	out := env.svc.HandleDeleted(context.Background(), deletedNotification("msg-unknown99"))
	if out.Code != OutcomeNothingToDelete {
		t.Errorf("no record: outcome = %q, want %q", out.Code, OutcomeNothingToDelete)
	}

	// Record still pending, no draft yet.
	env.records.seed(models.ProcessingRecord{
		MessageID: "msg-pending01", AccountID: "acct-1", Status: models.StatusPending,
	})
	out = env.svc.HandleDeleted(context.Background(), deletedNotification("msg-pending01"))
	if out.Code != OutcomeNothingToDelete {
		t.Errorf("pending record: outcome = %q, want %q", out.Code, OutcomeNothingToDelete)
	}

	// Draft already flagged gone.
	rec := draftCreatedRecord("msg-gone0001", "draft-x")
	rec.DraftDeleted = true
	env.records.seed(rec)
	out = env.svc.HandleDeleted(context.Background(), deletedNotification("msg-gone0001"))
	if out.Code != OutcomeNothingToDelete {
		t.Errorf("flagged record: outcome = %q, want %q", out.Code, OutcomeNothingToDelete)
	}

	if env.mail.deleteCalls() != 0 {
		t.Errorf("delete calls = %d, want 0", env.mail.deleteCalls())
	}
}

// TestHandleDeleted_SecondEventIsBenign verifies that a second deletion
// event for the same message, arriving through a different correlation
// token, finds nothing left to do.
func TestHandleDeleted_SecondEventIsBenign(t *testing.T) {
	env := newTestEnv(t)
	env.subs.add("state-deleted-2", models.ChangeDeleted, "acct-1")
	env.records.seed(draftCreatedRecord("msg-12345678", "draft-1"))

	first := env.svc.HandleDeleted(context.Background(), deletedNotification("msg-12345678"))
	if first.Code != OutcomeDraftDeleted {
		t.Fatalf("first outcome = %q, want %q", first.Code, OutcomeDraftDeleted)
	}

	n := deletedNotification("msg-12345678")
	n.ClientState = "state-deleted-2"
	second := env.svc.HandleDeleted(context.Background(), n)
	if second.Code != OutcomeNothingToDelete {
		t.Errorf("second outcome = %q, want %q", second.Code, OutcomeNothingToDelete)
	}
	if env.mail.deleteCalls() != 1 {
		t.Errorf("delete calls = %d, want exactly 1", env.mail.deleteCalls())
	}
}

// TestHandleDeleted_RedeliveryHitsCache verifies the in-process layer on
// the deletion path.
func TestHandleDeleted_RedeliveryHitsCache(t *testing.T) {
	env := newTestEnv(t)
	env.records.seed(draftCreatedRecord("msg-12345678", "draft-1"))
	n := deletedNotification("msg-12345678")

	env.svc.HandleDeleted(context.Background(), n)
	out := env.svc.HandleDeleted(context.Background(), n)

	if out.Code != OutcomeDuplicateCache {
		t.Errorf("outcome = %q, want %q", out.Code, OutcomeDuplicateCache)
	}
}

// TestHandleDeleted_FailureStillFlags verifies that a provider failure
// still flags the record, trading a leftover draft for bounded retries.
func TestHandleDeleted_FailureStillFlags(t *testing.T) {
	env := newTestEnv(t)
	env.mail.deleteErr = errors.New("HTTP 500")
	env.records.seed(draftCreatedRecord("msg-12345678", "draft-1"))

	out := env.svc.HandleDeleted(context.Background(), deletedNotification("msg-12345678"))

	if out.Code != OutcomeDraftDeleted {
		t.Fatalf("outcome = %q, want %q", out.Code, OutcomeDraftDeleted)
	}
	if out.Err == nil {
		t.Error("expected the provider failure surfaced on the outcome")
	}

	rec := env.records.get("msg-12345678")
	if !rec.DraftDeleted {
		t.Error("record should be flagged despite the failure")
	}
	if rec.ErrorReason == nil {
		t.Error("expected the failure reason recorded")
	}
}

// TestHandleDeleted_WrongChangeType verifies routing hygiene on the
// deletion path.
func TestHandleDeleted_WrongChangeType(t *testing.T) {
	env := newTestEnv(t)

	n := deletedNotification("msg-12345678")
	n.ChangeType = models.ChangeCreated
	out := env.svc.HandleDeleted(context.Background(), n)

	if out.Code != OutcomeSkippedByDesign {
		t.Errorf("outcome = %q, want %q", out.Code, OutcomeSkippedByDesign)
	}
}
