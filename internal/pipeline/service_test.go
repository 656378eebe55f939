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
	"sync"
	"testing"
	"time"

	"github.com/draftwise/pipeline/internal/graph"
	"github.com/draftwise/pipeline/internal/models"
	"github.com/draftwise/pipeline/internal/respond"
	"github.com/draftwise/pipeline/internal/store"
)

// --- fakes shared by the pipeline tests ---

type fakeRecords struct {
	mu        sync.Mutex
	records   map[string]*models.ProcessingRecord
	insertErr error
	lookupErr error
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{records: make(map[string]*models.ProcessingRecord)}
}

func (f *fakeRecords) InsertPending(ctx context.Context, messageID, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	if _, exists := f.records[messageID]; exists {
		return store.ErrDuplicateMessage
	}
	f.records[messageID] = &models.ProcessingRecord{
		MessageID: messageID,
		AccountID: accountID,
		Status:    models.StatusPending,
	}
	return nil
}

func (f *fakeRecords) GetByMessageID(ctx context.Context, messageID string) (*models.ProcessingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	rec, ok := f.records[messageID]
	if !ok {
		return nil, nil
	}
	clone := *rec
	return &clone, nil
}

func (f *fakeRecords) MarkProcessing(ctx context.Context, messageID, subject, sender, bodyPreview string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[messageID]; ok {
		rec.Status = models.StatusProcessing
		rec.Subject = subject
		rec.Sender = sender
		rec.BodyPreview = bodyPreview
	}
	return nil
}

func (f *fakeRecords) FinalizeDraftCreated(ctx context.Context, messageID, draftID, aiResponse string, tokensUsed int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[messageID]; ok {
		rec.Status = models.StatusDraftCreated
		rec.DraftMessageID = &draftID
		rec.AIResponse = &aiResponse
		rec.TokensUsed = tokensUsed
	}
	return nil
}

func (f *fakeRecords) FinalizeSkipped(ctx context.Context, messageID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[messageID]; ok {
		rec.Status = models.StatusSkipped
		rec.ErrorReason = &reason
	}
	return nil
}

func (f *fakeRecords) FinalizeError(ctx context.Context, messageID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[messageID]; ok {
		rec.Status = models.StatusError
		rec.ErrorReason = &reason
	}
	return nil
}

func (f *fakeRecords) MarkDraftDeleted(ctx context.Context, messageID string, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[messageID]; ok {
		rec.DraftDeleted = true
		if reason != "" {
			rec.ErrorReason = &reason
		}
	}
	return nil
}

func (f *fakeRecords) get(messageID string) *models.ProcessingRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[messageID]; ok {
		clone := *rec
		return &clone
	}
	return nil
}

func (f *fakeRecords) seed(rec models.ProcessingRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.MessageID] = &rec
}

type fakeSubs struct {
	mu   sync.Mutex
	subs map[string]*models.Subscription // keyed by clientState
}

func newFakeSubs() *fakeSubs {
	return &fakeSubs{subs: make(map[string]*models.Subscription)}
}

func (f *fakeSubs) GetByClientState(ctx context.Context, clientState, changeType string) (*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[clientState]
	if !ok || sub.ChangeType != changeType {
		return nil, nil
	}
	clone := *sub
	return &clone, nil
}

func (f *fakeSubs) add(clientState, changeType, accountID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[clientState] = &models.Subscription{
		SubscriptionID: "sub-" + clientState,
		AccountID:      accountID,
		ChangeType:     changeType,
		ClientState:    clientState,
		Active:         true,
	}
}

type fakeAccounts struct {
	accounts map[string]*models.MailAccount
}

func (f *fakeAccounts) Get(ctx context.Context, id string) (*models.MailAccount, error) {
	if a, ok := f.accounts[id]; ok {
		clone := *a
		return &clone, nil
	}
	return nil, nil
}

type fakeStyles struct {
	mu       sync.Mutex
	profiles map[string]*models.StyleProfile
}

func (f *fakeStyles) GetByClient(ctx context.Context, clientID string) (*models.StyleProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.profiles[clientID]; ok {
		clone := *p
		return &clone, nil
	}
	return nil, nil
}

type fakeMail struct {
	mu          sync.Mutex
	message     *graph.Message
	getErr      error
	draftID     string
	createErr   error
	createCalls int
	deleteErr   error
	deleted     []string
	busy        []graph.BusyInterval
	calendarErr error
}

func (f *fakeMail) GetMessage(ctx context.Context, accountID, messageID string) (*graph.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	clone := *f.message
	return &clone, nil
}

func (f *fakeMail) CreateDraftReply(ctx context.Context, accountID string, src *graph.Message, htmlBody, signature string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.draftID, nil
}

func (f *fakeMail) DeleteDraft(ctx context.Context, accountID, draftID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, draftID)
	return f.deleteErr
}

func (f *fakeMail) ListCalendarView(ctx context.Context, accountID string, from, to time.Time) ([]graph.BusyInterval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calendarErr != nil {
		return nil, f.calendarErr
	}
	return f.busy, nil
}

func (f *fakeMail) deleteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted)
}

type fakeResponder struct {
	mu     sync.Mutex
	result *respond.GenerateResult
	err    error
	calls  int
}

func (f *fakeResponder) Generate(ctx context.Context, in respond.GenerateInput) (*respond.GenerateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeResponder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// testEnv bundles a service and its fakes with one active account and an
// auto-responding style profile.
type testEnv struct {
	svc       *Service
	clock     *fakeClock
	records   *fakeRecords
	subs      *fakeSubs
	styles    *fakeStyles
	mail      *fakeMail
	responder *fakeResponder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clock := newFakeClock()
	records := newFakeRecords()
	subs := newFakeSubs()
	subs.add("state-created", models.ChangeCreated, "acct-1")
	subs.add("state-deleted", models.ChangeDeleted, "acct-1")

	accounts := &fakeAccounts{accounts: map[string]*models.MailAccount{
		"acct-1": {ID: "acct-1", ClientID: "client-1", Address: "pro@example.com", Active: true},
	}}
	styles := &fakeStyles{profiles: map[string]*models.StyleProfile{
		"client-1": {ClientID: "client-1", Style: "concise", Tone: "warm", AutoResponse: true},
	}}
	mail := &fakeMail{
		message: &graph.Message{
			ID:      "msg-12345678",
			Subject: "Meeting next week?",
			From:    graph.EmailAddress{Name: "Alice", Address: "alice@example.com"},
			Body:    graph.Body{ContentType: "html", Content: "<p>Are you free Tuesday?</p>"},
			IsRead:  false,
		},
		draftID: "draft-1",
	}
	responder := &fakeResponder{result: &respond.GenerateResult{HTML: "<p>Tuesday works.</p>", TokensUsed: 42}}

	svc := NewService(Config{
		Records:       records,
		Subscriptions: subs,
		Accounts:      accounts,
		Styles:        styles,
		Mail:          mail,
		Responder:     responder,
		Clock:         clock,
		MinDelay:      45 * time.Second,
		MaxDelay:      60 * time.Second,
	})

	return &testEnv{
		svc:       svc,
		clock:     clock,
		records:   records,
		subs:      subs,
		styles:    styles,
		mail:      mail,
		responder: responder,
	}
}

func createdNotification(messageID string) models.ChangeNotification {
	return models.ChangeNotification{
		SubscriptionID: "sub-state-created",
		ChangeType:     models.ChangeCreated,
		Resource:       "/me/mailFolders('Inbox')/messages/" + messageID,
		ClientState:    "state-created",
	}
}

// TestHandleCreated_SchedulesWithinWindow verifies the happy path: a fresh
// notification claims a pending record and schedules processing inside the
// configured delay window.
func TestHandleCreated_SchedulesWithinWindow(t *testing.T) {
	env := newTestEnv(t)

	out := env.svc.HandleCreated(context.Background(), createdNotification("msg-12345678"))

	if out.Code != OutcomePendingDelayed {
		t.Fatalf("outcome = %q, want %q (err: %v)", out.Code, OutcomePendingDelayed, out.Err)
	}
	if out.Delay < 45*time.Second || out.Delay >= 60*time.Second {
		t.Errorf("delay = %v, want within [45s, 60s)", out.Delay)
	}

	rec := env.records.get("msg-12345678")
	if rec == nil {
		t.Fatal("expected a pending record")
	}
	if rec.Status != models.StatusPending {
		t.Errorf("status = %q, want pending", rec.Status)
	}
	if rec.AccountID != "acct-1" {
		t.Errorf("accountID = %q, want acct-1", rec.AccountID)
	}
	if env.clock.pendingTimers() != 1 {
		t.Errorf("pending timers = %d, want 1", env.clock.pendingTimers())
	}
}

// TestHandleCreated_DelayIsRandomized verifies that repeated scheduling does
// not produce a single constant delay.
func TestHandleCreated_DelayIsRandomized(t *testing.T) {
	env := newTestEnv(t)

	seen := make(map[time.Duration]bool)
	for i := 0; i < 50; i++ {
		out := env.svc.HandleCreated(context.Background(),
			createdNotification(fmt.Sprintf("msg-%08d", i)))
		if out.Code != OutcomePendingDelayed {
			t.Fatalf("outcome = %q, want %q", out.Code, OutcomePendingDelayed)
		}
		seen[out.Delay] = true
	}

	if len(seen) < 2 {
		t.Error("expected randomized delays, got a constant")
	}
}

// TestHandleCreated_PerClientDelayOverride verifies that a client delay
// preference replaces the default window, keeping jitter.
func TestHandleCreated_PerClientDelayOverride(t *testing.T) {
	env := newTestEnv(t)
	env.styles.profiles["client-1"].ResponseDelaySeconds = 120

	out := env.svc.HandleCreated(context.Background(), createdNotification("msg-12345678"))

	if out.Code != OutcomePendingDelayed {
		t.Fatalf("outcome = %q, want %q", out.Code, OutcomePendingDelayed)
	}
	if out.Delay < 108*time.Second || out.Delay > 132*time.Second {
		t.Errorf("delay = %v, want within 120s ±10%%", out.Delay)
	}
}

// TestHandleCreated_WrongChangeType verifies that non-creation events on
// the creation path are rejected without side effects.
func TestHandleCreated_WrongChangeType(t *testing.T) {
	env := newTestEnv(t)

	n := createdNotification("msg-12345678")
	n.ChangeType = "updated"
	out := env.svc.HandleCreated(context.Background(), n)

	if out.Code != OutcomeSkippedByDesign {
		t.Errorf("outcome = %q, want %q", out.Code, OutcomeSkippedByDesign)
	}
	if env.records.get("msg-12345678") != nil {
		t.Error("no record should exist")
	}
}

// TestHandleCreated_MalformedResource verifies that an unusable resource
// path is an error before any storage is touched.
func TestHandleCreated_MalformedResource(t *testing.T) {
	env := newTestEnv(t)

	for _, resource := range []string{"", "/", "short", "/messages/has spaces"} {
		n := createdNotification("x")
		n.Resource = resource
		out := env.svc.HandleCreated(context.Background(), n)
		if out.Code != OutcomeError {
			t.Errorf("resource %q: outcome = %q, want %q", resource, out.Code, OutcomeError)
		}
	}
}

// TestHandleCreated_CacheDuplicate verifies that an immediate redelivery is
// absorbed by the in-process layer.
func TestHandleCreated_CacheDuplicate(t *testing.T) {
	env := newTestEnv(t)
	n := createdNotification("msg-12345678")

	first := env.svc.HandleCreated(context.Background(), n)
	second := env.svc.HandleCreated(context.Background(), n)

	if first.Code != OutcomePendingDelayed {
		t.Fatalf("first outcome = %q, want %q", first.Code, OutcomePendingDelayed)
	}
	if second.Code != OutcomeDuplicateCache {
		t.Errorf("second outcome = %q, want %q", second.Code, OutcomeDuplicateCache)
	}
}

// TestHandleCreated_DatabaseDuplicate verifies that a redelivery arriving
// after the cache entry expired is caught by the durable ledger.
func TestHandleCreated_DatabaseDuplicate(t *testing.T) {
	env := newTestEnv(t)
	n := createdNotification("msg-12345678")

	env.svc.HandleCreated(context.Background(), n)

	// Let the cache window lapse; the record remains.
	env.clock.Advance(11 * time.Minute)
	env.svc.cache.Purge()

	out := env.svc.HandleCreated(context.Background(), n)
	if out.Code != OutcomeDuplicateDatabase {
		t.Errorf("outcome = %q, want %q", out.Code, OutcomeDuplicateDatabase)
	}
}

// TestHandleCreated_RaceDuplicate verifies that a uniqueness rejection on
// the durable claim is reported as a dedup result, not an error.
func TestHandleCreated_RaceDuplicate(t *testing.T) {
	env := newTestEnv(t)
	env.records.insertErr = store.ErrDuplicateMessage

	out := env.svc.HandleCreated(context.Background(), createdNotification("msg-12345678"))
	if out.Code != OutcomeDuplicateRace {
		t.Errorf("outcome = %q, want %q", out.Code, OutcomeDuplicateRace)
	}
}

// TestHandleCreated_UnknownCorrelation verifies that an event with no
// matching subscription is an error and releases its cache claim so a
// later retry is not misreported as a duplicate.
func TestHandleCreated_UnknownCorrelation(t *testing.T) {
	env := newTestEnv(t)
	n := createdNotification("msg-12345678")
	n.ClientState = "unknown-state"

	first := env.svc.HandleCreated(context.Background(), n)
	second := env.svc.HandleCreated(context.Background(), n)

	if first.Code != OutcomeError {
		t.Fatalf("first outcome = %q, want %q", first.Code, OutcomeError)
	}
	if second.Code != OutcomeError {
		t.Errorf("second outcome = %q, want %q (claim should have been released)", second.Code, OutcomeError)
	}
	if env.records.get("msg-12345678") != nil {
		t.Error("no record should exist for an unclaimable event")
	}
}

// TestHandleCreated_InactiveAccount verifies that events for a deactivated
// mailbox are rejected.
func TestHandleCreated_InactiveAccount(t *testing.T) {
	env := newTestEnv(t)
	env.subs.add("state-inactive", models.ChangeCreated, "acct-gone")

	n := createdNotification("msg-12345678")
	n.ClientState = "state-inactive"
	out := env.svc.HandleCreated(context.Background(), n)

	if out.Code != OutcomeError {
		t.Errorf("outcome = %q, want %q", out.Code, OutcomeError)
	}
}

// TestHandleCreated_ConcurrentDeliveries verifies that many simultaneous
// deliveries of the same notification yield exactly one claim.
func TestHandleCreated_ConcurrentDeliveries(t *testing.T) {
	env := newTestEnv(t)
	n := createdNotification("msg-12345678")

	const workers = 25
	outcomes := make(chan string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes <- env.svc.HandleCreated(context.Background(), n).Code
		}()
	}
	wg.Wait()
	close(outcomes)

	claims := 0
	for code := range outcomes {
		switch code {
		case OutcomePendingDelayed:
			claims++
		case OutcomeDuplicateCache, OutcomeDuplicateDatabase, OutcomeDuplicateRace:
		default:
			t.Errorf("unexpected outcome %q", code)
		}
	}
	if claims != 1 {
		t.Errorf("claims = %d, want exactly 1", claims)
	}

	rec := env.records.get("msg-12345678")
	if rec == nil {
		t.Fatal("expected exactly one record")
	}
}
