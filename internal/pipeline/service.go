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

// Package pipeline implements the webhook-driven triage core: multi-layer
// notification dedup, delayed scheduling of AI processing, the
// email-processing state machine, and the compensating deletion-sync path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/draftwise/pipeline/internal/graph"
	"github.com/draftwise/pipeline/internal/metrics"
	"github.com/draftwise/pipeline/internal/models"
	"github.com/draftwise/pipeline/internal/queue"
	"github.com/draftwise/pipeline/internal/respond"
	"github.com/draftwise/pipeline/internal/store"
)

// Outcome codes for handled push events. Duplicates are normal dedup
// results, not errors.
const (
	OutcomeSkippedByDesign   = "skipped_by_design"
	OutcomeDuplicateCache    = "duplicate_prevented_cache"
	OutcomeDuplicateDatabase = "duplicate_prevented_database"
	OutcomeDuplicateRace     = "duplicate_prevented_race"
	OutcomePendingDelayed    = "pending_delayed"
	OutcomeDraftDeleted      = "draft_deleted"
	OutcomeNothingToDelete   = "nothing_to_delete"
	OutcomeError             = "error"
)

// Outcome reports what the pipeline decided for one push event.
type Outcome struct {
	Code        string
	MessageID   string
	Delay       time.Duration
	ScheduledAt time.Time
	Err         error
}

// createTTL is the dedup cache window for creation events.
const createTTL = 10 * time.Minute

// staleTimerAge bounds how long a pending timer may sit in the registry
// before the sweep forgets it.
const staleTimerAge = 5 * time.Minute

// sweepInterval drives the background cache/timer cleanup.
const sweepInterval = 60 * time.Second

// Store slices the service consumes. Implemented by internal/store; tests
// substitute fakes.

type Records interface {
	InsertPending(ctx context.Context, messageID, accountID string) error
	GetByMessageID(ctx context.Context, messageID string) (*models.ProcessingRecord, error)
	MarkProcessing(ctx context.Context, messageID, subject, sender, bodyPreview string) error
	FinalizeDraftCreated(ctx context.Context, messageID, draftID, aiResponse string, tokensUsed int) error
	FinalizeSkipped(ctx context.Context, messageID, reason string) error
	FinalizeError(ctx context.Context, messageID, reason string) error
	MarkDraftDeleted(ctx context.Context, messageID string, reason string) error
}

type Subscriptions interface {
	GetByClientState(ctx context.Context, clientState, changeType string) (*models.Subscription, error)
}

type Accounts interface {
	Get(ctx context.Context, id string) (*models.MailAccount, error)
}

type Styles interface {
	GetByClient(ctx context.Context, clientID string) (*models.StyleProfile, error)
}

// Mail is the provider-client surface the pipeline uses.
type Mail interface {
	GetMessage(ctx context.Context, accountID, messageID string) (*graph.Message, error)
	CreateDraftReply(ctx context.Context, accountID string, src *graph.Message, htmlBody, signature string) (string, error)
	DeleteDraft(ctx context.Context, accountID, draftID string) error
	ListCalendarView(ctx context.Context, accountID string, from, to time.Time) ([]graph.BusyInterval, error)
}

// Responder generates reply text.
type Responder interface {
	Generate(ctx context.Context, in respond.GenerateInput) (*respond.GenerateResult, error)
}

// Publisher emits outcome events; may be nil.
type Publisher interface {
	PublishOutcome(ctx context.Context, event queue.OutcomeEvent) error
}

// Config holds the service's collaborators and tuning.
type Config struct {
	Records       Records
	Subscriptions Subscriptions
	Accounts      Accounts
	Styles        Styles
	Mail          Mail
	Responder     Responder
	Publisher     Publisher
	Clock         Clock

	MinDelay time.Duration
	MaxDelay time.Duration
}

// Service is the notification dedup and scheduling component. It owns the
// in-process dedup cache and the timer registry explicitly — no package
// level state — so lifetime and testability are explicit.
type Service struct {
	records       Records
	subscriptions Subscriptions
	accounts      Accounts
	styles        Styles
	mail          Mail
	responder     Responder
	publisher     Publisher
	clock         Clock

	cache     *Cache
	scheduler *Scheduler

	minDelay time.Duration
	maxDelay time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates the pipeline service.
func NewService(cfg Config) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock()
	}
	minDelay := cfg.MinDelay
	maxDelay := cfg.MaxDelay
	if minDelay <= 0 {
		minDelay = 45 * time.Second
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &Service{
		records:       cfg.Records,
		subscriptions: cfg.Subscriptions,
		accounts:      cfg.Accounts,
		styles:        cfg.Styles,
		mail:          cfg.Mail,
		responder:     cfg.Responder,
		publisher:     cfg.Publisher,
		clock:         clock,
		cache:         NewCache(createTTL, clock),
		scheduler:     NewScheduler(clock),
		minDelay:      minDelay,
		maxDelay:      maxDelay,
	}
}

// Start launches the background sweep that purges expired cache entries
// and stale timers. Defensive cleanup, not a correctness mechanism: the
// durable claim prevents duplicate processing even if a timer is lost.
func (s *Service) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				dropped := s.cache.Purge()
				stale := s.scheduler.PurgeOlderThan(staleTimerAge)
				if dropped > 0 || stale > 0 {
					slog.Debug("pipeline sweep",
						"cache_dropped", dropped,
						"timers_dropped", stale,
					)
				}
			}
		}
	}()

	slog.Info("pipeline service started",
		"min_delay", s.minDelay,
		"max_delay", s.maxDelay,
	)
}

// Stop shuts down the sweep loop. In-flight timers are abandoned; their
// pending claims stay durable for explicit operator reprocessing.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	slog.Info("pipeline service stopped")
}

// HandleCreated processes one push event from a creation subscription.
// Everything except a genuine new-message creation on the correct resource
// is rejected before any side effect.
func (s *Service) HandleCreated(ctx context.Context, n models.ChangeNotification) Outcome {
	out := s.handleCreated(ctx, n)
	s.report(ctx, models.ChangeCreated, n, out)
	return out
}

func (s *Service) handleCreated(ctx context.Context, n models.ChangeNotification) Outcome {
	if n.ChangeType != models.ChangeCreated {
		return Outcome{Code: OutcomeSkippedByDesign}
	}

	messageID, err := extractMessageID(n.Resource)
	if err != nil {
		// Malformed input never reaches storage.
		return Outcome{Code: OutcomeError, Err: err}
	}

	// Layer 1: optimistic in-process claim before any I/O.
	cacheKey := cacheKey(models.ChangeCreated, messageID, n.ClientState)
	if !s.cache.Claim(cacheKey) {
		return Outcome{Code: OutcomeDuplicateCache, MessageID: messageID}
	}

	// Layer 2: durable lookup. The cache entry stays on a hit — it is
	// still a true duplicate.
	existing, err := s.records.GetByMessageID(ctx, messageID)
	if err != nil {
		s.cache.Release(cacheKey)
		return Outcome{Code: OutcomeError, MessageID: messageID, Err: fmt.Errorf("dedup lookup: %w", err)}
	}
	if existing != nil {
		return Outcome{Code: OutcomeDuplicateDatabase, MessageID: messageID}
	}

	// Resolve the mailbox before the durable claim: the placeholder row
	// records its owner. Unclaimable events release the cache entry so a
	// later retry can still claim.
	account, outcome := s.resolveAccount(ctx, n.ClientState, models.ChangeCreated, messageID)
	if account == nil {
		s.cache.Release(cacheKey)
		return outcome
	}

	// Layer 3: durable claim. A uniqueness rejection means a concurrent
	// request won the race — a dedup result, not an error.
	if err := s.records.InsertPending(ctx, messageID, account.ID); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			return Outcome{Code: OutcomeDuplicateRace, MessageID: messageID}
		}
		s.cache.Release(cacheKey)
		return Outcome{Code: OutcomeError, MessageID: messageID, Err: err}
	}

	delay := s.computeDelay(ctx, account.ClientID)
	scheduledAt := s.clock.Now().Add(delay)

	s.scheduler.Schedule(messageID, delay, func() {
		// The timer fires outside the webhook request cycle.
		s.processMessage(context.Background(), messageID, account.ID)
	})

	slog.Info("message claimed and scheduled",
		"message_id", messageID,
		"account", account.ID,
		"delay", delay.Round(time.Second),
	)

	return Outcome{
		Code:        OutcomePendingDelayed,
		MessageID:   messageID,
		Delay:       delay,
		ScheduledAt: scheduledAt,
	}
}

// resolveAccount maps a correlation token to its active mailbox.
func (s *Service) resolveAccount(ctx context.Context, clientState, changeType, messageID string) (*models.MailAccount, Outcome) {
	sub, err := s.subscriptions.GetByClientState(ctx, clientState, changeType)
	if err != nil {
		return nil, Outcome{Code: OutcomeError, MessageID: messageID, Err: fmt.Errorf("resolve subscription: %w", err)}
	}
	if sub == nil {
		return nil, Outcome{Code: OutcomeError, MessageID: messageID,
			Err: fmt.Errorf("no active %s subscription for correlation token", changeType)}
	}

	account, err := s.accounts.Get(ctx, sub.AccountID)
	if err != nil {
		return nil, Outcome{Code: OutcomeError, MessageID: messageID, Err: fmt.Errorf("load account: %w", err)}
	}
	if account == nil || !account.Active {
		return nil, Outcome{Code: OutcomeError, MessageID: messageID,
			Err: fmt.Errorf("mailbox %s inactive or missing", sub.AccountID)}
	}
	return account, Outcome{}
}

// computeDelay picks the scheduling delay. The default is uniform inside
// the configured window; jitter keeps notification timing indistinguishable
// from a human response and avoids thundering herds against the provider.
// A per-client delay preference, when set, overrides the window as the
// base with ±10% jitter retained.
func (s *Service) computeDelay(ctx context.Context, clientID string) time.Duration {
	if profile, err := s.styles.GetByClient(ctx, clientID); err == nil &&
		profile != nil && profile.ResponseDelaySeconds > 0 {
		base := time.Duration(profile.ResponseDelaySeconds) * time.Second
		jitter := base / 10
		if jitter > 0 {
			return base - jitter + time.Duration(rand.Int63n(int64(2*jitter)))
		}
		return base
	}

	window := s.maxDelay - s.minDelay
	if window <= 0 {
		return s.minDelay
	}
	return s.minDelay + time.Duration(rand.Int63n(int64(window)))
}

// report counts and publishes an outcome.
func (s *Service) report(ctx context.Context, changeType string, n models.ChangeNotification, out Outcome) {
	metrics.RecordNotification(changeType, out.Code)

	if out.Err != nil {
		slog.Warn("notification not processed",
			"change_type", changeType,
			"resource", n.Resource,
			"outcome", out.Code,
			"error", out.Err,
		)
	}

	if s.publisher != nil && out.MessageID != "" {
		if err := s.publisher.PublishOutcome(ctx, queue.OutcomeEvent{
			MessageID: out.MessageID,
			Outcome:   out.Code,
		}); err != nil {
			slog.Warn("outcome publish failed", "error", err)
		}
	}
}

// extractMessageID takes the final path segment of the notification
// resource and applies a minimal shape check.
func extractMessageID(resource string) (string, error) {
	trimmed := strings.Trim(resource, "/")
	segments := strings.Split(trimmed, "/")
	id := segments[len(segments)-1]

	if len(id) < 8 || strings.ContainsAny(id, " \t") {
		return "", fmt.Errorf("malformed notification resource %q", resource)
	}
	return id, nil
}

func cacheKey(changeType, messageID, clientState string) string {
	return changeType + "|" + messageID + "|" + clientState
}
