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

// Package queue publishes pipeline outcome events to Redis for the
// dashboard consumer. Publishing is fire-and-forget: the processing
// record is the durable ledger, the queue is a live feed.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// OutcomeEvent describes one pipeline decision for a message.
type OutcomeEvent struct {
	MessageID string    `json:"message_id"`
	AccountID string    `json:"account_id,omitempty"`
	Outcome   string    `json:"outcome"`
	Status    string    `json:"status,omitempty"`
	DraftID   string    `json:"draft_id,omitempty"`
	At        time.Time `json:"at"`
}

// envelope wraps an event for Redis transport.
type envelope struct {
	ID    string       `json:"id"`
	Event OutcomeEvent `json:"event"`
}

// Publisher sends outcome events to a Redis list.
type Publisher struct {
	rdb       *redis.Client
	queueName string
}

// NewPublisher creates a publisher targeting the specified queue.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// PublishOutcome serialises an outcome event and pushes it to Redis.
func (p *Publisher) PublishOutcome(ctx context.Context, event OutcomeEvent) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	msg, err := json.Marshal(envelope{
		ID:    uuid.New().String(),
		Event: event,
	})
	if err != nil {
		return fmt.Errorf("marshal outcome event: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, string(msg)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Debug("published outcome event",
		"message_id", event.MessageID,
		"outcome", event.Outcome,
		"queue", p.queueName,
	)

	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
