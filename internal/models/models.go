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

// Package models defines the data structures shared across the triage service.
package models

import "time"

// Processing record lifecycle statuses. A record is created as
// StatusPending at claim time and reaches exactly one terminal status.
const (
	StatusPending      = "pending"
	StatusProcessing   = "processing"
	StatusDraftCreated = "draft_created"
	StatusError        = "error"
	StatusSkipped      = "skipped"
)

// Subscription change types. Creation and deletion are kept as logically
// separate subscriptions so the two paths cannot interfere.
const (
	ChangeCreated = "created"
	ChangeDeleted = "deleted"
)

// MailAccount is one mailbox under automation. Token columns hold
// AES-GCM-encrypted credentials; only the token provider decrypts them.
type MailAccount struct {
	ID              string
	ClientID        string
	Address         string
	AccessTokenEnc  string
	RefreshTokenEnc string
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// StyleProfile is the per-client writing configuration. Read-only to the
// pipeline; the dashboard settings API owns mutation.
type StyleProfile struct {
	ClientID             string
	Style                string
	Tone                 string
	Signature            string
	SampleTexts          []string
	CustomInstructions   string
	AutoResponse         bool
	ResponseDelaySeconds int
	AllowedSenders       []string
}

// Subscription is a provider-side push registration. ClientState is the
// opaque correlation token echoed back in every push.
type Subscription struct {
	ID             int64
	SubscriptionID string
	AccountID      string
	ChangeType     string
	ClientState    string
	Resource       string
	ExpiresAt      time.Time
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ProcessingRecord is the dedup/audit ledger: one row per source message,
// with a uniqueness constraint on MessageID as the correctness anchor.
type ProcessingRecord struct {
	ID             int64
	MessageID      string
	AccountID      string
	Subject        string
	Sender         string
	BodyPreview    string
	Status         string
	AIResponse     *string
	TokensUsed     int
	DraftMessageID *string
	DraftDeleted   bool
	ErrorReason    *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ChangeNotification is a single provider push event.
type ChangeNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	ClientState    string `json:"clientState"`
}

// NotificationPayload is the wrapper the provider sends.
type NotificationPayload struct {
	Value []ChangeNotification `json:"value"`
}
