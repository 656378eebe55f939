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

package graph

import "time"

// EmailAddress is a sender or recipient with an address and optional name.
type EmailAddress struct {
	Address string
	Name    string
}

// Body holds message body content and its content type ("html" or "text").
type Body struct {
	ContentType string
	Content     string
}

// Message is a provider message as read through the client.
type Message struct {
	ID             string
	Subject        string
	From           EmailAddress
	To             []EmailAddress
	Body           Body
	IsRead         bool
	ReceivedAt     time.Time
	ConversationID string
}

// BusyInterval is a blocked range from the mailbox owner's calendar.
type BusyInterval struct {
	Start time.Time
	End   time.Time
}

// ProviderSubscription is a push registration as reported by the provider.
type ProviderSubscription struct {
	ID          string
	Resource    string
	ChangeType  string
	ClientState string
	ExpiresAt   time.Time
}

// graphAddress mirrors the provider's emailAddress wrapper.
type graphAddress struct {
	EmailAddress struct {
		Address string `json:"address"`
		Name    string `json:"name"`
	} `json:"emailAddress"`
}

// graphMessage mirrors the relevant fields of a provider message response.
type graphMessage struct {
	ID           string         `json:"id"`
	Subject      string         `json:"subject"`
	From         graphAddress   `json:"from"`
	ToRecipients []graphAddress `json:"toRecipients"`
	Body         struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	IsRead           *bool  `json:"isRead"`
	ReceivedDateTime string `json:"receivedDateTime"`
	ConversationID   string `json:"conversationId"`
}

func (m *graphMessage) toMessage() *Message {
	msg := &Message{
		ID:      m.ID,
		Subject: m.Subject,
		From: EmailAddress{
			Address: m.From.EmailAddress.Address,
			Name:    m.From.EmailAddress.Name,
		},
		Body: Body{
			ContentType: m.Body.ContentType,
			Content:     m.Body.Content,
		},
		ConversationID: m.ConversationID,
	}
	if m.IsRead != nil {
		msg.IsRead = *m.IsRead
	}
	for _, r := range m.ToRecipients {
		msg.To = append(msg.To, EmailAddress{
			Address: r.EmailAddress.Address,
			Name:    r.EmailAddress.Name,
		})
	}
	if t, err := time.Parse(time.RFC3339, m.ReceivedDateTime); err == nil {
		msg.ReceivedAt = t
	}
	return msg
}
