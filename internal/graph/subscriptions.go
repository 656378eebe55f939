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

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// InboxResource is the only resource scope this system subscribes to.
// Scoping to the Inbox folder avoids noise from Sent/Drafts/Deleted —
// a whole-mailbox subscription would fire on our own draft writes.
const InboxResource = "/me/mailFolders('Inbox')/messages"

// maxSubscriptionLifetime is the provider's cap on subscription expiry,
// requiring periodic external renewal.
const maxSubscriptionLifetime = time.Hour

// ErrSubscriptionGone is returned when the provider reports a subscription
// no longer exists during renewal.
var ErrSubscriptionGone = errors.New("subscription no longer exists at provider")

// CreateSubscription registers a push subscription for a single change type
// on the account's Inbox. clientState is the opaque correlation token echoed
// back in every push.
func (c *Client) CreateSubscription(ctx context.Context, accountID, changeType, clientState, notificationURL string) (*ProviderSubscription, error) {
	expiry := time.Now().UTC().Add(maxSubscriptionLifetime)

	payload := map[string]any{
		"changeType":         changeType,
		"notificationUrl":    notificationURL,
		"resource":           InboxResource,
		"expirationDateTime": expiry.Format(time.RFC3339),
		"clientState":        clientState,
	}

	resp, err := c.do(ctx, accountID, http.MethodPost, "/subscriptions", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("subscription creation returned HTTP %d", resp.StatusCode)
	}

	var result struct {
		ID                 string `json:"id"`
		ExpirationDateTime string `json:"expirationDateTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode subscription response: %w", err)
	}

	parsedExpiry, _ := time.Parse(time.RFC3339, result.ExpirationDateTime)
	if parsedExpiry.IsZero() {
		parsedExpiry = expiry
	}

	return &ProviderSubscription{
		ID:          result.ID,
		Resource:    InboxResource,
		ChangeType:  changeType,
		ClientState: clientState,
		ExpiresAt:   parsedExpiry,
	}, nil
}

// RenewSubscription extends a subscription's expiry to the provider maximum.
func (c *Client) RenewSubscription(ctx context.Context, accountID, subscriptionID string) (time.Time, error) {
	newExpiry := time.Now().UTC().Add(maxSubscriptionLifetime)

	resp, err := c.do(ctx, accountID, http.MethodPatch, "/subscriptions/"+subscriptionID, map[string]string{
		"expirationDateTime": newExpiry.Format(time.RFC3339),
	})
	if err != nil {
		return time.Time{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return time.Time{}, ErrSubscriptionGone
	}
	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("subscription renewal returned HTTP %d", resp.StatusCode)
	}

	return newExpiry, nil
}

// DeleteSubscription removes a subscription. Absence is treated as success.
func (c *Client) DeleteSubscription(ctx context.Context, accountID, subscriptionID string) error {
	resp, err := c.do(ctx, accountID, http.MethodDelete, "/subscriptions/"+subscriptionID, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("subscription deletion returned HTTP %d", resp.StatusCode)
	}
}

// ListSubscriptions returns the account's subscriptions as the provider
// sees them.
func (c *Client) ListSubscriptions(ctx context.Context, accountID string) ([]ProviderSubscription, error) {
	resp, err := c.do(ctx, accountID, http.MethodGet, "/subscriptions", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("subscription listing returned HTTP %d", resp.StatusCode)
	}

	var result struct {
		Value []struct {
			ID                 string `json:"id"`
			Resource           string `json:"resource"`
			ChangeType         string `json:"changeType"`
			ClientState        string `json:"clientState"`
			ExpirationDateTime string `json:"expirationDateTime"`
		} `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode subscription list: %w", err)
	}

	subs := make([]ProviderSubscription, 0, len(result.Value))
	for _, v := range result.Value {
		expiry, _ := time.Parse(time.RFC3339, v.ExpirationDateTime)
		subs = append(subs, ProviderSubscription{
			ID:          v.ID,
			Resource:    v.Resource,
			ChangeType:  v.ChangeType,
			ClientState: v.ClientState,
			ExpiresAt:   expiry,
		})
	}
	return subs, nil
}

// SweepMisconfigured deletes subscriptions whose scope is broader than the
// Inbox or whose change-type set includes anything beyond a single
// "created" or "deleted". Legacy subscriptions of either kind would
// double-fire the pipeline. Returns the ids removed.
func (c *Client) SweepMisconfigured(ctx context.Context, accountID string, dryRun bool) ([]string, error) {
	subs, err := c.ListSubscriptions(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions for sweep: %w", err)
	}

	var removed []string
	for _, sub := range subs {
		if IsWellFormed(sub) {
			continue
		}

		slog.Warn("misconfigured subscription found",
			"account", accountID,
			"subscription_id", sub.ID,
			"resource", sub.Resource,
			"change_type", sub.ChangeType,
			"dry_run", dryRun,
		)

		if !dryRun {
			if err := c.DeleteSubscription(ctx, accountID, sub.ID); err != nil {
				return removed, fmt.Errorf("delete misconfigured subscription %s: %w", sub.ID, err)
			}
		}
		removed = append(removed, sub.ID)
	}
	return removed, nil
}

// IsWellFormed reports whether a provider subscription matches the shape
// this system creates: Inbox-scoped, exactly one change type, and that
// type either "created" or "deleted".
func IsWellFormed(sub ProviderSubscription) bool {
	if !strings.Contains(sub.Resource, "mailFolders('Inbox')") {
		return false
	}
	ct := strings.TrimSpace(sub.ChangeType)
	return ct == "created" || ct == "deleted"
}
