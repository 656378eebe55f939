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

// Package graph provides typed operations against the mail provider API:
// notification-preserving message reads, threaded draft replies, draft
// deletion, calendar reads, and push-subscription management.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// ErrNotFound is returned when the provider reports 404 for a resource.
// Callers that treat absence as success (draft deletion) check for it.
var ErrNotFound = errors.New("resource not found")

// TokenSource supplies a valid bearer token for a mailbox account.
// Implemented by token.Provider.
type TokenSource interface {
	AccessToken(ctx context.Context, accountID string) (string, error)
}

// Client performs REST calls against the mail provider on behalf of a
// mailbox account.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
}

// NewClient creates a mail provider client.
func NewClient(tokens TokenSource, baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		tokens:     tokens,
	}
}

// do issues an authenticated request and returns the response. The caller
// owns the body.
func (c *Client) do(ctx context.Context, accountID, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	tok, err := c.tokens.AccessToken(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("obtain access token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// GetMessage retrieves a message's content. A plain GET never alters the
// message's read/unread flag, so notification state is preserved.
func (c *Client) GetMessage(ctx context.Context, accountID, messageID string) (*Message, error) {
	path := fmt.Sprintf("/me/messages/%s?$select=id,subject,from,toRecipients,body,isRead,receivedDateTime,conversationId",
		url.PathEscape(messageID))

	resp, err := c.do(ctx, accountID, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned HTTP %d for message %s", resp.StatusCode, messageID)
	}

	var msg graphMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return msg.toMessage(), nil
}

// CreateDraftReply creates a threaded draft reply to the source message.
//
// The provider's createReply endpoint marks the source message read as a
// side effect. To keep the mailbox's notification state untouched the
// client records the read flag first and, if the message was unread,
// resets it after the draft exists. The draft body is the generated
// fragment, the style signature, and the quoted original thread.
func (c *Client) CreateDraftReply(ctx context.Context, accountID string, src *Message, htmlBody, signature string) (string, error) {
	wasRead, err := c.readFlag(ctx, accountID, src.ID)
	if err != nil {
		return "", fmt.Errorf("record read flag: %w", err)
	}

	resp, err := c.do(ctx, accountID, http.MethodPost,
		fmt.Sprintf("/me/messages/%s/createReply", url.PathEscape(src.ID)), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("createReply returned HTTP %d for message %s", resp.StatusCode, src.ID)
	}

	var draft struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&draft); err != nil {
		return "", fmt.Errorf("decode draft: %w", err)
	}

	composed := ComposeReplyBody(htmlBody, signature, src)
	if err := c.patchMessage(ctx, accountID, draft.ID, map[string]any{
		"body": map[string]string{
			"contentType": "html",
			"content":     composed,
		},
	}); err != nil {
		return "", fmt.Errorf("set draft body: %w", err)
	}

	if !wasRead {
		if err := c.patchMessage(ctx, accountID, src.ID, map[string]any{"isRead": false}); err != nil {
			return "", fmt.Errorf("restore unread flag: %w", err)
		}
		slog.Debug("restored unread flag after draft creation",
			"account", accountID,
			"message_id", src.ID,
		)
	}

	return draft.ID, nil
}

// DeleteDraft removes a draft. A 404 means the draft is already gone and
// is treated as success.
func (c *Client) DeleteDraft(ctx context.Context, accountID, draftID string) error {
	resp, err := c.do(ctx, accountID, http.MethodDelete,
		"/me/messages/"+url.PathEscape(draftID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("delete draft returned HTTP %d", resp.StatusCode)
	}
}

// ListCalendarView returns the mailbox owner's blocked ranges between from
// and to.
func (c *Client) ListCalendarView(ctx context.Context, accountID string, from, to time.Time) ([]BusyInterval, error) {
	params := url.Values{}
	params.Set("startDateTime", from.UTC().Format(time.RFC3339))
	params.Set("endDateTime", to.UTC().Format(time.RFC3339))
	params.Set("$select", "start,end")

	resp, err := c.do(ctx, accountID, http.MethodGet, "/me/calendarView?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("calendarView returned HTTP %d", resp.StatusCode)
	}

	var result struct {
		Value []struct {
			Start struct {
				DateTime string `json:"dateTime"`
			} `json:"start"`
			End struct {
				DateTime string `json:"dateTime"`
			} `json:"end"`
		} `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode calendar view: %w", err)
	}

	intervals := make([]BusyInterval, 0, len(result.Value))
	for _, e := range result.Value {
		start, err1 := parseGraphTime(e.Start.DateTime)
		end, err2 := parseGraphTime(e.End.DateTime)
		if err1 != nil || err2 != nil {
			continue
		}
		intervals = append(intervals, BusyInterval{Start: start, End: end})
	}
	return intervals, nil
}

// readFlag fetches just the isRead flag of a message.
func (c *Client) readFlag(ctx context.Context, accountID, messageID string) (bool, error) {
	resp, err := c.do(ctx, accountID, http.MethodGet,
		fmt.Sprintf("/me/messages/%s?$select=isRead", url.PathEscape(messageID)), nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("read flag fetch returned HTTP %d", resp.StatusCode)
	}

	var result struct {
		IsRead bool `json:"isRead"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("decode read flag: %w", err)
	}
	return result.IsRead, nil
}

// patchMessage issues a PATCH against a message resource.
func (c *Client) patchMessage(ctx context.Context, accountID, messageID string, fields map[string]any) error {
	resp, err := c.do(ctx, accountID, http.MethodPatch,
		"/me/messages/"+url.PathEscape(messageID), fields)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("patch message returned HTTP %d", resp.StatusCode)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// parseGraphTime handles the provider's fractional-second timestamps,
// which omit the zone suffix inside calendarView responses.
func parseGraphTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05.9999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
