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

// Package respond builds model prompts from email content, style profiles,
// and calendar context, calls the language model, and post-processes the
// result into an HTML reply fragment.
package respond

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/draftwise/pipeline/internal/graph"
	"github.com/draftwise/pipeline/internal/models"
)

// GenerateInput carries everything the generator needs for one reply.
type GenerateInput struct {
	Subject string
	Sender  string
	Body    string
	Style   *models.StyleProfile
	// Busy holds the mailbox owner's blocked calendar ranges. Empty means
	// the schedule is open, which the prompt states explicitly so the
	// model does not invent availability either way.
	Busy []graph.BusyInterval
}

// GenerateResult is the post-processed model output.
type GenerateResult struct {
	HTML       string
	TokensUsed int
}

// Classification is the lightweight routing signal.
type Classification struct {
	Type    string `json:"type"`
	Urgency string `json:"urgency"`
}

// Generator calls an OpenAI-compatible chat completions endpoint.
type Generator struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
}

// NewGenerator creates a response generator.
func NewGenerator(baseURL, apiKey, model string, maxTokens int) *Generator {
	return &Generator{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		maxTokens:  maxTokens,
	}
}

// Generate produces an HTML-fragment reply body with no signature block;
// the caller appends the signature so its formatting stays independent of
// model output.
func (g *Generator) Generate(ctx context.Context, in GenerateInput) (*GenerateResult, error) {
	raw, err := g.complete(ctx, systemPrompt(in.Style), userPrompt(in))
	if err != nil {
		return nil, fmt.Errorf("generate reply: %w", err)
	}

	htmlBody := postProcess(raw)
	if htmlBody == "" {
		return nil, fmt.Errorf("model returned an empty reply")
	}

	return &GenerateResult{
		HTML:       htmlBody,
		TokensUsed: EstimateTokens(in.Subject + in.Body + htmlBody),
	}, nil
}

// Classify returns an email type and urgency for optional routing. Parse
// failures degrade to the zero value rather than failing the pipeline.
func (g *Generator) Classify(ctx context.Context, subject, body string) (Classification, error) {
	prompt := fmt.Sprintf(
		"Classify this email. Respond with JSON only: {\"type\": one of \"inquiry\", \"meeting\", \"complaint\", \"newsletter\", \"other\"; \"urgency\": one of \"low\", \"normal\", \"high\"}.\n\nSubject: %s\n\nBody:\n%s",
		subject, truncate(body, 2000))

	raw, err := g.complete(ctx, "You classify emails. Respond with compact JSON only, no prose.", prompt)
	if err != nil {
		return Classification{}, fmt.Errorf("classify email: %w", err)
	}

	var c Classification
	if err := json.Unmarshal([]byte(extractJSON(raw)), &c); err != nil {
		return Classification{}, nil
	}
	return c, nil
}

// EstimateTokens approximates token usage as content length over four.
// This is deliberately a cheap estimate for usage accounting, not a
// tokenizer.
func EstimateTokens(s string) int {
	return len(s) / 4
}

// chat completion wire types

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// complete issues a single-turn chat completion.
func (g *Generator) complete(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens: g.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("model call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("model endpoint returned HTTP %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("model returned no choices")
	}

	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// extractJSON pulls the first {...} span from model output that may be
// wrapped in prose or code fences.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
