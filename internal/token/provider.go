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

// Package token supplies valid bearer credentials for mailbox accounts,
// refreshing expired tokens through the OAuth token endpoint and keeping
// both credentials encrypted at rest.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/draftwise/pipeline/internal/models"
)

// ErrNoRefreshToken signals that a mailbox has no stored refresh credential
// and requires interactive re-authentication. This condition is permanent
// and surfaced to operators rather than retried.
var ErrNoRefreshToken = errors.New("no refresh token stored for account")

// Accounts is the slice of the account store the provider needs.
type Accounts interface {
	Get(ctx context.Context, id string) (*models.MailAccount, error)
	UpdateTokens(ctx context.Context, id, accessTokenEnc, refreshTokenEnc string) error
}

// Provider exchanges stored credentials for usable bearer tokens.
type Provider struct {
	accounts   Accounts
	crypter    *Crypter
	oauth      *oauth2.Config
	probeURL   string
	httpClient *http.Client
}

// NewProvider creates a token provider. probeURL is a cheap authenticated
// endpoint (the provider's /me) used to test stored access tokens.
func NewProvider(accounts Accounts, crypter *Crypter, oauth *oauth2.Config, probeURL string) *Provider {
	return &Provider{
		accounts:   accounts,
		crypter:    crypter,
		oauth:      oauth,
		probeURL:   probeURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// AccessToken returns a bearer token valid for the given mailbox account.
// The stored access token is probed first; on rejection the refresh
// credential is exchanged and the new pair persisted atomically.
func (p *Provider) AccessToken(ctx context.Context, accountID string) (string, error) {
	account, err := p.accounts.Get(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("load account %s: %w", accountID, err)
	}
	if account == nil {
		return "", fmt.Errorf("account %s not found", accountID)
	}

	accessToken, err := p.crypter.Decrypt(account.AccessTokenEnc)
	if err != nil {
		return "", fmt.Errorf("decrypt access token: %w", err)
	}

	if accessToken != "" && p.probe(ctx, accessToken) {
		return accessToken, nil
	}

	return p.refresh(ctx, account)
}

// probe issues a cheap authenticated request to test a token.
func (p *Provider) probe(ctx context.Context, accessToken string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, p.probeURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// refresh exchanges the stored refresh credential for a new token pair.
// When the provider does not rotate the refresh token, the previous one
// is kept — absence in the response is not an error.
func (p *Provider) refresh(ctx context.Context, account *models.MailAccount) (string, error) {
	refreshToken, err := p.crypter.Decrypt(account.RefreshTokenEnc)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}
	if refreshToken == "" {
		return "", fmt.Errorf("account %s: %w", account.ID, ErrNoRefreshToken)
	}

	// Route the exchange through our client so timeouts apply.
	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	tok, err := p.oauth.TokenSource(exchangeCtx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return "", fmt.Errorf("refresh token exchange for %s: %w", account.ID, err)
	}

	newRefresh := tok.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}

	accessEnc, err := p.crypter.Encrypt(tok.AccessToken)
	if err != nil {
		return "", fmt.Errorf("encrypt access token: %w", err)
	}
	refreshEnc, err := p.crypter.Encrypt(newRefresh)
	if err != nil {
		return "", fmt.Errorf("encrypt refresh token: %w", err)
	}

	if err := p.accounts.UpdateTokens(ctx, account.ID, accessEnc, refreshEnc); err != nil {
		return "", fmt.Errorf("persist refreshed tokens for %s: %w", account.ID, err)
	}

	slog.Info("access token refreshed",
		"account", account.ID,
		"rotated_refresh", tok.RefreshToken != "",
	)

	return tok.AccessToken, nil
}
