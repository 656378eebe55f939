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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// OAuthConfig holds the delegated OAuth application credentials used to
// refresh per-mailbox tokens.
type OAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
}

// ModelConfig holds the language-model endpoint settings.
type ModelConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// Config holds all configuration for the triage service.
type Config struct {
	DatabaseURL string
	RedisURL    string
	EventsQueue string

	OAuth OAuthConfig
	Model ModelConfig

	// TokenEncryptionKey is the mandatory 32-byte key for credential-at-rest
	// encryption. Startup fails when it is absent or the wrong size.
	TokenEncryptionKey []byte

	WebhookURL  string
	WebhookPort int
	Port        int

	// Delay window for scheduled processing.
	MinResponseDelay time.Duration
	MaxResponseDelay time.Duration

	SubscriptionRenewalBuffer time.Duration
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Events string `yaml:"events"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	OAuth OAuthConfig `yaml:"oauth"`
	Model ModelConfig `yaml:"model"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	key, err := loadEncryptionKey()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DatabaseURL:               firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "")),
		RedisURL:                  firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		EventsQueue:               firstNonEmpty(raw.Redis.Queues.Events, envOrDefault("EVENTS_QUEUE", "triage-events")),
		OAuth:                     raw.OAuth,
		Model:                     raw.Model,
		TokenEncryptionKey:        key,
		WebhookURL:                envOrDefault("WEBHOOK_URL", ""),
		WebhookPort:               envOrDefaultInt("WEBHOOK_PORT", 8081),
		Port:                      envOrDefaultInt("PORT", 8080),
		MinResponseDelay:          envOrDefaultDuration("MIN_RESPONSE_DELAY", 45*time.Second),
		MaxResponseDelay:          envOrDefaultDuration("MAX_RESPONSE_DELAY", 60*time.Second),
		SubscriptionRenewalBuffer: envOrDefaultDuration("RENEWAL_BUFFER", 15*time.Minute),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.OAuth.ClientID == "" || cfg.OAuth.ClientSecret == "" {
		return nil, fmt.Errorf("oauth client credentials are required — check config.yaml")
	}
	if cfg.Model.BaseURL == "" || cfg.Model.APIKey == "" {
		return nil, fmt.Errorf("model endpoint configuration is required — check config.yaml")
	}
	if cfg.Model.Model == "" {
		cfg.Model.Model = "gpt-4o-mini"
	}
	if cfg.Model.MaxTokens <= 0 {
		cfg.Model.MaxTokens = 1024
	}
	if cfg.MinResponseDelay > cfg.MaxResponseDelay {
		return nil, fmt.Errorf("MIN_RESPONSE_DELAY %v exceeds MAX_RESPONSE_DELAY %v",
			cfg.MinResponseDelay, cfg.MaxResponseDelay)
	}

	return cfg, nil
}

// loadEncryptionKey reads TOKEN_ENCRYPTION_KEY and requires exactly 32 bytes
// (raw or base64-encoded). Tokens are never stored unencrypted: a missing or
// malformed key is a startup error, not a degradation.
func loadEncryptionKey() ([]byte, error) {
	v := os.Getenv("TOKEN_ENCRYPTION_KEY")
	if v == "" {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY is required — refusing to store credentials unencrypted")
	}

	if len(v) == 32 {
		return []byte(v), nil
	}

	decoded, err := base64.StdEncoding.DecodeString(v)
	if err == nil && len(decoded) == 32 {
		return decoded, nil
	}

	return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY must be 32 bytes (raw or base64), got %d", len(v))
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
