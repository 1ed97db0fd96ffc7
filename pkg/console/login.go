// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// LoginPath is the trading engine's token endpoint, relative to a bot's API
// URL.
const LoginPath = "/api/v1/token/login"

// ErrLoginRejected is returned for a non-2xx login response.
var ErrLoginRejected = errors.New("login rejected")

// Tokens is a successful login.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Authenticator obtains tokens for one bot.
type Authenticator interface {
	Login(ctx context.Context, apiURL, username, password string) (Tokens, error)
}

// LoginClient logs in over HTTP with basic auth.
type LoginClient struct {
	HTTPClient *http.Client
}

// NewLoginClient returns a client whose requests time out after timeout.
func NewLoginClient(timeout time.Duration) *LoginClient {
	return &LoginClient{HTTPClient: &http.Client{Timeout: timeout}}
}

// Login posts to apiURL + LoginPath.
func (c *LoginClient) Login(ctx context.Context, apiURL, username, password string) (Tokens, error) {
	url := strings.TrimRight(apiURL, "/") + LoginPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return Tokens{}, fmt.Errorf("build login request: %w", err)
	}
	req.SetBasicAuth(username, password)
	req.Header.Set("Accept", "application/json")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Tokens{}, fmt.Errorf("login %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Tokens{}, fmt.Errorf("read login response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Tokens{}, fmt.Errorf("%w: %s returned %d", ErrLoginRejected, url, resp.StatusCode)
	}

	var tokens Tokens
	if err := json.Unmarshal(body, &tokens); err != nil {
		return Tokens{}, fmt.Errorf("decode login response: %w", err)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		return Tokens{}, fmt.Errorf("%w: %s returned no tokens", ErrLoginRejected, url)
	}
	return tokens, nil
}
