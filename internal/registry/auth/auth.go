// Copyright 2021 Tetrate
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

// Package auth implements the registry bearer-challenge flow of
// spec.md §4.1: requests go out unauthenticated first; a 401 response's
// "WWW-Authenticate: Bearer realm=...,service=...,scope=..." challenge is
// parsed and exchanged for a token, then replayed with
// "Authorization: Bearer <token>" until the token is presumed expired.
//
// This generalizes the teacher's internal/registry/docker and
// internal/registry/github round trippers, which hardcode docker.io's
// anonymous-token endpoint and a fixed ghcr.io token respectively, into a
// single round tripper that works against any registry advertising the
// standard challenge, with optional host-keyed credentials per spec.md §6.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// Credentials are sent as HTTP basic auth to the token endpoint only, per
// spec.md §4.1.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CredentialStore resolves Credentials for a registry host, per spec.md §6:
// REGISTRY_USER/REGISTRY_PASSWORD apply to any host (single-registry
// convenience); REGISTRY_AUTH_FILE names a JSON file mapping host to
// Credentials, consulted first.
type CredentialStore struct {
	byHost map[string]Credentials
	single *Credentials
}

// LoadCredentials reads the environment variables and credentials file
// spec.md §6 describes. A missing REGISTRY_AUTH_FILE path is an error; a
// missing environment variable is not.
func LoadCredentials() (*CredentialStore, error) {
	cs := &CredentialStore{byHost: map[string]Credentials{}}
	if u, p := os.Getenv("REGISTRY_USER"), os.Getenv("REGISTRY_PASSWORD"); u != "" || p != "" {
		cs.single = &Credentials{Username: u, Password: p}
	}
	if path := os.Getenv("REGISTRY_AUTH_FILE"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		if err := json.Unmarshal(b, &cs.byHost); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	return cs, nil
}

// For returns the Credentials configured for host, if any. A nil receiver
// reports no credentials, so a Store is always optional to wire up.
func (cs *CredentialStore) For(host string) (Credentials, bool) {
	if cs == nil {
		return Credentials{}, false
	}
	if c, ok := cs.byHost[host]; ok {
		return c, true
	}
	if cs.single != nil {
		return *cs.single, true
	}
	return Credentials{}, false
}

// Challenge is a parsed "WWW-Authenticate: Bearer ..." header.
type Challenge struct {
	Realm, Service, Scope string
}

var errUnparseableChallenge = errors.New("unparseable WWW-Authenticate challenge")

// AuthError wraps any failure of the bearer challenge-and-token flow: an
// unparseable challenge, a rejected token request, or a malformed token
// response. internal/registry matches on this type (via errors.As) to
// surface spec.md §7's "auth" error kind at the CLI boundary.
type AuthError struct{ Err error }

func (e *AuthError) Error() string { return e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// ParseChallenge parses the Bearer challenge spec.md §4.1 describes. Realm
// is mandatory; Service and Scope may be empty.
func ParseChallenge(header string) (*Challenge, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return nil, errUnparseableChallenge
	}
	c := &Challenge{}
	for _, part := range strings.Split(strings.TrimPrefix(header, prefix), ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		val := strings.Trim(kv[1], `"`)
		switch kv[0] {
		case "realm":
			c.Realm = val
		case "service":
			c.Service = val
		case "scope":
			c.Scope = val
		}
	}
	if c.Realm == "" {
		return nil, errUnparseableChallenge
	}
	return c, nil
}

// RoundTripper performs the challenge-response bearer flow. The wrapped
// request is first tried unauthenticated; a 401's challenge is exchanged
// for a token at Challenge.Realm (HTTP basic auth from Credentials when
// configured for the request's host), then every request is replayed with
// the bearer token until it is presumed expired.
type RoundTripper struct {
	Base        http.RoundTripper
	Credentials *CredentialStore
	// Client fetches tokens from the realm URL; defaults to http.DefaultClient.
	Client *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func (rt *RoundTripper) base() http.RoundTripper {
	if rt.Base != nil {
		return rt.Base
	}
	return http.DefaultTransport
}

func (rt *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if token, ok := rt.cachedToken(); ok {
		return rt.base().RoundTrip(withBearer(req, token))
	}

	res, err := rt.base().RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusUnauthorized {
		return res, nil
	}
	res.Body.Close() //nolint

	challenge, err := ParseChallenge(res.Header.Get("WWW-Authenticate"))
	if err != nil {
		return nil, &AuthError{fmt.Errorf("auth: %w", err)}
	}
	if err := rt.refreshToken(req.Context(), challenge, req.URL.Host); err != nil {
		return nil, &AuthError{err}
	}

	token, _ := rt.cachedToken()
	return rt.base().RoundTrip(withBearer(req, token))
}

func withBearer(req *http.Request, token string) *http.Request {
	req2 := req.Clone(req.Context())
	req2.Header.Set("Authorization", "Bearer "+token)
	return req2
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (rt *RoundTripper) refreshToken(ctx context.Context, c *Challenge, host string) error {
	tokenURL := c.Realm
	q := url.Values{}
	if c.Service != "" {
		q.Set("service", c.Service)
	}
	if c.Scope != "" {
		q.Set("scope", c.Scope)
	}
	if enc := q.Encode(); enc != "" {
		if strings.Contains(tokenURL, "?") {
			tokenURL += "&" + enc
		} else {
			tokenURL += "?" + enc
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if creds, ok := rt.Credentials.For(host); ok {
		httpReq.SetBasicAuth(creds.Username, creds.Password)
	}

	client := rt.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("auth: fetching token from %s: %w", tokenURL, err)
	}
	defer res.Body.Close() //nolint

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("auth: token endpoint %s returned status %d", tokenURL, res.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(res.Body).Decode(&tr); err != nil {
		return fmt.Errorf("auth: decoding token response from %s: %w", tokenURL, err)
	}
	token := tr.Token
	if token == "" {
		token = tr.AccessToken
	}
	if token == "" {
		return fmt.Errorf("auth: token endpoint %s returned no token", tokenURL)
	}

	rt.mu.Lock()
	rt.token = token
	if tr.ExpiresIn > 0 {
		rt.expiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	} else {
		rt.expiresAt = time.Now().Add(5 * time.Minute)
	}
	rt.mu.Unlock()
	return nil
}

func (rt *RoundTripper) cachedToken() (string, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.token == "" || time.Now().After(rt.expiresAt) {
		return "", false
	}
	return rt.token, true
}
