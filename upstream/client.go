// Copyright 2026 The vrcsocial Authors
// SPDX-License-Identifier: Apache-2.0

// Package upstream is the client for the social VR platform's API: a
// typed HTTP surface (login, two-factor verification, paginated friend
// and favorite reads, user and world lookups) and the Pipeline
// WebSocket adapter delivering classified friend events.
//
// The package mirrors the platform's credential model: a password
// login issues an auth cookie, which every subsequent call (and the
// pipeline connection) presents. Session wraps one auth cookie;
// Client holds the transport shared across sessions.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/S0iRu/vrcsocial/lib/netutil"
	"github.com/S0iRu/vrcsocial/worlds"
)

// authCookieName is the platform's credential cookie.
const authCookieName = "auth"

// ClientConfig configures a Client.
type ClientConfig struct {
	// APIBaseURL is the base URL of the platform's HTTP API
	// (e.g. "https://api.vrchat.example/api/1"). Required.
	APIBaseURL string

	// PipelineURL is the WebSocket endpoint for the event stream
	// (e.g. "wss://pipeline.vrchat.example"). Required for
	// ConnectPipeline.
	PipelineURL string

	// UserAgent is sent on every request. The platform rejects
	// requests without one. Defaults to "vrcsocial".
	UserAgent string

	// HTTPClient is used for all requests. If nil,
	// http.DefaultClient is used.
	HTTPClient *http.Client

	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
}

// Client is an unauthenticated platform client. It holds the base
// URLs and HTTP transport, shared across Sessions.
type Client struct {
	baseURL     string
	pipelineURL string
	userAgent   string
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewClient validates the configuration and returns a Client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.APIBaseURL == "" {
		return nil, fmt.Errorf("upstream: APIBaseURL is required")
	}
	if _, err := url.Parse(config.APIBaseURL); err != nil {
		return nil, fmt.Errorf("upstream: invalid APIBaseURL %q: %w", config.APIBaseURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	userAgent := config.UserAgent
	if userAgent == "" {
		userAgent = "vrcsocial"
	}

	return &Client{
		baseURL:     strings.TrimRight(config.APIBaseURL, "/"),
		pipelineURL: config.PipelineURL,
		userAgent:   userAgent,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// CloseIdleConnections drops idle pooled connections. Call after a
// network disruption so the next request opens a fresh socket instead
// of reusing a poisoned one.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// Login authenticates with username and password. The platform issues
// the auth cookie on this call even when two-factor verification is
// still pending; check LoginResult.TwoFactorRequired before treating
// the session as usable.
func (c *Client) Login(ctx context.Context, username, password string) (*Session, LoginResult, error) {
	if username == "" || password == "" {
		return nil, LoginResult{}, fmt.Errorf("upstream: username and password are required")
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/user", nil)
	if err != nil {
		return nil, LoginResult{}, fmt.Errorf("upstream: building login request: %w", err)
	}
	request.Header.Set("User-Agent", c.userAgent)
	request.SetBasicAuth(url.QueryEscape(username), url.QueryEscape(password))

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, LoginResult{}, fmt.Errorf("upstream: login request failed: %w", err)
	}
	defer response.Body.Close()

	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, LoginResult{}, fmt.Errorf("upstream: reading login response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, LoginResult{}, decodeAPIError(response.StatusCode, body)
	}

	cookie := authCookieFrom(response)
	if cookie == "" {
		return nil, LoginResult{}, fmt.Errorf("upstream: login response carried no auth cookie")
	}

	var twoFactor struct {
		RequiresTwoFactorAuth []string `json:"requiresTwoFactorAuth"`
	}
	if err := json.Unmarshal(body, &twoFactor); err != nil {
		return nil, LoginResult{}, fmt.Errorf("upstream: parsing login response: %w", err)
	}

	result := LoginResult{
		TwoFactorRequired: len(twoFactor.RequiresTwoFactorAuth) > 0,
		Methods:           twoFactor.RequiresTwoFactorAuth,
	}
	c.logger.Info("platform login",
		"two_factor_required", result.TwoFactorRequired,
	)
	return &Session{client: c, authCookie: cookie}, result, nil
}

// SessionFromCookie wraps an existing auth cookie. This does not
// validate the cookie — the first API call fails if it is invalid.
func (c *Client) SessionFromCookie(authCookie string) *Session {
	return &Session{client: c, authCookie: authCookie}
}

// Session is an authenticated platform session: one auth cookie plus
// the shared Client transport.
type Session struct {
	client     *Client
	authCookie string
}

// AuthCookie returns the raw auth cookie value. The relay server
// stores it against its own browser session token.
func (s *Session) AuthCookie() string { return s.authCookie }

// Verify2FA completes two-factor verification with a code from the
// given method ("totp", "otp", or "emailotp").
func (s *Session) Verify2FA(ctx context.Context, method, code string) error {
	if method == "" {
		method = "totp"
	}
	path := fmt.Sprintf("/auth/twofactorauth/%s/verify", url.PathEscape(method))
	body, err := s.doRequest(ctx, http.MethodPost, path, nil, map[string]string{"code": code})
	if err != nil {
		return fmt.Errorf("upstream: two-factor verification failed: %w", err)
	}
	var verification struct {
		Verified bool `json:"verified"`
	}
	if err := json.Unmarshal(body, &verification); err != nil {
		return fmt.Errorf("upstream: parsing verification response: %w", err)
	}
	if !verification.Verified {
		return &APIError{StatusCode: http.StatusUnauthorized, Message: "two-factor code rejected"}
	}
	return nil
}

// Logout invalidates the auth cookie upstream.
func (s *Session) Logout(ctx context.Context) error {
	if _, err := s.doRequest(ctx, http.MethodPut, "/logout", nil, nil); err != nil {
		return fmt.Errorf("upstream: logout failed: %w", err)
	}
	return nil
}

// OnlineFriends fetches one page of the currently-online friend list.
func (s *Session) OnlineFriends(ctx context.Context, offset, pageSize int) ([]Friend, error) {
	query := url.Values{
		"offline": {"false"},
		"offset":  {strconv.Itoa(offset)},
		"n":       {strconv.Itoa(pageSize)},
	}
	body, err := s.doRequest(ctx, http.MethodGet, "/auth/user/friends", query, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: fetching online friends (offset %d): %w", offset, err)
	}
	var friends []Friend
	if err := json.Unmarshal(body, &friends); err != nil {
		return nil, fmt.Errorf("upstream: parsing friend list: %w", err)
	}
	return friends, nil
}

// Favorites fetches one page of the friend favorites list, including
// per-favorite group tags.
func (s *Session) Favorites(ctx context.Context, offset, pageSize int) ([]Favorite, error) {
	query := url.Values{
		"type":   {"friend"},
		"offset": {strconv.Itoa(offset)},
		"n":      {strconv.Itoa(pageSize)},
	}
	body, err := s.doRequest(ctx, http.MethodGet, "/favorites", query, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: fetching favorites (offset %d): %w", offset, err)
	}
	var favorites []Favorite
	if err := json.Unmarshal(body, &favorites); err != nil {
		return nil, fmt.Errorf("upstream: parsing favorites: %w", err)
	}
	return favorites, nil
}

// User fetches a single user's profile. Used to backfill offline
// favorites the friend list does not carry.
func (s *Session) User(ctx context.Context, userID string) (Friend, error) {
	body, err := s.doRequest(ctx, http.MethodGet, "/users/"+url.PathEscape(userID), nil, nil)
	if err != nil {
		return Friend{}, fmt.Errorf("upstream: fetching user %s: %w", userID, err)
	}
	var friend Friend
	if err := json.Unmarshal(body, &friend); err != nil {
		return Friend{}, fmt.Errorf("upstream: parsing user %s: %w", userID, err)
	}
	return friend, nil
}

// World fetches a world's metadata.
func (s *Session) World(ctx context.Context, worldID string) (worlds.World, error) {
	body, err := s.doRequest(ctx, http.MethodGet, "/worlds/"+url.PathEscape(worldID), nil, nil)
	if err != nil {
		return worlds.World{}, fmt.Errorf("upstream: fetching world %s: %w", worldID, err)
	}
	var world worlds.World
	if err := json.Unmarshal(body, &world); err != nil {
		return worlds.World{}, fmt.Errorf("upstream: parsing world %s: %w", worldID, err)
	}
	return world, nil
}

// doRequest performs an authenticated request and returns the response
// body. On non-2xx it returns a *APIError.
func (s *Session) doRequest(ctx context.Context, method, path string, query url.Values, requestBody any) ([]byte, error) {
	requestURL := s.client.baseURL + path
	if query != nil {
		requestURL += "?" + query.Encode()
	}

	var bodyReader *bytes.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	var request *http.Request
	var err error
	if bodyReader != nil {
		request, err = http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	} else {
		request, err = http.NewRequestWithContext(ctx, method, requestURL, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("User-Agent", s.client.userAgent)
	request.AddCookie(&http.Cookie{Name: authCookieName, Value: s.authCookie})

	response, err := s.client.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}
	return nil, decodeAPIError(response.StatusCode, responseBody)
}

// decodeAPIError turns a non-2xx response into a *APIError. A non-JSON
// body still produces a usable error with the raw text as the message.
func decodeAPIError(statusCode int, body []byte) error {
	var parsed apiErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return &APIError{StatusCode: statusCode, Message: parsed.Error.Message}
	}
	return &APIError{StatusCode: statusCode, Message: strings.TrimSpace(string(body))}
}

// authCookieFrom extracts the platform auth cookie from a response.
func authCookieFrom(response *http.Response) string {
	for _, cookie := range response.Cookies() {
		if cookie.Name == authCookieName {
			return cookie.Value
		}
	}
	return ""
}
