// Copyright 2026 The vrcsocial Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/S0iRu/vrcsocial/lib/netutil"
	"github.com/S0iRu/vrcsocial/push"
	"github.com/S0iRu/vrcsocial/server"
	"github.com/S0iRu/vrcsocial/snapshot"
	"github.com/S0iRu/vrcsocial/upstream"
	"github.com/S0iRu/vrcsocial/worlds"
)

// Client is the engine's HTTP transport to the relay server. It holds
// the browser session cookie issued at login and implements Backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	session    string
}

// NewClient builds a relay client for the given server base URL
// (e.g. "http://localhost:8787"). A nil httpClient uses
// http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("state: relay base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("state: invalid relay URL %q: %w", baseURL, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}, nil
}

// Login authenticates against the relay and stores the issued session
// cookie on the client.
func (c *Client) Login(ctx context.Context, username, password string) (upstream.LoginResult, error) {
	body := map[string]string{"username": username, "password": password}
	response, err := c.send(ctx, http.MethodPost, "/api/login", body)
	if err != nil {
		return upstream.LoginResult{}, err
	}
	defer response.Body.Close()
	if err := checkStatus(response); err != nil {
		return upstream.LoginResult{}, fmt.Errorf("state: login: %w", err)
	}

	for _, cookie := range response.Cookies() {
		if cookie.Name == server.SessionCookie {
			c.session = cookie.Value
		}
	}
	if c.session == "" {
		return upstream.LoginResult{}, fmt.Errorf("state: login response carried no session cookie")
	}

	var result struct {
		TwoFactorRequired bool     `json:"twoFactorRequired"`
		Methods           []string `json:"methods"`
	}
	if err := netutil.DecodeResponse(response.Body, &result); err != nil {
		return upstream.LoginResult{}, fmt.Errorf("state: parsing login response: %w", err)
	}
	return upstream.LoginResult{
		TwoFactorRequired: result.TwoFactorRequired,
		Methods:           result.Methods,
	}, nil
}

// Verify2FA completes a pending two-factor login.
func (c *Client) Verify2FA(ctx context.Context, method, code string) error {
	body := map[string]string{"method": method, "code": code}
	response, err := c.send(ctx, http.MethodPost, "/api/2fa", body)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if err := checkStatus(response); err != nil {
		return fmt.Errorf("state: two-factor verification: %w", err)
	}
	return nil
}

// Logout revokes the relay session.
func (c *Client) Logout(ctx context.Context) error {
	response, err := c.send(ctx, http.MethodPost, "/api/logout", nil)
	if err != nil {
		return err
	}
	response.Body.Close()
	c.session = ""
	return nil
}

// Snapshot fetches the full contact snapshot.
func (c *Client) Snapshot(ctx context.Context) (snapshot.Result, error) {
	response, err := c.send(ctx, http.MethodGet, "/api/friends", nil)
	if err != nil {
		return snapshot.Result{}, err
	}
	defer response.Body.Close()
	if err := checkStatus(response); err != nil {
		return snapshot.Result{}, fmt.Errorf("state: snapshot: %w", err)
	}
	var result snapshot.Result
	if err := netutil.DecodeResponse(response.Body, &result); err != nil {
		return snapshot.Result{}, fmt.Errorf("state: parsing snapshot: %w", err)
	}
	return result, nil
}

// World fetches one world's metadata through the relay proxy.
func (c *Client) World(ctx context.Context, worldID string) (worlds.World, error) {
	response, err := c.send(ctx, http.MethodGet, "/api/worlds/"+url.PathEscape(worldID), nil)
	if err != nil {
		return worlds.World{}, err
	}
	defer response.Body.Close()
	if err := checkStatus(response); err != nil {
		return worlds.World{}, fmt.Errorf("state: world %s: %w", worldID, err)
	}
	var world worlds.World
	if err := netutil.DecodeResponse(response.Body, &world); err != nil {
		return worlds.World{}, fmt.Errorf("state: parsing world %s: %w", worldID, err)
	}
	return world, nil
}

// Stream opens the push channel. The returned Stream stays open until
// Close or the server ends it; cancelling ctx aborts a pending Next.
func (c *Client) Stream(ctx context.Context) (Stream, error) {
	response, err := c.send(ctx, http.MethodGet, "/api/stream", nil)
	if err != nil {
		return nil, err
	}
	if response.StatusCode != http.StatusOK {
		defer response.Body.Close()
		return nil, fmt.Errorf("state: stream: %w", statusError(response))
	}
	return &httpStream{reader: push.NewReader(response.Body), body: response.Body}, nil
}

type httpStream struct {
	reader *push.Reader
	body   io.ReadCloser
}

func (s *httpStream) Next() (push.Message, error) { return s.reader.Next() }

func (s *httpStream) Close() error { return s.body.Close() }

// send issues one request with the session cookie attached.
func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("state: encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("state: building request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.session != "" {
		request.AddCookie(&http.Cookie{Name: server.SessionCookie, Value: c.session})
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("state: %s %s: %w", method, path, err)
	}
	return response, nil
}

// checkStatus consumes error responses. 2xx passes through with the
// body unread.
func checkStatus(response *http.Response) error {
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return nil
	}
	return statusError(response)
}

func statusError(response *http.Response) error {
	raw := netutil.ErrorBody(response.Body)
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(raw), &body); err == nil && body.Error != "" {
		return fmt.Errorf("relay returned %d: %s", response.StatusCode, body.Error)
	}
	// Not the relay's error shape (a proxy or panic page); surface the
	// raw text.
	if trimmed := strings.TrimSpace(raw); trimmed != "" {
		return fmt.Errorf("relay returned %d: %s", response.StatusCode, trimmed)
	}
	return fmt.Errorf("relay returned %d", response.StatusCode)
}
