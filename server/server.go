// Copyright 2026 The vrcsocial Authors
// SPDX-License-Identifier: Apache-2.0

// Package server is the relay between browsers and the social VR
// platform. It terminates browser sessions, proxies the login and
// snapshot reads, and re-publishes each logged-in user's upstream
// event pipeline over a Server-Sent Events stream.
//
// One platform WebSocket exists per authenticated stream request; the
// server forwards friend events verbatim and adds only channel-level
// control messages. Reconnecting after a drop is the browser's job —
// the server reports the disconnect and closes the stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/S0iRu/vrcsocial/lib/clock"
	"github.com/S0iRu/vrcsocial/snapshot"
	"github.com/S0iRu/vrcsocial/upstream"
	"github.com/S0iRu/vrcsocial/worlds"
)

// Server handles the relay's HTTP surface. Create with New, serve with
// any http.Server via ServeHTTP.
type Server struct {
	config   Config
	client   *upstream.Client
	sessions *sessionStore
	worlds   *worlds.Cache
	limiter  *ipLimiter
	clock    clock.Clock
	logger   *slog.Logger
	mux      *http.ServeMux
}

// New validates the config and builds a Server.
func New(config Config) (*Server, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	client, err := upstream.NewClient(upstream.ClientConfig{
		APIBaseURL:  config.APIBaseURL,
		PipelineURL: config.PipelineURL,
		UserAgent:   config.UserAgent,
		HTTPClient:  config.HTTPClient,
		Logger:      config.Logger,
	})
	if err != nil {
		return nil, err
	}

	server := &Server{
		config:   config,
		client:   client,
		sessions: newSessionStore(config.Clock, config.SessionTTL),
		worlds:   worlds.NewCache(nil, config.Clock, config.Logger),
		limiter:  newIPLimiter(config.AuthRatePerMinute, config.AuthRateBurst, config.Clock),
		clock:    config.Clock,
		logger:   config.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", server.handleLogin)
	mux.HandleFunc("POST /api/2fa", server.handle2FA)
	mux.HandleFunc("POST /api/logout", server.handleLogout)
	mux.HandleFunc("GET /api/friends", server.handleFriends)
	mux.HandleFunc("GET /api/worlds/{id}", server.handleWorld)
	mux.HandleFunc("GET /api/stream", server.handleStream)
	mux.HandleFunc("GET /healthz", server.handleHealth)
	server.mux = mux
	return server, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.allow(r.RemoteAddr) {
		writeError(w, http.StatusTooManyRequests, "too many login attempts")
		return
	}

	var credentials struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&credentials); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	session, result, err := s.client.Login(r.Context(), credentials.Username, credentials.Password)
	if err != nil {
		s.logger.Warn("login failed", "error", err)
		writeUpstreamError(w, err)
		return
	}

	token := s.sessions.add(session)
	s.setSessionCookie(w, token)
	writeJSON(w, http.StatusOK, map[string]any{
		"twoFactorRequired": result.TwoFactorRequired,
		"methods":           result.Methods,
	})
}

func (s *Server) handle2FA(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.allow(r.RemoteAddr) {
		writeError(w, http.StatusTooManyRequests, "too many verification attempts")
		return
	}
	session, ok := s.session(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "no session")
		return
	}

	var verification struct {
		Method string `json:"method"`
		Code   string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&verification); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if err := session.Verify2FA(r.Context(), verification.Method, verification.Code); err != nil {
		s.logger.Warn("two-factor verification failed", "error", err)
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, session, ok := s.sessionToken(r)
	if ok {
		// Invalidate the platform cookie best-effort; the browser
		// session dies regardless.
		if err := session.Logout(r.Context()); err != nil {
			s.logger.Warn("platform logout failed", "error", err)
		}
		s.sessions.remove(token)
	}
	s.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleFriends serves the full snapshot: online friends plus offline
// favorites, enriched with world metadata.
func (s *Server) handleFriends(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "no session")
		return
	}

	fetcher := snapshot.New(session, s.worlds, s.clock, s.logger)
	result, err := fetcher.Fetch(r.Context())
	if err != nil {
		s.logger.Warn("snapshot fetch failed", "error", err)
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleWorld serves one world's metadata through the shared cache.
func (s *Server) handleWorld(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "no session")
		return
	}

	worldID := r.PathValue("id")
	if world, found := s.worlds.Get(worldID); found {
		writeJSON(w, http.StatusOK, world)
		return
	}

	world, err := session.World(r.Context(), worldID)
	if err != nil {
		s.logger.Warn("world lookup failed", "world_id", worldID, "error", err)
		writeUpstreamError(w, err)
		return
	}
	s.worlds.Put(world)
	writeJSON(w, http.StatusOK, world)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

// session resolves the request's browser session cookie.
func (s *Server) session(r *http.Request) (*upstream.Session, bool) {
	_, session, ok := s.sessionToken(r)
	return session, ok
}

func (s *Server) sessionToken(r *http.Request) (string, *upstream.Session, bool) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return "", nil, false
	}
	session, ok := s.sessions.get(cookie.Value)
	return cookie.Value, session, ok
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.config.SessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeUpstreamError maps a platform error onto the relay's status
// codes: auth failures pass through as 401, upstream 404s as 404, and
// everything else becomes a 502 since the platform, not the relay, is
// at fault.
func writeUpstreamError(w http.ResponseWriter, err error) {
	var apiErr *upstream.APIError
	switch {
	case upstream.IsAuthError(err):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.Canceled):
		// Client went away mid-request; nothing useful to write.
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}
