// Copyright 2026 The vrcsocial Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/S0iRu/vrcsocial/lib/clock"
	"github.com/S0iRu/vrcsocial/upstream"
)

// SessionCookie is the browser cookie carrying the relay session token.
// The platform auth cookie itself never reaches the browser.
const SessionCookie = "vrcsocial_session"

// sessionStore maps opaque browser tokens to platform sessions.
// Expiry is lazy: an expired entry is dropped the next time it is
// looked up, and lookups slide the expiry forward.
type sessionStore struct {
	mu      sync.Mutex
	entries map[string]*sessionEntry
	clock   clock.Clock
	ttl     time.Duration
}

type sessionEntry struct {
	session *upstream.Session
	expires time.Time
}

func newSessionStore(clk clock.Clock, ttl time.Duration) *sessionStore {
	return &sessionStore{
		entries: make(map[string]*sessionEntry),
		clock:   clk,
		ttl:     ttl,
	}
}

// add registers a platform session and returns the browser token.
func (s *sessionStore) add(session *upstream.Session) string {
	token := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[token] = &sessionEntry{
		session: session,
		expires: s.clock.Now().Add(s.ttl),
	}
	return token
}

// get resolves a token. Expired entries are removed on the way out;
// live ones get their expiry extended.
func (s *sessionStore) get(token string) (*upstream.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[token]
	if !ok {
		return nil, false
	}
	now := s.clock.Now()
	if !now.Before(entry.expires) {
		delete(s.entries, token)
		return nil, false
	}
	entry.expires = now.Add(s.ttl)
	return entry.session, true
}

// remove drops a token. Safe to call for unknown tokens.
func (s *sessionStore) remove(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, token)
}
