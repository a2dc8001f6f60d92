// Copyright 2026 The vrcsocial Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/S0iRu/vrcsocial/lib/clock"
)

// limiterIdleTTL is how long an address's limiter survives without
// traffic before a sweep drops it.
const limiterIdleTTL = 10 * time.Minute

// ipLimiter rate-limits requests per client address. Used on the auth
// routes so a credential-stuffing client cannot hammer the platform
// through the relay. Entries expire lazily during inserts.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	clock    clock.Clock
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(perMinute float64, burst int, clk clock.Clock) *ipLimiter {
	return &ipLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Limit(perMinute / 60),
		burst:    burst,
		clock:    clk,
	}
}

// allow reports whether the client behind remoteAddr may proceed.
func (l *ipLimiter) allow(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	entry, ok := l.limiters[host]
	if !ok {
		l.sweepLocked(now)
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[host] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// sweepLocked drops limiters idle past limiterIdleTTL. Called with mu
// held, only when inserting a new address, so steady-state traffic
// never pays for it.
func (l *ipLimiter) sweepLocked(now time.Time) {
	for host, entry := range l.limiters {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(l.limiters, host)
		}
	}
}
