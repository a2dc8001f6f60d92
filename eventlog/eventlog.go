// Copyright 2026 The vrcsocial Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventlog derives a human-readable, append-only activity
// history from the friend event stream. New entries prepend; the log
// is truncated to MaxEntries on every write, dropping the oldest; the
// whole log is persisted to local durable storage on every write so it
// survives reloads.
package eventlog

import (
	"log/slog"
	"strings"
	"time"

	"github.com/S0iRu/vrcsocial/lib/clock"
)

// MaxEntries is the fixed log capacity. Oldest entries are dropped
// first once the cap is reached.
const MaxEntries = 500

// StoreKey is the durable storage key holding the log array.
const StoreKey = "activity-log"

// Kind is the coarse entry type, used for filtering.
type Kind string

// The closed set of entry kinds.
const (
	KindOnline        Kind = "online"
	KindOffline       Kind = "offline"
	KindLocation      Kind = "location"
	KindStatus        Kind = "status"
	KindStatusMessage Kind = "status-message"
)

// Entry is one activity log record.
type Entry struct {
	// ID increases monotonically within a session and across
	// reloads (the next id is recovered from the persisted log).
	ID int64 `json:"id"`

	// At is the local time the entry was appended.
	At time.Time `json:"at"`

	// Kind is the coarse event type.
	Kind Kind `json:"kind"`

	// Subject is the display name of the contact the entry is about.
	Subject string `json:"subject"`

	// Detail is a short human-readable description, e.g.
	// "The Great Pug → Midnight Rooftop".
	Detail string `json:"detail"`
}

// Persister is the durable storage surface the log needs. Satisfied by
// *localstore.Store.
type Persister interface {
	Get(key string, v any) (bool, error)
	Put(key string, v any) error
}

// Log is the capped activity history. Not safe for concurrent use —
// it is owned by the single-threaded client engine.
type Log struct {
	store   Persister
	clock   clock.Clock
	logger  *slog.Logger
	entries []Entry
	nextID  int64
}

// New loads any persisted entries from store and returns the log.
// A corrupt or missing persisted value starts an empty log — history
// is best-effort display state, never worth failing startup over.
func New(store Persister, clk clock.Clock, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	log := &Log{store: store, clock: clk, logger: logger, nextID: 1}

	var persisted []Entry
	found, err := store.Get(StoreKey, &persisted)
	if err != nil {
		logger.Warn("discarding unreadable activity log", "error", err)
		return log
	}
	if found {
		log.entries = persisted
		for _, entry := range persisted {
			if entry.ID >= log.nextID {
				log.nextID = entry.ID + 1
			}
		}
	}
	return log
}

// Append prepends a new entry, truncates to MaxEntries, and persists.
// Returns the appended entry.
func (l *Log) Append(kind Kind, subject, detail string) Entry {
	entry := Entry{
		ID:      l.nextID,
		At:      l.clock.Now(),
		Kind:    kind,
		Subject: subject,
		Detail:  detail,
	}
	l.nextID++

	l.entries = append([]Entry{entry}, l.entries...)
	if len(l.entries) > MaxEntries {
		l.entries = l.entries[:MaxEntries]
	}

	if err := l.store.Put(StoreKey, l.entries); err != nil {
		l.logger.Warn("persisting activity log", "error", err)
	}
	return entry
}

// Entries returns the log newest-first. The returned slice is a copy.
func (l *Log) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Filter returns entries matching the given kind (empty matches all)
// and a case-insensitive substring query against subject and detail
// (empty matches all). Newest first.
func (l *Log) Filter(kind Kind, query string) []Entry {
	query = strings.ToLower(query)
	var out []Entry
	for _, entry := range l.entries {
		if kind != "" && entry.Kind != kind {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(entry.Subject), query) &&
			!strings.Contains(strings.ToLower(entry.Detail), query) {
			continue
		}
		out = append(out, entry)
	}
	return out
}
