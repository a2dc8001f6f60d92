// Copyright 2026 The vrcsocial Authors
// SPDX-License-Identifier: Apache-2.0

// Package state is the browser-side reconciler: it merges the initial
// snapshot with the incremental push event stream into an authoritative
// contact map, and rebuilds the grouped, sorted instance view from
// scratch on every change. Recomputation, not mutation, is the
// consistency mechanism — the grouping output is cheap to rebuild and
// hard to patch correctly.
//
// Store is single-writer: the Engine owns it and applies all mutations
// on one goroutine, so the store itself takes no locks.
package state

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/S0iRu/vrcsocial/eventlog"
	"github.com/S0iRu/vrcsocial/lib/clock"
	"github.com/S0iRu/vrcsocial/location"
	"github.com/S0iRu/vrcsocial/snapshot"
	"github.com/S0iRu/vrcsocial/upstream"
	"github.com/S0iRu/vrcsocial/worlds"
)

// StampsKey is the durable storage key for the location-timestamp map.
const StampsKey = "location-timestamps"

// Persister is the durable storage surface the store writes its
// location timestamps through. Satisfied by *localstore.Store.
type Persister interface {
	Get(key string, v any) (bool, error)
	Put(key string, v any) error
}

// Contact is a live contact record: the snapshot row plus the local
// apply timestamp used by the push-wins merge.
type Contact struct {
	snapshot.Contact

	// UpdatedAt is when this record was last touched by a push event
	// or accepted from a refresh. A refresh never replaces a record
	// whose UpdatedAt is later than the refresh's request time.
	UpdatedAt time.Time `json:"updatedAt"`
}

// locationStamp records when a contact was first observed at its
// current location. Client-inferred; the platform provides no source
// of truth, so this is a best-effort display value.
type locationStamp struct {
	Location string    `json:"location"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Store owns the reconciler's mutable state.
type Store struct {
	contacts         map[string]*Contact
	favorites        map[string]string // contact id -> favorite group tag
	stamps           map[string]locationStamp
	offlineFavorites []snapshot.Contact

	worlds *worlds.Cache
	log    *eventlog.Log
	store  Persister
	clock  clock.Clock
	logger *slog.Logger
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// Worlds is the venue metadata cache. Required.
	Worlds *worlds.Cache

	// Log is the activity log fed by apply operations. Required.
	Log *eventlog.Log

	// Persister stores the location-timestamp map. Nil disables
	// persistence (timestamps reset on reload).
	Persister Persister

	// Clock is used for apply timestamps. Required.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewStore builds a Store, reloading persisted location timestamps.
func NewStore(config StoreConfig) *Store {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		contacts:  make(map[string]*Contact),
		favorites: make(map[string]string),
		stamps:    make(map[string]locationStamp),
		worlds:    config.Worlds,
		log:       config.Log,
		store:     config.Persister,
		clock:     config.Clock,
		logger:    logger,
	}
	if config.Persister != nil {
		var persisted map[string]locationStamp
		found, err := config.Persister.Get(StampsKey, &persisted)
		if err != nil {
			logger.Warn("discarding unreadable location timestamps", "error", err)
		} else if found {
			s.stamps = persisted
		}
	}
	return s
}

// ApplySnapshot merges a full snapshot into the live state. Push wins:
// a live record updated after the refresh was requested survives the
// merge untouched except for its favorite flags, and a contact that
// came online after the request is not dropped just because the
// refresh missed it.
func (s *Store) ApplySnapshot(result snapshot.Result, requestedAt time.Time) {
	s.favorites = make(map[string]string)
	for _, row := range result.Friends {
		if row.Favorite {
			s.favorites[row.ID] = row.FavoriteGroup
		}
	}
	for _, row := range result.OfflineFriends {
		s.favorites[row.ID] = row.FavoriteGroup
	}

	merged := make(map[string]*Contact, len(result.Friends))
	for _, row := range result.Friends {
		if live, ok := s.contacts[row.ID]; ok && live.UpdatedAt.After(requestedAt) {
			live.Favorite = row.Favorite
			live.FavoriteGroup = row.FavoriteGroup
			merged[row.ID] = live
			continue
		}
		contact := &Contact{Contact: row, UpdatedAt: requestedAt}
		merged[row.ID] = contact
	}
	for id, live := range s.contacts {
		if _, seen := merged[id]; !seen && live.UpdatedAt.After(requestedAt) {
			merged[id] = live
		}
	}
	s.contacts = merged
	s.offlineFavorites = result.OfflineFriends

	for id, contact := range s.contacts {
		s.touchStamp(id, contact.Location)
	}
	s.pruneStamps()
}

// ApplyOnline handles a friend-online (or friend-active) event:
// insert or replace the contact, refresh its location timestamp, and
// log it if favorited.
func (s *Store) ApplyOnline(payload upstream.FriendPayload) {
	contact := s.upsert(payload)
	s.touchStamp(contact.ID, contact.Location)

	if s.IsFavorite(contact.ID) {
		s.log.Append(eventlog.KindOnline, contact.DisplayName, s.placeName(contact.Location))
	}
}

// ApplyOffline removes the contact from the live map and drops its
// location timestamp. The contact reappears in the offline-favorites
// list on the next snapshot refresh, not here.
func (s *Store) ApplyOffline(payload upstream.FriendPayload) {
	contact, ok := s.contacts[payload.UserID]
	if !ok {
		return
	}
	delete(s.contacts, payload.UserID)
	delete(s.stamps, payload.UserID)
	s.persistStamps()

	if s.IsFavorite(contact.ID) {
		s.log.Append(eventlog.KindOffline, contact.DisplayName, "")
	}
}

// ApplyLocation handles a friend-location event: merge the new
// location onto the existing record, preserving fields the event does
// not carry, and log the transition if favorited.
func (s *Store) ApplyLocation(payload upstream.FriendPayload) {
	var previous string
	if existing, ok := s.contacts[payload.UserID]; ok {
		previous = existing.Location
	}

	contact := s.upsert(payload)
	s.touchStamp(contact.ID, contact.Location)

	if s.IsFavorite(contact.ID) && previous != contact.Location {
		detail := fmt.Sprintf("%s → %s", s.placeName(previous), s.placeName(contact.Location))
		s.log.Append(eventlog.KindLocation, contact.DisplayName, detail)
	}
}

// ApplyUpdate handles a friend-update event: patch profile fields onto
// an existing record only. Status and status-message changes are
// logged separately, each only when the value actually changed.
func (s *Store) ApplyUpdate(payload upstream.FriendPayload) {
	contact, ok := s.contacts[payload.UserID]
	if !ok || payload.User == nil {
		return
	}
	previousStatus := contact.Status
	previousMessage := contact.StatusDescription

	user := payload.User
	if user.DisplayName != "" {
		contact.DisplayName = user.DisplayName
	}
	if user.Status != "" {
		contact.Status = user.Status
	}
	contact.StatusDescription = user.StatusDescription
	if user.ImageURL != "" {
		contact.ImageURL = user.ImageURL
	}
	contact.UpdatedAt = s.clock.Now()

	if !s.IsFavorite(contact.ID) {
		return
	}
	if contact.Status != previousStatus {
		detail := fmt.Sprintf("%s → %s", previousStatus, contact.Status)
		s.log.Append(eventlog.KindStatus, contact.DisplayName, detail)
	}
	if contact.StatusDescription != previousMessage {
		s.log.Append(eventlog.KindStatusMessage, contact.DisplayName, contact.StatusDescription)
	}
}

// upsert inserts or merges the event payload into the contact map and
// returns the live record.
func (s *Store) upsert(payload upstream.FriendPayload) *Contact {
	contact, ok := s.contacts[payload.UserID]
	if !ok {
		contact = &Contact{}
		contact.ID = payload.UserID
		s.contacts[payload.UserID] = contact
	}
	if user := payload.User; user != nil {
		if user.DisplayName != "" {
			contact.DisplayName = user.DisplayName
		}
		if user.Status != "" {
			contact.Status = user.Status
			contact.StatusDescription = user.StatusDescription
		}
		if user.ImageURL != "" {
			contact.ImageURL = user.ImageURL
		}
	}
	loc := payload.Location
	if loc == "" && payload.User != nil {
		loc = payload.User.Location
	}
	if loc != "" {
		contact.Location = loc
	}
	if group, favorited := s.favorites[contact.ID]; favorited {
		contact.Favorite = true
		contact.FavoriteGroup = group
	}
	contact.UpdatedAt = s.clock.Now()
	return contact
}

// IsFavorite reports whether the contact id is in the favorites set.
func (s *Store) IsFavorite(id string) bool {
	_, ok := s.favorites[id]
	return ok
}

// Contact returns a copy of the live record for id.
func (s *Store) Contact(id string) (Contact, bool) {
	contact, ok := s.contacts[id]
	if !ok {
		return Contact{}, false
	}
	return *contact, true
}

// MissingWorld returns the world id a contact location references when
// that world is concrete and not yet cached. The engine uses this to
// kick off fire-and-forget venue resolution.
func (s *Store) MissingWorld(loc string) (string, bool) {
	worldID := location.Parse(loc).WorldID
	if worldID == "" {
		return "", false
	}
	if _, cached := s.worlds.Get(worldID); cached {
		return "", false
	}
	return worldID, true
}

// CacheWorld stores resolved venue metadata. The next recompute picks
// it up; caching a world that is no longer referenced is harmless.
func (s *Store) CacheWorld(world worlds.World) {
	s.worlds.Put(world)
}

// LocationOf returns the contact's current location string. Used by
// the engine's freshness check before patching a resolved venue in.
func (s *Store) LocationOf(id string) (string, bool) {
	contact, ok := s.contacts[id]
	if !ok {
		return "", false
	}
	return contact.Location, true
}

// touchStamp sets the contact's location timestamp if its stored
// location differs from the current one. An unchanged location keeps
// the original timestamp so "time here" keeps counting.
func (s *Store) touchStamp(id, loc string) {
	if stamp, ok := s.stamps[id]; ok && stamp.Location == loc {
		return
	}
	s.stamps[id] = locationStamp{Location: loc, JoinedAt: s.clock.Now()}
	s.persistStamps()
}

// pruneStamps drops timestamps for contacts no longer present.
func (s *Store) pruneStamps() {
	changed := false
	for id := range s.stamps {
		if _, present := s.contacts[id]; !present {
			delete(s.stamps, id)
			changed = true
		}
	}
	if changed {
		s.persistStamps()
	}
}

func (s *Store) persistStamps() {
	if s.store == nil {
		return
	}
	if err := s.store.Put(StampsKey, s.stamps); err != nil {
		s.logger.Warn("persisting location timestamps", "error", err)
	}
}

// placeName renders a location for log details: the cached world name
// when known, the sentinel word or raw string otherwise.
func (s *Store) placeName(loc string) string {
	decoded := location.Parse(loc)
	if decoded.IsSentinel() {
		return decoded.Tier.Label()
	}
	if world, ok := s.worlds.Get(decoded.WorldID); ok {
		return world.Name
	}
	return loc
}

// groupOrdinal extracts the numeric ordinal from a favorite group tag
// ("group_2" -> 2). Unknown shapes sort after every real group.
func groupOrdinal(tag string) int {
	suffix, ok := strings.CutPrefix(tag, "group_")
	if !ok {
		return 1 << 30
	}
	ordinal, err := strconv.Atoi(suffix)
	if err != nil {
		return 1 << 30
	}
	return ordinal
}
