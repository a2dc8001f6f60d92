// Copyright 2026 The vrcsocial Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"sort"
	"time"

	"github.com/S0iRu/vrcsocial/location"
	"github.com/S0iRu/vrcsocial/snapshot"
	"github.com/S0iRu/vrcsocial/worlds"
)

// ConnStatus is the push channel's tri-state connectivity indicator.
type ConnStatus string

const (
	StatusConnected    ConnStatus = "connected"
	StatusReconnecting ConnStatus = "reconnecting"
	StatusDisconnected ConnStatus = "disconnected"
)

// Member is one contact inside an instance view.
type Member struct {
	Contact Contact `json:"contact"`

	// JoinedAt is the locally inferred time the contact arrived at
	// this location. Zero when unknown.
	JoinedAt time.Time `json:"joinedAt,omitzero"`

	// Owner marks the instance owner.
	Owner bool `json:"owner,omitempty"`
}

// Instance is one grouped location in the view: a concrete venue
// instance, or the Traveling/Private pseudo-group.
type Instance struct {
	// Key is the grouping key: the raw location string for concrete
	// instances, the tier label for pseudo-groups.
	Key string `json:"key"`

	// Location is the decoded form (zero value for pseudo-groups).
	Location location.Instance `json:"location"`

	// World is the cached venue metadata; a zero ID means the venue
	// is unresolved and the UI falls back to the raw location string.
	World worlds.World `json:"world"`

	// Pseudo marks the Traveling/Private pseudo-groups, which sort
	// after every concrete venue.
	Pseudo bool `json:"pseudo,omitempty"`

	// Favorites holds the favorited occupants, OtherFriends everyone
	// else sharing the location. An instance only exists in the view
	// when Favorites is non-empty.
	Favorites    []Member `json:"favorites"`
	OtherFriends []Member `json:"otherFriends,omitempty"`
}

// FavoriteCount is the number of favorited occupants.
func (i Instance) FavoriteCount() int { return len(i.Favorites) }

// View is the reconciler's complete output.
type View struct {
	Status           ConnStatus         `json:"status"`
	Instances        []Instance         `json:"instances"`
	OfflineFavorites []snapshot.Contact `json:"offlineFavorites"`
	GeneratedAt      time.Time          `json:"generatedAt"`
}

// Recompute rebuilds the grouped instance view from the current
// contact map. It is a pure function of store state: no mutation,
// identical output for identical state.
func (s *Store) Recompute() View {
	groups := make(map[string][]*Contact)
	for _, contact := range s.contacts {
		groups[groupKey(contact.Location)] = append(groups[groupKey(contact.Location)], contact)
	}

	instances := make([]Instance, 0, len(groups))
	for key, members := range groups {
		instance := s.buildInstance(key, members)
		if len(instance.Favorites) == 0 {
			continue
		}
		instances = append(instances, instance)
	}
	s.sortInstances(instances)

	offline := make([]snapshot.Contact, len(s.offlineFavorites))
	copy(offline, s.offlineFavorites)

	return View{
		Instances:        instances,
		OfflineFavorites: offline,
		GeneratedAt:      s.clock.Now(),
	}
}

// groupKey collapses sentinel locations onto their pseudo-group label
// so every private contact shares one group regardless of the exact
// sentinel string.
func groupKey(loc string) string {
	decoded := location.Parse(loc)
	if decoded.IsSentinel() {
		return decoded.Tier.Label()
	}
	return loc
}

func (s *Store) buildInstance(key string, members []*Contact) Instance {
	decoded := location.Parse(members[0].Location)
	instance := Instance{Key: key, Pseudo: decoded.IsSentinel()}
	if !instance.Pseudo {
		instance.Location = decoded
		if world, ok := s.worlds.Get(decoded.WorldID); ok {
			instance.World = world
		}
	}

	for _, contact := range members {
		member := Member{
			Contact: *contact,
			Owner:   decoded.OwnerID != "" && decoded.OwnerID == contact.ID,
		}
		if stamp, ok := s.stamps[contact.ID]; ok && stamp.Location == contact.Location {
			member.JoinedAt = stamp.JoinedAt
		}
		if s.IsFavorite(contact.ID) {
			instance.Favorites = append(instance.Favorites, member)
		} else {
			instance.OtherFriends = append(instance.OtherFriends, member)
		}
	}
	sortMembers(instance.Favorites)
	sortMembers(instance.OtherFriends)
	return instance
}

// sortMembers orders a partition owner-first, then longest-resident
// first (ascending joinedAt), then by id for determinism.
func sortMembers(members []Member) {
	sort.SliceStable(members, func(i, j int) bool {
		if members[i].Owner != members[j].Owner {
			return members[i].Owner
		}
		if !members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].JoinedAt.Before(members[j].JoinedAt)
		}
		return members[i].Contact.ID < members[j].Contact.ID
	})
}

// sortInstances orders the view: concrete venues first (pseudo-groups
// pinned last), earliest favorite arrival first, then ascending
// minimum favorite-group ordinal, then descending favorite count.
func (s *Store) sortInstances(instances []Instance) {
	sort.SliceStable(instances, func(i, j int) bool {
		a, b := instances[i], instances[j]
		if a.Pseudo != b.Pseudo {
			return !a.Pseudo
		}
		aj, bj := earliestFavoriteJoin(a), earliestFavoriteJoin(b)
		if !aj.Equal(bj) {
			return aj.Before(bj)
		}
		ao, bo := s.minGroupOrdinal(a), s.minGroupOrdinal(b)
		if ao != bo {
			return ao < bo
		}
		if a.FavoriteCount() != b.FavoriteCount() {
			return a.FavoriteCount() > b.FavoriteCount()
		}
		return a.Key < b.Key
	})
}

// earliestFavoriteJoin is the earliest known joinedAt among favorited
// occupants. Unknown timestamps are treated as latest, not earliest,
// so a venue with established residents outranks one with unknowns.
func earliestFavoriteJoin(instance Instance) time.Time {
	var earliest time.Time
	for _, member := range instance.Favorites {
		if member.JoinedAt.IsZero() {
			continue
		}
		if earliest.IsZero() || member.JoinedAt.Before(earliest) {
			earliest = member.JoinedAt
		}
	}
	if earliest.IsZero() {
		// The zero time sorts before everything; push unknowns last.
		return distantFuture
	}
	return earliest
}

var distantFuture = time.Unix(1<<41, 0)

// minGroupOrdinal is the smallest favorite-group ordinal among the
// instance's favorited occupants.
func (s *Store) minGroupOrdinal(instance Instance) int {
	minimum := 1 << 30
	for _, member := range instance.Favorites {
		if group, ok := s.favorites[member.Contact.ID]; ok {
			if ordinal := groupOrdinal(group); ordinal < minimum {
				minimum = ordinal
			}
		}
	}
	return minimum
}
