// Copyright 2026 The vrcsocial Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import "encoding/json"

// Friend is a contact record as the platform returns it, both from the
// paginated friend list and from individual user lookups.
type Friend struct {
	// ID is the platform user id ("usr_...").
	ID string `json:"id"`

	// DisplayName is the user-chosen display name.
	DisplayName string `json:"displayName"`

	// Status is the user-settable coarse presence value
	// (e.g. "active", "join me", "ask me", "busy").
	Status string `json:"status"`

	// StatusDescription is the free-text status message.
	StatusDescription string `json:"statusDescription"`

	// State is the raw connectivity flag ("online", "active",
	// "offline"), independent of the user-settable Status.
	State string `json:"state,omitempty"`

	// Location is the encoded location string, or one of the
	// sentinels "offline", "private", "traveling".
	Location string `json:"location"`

	// ImageURL is the avatar thumbnail shown next to the contact.
	ImageURL string `json:"currentAvatarThumbnailImageUrl"`
}

// Favorite is one entry from the paginated favorites read. Tags carry
// the ordinal-named favorite group ("group_0", "group_1", ...).
type Favorite struct {
	// ID is the favorite record's own id.
	ID string `json:"id"`

	// FavoriteID is the id of the favorited user.
	FavoriteID string `json:"favoriteId"`

	// Type is the favorite kind; friend favorites carry "friend".
	Type string `json:"type"`

	// Tags holds the group membership tags. A friend favorite has
	// exactly one group tag.
	Tags []string `json:"tags"`
}

// GroupTag returns the first group tag, or "" for an untagged favorite.
func (f Favorite) GroupTag() string {
	if len(f.Tags) == 0 {
		return ""
	}
	return f.Tags[0]
}

// LoginResult reports the outcome of a password login. When the
// account has two-factor enabled, TwoFactorRequired is true and
// Methods lists the accepted verification methods; the auth cookie is
// already issued but unusable until Verify2FA succeeds.
type LoginResult struct {
	TwoFactorRequired bool
	Methods           []string
}

// EventKind identifies a classified pipeline event. The set is closed;
// frames with any other type are dropped by the adapter.
type EventKind string

// Pipeline event kinds, matching the platform's wire names. EventActive
// signals a friend becoming active and is treated identically to
// EventOnline by consumers.
const (
	EventOnline   EventKind = "friend-online"
	EventOffline  EventKind = "friend-offline"
	EventLocation EventKind = "friend-location"
	EventUpdate   EventKind = "friend-update"
	EventActive   EventKind = "friend-active"
)

// knownEventKinds is the closed classification set.
var knownEventKinds = map[EventKind]bool{
	EventOnline:   true,
	EventOffline:  true,
	EventLocation: true,
	EventUpdate:   true,
	EventActive:   true,
}

// Event is one classified pipeline event. Payload is the decoded inner
// content, re-serialized as JSON for verbatim forwarding.
type Event struct {
	Kind    EventKind
	Payload json.RawMessage
}

// FriendPayload is the inner payload shape shared by all friend
// events. Offline events carry only UserID; online/location events
// carry the full user record and location.
type FriendPayload struct {
	UserID   string  `json:"userId"`
	User     *Friend `json:"user,omitempty"`
	Location string  `json:"location,omitempty"`
}

// envelope is the outer frame shape. Content is itself a serialized
// JSON document and must be decoded a second time.
type envelope struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}
