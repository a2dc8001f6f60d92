// Copyright 2026 The vrcsocial Authors
// SPDX-License-Identifier: Apache-2.0

// Package location decodes the platform's compact location string
// encoding into typed attributes.
//
// A concrete location has the shape:
//
//	<worldID>:<instanceID>[~tag(value)]*
//
// where the suffix tags carry the instance's access tier, region,
// owner, and group. Three sentinel whole-string values exist: "offline",
// "private", and "traveling". Parsing is deterministic and total —
// malformed input never fails, it degrades to Public/US with no ids.
package location

import (
	"regexp"
	"strings"
)

// Sentinel location strings. The platform reports these in place of a
// concrete world:instance pair.
const (
	Offline   = "offline"
	Private   = "private"
	Traveling = "traveling"
)

// AccessTier is the visibility/join policy of an instance.
type AccessTier string

// The closed set of access tiers.
const (
	TierPublic      AccessTier = "public"
	TierFriendsPlus AccessTier = "friends+"
	TierFriends     AccessTier = "friends"
	TierInvite      AccessTier = "invite"
	TierInvitePlus  AccessTier = "invite+"
	TierGroup       AccessTier = "group"
	TierGroupPublic AccessTier = "group-public"
	TierGroupPlus   AccessTier = "group+"
	TierPrivate     AccessTier = "private"
	TierTraveling   AccessTier = "traveling"
)

// Label returns the human-readable tier name used by the display layer.
func (t AccessTier) Label() string {
	switch t {
	case TierPublic:
		return "Public"
	case TierFriendsPlus:
		return "Friends+"
	case TierFriends:
		return "Friends"
	case TierInvite:
		return "Invite"
	case TierInvitePlus:
		return "Invite+"
	case TierGroup:
		return "Group"
	case TierGroupPublic:
		return "Group Public"
	case TierGroupPlus:
		return "Group+"
	case TierPrivate:
		return "Private"
	case TierTraveling:
		return "Traveling"
	}
	return string(t)
}

// Instance is the decoded form of a location string.
type Instance struct {
	// Raw is the input string, unmodified.
	Raw string `json:"raw"`

	// WorldID is the venue id ("wrld_..."), empty for sentinels.
	WorldID string `json:"worldId,omitempty"`

	// InstanceID is the short instance id: the part after the colon
	// and before the first suffix tag. Empty for sentinels.
	InstanceID string `json:"instanceId,omitempty"`

	// Tier is the instance's access tier. Always a member of the
	// closed tier set, defaulting to TierPublic for concrete
	// locations with no recognizable tier tag.
	Tier AccessTier `json:"tier"`

	// Region is the instance's region code (JP, EU, US East,
	// US West, US). Defaults to US.
	Region string `json:"region"`

	// OwnerID is the instance owner's user id ("usr_..."), empty
	// when the location carries none.
	OwnerID string `json:"ownerId,omitempty"`

	// GroupID is the owning group's id ("grp_..."), empty for
	// non-group instances.
	GroupID string `json:"groupId,omitempty"`
}

// IsSentinel reports whether the instance was decoded from one of the
// sentinel strings (or an empty location, treated as offline).
func (i Instance) IsSentinel() bool {
	return i.WorldID == ""
}

var (
	ownerPattern  = regexp.MustCompile(`\((usr_[^)]+)\)`)
	groupPattern  = regexp.MustCompile(`~group\((grp_[^)]+)\)`)
	regionPattern = regexp.MustCompile(`~region\(([^)]*)\)`)
)

// regionNames maps the platform's region codes to display codes. The
// bare "us" entry must be checked after "use"/"usw" — the regexp
// extracts the full tag value, so a plain map lookup is sufficient.
var regionNames = map[string]string{
	"jp":  "JP",
	"eu":  "EU",
	"use": "US East",
	"usw": "US West",
	"us":  "US",
}

// Parse decodes a location string. It never fails: sentinel strings
// (and the empty string) map to fixed records, and unparseable
// suffixes fall back to Public/US with no owner or group.
func Parse(raw string) Instance {
	switch raw {
	case Offline, "":
		return Instance{Raw: raw, Tier: TierPrivate, Region: "US"}
	case Private:
		return Instance{Raw: raw, Tier: TierPrivate, Region: "US"}
	case Traveling:
		return Instance{Raw: raw, Tier: TierTraveling, Region: "US"}
	}

	instance := Instance{Raw: raw, Tier: TierPublic, Region: "US"}

	worldID, rest, found := strings.Cut(raw, ":")
	instance.WorldID = worldID
	if !found {
		return instance
	}

	shortID, _, _ := strings.Cut(rest, "~")
	instance.InstanceID = shortID

	if match := ownerPattern.FindStringSubmatch(rest); match != nil {
		instance.OwnerID = match[1]
	}
	if match := groupPattern.FindStringSubmatch(rest); match != nil {
		instance.GroupID = match[1]
	}
	if match := regionPattern.FindStringSubmatch(rest); match != nil {
		if name, ok := regionNames[match[1]]; ok {
			instance.Region = name
		}
	}

	instance.Tier = parseTier(rest)
	return instance
}

// parseTier classifies the suffix tags into an access tier. Tag
// priority follows the platform's own encoding: group instances first,
// then invite ("private"), then friends, then hidden ("friends+"),
// with public as the fallback.
func parseTier(rest string) AccessTier {
	switch {
	case strings.Contains(rest, "~group("):
		switch {
		case strings.Contains(rest, "groupAccessType(public)"):
			return TierGroupPublic
		case strings.Contains(rest, "groupAccessType(plus)"):
			return TierGroupPlus
		default:
			// groupAccessType(members) and untagged group
			// instances are both members-only.
			return TierGroup
		}
	case strings.Contains(rest, "~private("):
		if strings.Contains(rest, "~canRequestInvite") {
			return TierInvitePlus
		}
		return TierInvite
	case strings.Contains(rest, "~friends("):
		return TierFriends
	case strings.Contains(rest, "~hidden("):
		return TierFriendsPlus
	default:
		return TierPublic
	}
}
