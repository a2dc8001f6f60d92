// Copyright 2026 The vrcsocial Authors
// SPDX-License-Identifier: Apache-2.0

package location

import (
	"math/rand"
	"testing"
)

func TestParseSentinels(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw  string
		tier AccessTier
	}{
		{"offline", TierPrivate},
		{"private", TierPrivate},
		{"traveling", TierTraveling},
		{"", TierPrivate},
	}
	for _, tc := range cases {
		got := Parse(tc.raw)
		if got.Tier != tc.tier {
			t.Errorf("Parse(%q).Tier = %v, want %v", tc.raw, got.Tier, tc.tier)
		}
		if !got.IsSentinel() {
			t.Errorf("Parse(%q).IsSentinel() = false, want true", tc.raw)
		}
		if got.OwnerID != "" || got.GroupID != "" || got.InstanceID != "" {
			t.Errorf("Parse(%q) carries ids: %+v", tc.raw, got)
		}
	}
}

func TestParseConcrete(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		raw  string
		want Instance
	}{
		{
			name: "public",
			raw:  "wrld_a:12345",
			want: Instance{WorldID: "wrld_a", InstanceID: "12345", Tier: TierPublic, Region: "US"},
		},
		{
			name: "friends with owner",
			raw:  "wrld_1:inst1~friends(usr_A)",
			want: Instance{WorldID: "wrld_1", InstanceID: "inst1", Tier: TierFriends, OwnerID: "usr_A", Region: "US"},
		},
		{
			name: "friends plus",
			raw:  "wrld_1:77~hidden(usr_b)~region(eu)",
			want: Instance{WorldID: "wrld_1", InstanceID: "77", Tier: TierFriendsPlus, OwnerID: "usr_b", Region: "EU"},
		},
		{
			name: "invite",
			raw:  "wrld_1:9~private(usr_c)~region(jp)",
			want: Instance{WorldID: "wrld_1", InstanceID: "9", Tier: TierInvite, OwnerID: "usr_c", Region: "JP"},
		},
		{
			name: "invite plus",
			raw:  "wrld_1:9~private(usr_c)~canRequestInvite~region(usw)",
			want: Instance{WorldID: "wrld_1", InstanceID: "9", Tier: TierInvitePlus, OwnerID: "usr_c", Region: "US West"},
		},
		{
			name: "group members",
			raw:  "wrld_2:inst2~group(grp_9)~groupAccessType(members)",
			want: Instance{WorldID: "wrld_2", InstanceID: "inst2", Tier: TierGroup, GroupID: "grp_9", Region: "US"},
		},
		{
			name: "group public",
			raw:  "wrld_2:inst2~group(grp_9)~groupAccessType(public)",
			want: Instance{WorldID: "wrld_2", InstanceID: "inst2", Tier: TierGroupPublic, GroupID: "grp_9", Region: "US"},
		},
		{
			name: "group plus",
			raw:  "wrld_2:inst2~group(grp_9)~groupAccessType(plus)~region(use)",
			want: Instance{WorldID: "wrld_2", InstanceID: "inst2", Tier: TierGroupPlus, GroupID: "grp_9", Region: "US East"},
		},
		{
			name: "unknown region falls back to US",
			raw:  "wrld_3:1~region(zz)",
			want: Instance{WorldID: "wrld_3", InstanceID: "1", Tier: TierPublic, Region: "US"},
		},
		{
			name: "no colon",
			raw:  "wrld_orphan",
			want: Instance{WorldID: "wrld_orphan", Tier: TierPublic, Region: "US"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Parse(tc.raw)
			tc.want.Raw = tc.raw
			if got != tc.want {
				t.Errorf("Parse(%q)\n got %+v\nwant %+v", tc.raw, got, tc.want)
			}
		})
	}
}

// TestParseTotal mutates and truncates well-formed location strings and
// checks the parser never panics and always yields a tier from the
// closed set.
func TestParseTotal(t *testing.T) {
	t.Parallel()
	validTiers := map[AccessTier]bool{
		TierPublic: true, TierFriendsPlus: true, TierFriends: true,
		TierInvite: true, TierInvitePlus: true, TierGroup: true,
		TierGroupPublic: true, TierGroupPlus: true, TierPrivate: true,
		TierTraveling: true,
	}

	seeds := []string{
		"wrld_1:inst1~friends(usr_A)~region(eu)",
		"wrld_2:inst2~group(grp_9)~groupAccessType(public)~region(jp)",
		"wrld_3:9~private(usr_c)~canRequestInvite",
		"offline",
		"traveling",
	}
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 100; i++ {
		mutated := []byte(seeds[rng.Intn(len(seeds))])
		switch rng.Intn(3) {
		case 0: // truncate
			if len(mutated) > 0 {
				mutated = mutated[:rng.Intn(len(mutated))]
			}
		case 1: // flip a byte
			if len(mutated) > 0 {
				mutated[rng.Intn(len(mutated))] = byte(rng.Intn(256))
			}
		case 2: // duplicate a chunk
			if len(mutated) > 1 {
				at := rng.Intn(len(mutated))
				mutated = append(mutated[:at], append([]byte(string(mutated[at:])), mutated[at:]...)...)
			}
		}

		got := Parse(string(mutated))
		if !validTiers[got.Tier] {
			t.Fatalf("Parse(%q) produced tier %q outside the closed set", mutated, got.Tier)
		}
	}
}
