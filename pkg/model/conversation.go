package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

type ConversationKind string

const (
	KindPrivate  ConversationKind = "private"
	KindGroup    ConversationKind = "group"
	KindBusiness ConversationKind = "business"
)

type OriginType string

const (
	OriginNone     OriginType = "none"
	OriginBusiness OriginType = "business"
	OriginListing  OriginType = "listing"
)

type Origin struct {
	Type OriginType `json:"origin_type"`
	ID   string     `json:"origin_id,omitempty"`
}

type Conversation struct {
	ID           string           `json:"id"`
	Kind         ConversationKind `json:"kind"`
	Title        *string          `json:"title,omitempty"`
	Origin       Origin           `json:"origin"`
	CreatedAt    time.Time        `json:"created_at"`
	LastActivity time.Time        `json:"last_activity"`
}

type Role string

const (
	RoleOwner    Role = "owner"
	RoleAdmin    Role = "admin"
	RoleMember   Role = "member"
	RoleConsumer Role = "consumer"
	RoleBusiness Role = "business"
)

type Participant struct {
	ConversationID string     `json:"conversation_id"`
	IdentityID     string     `json:"identity_id"`
	Role           Role       `json:"role"`
	JoinedAt       time.Time  `json:"joined_at"`
	// ReadAt and ReadMessageID locate the newest message the participant
	// has read in (created_at, id) order. ReadAt is nil until the first read.
	ReadAt        *time.Time `json:"read_at,omitempty"`
	ReadMessageID int64      `json:"read_message_id,omitempty"`
}

// ConversationKey is the unique key a paired conversation is deduplicated
// on: origin plus a hash of the participant identities the origin does not
// already imply.
type ConversationKey struct {
	OriginType OriginType
	OriginID   string
	SetHash    string
}

// NewConversationKey builds the dedup key for origin and the given identity
// set. Order and duplicates in identities do not matter.
func NewConversationKey(origin Origin, identities []string) ConversationKey {
	set := make(map[string]struct{}, len(identities))
	for _, id := range identities {
		set[id] = struct{}{}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, "\x00")))
	return ConversationKey{
		OriginType: origin.Type,
		OriginID:   origin.ID,
		SetHash:    hex.EncodeToString(sum[:]),
	}
}

// ConversationSummary is one row of an identity's conversation list.
type ConversationSummary struct {
	Conversation Conversation  `json:"conversation"`
	Participants []Participant `json:"participants"`
	LastMessage  *Message      `json:"last_message,omitempty"`
}

// SortByRecency orders summaries by last activity, newest first.
func SortByRecency(items []ConversationSummary) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].Conversation, items[j].Conversation
		if a.LastActivity.Equal(b.LastActivity) {
			return a.ID > b.ID
		}
		return a.LastActivity.After(b.LastActivity)
	})
}
