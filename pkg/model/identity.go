package model

import (
	"fmt"
	"strings"
)

type IdentityKind string

const (
	IdentityPersonal IdentityKind = "user"
	IdentityBusiness IdentityKind = "business"
)

// IdentityRef addresses an actor: a personal user or a business persona.
type IdentityRef struct {
	Kind IdentityKind `json:"kind"`
	ID   string       `json:"id"`
}

func PersonalIdentity(userID string) IdentityRef {
	return IdentityRef{Kind: IdentityPersonal, ID: userID}
}

func BusinessIdentity(businessID string) IdentityRef {
	return IdentityRef{Kind: IdentityBusiness, ID: businessID}
}

// String returns the stored form, e.g. "user:42" or "business:7".
func (r IdentityRef) String() string {
	if r.IsZero() {
		return ""
	}
	return string(r.Kind) + ":" + r.ID
}

func (r IdentityRef) IsZero() bool { return r.ID == "" }

// ParseIdentity parses the stored form produced by String.
func ParseIdentity(s string) (IdentityRef, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return IdentityRef{}, fmt.Errorf("malformed identity %q", s)
	}
	switch IdentityKind(kind) {
	case IdentityPersonal, IdentityBusiness:
		return IdentityRef{Kind: IdentityKind(kind), ID: id}, nil
	}
	return IdentityRef{}, fmt.Errorf("unknown identity kind %q", kind)
}

type Contacts struct {
	Phone           string `json:"phone,omitempty"`
	MessagingHandle string `json:"messaging_handle,omitempty"`
	Email           string `json:"email,omitempty"`
}

// Profile is the display identity of a participant.
type Profile struct {
	Ref         IdentityRef `json:"ref"`
	DisplayName string      `json:"display_name"`
	AvatarRef   string      `json:"avatar_ref,omitempty"`
	Contacts    *Contacts   `json:"contacts,omitempty"`
}

type Business struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	LogoRef  string   `json:"logo_ref,omitempty"`
	Contacts Contacts `json:"contacts"`
	OwnerID  string   `json:"owner_id"`
}

type MemberRole string

const (
	MemberOwner        MemberRole = "owner"
	MemberCollaborator MemberRole = "collaborator"
)

type BusinessMember struct {
	BusinessID string     `json:"business_id"`
	UserID     string     `json:"user_id"`
	Role       MemberRole `json:"role"`
}
