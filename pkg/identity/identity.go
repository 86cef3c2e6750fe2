// Package identity answers "who am I acting as". An Actor is an explicit
// session-scoped value passed into every core operation.
package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/mahaj/marketchat/pkg/apperr"
	"github.com/mahaj/marketchat/pkg/model"
)

// Anonymous is returned by Current when there is no session.
var Anonymous = model.IdentityRef{}

type Actor struct {
	UserID string
	// Persona is the business identity the user currently acts as, if any.
	Persona *model.IdentityRef
}

// Personal returns the actor's own identity regardless of persona.
func (a Actor) Personal() model.IdentityRef {
	if a.UserID == "" {
		return Anonymous
	}
	return model.PersonalIdentity(a.UserID)
}

// Current returns the active persona, else the personal identity, else
// Anonymous.
func (a Actor) Current() model.IdentityRef {
	if a.UserID == "" {
		return Anonymous
	}
	if a.Persona != nil {
		return *a.Persona
	}
	return a.Personal()
}

// Require is Current for callers that cannot proceed anonymously.
func (a Actor) Require() (model.IdentityRef, error) {
	ref := a.Current()
	if ref.IsZero() {
		return Anonymous, apperr.Unauthenticated("no session")
	}
	return ref, nil
}

// Members looks up business membership; the store satisfies it.
type Members interface {
	BusinessMember(ctx context.Context, businessID, userID string) (model.BusinessMember, error)
	Business(ctx context.Context, id string) (model.Business, error)
}

type Resolver struct {
	members Members
}

func NewResolver(members Members) *Resolver {
	return &Resolver{members: members}
}

// Resolve builds the actor for an authenticated user. persona is either
// empty or the textual business identity ("business:<id>") the user wants
// to act as; the user must own or collaborate on that business.
func (r *Resolver) Resolve(ctx context.Context, userID, persona string) (Actor, error) {
	if userID == "" {
		return Actor{}, apperr.Unauthenticated("no session")
	}
	actor := Actor{UserID: userID}
	persona = strings.TrimSpace(persona)
	if persona == "" {
		return actor, nil
	}

	ref, err := model.ParseIdentity(persona)
	if err != nil {
		return Actor{}, apperr.Validation("%v", err)
	}
	switch ref.Kind {
	case model.IdentityPersonal:
		if ref.ID != userID {
			return Actor{}, apperr.Forbidden("cannot act as another user")
		}
		return actor, nil
	case model.IdentityBusiness:
		if err := r.checkMember(ctx, ref.ID, userID); err != nil {
			return Actor{}, err
		}
		actor.Persona = &ref
		return actor, nil
	}
	return Actor{}, apperr.Validation("unsupported persona %q", persona)
}

// SwitchTo returns a copy of a acting as the given business.
func (r *Resolver) SwitchTo(ctx context.Context, a Actor, businessID string) (Actor, error) {
	if _, err := a.Require(); err != nil {
		return Actor{}, err
	}
	if err := r.checkMember(ctx, businessID, a.UserID); err != nil {
		return Actor{}, err
	}
	ref := model.BusinessIdentity(businessID)
	a.Persona = &ref
	return a, nil
}

func (r *Resolver) checkMember(ctx context.Context, businessID, userID string) error {
	if _, err := r.members.Business(ctx, businessID); err != nil {
		return err
	}
	_, err := r.members.BusinessMember(ctx, businessID, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.Forbidden("user %s is not a member of business %s", userID, businessID)
	}
	return err
}
