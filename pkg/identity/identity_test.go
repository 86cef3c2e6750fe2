package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/marketchat/pkg/apperr"
	"github.com/mahaj/marketchat/pkg/model"
	"github.com/mahaj/marketchat/pkg/snowflake"
	"github.com/mahaj/marketchat/pkg/store/memory"
)

func newResolver(t *testing.T) *Resolver {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	s := memory.New(node)
	s.PutBusiness(model.Business{ID: "b1", Name: "Boulangerie", OwnerID: "owner"})
	s.PutMember(model.BusinessMember{BusinessID: "b1", UserID: "helper", Role: model.MemberCollaborator})
	return NewResolver(s)
}

func TestAnonymousActor(t *testing.T) {
	var a Actor
	assert.Equal(t, Anonymous, a.Current())
	_, err := a.Require()
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestResolvePersonal(t *testing.T) {
	r := newResolver(t)
	a, err := r.Resolve(context.Background(), "u1", "")
	require.NoError(t, err)
	assert.Equal(t, model.PersonalIdentity("u1"), a.Current())

	a, err = r.Resolve(context.Background(), "u1", "user:u1")
	require.NoError(t, err)
	assert.Nil(t, a.Persona)

	_, err = r.Resolve(context.Background(), "u1", "user:u2")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = r.Resolve(context.Background(), "", "")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestResolveBusinessPersona(t *testing.T) {
	r := newResolver(t)
	ctx := context.Background()

	for _, user := range []string{"owner", "helper"} {
		a, err := r.Resolve(ctx, user, "business:b1")
		require.NoError(t, err)
		assert.Equal(t, model.BusinessIdentity("b1"), a.Current())
		assert.Equal(t, model.PersonalIdentity(user), a.Personal())
	}

	_, err := r.Resolve(ctx, "stranger", "business:b1")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = r.Resolve(ctx, "owner", "business:nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = r.Resolve(ctx, "owner", "garbage")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestSwitchTo(t *testing.T) {
	r := newResolver(t)
	a, err := r.SwitchTo(context.Background(), Actor{UserID: "helper"}, "b1")
	require.NoError(t, err)
	assert.Equal(t, model.BusinessIdentity("b1"), a.Current())

	_, err = r.SwitchTo(context.Background(), Actor{}, "b1")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}
