package profile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/marketchat/pkg/model"
	"github.com/mahaj/marketchat/pkg/snowflake"
	"github.com/mahaj/marketchat/pkg/store/memory"
)

type mapCache struct {
	mu sync.Mutex
	m  map[model.IdentityRef]model.Profile
}

func (c *mapCache) Get(_ context.Context, refs []model.IdentityRef) (map[model.IdentityRef]model.Profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[model.IdentityRef]model.Profile{}
	for _, r := range refs {
		if p, ok := c.m[r]; ok {
			out[r] = p
		}
	}
	return out, nil
}

func (c *mapCache) Set(_ context.Context, ps []model.Profile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range ps {
		c.m[p.Ref] = p
	}
	return nil
}

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	s := memory.New(node)
	s.PutProfile(model.Profile{Ref: model.PersonalIdentity("alice"), DisplayName: "Alice", AvatarRef: "a.png"})
	s.PutProfile(model.Profile{Ref: model.PersonalIdentity("bob"), DisplayName: "Bob"})
	s.PutProfile(model.Profile{Ref: model.BusinessIdentity("b1"), DisplayName: "Boulangerie"})
	s.PutBusiness(model.Business{ID: "b1", Name: "Boulangerie Martin", LogoRef: "logo.png", OwnerID: "owner",
		Contacts: model.Contacts{Phone: "+33100000000"}})
	return s
}

func TestEnrichParticipantsBatches(t *testing.T) {
	s := newStore(t)
	cache := &mapCache{m: map[model.IdentityRef]model.Profile{}}
	svc := NewService(s, cache, zerolog.Nop())

	refs := []model.IdentityRef{
		model.PersonalIdentity("alice"),
		model.PersonalIdentity("bob"),
		model.PersonalIdentity("alice"),
		model.PersonalIdentity("ghost"),
	}
	got, err := svc.EnrichParticipants(context.Background(), refs)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, "Alice", got[model.PersonalIdentity("alice")].DisplayName)
	assert.Equal(t, "user:ghost", got[model.PersonalIdentity("ghost")].DisplayName)
	assert.Equal(t, 1, s.ProfileLookups)

	// Known profiles are now cached; only the unknown one goes back to the store.
	_, err = svc.EnrichParticipants(context.Background(), refs)
	require.NoError(t, err)
	assert.Equal(t, 2, s.ProfileLookups)

	_, err = svc.EnrichParticipants(context.Background(), refs[:2])
	require.NoError(t, err)
	assert.Equal(t, 2, s.ProfileLookups)
}

func TestEnrichBusinessBacked(t *testing.T) {
	s := newStore(t)
	svc := NewService(s, nil, zerolog.Nop())
	conv := model.Conversation{ID: "c1", Kind: model.KindBusiness,
		Origin: model.Origin{Type: model.OriginBusiness, ID: "b1"}, CreatedAt: time.Now()}
	parts := []model.Participant{
		{ConversationID: "c1", IdentityID: "user:alice", Role: model.RoleConsumer},
		{ConversationID: "c1", IdentityID: "business:b1", Role: model.RoleBusiness},
	}

	d, err := svc.Enrich(context.Background(), conv, parts, model.PersonalIdentity("alice"))
	require.NoError(t, err)
	bc, ok := d.Business()
	require.True(t, ok)
	assert.Equal(t, "Boulangerie Martin", bc.Name)
	assert.Equal(t, "+33100000000", bc.Contacts.Phone)
	assert.Equal(t, "Boulangerie Martin", d.Title)
	assert.Equal(t, "logo.png", d.AvatarRef)

	// The business itself sees the customer.
	d, err = svc.Enrich(context.Background(), conv, parts, model.BusinessIdentity("b1"))
	require.NoError(t, err)
	assert.Equal(t, "Alice", d.Title)
	assert.Equal(t, "a.png", d.AvatarRef)
}

func TestEnrichMissingBusinessFallsBackToGeneric(t *testing.T) {
	s := newStore(t)
	svc := NewService(s, nil, zerolog.Nop())
	conv := model.Conversation{ID: "c1", Kind: model.KindBusiness,
		Origin: model.Origin{Type: model.OriginBusiness, ID: "gone"}}
	parts := []model.Participant{
		{ConversationID: "c1", IdentityID: "user:alice"},
		{ConversationID: "c1", IdentityID: "user:bob"},
	}

	d, err := svc.Enrich(context.Background(), conv, parts, model.PersonalIdentity("alice"))
	require.NoError(t, err)
	assert.IsType(t, Generic{}, d.Backing)
	assert.Equal(t, "Bob", d.Title)
}

func TestEnrichUsesTitleForGroups(t *testing.T) {
	s := newStore(t)
	svc := NewService(s, nil, zerolog.Nop())
	title := "Voisins"
	conv := model.Conversation{ID: "g1", Kind: model.KindGroup, Title: &title}

	d, err := svc.Enrich(context.Background(), conv, []model.Participant{{IdentityID: "user:alice"}}, model.PersonalIdentity("bob"))
	require.NoError(t, err)
	assert.Equal(t, "Voisins", d.Title)
	_, ok := d.Business()
	assert.False(t, ok)
}
