package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/marketchat/pkg/apperr"
	"github.com/mahaj/marketchat/pkg/identity"
	"github.com/mahaj/marketchat/pkg/model"
	"github.com/mahaj/marketchat/pkg/snowflake"
	"github.com/mahaj/marketchat/pkg/store/memory"
)

func setup(t *testing.T) (*Registry, *memory.Store) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	s := memory.New(node)
	s.PutProfile(model.Profile{Ref: model.PersonalIdentity("alice"), DisplayName: "Alice"})
	s.PutProfile(model.Profile{Ref: model.PersonalIdentity("bob"), DisplayName: "Bob"})
	s.PutBusiness(model.Business{ID: "b1", Name: "Boulangerie", OwnerID: "owner"})
	r := New(s, zerolog.Nop())
	base := time.Now().Add(-time.Hour)
	r.now = func() time.Time { return base }
	return r, s
}

func alice() identity.Actor { return identity.Actor{UserID: "alice"} }

func TestConcurrentOpenConvergesOnOneConversation(t *testing.T) {
	r, s := setup(t)

	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := r.GetOrCreateBusinessConversation(context.Background(), alice(), "b1")
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, s.ConversationCount())

	parts, err := s.Participants(context.Background(), ids[0])
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user:alice", "business:b1"}, []string{parts[0].IdentityID, parts[1].IdentityID})
}

func TestDoubleTapOpensSameConversation(t *testing.T) {
	r, _ := setup(t)
	first, err := r.GetOrCreateBusinessConversation(context.Background(), alice(), "b1")
	require.NoError(t, err)
	second, err := r.GetOrCreateBusinessConversation(context.Background(), alice(), "b1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestBusinessConversationErrors(t *testing.T) {
	r, _ := setup(t)

	_, err := r.GetOrCreateBusinessConversation(context.Background(), alice(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = r.GetOrCreateBusinessConversation(context.Background(), identity.Actor{}, "b1")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)

	persona := model.BusinessIdentity("b1")
	self := identity.Actor{UserID: "owner", Persona: &persona}
	_, err = r.GetOrCreateBusinessConversation(context.Background(), self, "b1")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestPersonaAndPersonalAreDistinctParties(t *testing.T) {
	r, s := setup(t)
	s.PutBusiness(model.Business{ID: "b2", Name: "Fromagerie", OwnerID: "alice"})
	persona := model.BusinessIdentity("b2")

	personal, err := r.GetOrCreateBusinessConversation(context.Background(), alice(), "b1")
	require.NoError(t, err)
	asShop, err := r.GetOrCreateBusinessConversation(context.Background(), identity.Actor{UserID: "alice", Persona: &persona}, "b1")
	require.NoError(t, err)
	assert.NotEqual(t, personal, asShop)
}

func TestPrivateConversationIsSymmetric(t *testing.T) {
	r, _ := setup(t)
	ab, err := r.GetOrCreatePrivateConversation(context.Background(), alice(), model.PersonalIdentity("bob"))
	require.NoError(t, err)
	ba, err := r.GetOrCreatePrivateConversation(context.Background(), identity.Actor{UserID: "bob"}, model.PersonalIdentity("alice"))
	require.NoError(t, err)
	assert.Equal(t, ab, ba)

	_, err = r.GetOrCreatePrivateConversation(context.Background(), alice(), model.PersonalIdentity("alice"))
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = r.GetOrCreatePrivateConversation(context.Background(), alice(), model.PersonalIdentity("nobody"))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestListingConversationPerListing(t *testing.T) {
	r, _ := setup(t)
	seller := model.PersonalIdentity("bob")
	first, err := r.GetOrCreateListingConversation(context.Background(), alice(), "l1", seller)
	require.NoError(t, err)
	again, err := r.GetOrCreateListingConversation(context.Background(), alice(), "l1", seller)
	require.NoError(t, err)
	other, err := r.GetOrCreateListingConversation(context.Background(), alice(), "l2", seller)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.NotEqual(t, first, other)

	_, err = r.GetOrCreateListingConversation(context.Background(), identity.Actor{UserID: "bob"}, "l1", seller)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCreateGroupIsNeverDeduplicated(t *testing.T) {
	r, s := setup(t)
	members := []model.IdentityRef{model.PersonalIdentity("bob"), model.PersonalIdentity("bob")}
	g1, err := r.CreateGroupConversation(context.Background(), alice(), "Voisins", members)
	require.NoError(t, err)
	g2, err := r.CreateGroupConversation(context.Background(), alice(), "Voisins", members)
	require.NoError(t, err)
	assert.NotEqual(t, g1, g2)

	parts, err := s.Participants(context.Background(), g1)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, model.RoleOwner, parts[0].Role)
	assert.Equal(t, model.RoleMember, parts[1].Role)

	_, err = r.CreateGroupConversation(context.Background(), alice(), "  ", members)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = r.CreateGroupConversation(context.Background(), alice(), "Seul", nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestPrivateChatWithBusinessResolvesToBusinessConversation(t *testing.T) {
	r, s := setup(t)
	ctx := context.Background()

	viaPrivate, err := r.GetOrCreatePrivateConversation(ctx, alice(), model.BusinessIdentity("b1"))
	require.NoError(t, err)
	viaBusiness, err := r.GetOrCreateBusinessConversation(ctx, alice(), "b1")
	require.NoError(t, err)
	assert.Equal(t, viaBusiness, viaPrivate)
	assert.Equal(t, 1, s.ConversationCount())

	conv, err := s.Conversation(ctx, viaPrivate)
	require.NoError(t, err)
	assert.Equal(t, model.KindBusiness, conv.Kind)
	assert.Equal(t, model.Origin{Type: model.OriginBusiness, ID: "b1"}, conv.Origin)

	_, err = r.GetOrCreatePrivateConversation(ctx, alice(), model.BusinessIdentity("missing"))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestFetchConversationsOrderedByActivity(t *testing.T) {
	r, s := setup(t)
	ctx := context.Background()
	withShop, err := r.GetOrCreateBusinessConversation(ctx, alice(), "b1")
	require.NoError(t, err)
	withBob, err := r.GetOrCreatePrivateConversation(ctx, alice(), model.PersonalIdentity("bob"))
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, model.Draft{ConversationID: withShop, SenderID: "user:alice", Type: model.TypeText, Content: "Bonjour"})
	require.NoError(t, err)

	list, err := r.FetchConversationsForIdentity(ctx, model.PersonalIdentity("alice"))
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, withShop, list[0].Conversation.ID)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, "Bonjour", list[0].LastMessage.Content)
	assert.Equal(t, withBob, list[1].Conversation.ID)
	assert.Nil(t, list[1].LastMessage)

	list, err = r.FetchConversationsForIdentity(ctx, model.PersonalIdentity("bob"))
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestFetchConversationByID(t *testing.T) {
	r, _ := setup(t)
	id, err := r.GetOrCreateBusinessConversation(context.Background(), alice(), "b1")
	require.NoError(t, err)

	got, err := r.FetchConversationByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.KindBusiness, got.Conversation.Kind)
	assert.Equal(t, model.Origin{Type: model.OriginBusiness, ID: "b1"}, got.Conversation.Origin)
	assert.Len(t, got.Participants, 2)

	_, err = r.FetchConversationByID(context.Background(), "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
