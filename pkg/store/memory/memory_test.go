package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/marketchat/pkg/apperr"
	"github.com/mahaj/marketchat/pkg/model"
	"github.com/mahaj/marketchat/pkg/snowflake"
	"github.com/mahaj/marketchat/pkg/store"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return New(node)
}

func seedConversation(t *testing.T, s *Store, id string, members ...string) {
	t.Helper()
	conv := model.Conversation{ID: id, Kind: model.KindPrivate, Origin: model.Origin{Type: model.OriginNone}}
	var ps []model.Participant
	for _, m := range members {
		ps = append(ps, model.Participant{ConversationID: id, IdentityID: m, Role: model.RoleMember})
	}
	require.NoError(t, s.CreateConversation(context.Background(), conv, ps))
}

func TestUpsertConversationConverges(t *testing.T) {
	s := newStore(t)
	key := model.NewConversationKey(model.Origin{Type: model.OriginBusiness, ID: "b1"}, []string{"user:a"})

	var wg sync.WaitGroup
	ids := make([]string, 16)
	created := make([]bool, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv := model.Conversation{ID: string(rune('A' + i)), Kind: model.KindBusiness}
			got, ok, err := s.UpsertConversation(context.Background(), key, conv, nil)
			assert.NoError(t, err)
			ids[i], created[i] = got.ID, ok
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := range ids {
		assert.Equal(t, ids[0], ids[i])
		if created[i] {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, s.ConversationCount())
}

func TestMessagesPaging(t *testing.T) {
	s := newStore(t)
	seedConversation(t, s, "c1", "user:a", "user:b")
	ctx := context.Background()

	var sent []model.Message
	for i := 0; i < 5; i++ {
		m, err := s.AppendMessage(ctx, model.Draft{ConversationID: "c1", SenderID: "user:a", Type: model.TypeText, Content: "hi"})
		require.NoError(t, err)
		sent = append(sent, m)
	}

	latest, err := s.Messages(ctx, "c1", 2, nil)
	require.NoError(t, err)
	assert.Equal(t, []model.Message{sent[3], sent[4]}, latest)

	cur := store.CursorOf(sent[3])
	older, err := s.Messages(ctx, "c1", 10, &cur)
	require.NoError(t, err)
	assert.Equal(t, sent[:3], older)

	conv, err := s.Conversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, sent[4].CreatedAt, conv.LastActivity)

	_, err = s.Messages(ctx, "missing", 10, nil)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestAdvanceReadCursorForwardOnly(t *testing.T) {
	s := newStore(t)
	seedConversation(t, s, "c1", "user:a", "user:b")
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	ok, err := s.AdvanceReadCursor(ctx, "c1", "user:b", store.Cursor{CreatedAt: t0, ID: 5})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AdvanceReadCursor(ctx, "c1", "user:b", store.Cursor{CreatedAt: t0.Add(-time.Second), ID: 9})
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.AdvanceReadCursor(ctx, "c1", "user:b", store.Cursor{CreatedAt: t0, ID: 5})
	require.NoError(t, err)
	assert.False(t, ok)

	// Same millisecond, later id.
	ok, err = s.AdvanceReadCursor(ctx, "c1", "user:b", store.Cursor{CreatedAt: t0, ID: 6})
	require.NoError(t, err)
	assert.True(t, ok)

	p, err := s.Participant(ctx, "c1", "user:b")
	require.NoError(t, err)
	assert.Equal(t, t0, *p.ReadAt)
	assert.Equal(t, int64(6), p.ReadMessageID)

	_, err = s.AdvanceReadCursor(ctx, "c1", "user:z", store.Cursor{CreatedAt: t0})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCountUnreadWithinOneMillisecond(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	at := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	node.WithClock(func() time.Time { return at })
	s := New(node)
	seedConversation(t, s, "c1", "user:a", "user:b")
	ctx := context.Background()

	first, err := s.AppendMessage(ctx, model.Draft{ConversationID: "c1", SenderID: "user:a", Type: model.TypeText, Content: "Bonjour"})
	require.NoError(t, err)
	ok, err := s.AdvanceReadCursor(ctx, "c1", "user:b", store.CursorOf(first))
	require.NoError(t, err)
	require.True(t, ok)

	second, err := s.AppendMessage(ctx, model.Draft{ConversationID: "c1", SenderID: "user:a", Type: model.TypeText, Content: "Ça va ?"})
	require.NoError(t, err)
	require.True(t, first.CreatedAt.Equal(second.CreatedAt))

	p, err := s.Participant(ctx, "c1", "user:b")
	require.NoError(t, err)
	n, err := s.CountUnread(ctx, "c1", "user:b", store.ReadCursorOf(p))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
