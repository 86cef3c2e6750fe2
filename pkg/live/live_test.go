package live

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/marketchat/pkg/events"
	"github.com/mahaj/marketchat/pkg/model"
	"github.com/mahaj/marketchat/pkg/timeline"
)

const conv = "c1"

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type staticLister struct {
	mu    sync.Mutex
	calls int
}

func (l *staticLister) ConversationSummaries(context.Context) ([]model.ConversationSummary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return []model.ConversationSummary{{Conversation: model.Conversation{ID: conv}}}, nil
}

func newMerger(hub *events.Hub, lister Lister) *Merger {
	m := NewMerger(hub, lister, zerolog.Nop())
	m.newBackoff = func() backoff.BackOff { return backoff.NewConstantBackOff(5 * time.Millisecond) }
	return m
}

func message(id int64, at int, content string) model.Message {
	return model.Message{ID: id, ConversationID: conv, SenderID: "user:b", Type: model.TypeText,
		Content: content, CreatedAt: t0.Add(time.Duration(at) * time.Second)}
}

func publish(t *testing.T, hub *events.Hub, e events.Event) {
	t.Helper()
	require.NoError(t, hub.Publish(context.Background(), e))
}

type inserts struct {
	mu  sync.Mutex
	got []model.Message
}

func (i *inserts) add(m model.Message, _ timeline.MergeOutcome) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.got = append(i.got, m)
}

func (i *inserts) len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.got)
}

func TestMergesOutOfOrderEvents(t *testing.T) {
	hub := events.NewHub()
	m := newMerger(hub, nil)
	tl := timeline.New(nil)
	var seen inserts
	sub, err := m.Subscribe(context.Background(), conv, tl, Handlers{OnInsert: seen.add})
	require.NoError(t, err)
	defer sub.Close()

	m1, m2 := message(1, 10, "M1"), message(2, 20, "M2")
	publish(t, hub, events.Inserted(m2))
	publish(t, hub, events.Inserted(m1))
	publish(t, hub, events.Inserted(m1))

	require.Eventually(t, func() bool { return len(tl.Snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	msgs := tl.Messages()
	assert.Equal(t, "M1", msgs[0].Content)
	assert.Equal(t, "M2", msgs[1].Content)
	assert.Never(t, func() bool { return seen.len() > 2 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestLiveCopySupersedesPlaceholder(t *testing.T) {
	hub := events.NewHub()
	m := newMerger(hub, nil)
	tl := timeline.New(nil)
	outcomes := make(chan timeline.MergeOutcome, 1)
	sub, err := m.Subscribe(context.Background(), conv, tl, Handlers{
		OnInsert: func(_ model.Message, o timeline.MergeOutcome) { outcomes <- o },
	})
	require.NoError(t, err)
	defer sub.Close()

	tl.AddPending("l1", model.Message{ConversationID: conv, Content: "Bonjour"}, nil)
	stored := message(9, 1, "Bonjour")
	stored.ClientRef = "l1"
	publish(t, hub, events.Inserted(stored))

	select {
	case o := <-outcomes:
		assert.Equal(t, timeline.Superseded, o)
	case <-time.After(time.Second):
		t.Fatal("no insert")
	}
	assert.False(t, tl.Confirm("l1", stored))
	assert.Len(t, tl.Snapshot(), 1)
}

func TestUpdateReplacesInPlace(t *testing.T) {
	hub := events.NewHub()
	m := newMerger(hub, nil)
	tl := timeline.New(nil)
	tl.Load([]model.Message{message(1, 1, "Prix ?"), message(2, 2, "Merci")})
	updated := make(chan model.Message, 1)
	sub, err := m.Subscribe(context.Background(), conv, tl, Handlers{OnUpdate: func(m model.Message) { updated <- m }})
	require.NoError(t, err)
	defer sub.Close()

	edit := message(1, 1, "Prix du produit ?")
	publish(t, hub, events.Updated(edit, t0.Add(time.Minute)))
	select {
	case got := <-updated:
		assert.Equal(t, int64(1), got.ID)
	case <-time.After(time.Second):
		t.Fatal("no update")
	}
	assert.Equal(t, "Prix du produit ?", tl.Messages()[0].Content)
}

func TestConversationChangedRefetchesList(t *testing.T) {
	hub := events.NewHub()
	lister := &staticLister{}
	m := newMerger(hub, lister)
	lists := make(chan []model.ConversationSummary, 1)
	sub, err := m.Subscribe(context.Background(), conv, timeline.New(nil), Handlers{
		OnConversationChanged: func(l []model.ConversationSummary) { lists <- l },
	})
	require.NoError(t, err)
	defer sub.Close()

	publish(t, hub, events.Changed(conv, "user:b", t0))
	select {
	case l := <-lists:
		assert.Len(t, l, 1)
	case <-time.After(time.Second):
		t.Fatal("no refresh")
	}
}

func TestCloseIsIdempotentAndFinal(t *testing.T) {
	hub := events.NewHub()
	m := newMerger(hub, nil)
	var seen inserts
	sub, err := m.Subscribe(context.Background(), conv, timeline.New(nil), Handlers{OnInsert: seen.add})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers(conv))

	sub.Close()
	sub.Close()
	assert.True(t, sub.Closed())
	assert.Equal(t, 0, hub.Subscribers(conv))
	assert.Equal(t, 0, m.Active())

	publish(t, hub, events.Inserted(message(1, 1, "late")))
	assert.Never(t, func() bool { return seen.len() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestResubscribesAfterDrop(t *testing.T) {
	hub := events.NewHub()
	m := newMerger(hub, nil)
	tl := timeline.New(nil)
	sub, err := m.Subscribe(context.Background(), conv, tl, Handlers{})
	require.NoError(t, err)
	defer sub.Close()

	hub.FailSubscribe(errors.New("redis down"), errors.New("redis down"))
	hub.Drop(conv)

	require.Eventually(t, func() bool { return hub.Subscribers(conv) == 1 }, time.Second, 5*time.Millisecond)
	publish(t, hub, events.Inserted(message(1, 1, "back")))
	require.Eventually(t, func() bool { return len(tl.Snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestOneSubscriptionPerConversation(t *testing.T) {
	hub := events.NewHub()
	m := newMerger(hub, nil)
	first, err := m.Subscribe(context.Background(), conv, timeline.New(nil), Handlers{})
	require.NoError(t, err)
	second, err := m.Subscribe(context.Background(), conv, timeline.New(nil), Handlers{})
	require.NoError(t, err)
	defer second.Close()

	assert.True(t, first.Closed())
	assert.Equal(t, 1, hub.Subscribers(conv))
	assert.Equal(t, 1, m.Active())
}

func TestCloseAll(t *testing.T) {
	hub := events.NewHub()
	m := newMerger(hub, nil)
	a, err := m.Subscribe(context.Background(), "c1", timeline.New(nil), Handlers{})
	require.NoError(t, err)
	b, err := m.Subscribe(context.Background(), "c2", timeline.New(nil), Handlers{})
	require.NoError(t, err)

	m.CloseAll()
	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
	assert.Equal(t, 0, m.Active())
	assert.Equal(t, 0, hub.Subscribers("c1")+hub.Subscribers("c2"))
}

func TestSubscribeFailureIsReturned(t *testing.T) {
	hub := events.NewHub()
	hub.FailSubscribe(errors.New("redis down"))
	_, err := newMerger(hub, nil).Subscribe(context.Background(), conv, timeline.New(nil), Handlers{})
	assert.Error(t, err)
}
