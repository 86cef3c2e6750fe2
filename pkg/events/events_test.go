package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/marketchat/pkg/model"
)

func TestDecodeRejectsIncompleteEvents(t *testing.T) {
	m := model.Message{ID: 1, ConversationID: "c1", SenderID: "user:a", Type: model.TypeText, Content: "Bonjour"}
	b, err := Inserted(m).Encode()
	require.NoError(t, err)
	e, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "Bonjour", e.Message.Content)

	_, err = Decode([]byte(`{"kind":"message.inserted","conversation_id":"c1"}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`{"kind":"conversation.changed"}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestHubDeliversPerConversation(t *testing.T) {
	h := NewHub()
	ctx := context.Background()
	s1, err := h.Subscribe(ctx, "c1")
	require.NoError(t, err)
	s2, err := h.Subscribe(ctx, "c2")
	require.NoError(t, err)

	require.NoError(t, h.Publish(ctx, Changed("c1", "user:a", time.Now())))

	select {
	case e := <-s1.Events():
		assert.Equal(t, "c1", e.ConversationID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	assert.Empty(t, s2.Events())

	require.NoError(t, s1.Close())
	require.NoError(t, s1.Close())
	_, open := <-s1.Events()
	assert.False(t, open)
	assert.NoError(t, s1.Err())
	assert.Equal(t, 0, h.Subscribers("c1"))
}

func TestHubDrop(t *testing.T) {
	h := NewHub()
	s, err := h.Subscribe(context.Background(), "c1")
	require.NoError(t, err)
	h.Drop("c1")
	_, open := <-s.Events()
	assert.False(t, open)
	assert.ErrorIs(t, s.Err(), ErrStreamDropped)

	boom := errors.New("boom")
	h.FailSubscribe(boom)
	_, err = h.Subscribe(context.Background(), "c1")
	assert.ErrorIs(t, err, boom)
	_, err = h.Subscribe(context.Background(), "c1")
	assert.NoError(t, err)
}

type recordingPublisher struct {
	got []Event
	err error
}

func (r *recordingPublisher) Publish(ctx context.Context, e Event) error {
	r.got = append(r.got, e)
	return r.err
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &recordingPublisher{}
	bad := &recordingPublisher{err: errors.New("kafka down")}
	err := Fanout{ok, nil, bad}.Publish(context.Background(), Changed("c1", "", time.Now()))
	assert.ErrorContains(t, err, "kafka down")
	assert.Len(t, ok.got, 1)
	assert.Len(t, bad.got, 1)
}
