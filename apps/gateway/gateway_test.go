package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/marketchat/pkg/auth"
	"github.com/mahaj/marketchat/pkg/chat"
	"github.com/mahaj/marketchat/pkg/events"
	"github.com/mahaj/marketchat/pkg/identity"
	"github.com/mahaj/marketchat/pkg/messages"
	"github.com/mahaj/marketchat/pkg/model"
	"github.com/mahaj/marketchat/pkg/profile"
	"github.com/mahaj/marketchat/pkg/readcursor"
	"github.com/mahaj/marketchat/pkg/registry"
	"github.com/mahaj/marketchat/pkg/snowflake"
	"github.com/mahaj/marketchat/pkg/store/memory"
)

type gatewayFixture struct {
	svc    *chat.Service
	feed   *events.Hub
	hub    *Hub
	signer *auth.Signer
	url    string
	convID string
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	st := memory.New(node)
	st.PutProfile(model.Profile{Ref: model.PersonalIdentity("alice"), DisplayName: "Alice"})
	st.PutProfile(model.Profile{Ref: model.PersonalIdentity("bob"), DisplayName: "Bob"})

	logger := zerolog.Nop()
	feed := events.NewHub()
	svc := chat.NewService(
		registry.New(st, logger),
		messages.New(st, feed, logger, messages.Options{}),
		readcursor.New(st, feed, logger),
		profile.NewService(st, nil, logger),
		st,
		logger,
	)
	convID, err := svc.OpenPrivateConversation(context.Background(), identity.Actor{UserID: "alice"}, model.PersonalIdentity("bob"))
	require.NoError(t, err)

	hub := NewHub(feed, logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	signer := auth.NewSigner("test-secret", time.Hour)
	srv := httptest.NewServer(NewHandler(hub, svc, signer, identity.NewResolver(st), logger))
	t.Cleanup(srv.Close)

	return &gatewayFixture{
		svc:    svc,
		feed:   feed,
		hub:    hub,
		signer: signer,
		url:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		convID: convID,
	}
}

func (f *gatewayFixture) dial(t *testing.T, user, conversation string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	token, err := f.signer.GenerateToken(user)
	require.NoError(t, err)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	return websocket.DefaultDialer.Dial(f.url+"?conversation="+conversation, header)
}

// readFrames returns the JSON documents of the next websocket message.
func readFrames(t *testing.T, conn *websocket.Conn) [][]byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return bytes.Split(data, newline)
}

func TestSocketReceivesUnreadThenEvents(t *testing.T) {
	f := newGatewayFixture(t)
	_, err := f.svc.Send(context.Background(), identity.Actor{UserID: "alice"}, f.convID, chat.Outgoing{Content: "Bonjour"})
	require.NoError(t, err)

	conn, _, err := f.dial(t, "bob", f.convID)
	require.NoError(t, err)
	defer conn.Close()

	var hello Frame
	require.NoError(t, json.Unmarshal(readFrames(t, conn)[0], &hello))
	assert.Equal(t, "unread", hello.Type)
	require.NotNil(t, hello.Unread)
	assert.Equal(t, 1, *hello.Unread)

	require.Eventually(t, func() bool { return f.feed.Subscribers(f.convID) == 1 }, time.Second, 5*time.Millisecond)
	_, err = f.svc.Send(context.Background(), identity.Actor{UserID: "alice"}, f.convID, chat.Outgoing{Content: "Ça va ?"})
	require.NoError(t, err)

	var got []events.Event
	for len(got) < 2 {
		for _, raw := range readFrames(t, conn) {
			e, err := events.Decode(raw)
			require.NoError(t, err)
			got = append(got, e)
		}
	}
	assert.Equal(t, events.MessageInserted, got[0].Kind)
	assert.Equal(t, "Ça va ?", got[0].Message.Content)
	assert.Equal(t, events.ConversationChanged, got[1].Kind)
}

func TestReadFrameMarksConversationRead(t *testing.T) {
	f := newGatewayFixture(t)
	bob := identity.Actor{UserID: "bob"}
	_, err := f.svc.Send(context.Background(), identity.Actor{UserID: "alice"}, f.convID, chat.Outgoing{Content: "Bonjour"})
	require.NoError(t, err)

	conn, _, err := f.dial(t, "bob", f.convID)
	require.NoError(t, err)
	defer conn.Close()
	readFrames(t, conn)

	require.NoError(t, conn.WriteJSON(Frame{Type: "read"}))
	require.Eventually(t, func() bool {
		n, err := f.svc.UnreadCount(context.Background(), bob, f.convID)
		return err == nil && n == 0
	}, time.Second, 10*time.Millisecond)
}

func TestSocketsShareOneFeedSubscription(t *testing.T) {
	f := newGatewayFixture(t)
	a, _, err := f.dial(t, "alice", f.convID)
	require.NoError(t, err)
	b, _, err := f.dial(t, "bob", f.convID)
	require.NoError(t, err)
	readFrames(t, a)
	readFrames(t, b)

	require.Eventually(t, func() bool { return f.hub.Rooms() == 1 && f.feed.Subscribers(f.convID) == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return f.feed.Subscribers(f.convID) > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	a.Close()
	b.Close()
	require.Eventually(t, func() bool { return f.hub.Rooms() == 0 && f.feed.Subscribers(f.convID) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandshakeRejections(t *testing.T) {
	f := newGatewayFixture(t)

	_, resp, err := f.dial(t, "mallory", f.convID)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(f.url+"?conversation="+f.convID, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = f.dial(t, "bob", "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRoomResubscribesAfterFeedDrop(t *testing.T) {
	f := newGatewayFixture(t)
	f.hub.newBackoff = func() backoff.BackOff { return backoff.NewConstantBackOff(5 * time.Millisecond) }
	conn, _, err := f.dial(t, "bob", f.convID)
	require.NoError(t, err)
	defer conn.Close()
	readFrames(t, conn)
	require.Eventually(t, func() bool { return f.feed.Subscribers(f.convID) == 1 }, time.Second, 5*time.Millisecond)

	f.feed.Drop(f.convID)
	require.Eventually(t, func() bool { return f.feed.Subscribers(f.convID) == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = f.svc.Send(context.Background(), identity.Actor{UserID: "alice"}, f.convID, chat.Outgoing{Content: "Toujours là ?"})
	require.NoError(t, err)
	e, err := events.Decode(readFrames(t, conn)[0])
	require.NoError(t, err)
	assert.Equal(t, "Toujours là ?", e.Message.Content)
}
