package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mahaj/marketchat/pkg/apperr"
	"github.com/mahaj/marketchat/pkg/events"
	"github.com/mahaj/marketchat/pkg/identity"
)

var newline = []byte{'\n'}

// GatewayFeed subscribes to conversations through the gateway's
// WebSocket endpoint, one socket per conversation.
type GatewayFeed struct {
	addr   string
	token  string
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu    sync.Mutex
	actor identity.Actor

	// OnUnread receives the unread count the gateway reports on connect.
	OnUnread func(conversationID string, unread int)
}

var _ events.Feed = (*GatewayFeed)(nil)

func NewGatewayFeed(addr, token string, actor identity.Actor, logger zerolog.Logger) *GatewayFeed {
	return &GatewayFeed{
		addr:   addr,
		token:  token,
		actor:  actor,
		dialer: websocket.DefaultDialer,
		logger: logger.With().Str("component", "gateway_feed").Logger(),
	}
}

// SetActor changes the persona later subscriptions are made as.
func (f *GatewayFeed) SetActor(actor identity.Actor) {
	f.mu.Lock()
	f.actor = actor
	f.mu.Unlock()
}

func (f *GatewayFeed) Subscribe(ctx context.Context, conversationID string) (events.Stream, error) {
	f.mu.Lock()
	actor := f.actor
	f.mu.Unlock()

	u := url.URL{Scheme: "ws", Host: f.addr, Path: "/ws"}
	q := u.Query()
	q.Set("conversation", conversationID)
	if actor.Persona != nil {
		q.Set("as", actor.Persona.String())
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Add("Authorization", "Bearer "+f.token)

	conn, resp, err := f.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			return nil, statusError(resp.StatusCode, "")
		}
		return nil, apperr.Transient("gateway: dial", err)
	}

	s := &socketStream{
		conn:           conn,
		conversationID: conversationID,
		out:            make(chan events.Event, 64),
		done:           make(chan struct{}),
		onUnread:       f.OnUnread,
	}
	go s.run(f.logger.With().Str("conversation_id", conversationID).Logger())
	return s, nil
}

type frame struct {
	Type   string `json:"type"`
	Unread *int   `json:"unread,omitempty"`
}

type socketStream struct {
	conn           *websocket.Conn
	conversationID string
	out            chan events.Event
	done           chan struct{}
	onUnread       func(string, int)

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *socketStream) run(logger zerolog.Logger) {
	defer close(s.out)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			if !s.closed {
				s.err = fmt.Errorf("%w: %v", events.ErrStreamDropped, err)
			}
			s.mu.Unlock()
			return
		}
		// The gateway batches queued frames into one message.
		for _, line := range bytes.Split(data, newline) {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			e, err := events.Decode(line)
			if err != nil {
				s.control(line, logger)
				continue
			}
			select {
			case s.out <- e:
			case <-s.done:
				return
			}
		}
	}
}

func (s *socketStream) control(line []byte, logger zerolog.Logger) {
	var f frame
	if err := json.Unmarshal(line, &f); err != nil || f.Type == "" {
		logger.Warn().Bytes("frame", line).Msg("Discarding malformed frame")
		return
	}
	if f.Type == "unread" && f.Unread != nil && s.onUnread != nil {
		s.onUnread(s.conversationID, *f.Unread)
	}
}

func (s *socketStream) Events() <-chan events.Event { return s.out }

func (s *socketStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *socketStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}
