package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mahaj/marketchat/pkg/apperr"
	"github.com/mahaj/marketchat/pkg/auth"
	"github.com/mahaj/marketchat/pkg/identity"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

var newline = []byte{'\n'}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// Cursors is the slice of the chat service a socket needs.
type Cursors interface {
	UnreadCount(ctx context.Context, actor identity.Actor, conversationID string) (int, error)
	MarkRead(ctx context.Context, actor identity.Actor, conversationID string) (bool, error)
}

// Frame is a control message on the socket. Events travel as encoded
// events.Event and carry "kind" instead of "type".
type Frame struct {
	Type   string `json:"type"`
	Unread *int   `json:"unread,omitempty"`
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub     *Hub
	cursors Cursors
	logger  zerolog.Logger

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	Actor          identity.Actor
	Identity       string
	ConversationID string
}

// readPump handles frames from the peer. The only one it understands is
// {"type":"read"}.
func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("Socket closed unexpectedly")
			}
			break
		}

		var f Frame
		if err := json.Unmarshal(bytes.TrimSpace(message), &f); err != nil {
			c.logger.Debug().Err(err).Msg("Ignoring malformed frame")
			continue
		}
		switch f.Type {
		case "read":
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			if _, err := c.cursors.MarkRead(ctx, c.Actor, c.ConversationID); err != nil {
				c.logger.Warn().Err(err).Msg("Mark read failed")
			}
			cancel()
		default:
			c.logger.Debug().Str("type", f.Type).Msg("Ignoring unknown frame")
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued events to the current websocket message, one per line.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write(newline)
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type Handler struct {
	hub      *Hub
	cursors  Cursors
	signer   *auth.Signer
	resolver *identity.Resolver
	logger   zerolog.Logger
}

func NewHandler(hub *Hub, cursors Cursors, signer *auth.Signer, resolver *identity.Resolver, logger zerolog.Logger) *Handler {
	return &Handler{hub: hub, cursors: cursors, signer: signer, resolver: resolver, logger: logger}
}

// ServeHTTP upgrades /ws?conversation=<id>. The token comes from the
// Authorization header or ?token=, the persona from X-Acting-As or ?as=.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tokenString := r.Header.Get("Authorization")
	if tokenString == "" {
		// Browsers cannot set headers on a websocket handshake.
		tokenString = r.URL.Query().Get("token")
	}
	tokenString = auth.BearerToken(tokenString)
	if tokenString == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	claims, err := h.signer.ValidateToken(tokenString)
	if err != nil {
		h.logger.Debug().Err(err).Msg("Invalid token")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	persona := r.Header.Get("X-Acting-As")
	if persona == "" {
		persona = r.URL.Query().Get("as")
	}
	actor, err := h.resolver.Resolve(r.Context(), claims.UserID, persona)
	if err != nil {
		http.Error(w, err.Error(), apperr.HTTPStatus(err))
		return
	}

	conversationID := r.URL.Query().Get("conversation")
	if conversationID == "" {
		http.Error(w, "conversation is required", http.StatusBadRequest)
		return
	}
	// Doubles as the participation check.
	unread, err := h.cursors.UnreadCount(r.Context(), actor, conversationID)
	if err != nil {
		if errors.Is(err, apperr.ErrForbidden) || errors.Is(err, apperr.ErrNotFound) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		http.Error(w, err.Error(), apperr.HTTPStatus(err))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Upgrade failed")
		return
	}

	ref := actor.Current().String()
	client := &Client{
		hub:            h.hub,
		cursors:        h.cursors,
		logger:         h.logger.With().Str("identity", ref).Str("conversation_id", conversationID).Logger(),
		conn:           conn,
		send:           make(chan []byte, 256),
		Actor:          actor,
		Identity:       ref,
		ConversationID: conversationID,
	}
	hello, _ := json.Marshal(Frame{Type: "unread", Unread: &unread})
	client.send <- hello
	if !client.hub.join(client) {
		conn.Close()
		return
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
}
