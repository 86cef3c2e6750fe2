package main

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/mahaj/marketchat/pkg/events"
	"github.com/mahaj/marketchat/pkg/metrics"
)

// Hub fans a conversation's live feed out to every local socket watching
// it. Each conversation holds one feed subscription, however many sockets
// share it.
type Hub struct {
	feed   events.Feed
	logger zerolog.Logger

	mu    sync.RWMutex
	rooms map[string]*room // conversation id -> sockets

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	newBackoff func() backoff.BackOff
}

type room struct {
	clients map[*Client]bool
	cancel  context.CancelFunc
}

func NewHub(feed events.Feed, logger zerolog.Logger) *Hub {
	return &Hub{
		feed:       feed,
		logger:     logger.With().Str("component", "hub").Logger(),
		rooms:      make(map[string]*room),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Run owns room membership until ctx ends, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			r, ok := h.rooms[c.ConversationID]
			if !ok {
				rctx, cancel := context.WithCancel(ctx)
				r = &room{clients: make(map[*Client]bool), cancel: cancel}
				h.rooms[c.ConversationID] = r
				go h.pump(rctx, c.ConversationID)
			}
			r.clients[c] = true
			h.mu.Unlock()
			h.logger.Info().Str("identity", c.Identity).Str("conversation_id", c.ConversationID).Msg("Client registered")

		case c := <-h.unregister:
			h.remove(c)
		}
	}
}

// join hands c to the hub. It reports false once the hub has stopped.
func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Rooms reports how many conversations have local watchers.
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[c.ConversationID]
	if !ok || !r.clients[c] {
		return
	}
	delete(r.clients, c)
	close(c.send)
	if len(r.clients) == 0 {
		r.cancel()
		delete(h.rooms, c.ConversationID)
	}
	h.logger.Info().Str("identity", c.Identity).Str("conversation_id", c.ConversationID).Msg("Client unregistered")
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, r := range h.rooms {
		for c := range r.clients {
			close(c.send)
		}
		r.cancel()
		delete(h.rooms, id)
	}
}

// pump forwards the conversation's events to its sockets until the room
// empties, resubscribing whenever the feed drops.
func (h *Hub) pump(ctx context.Context, conversationID string) {
	logger := h.logger.With().Str("conversation_id", conversationID).Logger()
	first := true
	for {
		var stream events.Stream
		err := backoff.RetryNotify(func() error {
			var err error
			stream, err = h.feed.Subscribe(ctx, conversationID)
			return err
		}, backoff.WithContext(h.newBackoff(), ctx), func(err error, wait time.Duration) {
			logger.Warn().Err(err).Dur("retry_in", wait).Msg("Feed subscribe failed")
		})
		if err != nil {
			return
		}
		if !first {
			metrics.LiveResubscribesTotal.Inc()
		}
		first = false

		err = h.forward(ctx, conversationID, stream)
		stream.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Info().Err(err).Msg("Feed dropped, resubscribing")
	}
}

func (h *Hub) forward(ctx context.Context, conversationID string, stream events.Stream) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-stream.Events():
			if !ok {
				if err := stream.Err(); err != nil {
					return err
				}
				return events.ErrStreamDropped
			}
			b, err := e.Encode()
			if err != nil {
				h.logger.Error().Err(err).Msg("Failed to encode event")
				continue
			}
			h.broadcast(conversationID, b)
		}
	}
}

func (h *Hub) broadcast(conversationID string, b []byte) {
	var slow []*Client
	h.mu.RLock()
	if r, ok := h.rooms[conversationID]; ok {
		for c := range r.clients {
			select {
			case c.send <- b:
			default:
				slow = append(slow, c)
			}
		}
	}
	h.mu.RUnlock()

	// A socket that cannot keep up is cut off; its client reconnects and
	// reloads history.
	for _, c := range slow {
		h.remove(c)
	}
}
