package events

import (
	"context"
	"sync"
)

const streamBuffer = 64

// Hub is an in-process Feed and Publisher.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*hubStream]struct{}

	// subscribeErr, when set, fails the next Subscribe calls.
	subscribeErr []error
}

var (
	_ Feed      = (*Hub)(nil)
	_ Publisher = (*Hub)(nil)
)

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*hubStream]struct{})}
}

func (h *Hub) Subscribe(ctx context.Context, conversationID string) (Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subscribeErr) > 0 {
		err := h.subscribeErr[0]
		h.subscribeErr = h.subscribeErr[1:]
		return nil, err
	}
	s := &hubStream{hub: h, conversationID: conversationID, ch: make(chan Event, streamBuffer)}
	if h.subs[conversationID] == nil {
		h.subs[conversationID] = make(map[*hubStream]struct{})
	}
	h.subs[conversationID][s] = struct{}{}
	return s, nil
}

func (h *Hub) Publish(ctx context.Context, e Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[e.ConversationID] {
		select {
		case s.ch <- e:
		default:
			// A consumer that cannot keep up is dropped and must resubscribe.
			h.endLocked(s, ErrStreamDropped)
		}
	}
	return nil
}

// Drop ends every stream of the conversation as if the transport failed.
func (h *Hub) Drop(conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[conversationID] {
		h.endLocked(s, ErrStreamDropped)
	}
}

// FailSubscribe makes the next len(errs) Subscribe calls fail in order.
func (h *Hub) FailSubscribe(errs ...error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribeErr = append(h.subscribeErr, errs...)
}

// Subscribers reports the live stream count of a conversation.
func (h *Hub) Subscribers(conversationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[conversationID])
}

func (h *Hub) endLocked(s *hubStream, err error) {
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	delete(h.subs[s.conversationID], s)
	if len(h.subs[s.conversationID]) == 0 {
		delete(h.subs, s.conversationID)
	}
	close(s.ch)
}

type hubStream struct {
	hub            *Hub
	conversationID string
	ch             chan Event
	ended          bool
	err            error
}

func (s *hubStream) Events() <-chan Event { return s.ch }

func (s *hubStream) Err() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.err
}

func (s *hubStream) Close() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.endLocked(s, nil)
	return nil
}
