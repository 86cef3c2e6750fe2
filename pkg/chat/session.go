package chat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/marketchat/pkg/events"
	"github.com/mahaj/marketchat/pkg/identity"
	"github.com/mahaj/marketchat/pkg/live"
)

// Session is a signed-in client: the current actor plus the live
// subscriptions of the views it opened.
type Session struct {
	mu          sync.Mutex
	actor       identity.Actor
	merger      *live.Merger
	backendFor  func(identity.Actor) Backend
	feed        events.Feed
	sendTimeout time.Duration
	logger      zerolog.Logger
}

// NewSession starts a session as actor. backendFor binds a backend to an
// actor; it is called again on every persona switch.
func NewSession(actor identity.Actor, backendFor func(identity.Actor) Backend, feed events.Feed, sendTimeout time.Duration, logger zerolog.Logger) *Session {
	s := &Session{
		actor:       actor,
		backendFor:  backendFor,
		feed:        feed,
		sendTimeout: sendTimeout,
		logger:      logger,
	}
	s.merger = live.NewMerger(feed, backendFor(actor), logger)
	return s
}

func (s *Session) Actor() identity.Actor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actor
}

// Open opens a conversation view as the current actor. ctx bounds the
// view's live subscription.
func (s *Session) Open(ctx context.Context, conversationID string, opts ViewOptions) (*View, error) {
	s.mu.Lock()
	actor, merger := s.actor, s.merger
	s.mu.Unlock()

	me, err := actor.Require()
	if err != nil {
		return nil, err
	}
	return openView(ctx, conversationID, me, s.backendFor(actor), merger, s.sendTimeout, opts, s.logger)
}

// SwitchPersona closes every open subscription and continues as actor.
// Views opened before the switch stop receiving live updates.
func (s *Session) SwitchPersona(actor identity.Actor) {
	s.mu.Lock()
	old := s.merger
	s.actor = actor
	s.merger = live.NewMerger(s.feed, s.backendFor(actor), s.logger)
	s.mu.Unlock()

	old.CloseAll()
	s.logger.Info().Str("identity", actor.Current().String()).Msg("Persona switched")
}

// Close ends the session's subscriptions.
func (s *Session) Close() {
	s.mu.Lock()
	m := s.merger
	s.mu.Unlock()
	m.CloseAll()
}
