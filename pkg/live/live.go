// Package live keeps open views current. It subscribes to a conversation's
// event feed and merges what arrives into the view's timeline, surviving
// feed drops by resubscribing.
package live

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/mahaj/marketchat/pkg/events"
	"github.com/mahaj/marketchat/pkg/metrics"
	"github.com/mahaj/marketchat/pkg/model"
	"github.com/mahaj/marketchat/pkg/timeline"
)

// Lister re-reads the viewer's conversation list after a change.
type Lister interface {
	ConversationSummaries(ctx context.Context) ([]model.ConversationSummary, error)
}

// Handlers are invoked from the subscription's goroutine, one at a time.
// They must not call Close on their own subscription.
type Handlers struct {
	// OnInsert receives messages that were new to the timeline or replaced
	// their own placeholder. Duplicates are not reported.
	OnInsert func(model.Message, timeline.MergeOutcome)
	OnUpdate func(model.Message)
	// OnConversationChanged receives the re-fetched conversation list.
	OnConversationChanged func([]model.ConversationSummary)
}

type Merger struct {
	feed   events.Feed
	lister Lister
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[string]*Subscription

	newBackoff func() backoff.BackOff
}

// NewMerger returns a merger reading feed. lister may be nil, in which case
// conversation changes are not reported.
func NewMerger(feed events.Feed, lister Lister, logger zerolog.Logger) *Merger {
	return &Merger{
		feed:   feed,
		lister: lister,
		logger: logger.With().Str("component", "live").Logger(),
		subs:   make(map[string]*Subscription),
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Subscribe starts merging the conversation's events into tl. A previous
// subscription to the same conversation is closed first.
func (m *Merger) Subscribe(ctx context.Context, conversationID string, tl *timeline.Timeline, h Handlers) (*Subscription, error) {
	m.mu.Lock()
	prev := m.subs[conversationID]
	m.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	stream, err := m.feed.Subscribe(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		merger:         m,
		conversationID: conversationID,
		timeline:       tl,
		handlers:       h,
		cancel:         cancel,
		done:           make(chan struct{}),
		logger:         m.logger.With().Str("conversation_id", conversationID).Logger(),
	}
	m.mu.Lock()
	if old := m.subs[conversationID]; old != nil {
		m.mu.Unlock()
		old.Close()
		m.mu.Lock()
	}
	m.subs[conversationID] = s
	m.mu.Unlock()

	go s.run(ctx, stream)
	return s, nil
}

// CloseAll ends every subscription, e.g. on persona switch or sign out.
func (m *Merger) CloseAll() {
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

// Active reports the number of open subscriptions.
func (m *Merger) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *Merger) release(s *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[s.conversationID] == s {
		delete(m.subs, s.conversationID)
	}
}

// Subscription is one conversation's live merge. Close is idempotent and
// no handler runs after it returns.
type Subscription struct {
	merger         *Merger
	conversationID string
	timeline       *timeline.Timeline
	handlers       Handlers
	logger         zerolog.Logger

	mu     sync.RWMutex
	closed bool

	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Subscription) ConversationID() string { return s.conversationID }

func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	<-s.done
	s.merger.release(s)
}

// Closed reports whether Close has been called.
func (s *Subscription) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Done is closed once the subscription's goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) run(ctx context.Context, stream events.Stream) {
	defer close(s.done)
	for {
		err := s.consume(ctx, stream)
		stream.Close()
		if ctx.Err() != nil {
			return
		}
		s.logger.Info().Err(err).Msg("Live feed dropped, resubscribing")

		stream, err = s.resubscribe(ctx)
		if err != nil {
			return
		}
		metrics.LiveResubscribesTotal.Inc()
	}
}

func (s *Subscription) consume(ctx context.Context, stream events.Stream) error {
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
			s.dispatch(ctx, e)
		}
	}
}

func (s *Subscription) resubscribe(ctx context.Context) (events.Stream, error) {
	var stream events.Stream
	op := func() error {
		var err error
		stream, err = s.merger.feed.Subscribe(ctx, s.conversationID)
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn().Err(err).Dur("retry_in", wait).Msg("Resubscribe failed")
	}
	err := backoff.RetryNotify(op, backoff.WithContext(s.merger.newBackoff(), ctx), notify)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error().Err(err).Msg("Giving up on live feed")
	}
	return stream, err
}

func (s *Subscription) dispatch(ctx context.Context, e events.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || e.ConversationID != s.conversationID {
		return
	}

	switch e.Kind {
	case events.MessageInserted:
		outcome := s.timeline.Merge(*e.Message)
		if outcome == timeline.Duplicate {
			return
		}
		if s.handlers.OnInsert != nil {
			s.handlers.OnInsert(*e.Message, outcome)
		}
	case events.MessageUpdated:
		if s.timeline.Update(*e.Message) && s.handlers.OnUpdate != nil {
			s.handlers.OnUpdate(*e.Message)
		}
	case events.ConversationChanged:
		if s.merger.lister == nil || s.handlers.OnConversationChanged == nil {
			return
		}
		list, err := s.merger.lister.ConversationSummaries(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Conversation list refresh failed")
			return
		}
		s.handlers.OnConversationChanged(list)
	}
}
