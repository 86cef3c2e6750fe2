package events

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mahaj/marketchat/pkg/apperr"
)

// RedisFeed fans events out through Redis Pub/Sub, one channel per
// conversation.
type RedisFeed struct {
	client *redis.Client
	logger zerolog.Logger
}

var (
	_ Feed      = (*RedisFeed)(nil)
	_ Publisher = (*RedisFeed)(nil)
)

func NewRedisFeed(client *redis.Client, logger zerolog.Logger) *RedisFeed {
	return &RedisFeed{client: client, logger: logger.With().Str("component", "redis_feed").Logger()}
}

func (f *RedisFeed) Publish(ctx context.Context, e Event) error {
	payload, err := e.Encode()
	if err != nil {
		return err
	}
	return apperr.Transient("redis: publish", f.client.Publish(ctx, Channel(e.ConversationID), payload).Err())
}

func (f *RedisFeed) Subscribe(ctx context.Context, conversationID string) (Stream, error) {
	ps := f.client.Subscribe(ctx, Channel(conversationID))
	// Wait for the subscription confirmation so no event published after
	// Subscribe returns can be missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, apperr.Transient("redis: subscribe", err)
	}

	s := &redisStream{ps: ps, out: make(chan Event, streamBuffer), done: make(chan struct{})}
	go s.run(f.logger.With().Str("conversation_id", conversationID).Logger())
	return s, nil
}

type redisStream struct {
	ps   *redis.PubSub
	out  chan Event
	done chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *redisStream) run(logger zerolog.Logger) {
	defer close(s.out)
	in := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-in:
			if !ok {
				s.mu.Lock()
				if !s.closed {
					s.err = ErrStreamDropped
				}
				s.mu.Unlock()
				return
			}
			e, err := Decode([]byte(m.Payload))
			if err != nil {
				logger.Warn().Err(err).Msg("Discarding malformed event")
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

func (s *redisStream) Events() <-chan Event { return s.out }

func (s *redisStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *redisStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	return s.ps.Close()
}
