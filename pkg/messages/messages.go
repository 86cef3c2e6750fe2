// Package messages validates, stores and pages conversation messages and
// announces every write on the event publisher.
package messages

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/mahaj/marketchat/pkg/apperr"
	"github.com/mahaj/marketchat/pkg/events"
	"github.com/mahaj/marketchat/pkg/identity"
	"github.com/mahaj/marketchat/pkg/metrics"
	"github.com/mahaj/marketchat/pkg/model"
	"github.com/mahaj/marketchat/pkg/store"
)

const (
	DefaultPageSize      = 50
	MaxPageSize          = 200
	DefaultMaxTextLength = 500

	publishTimeout = 5 * time.Second
)

type Store interface {
	Conversation(ctx context.Context, id string) (model.Conversation, error)
	Participant(ctx context.Context, conversationID, identityID string) (model.Participant, error)
	store.MessageStore
}

type Options struct {
	// MaxTextLength caps text messages, in runes.
	MaxTextLength int
}

type Service struct {
	store     Store
	publisher events.Publisher
	logger    zerolog.Logger
	maxText   int
	now       func() time.Time
}

// New returns a message service. publisher may be nil.
func New(s Store, publisher events.Publisher, logger zerolog.Logger, opts Options) *Service {
	if opts.MaxTextLength <= 0 {
		opts.MaxTextLength = DefaultMaxTextLength
	}
	return &Service{
		store:     s,
		publisher: publisher,
		logger:    logger.With().Str("component", "messages").Logger(),
		maxText:   opts.MaxTextLength,
		now:       time.Now,
	}
}

// FetchMessages returns the newest limit messages strictly before the
// cursor, ascending by (created_at, id). Passing the first message of a
// page as the next cursor walks history backwards.
func (s *Service) FetchMessages(ctx context.Context, conversationID string, limit int, before *store.Cursor) ([]model.Message, error) {
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}
	return apperr.RetryRead(ctx, 3, func(ctx context.Context) ([]model.Message, error) {
		return s.store.Messages(ctx, conversationID, limit, before)
	})
}

// AppendMessage stores d. The store assigns the id and timestamp and bumps
// the conversation's last activity in the same write. Failures are
// returned as is; appends are never retried here.
func (s *Service) AppendMessage(ctx context.Context, d model.Draft) (model.Message, error) {
	if d.SenderID == "" {
		return model.Message{}, apperr.Unauthenticated("message without sender")
	}
	if err := s.validate(d.Type, d.Content, d.AttachmentRef); err != nil {
		return model.Message{}, err
	}
	if _, err := s.store.Conversation(ctx, d.ConversationID); err != nil {
		return model.Message{}, err
	}
	_, err := s.store.Participant(ctx, d.ConversationID, d.SenderID)
	if errors.Is(err, apperr.ErrNotFound) {
		return model.Message{}, apperr.Forbidden("%s is not a participant of %s", d.SenderID, d.ConversationID)
	}
	if err != nil {
		return model.Message{}, err
	}

	msg, err := s.store.AppendMessage(ctx, d)
	if err != nil {
		s.logger.Error().Err(err).Str("conversation_id", d.ConversationID).Msg("Append failed")
		return model.Message{}, err
	}
	metrics.MessagesAppendedTotal.WithLabelValues(string(msg.Type)).Inc()
	s.logger.Debug().
		Str("conversation_id", msg.ConversationID).
		Int64("message_id", msg.ID).
		Str("sender", msg.SenderID).
		Msg("Message appended")

	s.publish(ctx, events.Inserted(msg), events.Changed(msg.ConversationID, msg.SenderID, msg.CreatedAt))
	return msg, nil
}

// EditMessage replaces the text of one of the actor's own text messages.
func (s *Service) EditMessage(ctx context.Context, actor identity.Actor, conversationID string, messageID int64, content string) (model.Message, error) {
	me, err := actor.Require()
	if err != nil {
		return model.Message{}, err
	}
	msg, err := s.store.Message(ctx, conversationID, messageID)
	if err != nil {
		return model.Message{}, err
	}
	if msg.SenderID != me.String() {
		return model.Message{}, apperr.Forbidden("only the sender can edit message %d", messageID)
	}
	if msg.Type != model.TypeText {
		return model.Message{}, apperr.Validation("cannot edit a %s message", msg.Type)
	}
	if err := s.validate(model.TypeText, content, ""); err != nil {
		return model.Message{}, err
	}

	at := s.now().UTC()
	updated, err := s.store.UpdateMessage(ctx, conversationID, messageID, content, at)
	if err != nil {
		return model.Message{}, err
	}
	s.publish(ctx, events.Updated(updated, at))
	return updated, nil
}

func (s *Service) validate(t model.MessageType, content, attachment string) error {
	if !t.Valid() {
		return apperr.Validation("unknown message type %q", t)
	}
	if t == model.TypeText {
		if strings.TrimSpace(content) == "" {
			return apperr.Validation("empty message")
		}
		if n := utf8.RuneCountInString(content); n > s.maxText {
			return apperr.Validation("message is %d characters, limit is %d", n, s.maxText)
		}
		return nil
	}
	if content == "" && attachment == "" {
		return apperr.Validation("%s message needs content or an attachment", t)
	}
	return nil
}

// publish announces evs after the write committed. The caller's deadline
// no longer applies and a publish failure does not undo the write.
func (s *Service) publish(ctx context.Context, evs ...events.Event) {
	if s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	for _, e := range evs {
		if err := s.publisher.Publish(ctx, e); err != nil {
			s.logger.Warn().Err(err).
				Str("kind", string(e.Kind)).
				Str("conversation_id", e.ConversationID).
				Msg("Failed to publish event")
		}
	}
}
