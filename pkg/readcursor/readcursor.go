// Package readcursor tracks how far each participant has read. A cursor is
// the (created_at, id) position of the newest message read and only moves
// forward; unread counts are derived from it on demand.
package readcursor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/marketchat/pkg/apperr"
	"github.com/mahaj/marketchat/pkg/events"
	"github.com/mahaj/marketchat/pkg/model"
	"github.com/mahaj/marketchat/pkg/store"
)

type Store interface {
	Conversation(ctx context.Context, id string) (model.Conversation, error)
	Participant(ctx context.Context, conversationID, identityID string) (model.Participant, error)
	Messages(ctx context.Context, conversationID string, limit int, before *store.Cursor) ([]model.Message, error)
	store.CursorStore
}

type Tracker struct {
	store     Store
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

// New returns a tracker. publisher may be nil; when set, every cursor move
// is announced as a conversation change so the reader's other devices
// refresh their badges.
func New(s Store, publisher events.Publisher, logger zerolog.Logger) *Tracker {
	return &Tracker{
		store:     s,
		publisher: publisher,
		logger:    logger.With().Str("component", "readcursor").Logger(),
		now:       time.Now,
	}
}

// WithClock swaps the clock read events are stamped with.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// MarkAsRead moves ref's cursor to the newest stored message. The position
// comes from the store, never from a clock, so a message stored after this
// call always sorts after the cursor. advanced is false when the cursor is
// already there.
func (t *Tracker) MarkAsRead(ctx context.Context, conversationID string, ref model.IdentityRef) (bool, error) {
	if ref.IsZero() {
		return false, apperr.Unauthenticated("no session")
	}
	conv, err := t.store.Conversation(ctx, conversationID)
	if err != nil {
		return false, err
	}
	if err := t.requireParticipant(ctx, conversationID, ref); err != nil {
		return false, err
	}

	newest, err := apperr.RetryRead(ctx, 3, func(ctx context.Context) ([]model.Message, error) {
		return t.store.Messages(ctx, conversationID, 1, nil)
	})
	if err != nil {
		return false, err
	}
	// An empty conversation is read up to its creation.
	to := store.Cursor{CreatedAt: conv.LastActivity}
	if len(newest) > 0 {
		to = store.CursorOf(newest[len(newest)-1])
	}
	advanced, err := t.store.AdvanceReadCursor(ctx, conversationID, ref.String(), to)
	if err != nil {
		return false, err
	}
	if !advanced {
		t.logger.Debug().Str("conversation_id", conversationID).Str("identity", ref.String()).Msg("Read cursor already ahead")
		return false, nil
	}

	if t.publisher != nil {
		if err := t.publisher.Publish(ctx, events.Changed(conversationID, ref.String(), t.now().UTC())); err != nil {
			t.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to publish read event")
		}
	}
	return true, nil
}

// UnreadCount counts messages sorting after ref's cursor that ref did not
// send.
// A participant who never read counts every message from others.
func (t *Tracker) UnreadCount(ctx context.Context, conversationID string, ref model.IdentityRef) (int, error) {
	if ref.IsZero() {
		return 0, apperr.Unauthenticated("no session")
	}
	p, err := t.store.Participant(ctx, conversationID, ref.String())
	if errors.Is(err, apperr.ErrNotFound) {
		return 0, apperr.Forbidden("%s is not a participant of %s", ref, conversationID)
	}
	if err != nil {
		return 0, err
	}
	return apperr.RetryRead(ctx, 3, func(ctx context.Context) (int, error) {
		return t.store.CountUnread(ctx, conversationID, ref.String(), store.ReadCursorOf(p))
	})
}

func (t *Tracker) requireParticipant(ctx context.Context, conversationID string, ref model.IdentityRef) error {
	_, err := t.store.Participant(ctx, conversationID, ref.String())
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.Forbidden("%s is not a participant of %s", ref, conversationID)
	}
	return err
}
