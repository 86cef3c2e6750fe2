package scylla

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/marketchat/pkg/apperr"
	"github.com/mahaj/marketchat/pkg/model"
	"github.com/mahaj/marketchat/pkg/store"
)

// cursorAttempts bounds how often a read cursor update is retried after
// losing a compare-and-set to another device of the same identity.
const cursorAttempts = 5

var errCursorContended = errors.New("read cursor kept changing")

// conversationRows is what the loser of a key race needs from the store.
type conversationRows interface {
	Conversation(ctx context.Context, id string) (model.Conversation, error)
	writeConversation(ctx context.Context, conv model.Conversation, participants []model.Participant) error
}

type settler struct {
	rows     conversationRows
	attempts int
	delay    time.Duration
	logger   zerolog.Logger
}

// settle returns the winner's conversation once its rows are readable. If
// they never appear the winner died between claiming the key and writing;
// the key fixes the participant set, so the rows are completed under the
// winner's id.
func (st settler) settle(ctx context.Context, winner string, conv model.Conversation, participants []model.Participant) (model.Conversation, error) {
	for attempt := 1; attempt <= st.attempts; attempt++ {
		c, err := st.rows.Conversation(ctx, winner)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return model.Conversation{}, err
		}
		select {
		case <-ctx.Done():
			return model.Conversation{}, apperr.Transient("scylla: wait for conversation", ctx.Err())
		case <-time.After(time.Duration(attempt) * st.delay):
		}
	}

	st.logger.Warn().Str("conversation_id", winner).Msg("Completing conversation rows left by another writer")
	conv.ID = winner
	completed := make([]model.Participant, len(participants))
	for i, p := range participants {
		p.ConversationID = winner
		completed[i] = p
	}
	if err := st.rows.writeConversation(ctx, conv, completed); err != nil {
		return model.Conversation{}, err
	}
	return conv, nil
}

// cursorRow reads and conditionally writes one participant's read cursor.
type cursorRow interface {
	readCursor(ctx context.Context, conversationID, identityID string) (*store.Cursor, error)
	// swapCursor sets the cursor to to if it still equals expect, nil
	// meaning never read.
	swapCursor(ctx context.Context, conversationID, identityID string, expect *store.Cursor, to store.Cursor) (bool, error)
}

// advanceCursor moves the cursor forward with compare-and-set, re-reading
// after every lost race.
func advanceCursor(ctx context.Context, row cursorRow, conversationID, identityID string, to store.Cursor) (bool, error) {
	for attempt := 0; attempt < cursorAttempts; attempt++ {
		cur, err := row.readCursor(ctx, conversationID, identityID)
		if err != nil {
			return false, err
		}
		if cur != nil && !to.After(*cur) {
			return false, nil
		}
		swapped, err := row.swapCursor(ctx, conversationID, identityID, cur, to)
		if err != nil {
			return false, err
		}
		if swapped {
			return true, nil
		}
	}
	return false, apperr.Transient("scylla: advance read cursor", errCursorContended)
}
