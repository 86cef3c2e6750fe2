package scylla

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/marketchat/pkg/apperr"
	"github.com/mahaj/marketchat/pkg/model"
	"github.com/mahaj/marketchat/pkg/store"
)

type fakeRows struct {
	conversations map[string]model.Conversation
	// appearAfter makes the winner's row readable only after that many misses.
	appearAfter int
	readErr     error
	reads       int
	written     []model.Participant
	writtenConv *model.Conversation
}

func (f *fakeRows) Conversation(_ context.Context, id string) (model.Conversation, error) {
	f.reads++
	if f.readErr != nil {
		return model.Conversation{}, f.readErr
	}
	c, ok := f.conversations[id]
	if !ok || f.reads <= f.appearAfter {
		return model.Conversation{}, apperr.NotFound("conversation %s", id)
	}
	return c, nil
}

func (f *fakeRows) writeConversation(_ context.Context, conv model.Conversation, participants []model.Participant) error {
	f.writtenConv = &conv
	f.written = participants
	return nil
}

func testSettler(rows conversationRows) settler {
	return settler{rows: rows, attempts: 3, delay: time.Millisecond, logger: zerolog.Nop()}
}

func loserRows() (model.Conversation, []model.Participant) {
	conv := model.Conversation{ID: "mine", Kind: model.KindPrivate}
	return conv, []model.Participant{
		{ConversationID: "mine", IdentityID: "u1", Role: model.RoleMember},
		{ConversationID: "mine", IdentityID: "u2", Role: model.RoleMember},
	}
}

func TestSettleReturnsWinnerOnceReadable(t *testing.T) {
	rows := &fakeRows{
		conversations: map[string]model.Conversation{"winner": {ID: "winner", Kind: model.KindPrivate}},
		appearAfter:   2,
	}
	conv, participants := loserRows()

	got, err := testSettler(rows).settle(context.Background(), "winner", conv, participants)
	require.NoError(t, err)
	assert.Equal(t, "winner", got.ID)
	assert.Equal(t, 3, rows.reads)
	assert.Nil(t, rows.writtenConv, "loser must not write when the winner's rows exist")
}

func TestSettleCompletesRowsUnderWinnerID(t *testing.T) {
	rows := &fakeRows{}
	conv, participants := loserRows()

	got, err := testSettler(rows).settle(context.Background(), "winner", conv, participants)
	require.NoError(t, err)
	assert.Equal(t, "winner", got.ID)
	assert.Equal(t, 3, rows.reads)

	require.NotNil(t, rows.writtenConv)
	assert.Equal(t, "winner", rows.writtenConv.ID)
	require.Len(t, rows.written, 2)
	for _, p := range rows.written {
		assert.Equal(t, "winner", p.ConversationID)
	}
	assert.Equal(t, "mine", participants[0].ConversationID, "caller's slice is left alone")
}

func TestSettleReturnsReadFailure(t *testing.T) {
	rows := &fakeRows{readErr: apperr.Transient("read", errors.New("timeout"))}
	conv, participants := loserRows()

	_, err := testSettler(rows).settle(context.Background(), "winner", conv, participants)
	assert.ErrorIs(t, err, apperr.ErrTransient)
	assert.Equal(t, 1, rows.reads)
	assert.Nil(t, rows.writtenConv)
}

func TestSettleStopsWhenContextEnds(t *testing.T) {
	rows := &fakeRows{}
	conv, participants := loserRows()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testSettler(rows).settle(ctx, "winner", conv, participants)
	assert.ErrorIs(t, err, apperr.ErrTransient)
	assert.Nil(t, rows.writtenConv)
}

// fakeCursor keeps one participant's cursor and applies swaps the way a
// lightweight transaction does.
type fakeCursor struct {
	cur   *store.Cursor
	swaps int
	// beforeSwap runs ahead of each swap to model another device writing.
	beforeSwap func(n int, f *fakeCursor)
}

func (f *fakeCursor) readCursor(context.Context, string, string) (*store.Cursor, error) {
	if f.cur == nil {
		return nil, nil
	}
	c := *f.cur
	return &c, nil
}

func (f *fakeCursor) swapCursor(_ context.Context, _, _ string, expect *store.Cursor, to store.Cursor) (bool, error) {
	f.swaps++
	if f.beforeSwap != nil {
		f.beforeSwap(f.swaps, f)
	}
	switch {
	case expect == nil && f.cur != nil, expect != nil && f.cur == nil:
		return false, nil
	case expect != nil && (!expect.CreatedAt.Equal(f.cur.CreatedAt) || expect.ID != f.cur.ID):
		return false, nil
	}
	f.cur = &to
	return true, nil
}

var cursorBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(ms int, id int64) store.Cursor {
	return store.Cursor{CreatedAt: cursorBase.Add(time.Duration(ms) * time.Millisecond), ID: id}
}

func TestAdvanceCursorSetsFirstCursor(t *testing.T) {
	row := &fakeCursor{}

	moved, err := advanceCursor(context.Background(), row, "c1", "u1", at(0, 10))
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, at(0, 10), *row.cur)
}

func TestAdvanceCursorIsForwardOnly(t *testing.T) {
	row := &fakeCursor{cur: ptr(at(5, 50))}

	moved, err := advanceCursor(context.Background(), row, "c1", "u1", at(5, 50))
	require.NoError(t, err)
	assert.False(t, moved)

	moved, err = advanceCursor(context.Background(), row, "c1", "u1", at(4, 90))
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, 0, row.swaps)

	moved, err = advanceCursor(context.Background(), row, "c1", "u1", at(5, 51))
	require.NoError(t, err)
	assert.True(t, moved, "a later id in the same millisecond moves the cursor")
	assert.Equal(t, at(5, 51), *row.cur)
}

func TestAdvanceCursorRetriesAfterLosingRace(t *testing.T) {
	row := &fakeCursor{beforeSwap: func(n int, f *fakeCursor) {
		if n == 1 {
			c := at(1, 11)
			f.cur = &c
		}
	}}

	moved, err := advanceCursor(context.Background(), row, "c1", "u1", at(3, 30))
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, 2, row.swaps)
	assert.Equal(t, at(3, 30), *row.cur)
}

func TestAdvanceCursorYieldsToFurtherConcurrentRead(t *testing.T) {
	row := &fakeCursor{cur: ptr(at(0, 1)), beforeSwap: func(n int, f *fakeCursor) {
		if n == 1 {
			f.cur = ptr(at(9, 90))
		}
	}}

	moved, err := advanceCursor(context.Background(), row, "c1", "u1", at(3, 30))
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, 1, row.swaps)
	assert.Equal(t, at(9, 90), *row.cur)
}

func TestAdvanceCursorGivesUpUnderContention(t *testing.T) {
	row := &fakeCursor{beforeSwap: func(n int, f *fakeCursor) {
		f.cur = ptr(at(0, int64(n)))
	}}

	_, err := advanceCursor(context.Background(), row, "c1", "u1", at(3, 30))
	assert.ErrorIs(t, err, apperr.ErrTransient)
	assert.Equal(t, cursorAttempts, row.swaps)
}

func ptr(c store.Cursor) *store.Cursor { return &c }
