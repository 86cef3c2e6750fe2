// Package store declares the persistence collaborator the chat core runs
// against. Implementations live in the memory and scylla subpackages.
//
// Every method returns errors classified by apperr: missing rows are
// ErrNotFound, driver and network failures ErrTransient.
package store

import (
	"context"
	"time"

	"github.com/mahaj/marketchat/pkg/model"
)

// Cursor marks a position in a conversation's (created_at, id) order.
type Cursor struct {
	CreatedAt time.Time
	ID        int64
}

// CursorOf returns the position of m.
func CursorOf(m model.Message) Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// After reports whether c sorts after o.
func (c Cursor) After(o Cursor) bool {
	if c.CreatedAt.Equal(o.CreatedAt) {
		return c.ID > o.ID
	}
	return c.CreatedAt.After(o.CreatedAt)
}

// ReadCursorOf returns p's read position, or nil if p never read.
func ReadCursorOf(p model.Participant) *Cursor {
	if p.ReadAt == nil {
		return nil
	}
	return &Cursor{CreatedAt: *p.ReadAt, ID: p.ReadMessageID}
}

type ConversationStore interface {
	// UpsertConversation atomically returns the conversation registered
	// under key, creating conv and its participants when none exists.
	// created reports whether this call won the race.
	UpsertConversation(ctx context.Context, key model.ConversationKey, conv model.Conversation, participants []model.Participant) (model.Conversation, bool, error)
	// CreateConversation stores a conversation that has no dedup key.
	CreateConversation(ctx context.Context, conv model.Conversation, participants []model.Participant) error
	Conversation(ctx context.Context, id string) (model.Conversation, error)
	Participants(ctx context.Context, conversationID string) ([]model.Participant, error)
	Participant(ctx context.Context, conversationID, identityID string) (model.Participant, error)
	// ConversationsForIdentity returns the conversations identityID takes
	// part in, most recently active first.
	ConversationsForIdentity(ctx context.Context, identityID string) ([]model.Conversation, error)
}

type MessageStore interface {
	// AppendMessage assigns the id and timestamp and, in the same write,
	// advances the conversation's last activity.
	AppendMessage(ctx context.Context, draft model.Draft) (model.Message, error)
	UpdateMessage(ctx context.Context, conversationID string, id int64, content string, editedAt time.Time) (model.Message, error)
	Message(ctx context.Context, conversationID string, id int64) (model.Message, error)
	// Messages returns up to limit messages strictly before the cursor (or
	// the newest ones when before is nil), ascending.
	Messages(ctx context.Context, conversationID string, limit int, before *Cursor) ([]model.Message, error)
}

type CursorStore interface {
	// AdvanceReadCursor moves the participant's cursor to to. It reports
	// false and leaves the cursor alone if that would not move it forward.
	AdvanceReadCursor(ctx context.Context, conversationID, identityID string, to Cursor) (bool, error)
	// CountUnread counts messages sorting after since that identityID did
	// not send. A nil since counts them all.
	CountUnread(ctx context.Context, conversationID, identityID string, since *Cursor) (int, error)
}

type DirectoryStore interface {
	// Profiles resolves every known ref in one round trip. Unknown refs
	// are absent from the result.
	Profiles(ctx context.Context, refs []model.IdentityRef) (map[model.IdentityRef]model.Profile, error)
	Business(ctx context.Context, id string) (model.Business, error)
	BusinessMember(ctx context.Context, businessID, userID string) (model.BusinessMember, error)
}

type Store interface {
	ConversationStore
	MessageStore
	CursorStore
	DirectoryStore
}
