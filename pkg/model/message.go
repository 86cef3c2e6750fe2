package model

import "time"

type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeAudio    MessageType = "audio"
	TypeDocument MessageType = "document"
	TypeLocation MessageType = "location"
	TypeSystem   MessageType = "system"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeAudio, TypeDocument, TypeLocation, TypeSystem:
		return true
	}
	return false
}

type Message struct {
	ID             int64       `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Type           MessageType `json:"type"`
	Content        string      `json:"content"`
	AttachmentRef  string      `json:"attachment_ref,omitempty"`
	// ClientRef is the sender's local placeholder id, echoed back so the
	// sender can recognise its own message in live events.
	ClientRef string     `json:"client_ref,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
}

// Before reports whether m sorts before o in the (created_at, id) order.
func (m Message) Before(o Message) bool {
	if m.CreatedAt.Equal(o.CreatedAt) {
		return m.ID < o.ID
	}
	return m.CreatedAt.Before(o.CreatedAt)
}

// Draft is a message as submitted by a sender, before the store assigns an
// id and a timestamp.
type Draft struct {
	ConversationID string
	SenderID       string
	Type           MessageType
	Content        string
	AttachmentRef  string
	ClientRef      string
}
