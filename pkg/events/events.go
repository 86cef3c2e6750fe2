// Package events carries conversation change events: a per-conversation
// live feed for open views and an outbound log for notification dispatch.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mahaj/marketchat/pkg/model"
)

type Kind string

const (
	MessageInserted     Kind = "message.inserted"
	MessageUpdated      Kind = "message.updated"
	ConversationChanged Kind = "conversation.changed"
)

type Event struct {
	Kind           Kind           `json:"kind"`
	ConversationID string         `json:"conversation_id"`
	Message        *model.Message `json:"message,omitempty"`
	// Actor is the identity whose action produced the event.
	Actor string    `json:"actor,omitempty"`
	At    time.Time `json:"at"`
}

func Inserted(m model.Message) Event {
	return Event{Kind: MessageInserted, ConversationID: m.ConversationID, Message: &m, Actor: m.SenderID, At: m.CreatedAt}
}

func Updated(m model.Message, at time.Time) Event {
	return Event{Kind: MessageUpdated, ConversationID: m.ConversationID, Message: &m, Actor: m.SenderID, At: at}
}

func Changed(conversationID, actor string, at time.Time) Event {
	return Event{Kind: ConversationChanged, ConversationID: conversationID, Actor: actor, At: at}
}

func (e Event) Encode() ([]byte, error) { return json.Marshal(e) }

func Decode(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, err
	}
	if e.ConversationID == "" || e.Kind == "" {
		return Event{}, errors.New("events: missing kind or conversation id")
	}
	if (e.Kind == MessageInserted || e.Kind == MessageUpdated) && e.Message == nil {
		return Event{}, errors.New("events: message event without message")
	}
	return e, nil
}

// Channel names the per-conversation live feed.
func Channel(conversationID string) string {
	return "conversation:" + conversationID + ":events"
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Stream is one live subscription. Events is closed when the stream ends;
// Err then tells a drop (non-nil) from a Close (nil).
type Stream interface {
	Events() <-chan Event
	Err() error
	Close() error
}

type Feed interface {
	Subscribe(ctx context.Context, conversationID string) (Stream, error)
}

// ErrStreamDropped ends a stream whose transport went away.
var ErrStreamDropped = errors.New("events: stream dropped")

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
