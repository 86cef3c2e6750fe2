package main

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/mahaj/marketchat/pkg/events"
	"github.com/mahaj/marketchat/pkg/metrics"
	"github.com/mahaj/marketchat/pkg/model"
)

const previewLength = 80

type Notification struct {
	Recipient      model.IdentityRef
	ConversationID string
	MessageID      int64
	Sender         string
	Preview        string
	Unread         int
}

// Notifier delivers one unread notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log. Push delivery plugs in
// behind the same interface.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notifier").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Info().
		Str("recipient", note.Recipient.String()).
		Str("conversation_id", note.ConversationID).
		Int64("message_id", note.MessageID).
		Int("unread", note.Unread).
		Str("preview", note.Preview).
		Msg("Notification")
	return nil
}

type Participants interface {
	Participants(ctx context.Context, conversationID string) ([]model.Participant, error)
}

type UnreadCounter interface {
	UnreadCount(ctx context.Context, conversationID string, ref model.IdentityRef) (int, error)
}

// Dispatcher turns inserted messages into notifications for everyone in
// the conversation but the sender.
type Dispatcher struct {
	participants Participants
	unread       UnreadCounter
	notifier     Notifier
	logger       zerolog.Logger
}

func NewDispatcher(participants Participants, unread UnreadCounter, notifier Notifier, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		participants: participants,
		unread:       unread,
		notifier:     notifier,
		logger:       logger.With().Str("component", "dispatcher").Logger(),
	}
}

func (d *Dispatcher) Handle(ctx context.Context, e events.Event) error {
	if e.Kind != events.MessageInserted || e.Message == nil {
		return nil
	}
	msg := *e.Message
	parts, err := d.participants.Participants(ctx, msg.ConversationID)
	if err != nil {
		return err
	}

	var errs []error
	for _, p := range parts {
		if p.IdentityID == msg.SenderID {
			continue
		}
		ref, err := model.ParseIdentity(p.IdentityID)
		if err != nil {
			d.logger.Warn().Err(err).Str("conversation_id", msg.ConversationID).Msg("Skipping malformed participant")
			continue
		}
		unread, err := d.unread.UnreadCount(ctx, msg.ConversationID, ref)
		if err != nil {
			errs = append(errs, err)
			metrics.NotificationsTotal.WithLabelValues("failed").Inc()
			continue
		}
		if unread == 0 {
			// Already read on another device.
			metrics.NotificationsTotal.WithLabelValues("skipped").Inc()
			continue
		}
		err = d.notifier.Notify(ctx, Notification{
			Recipient:      ref,
			ConversationID: msg.ConversationID,
			MessageID:      msg.ID,
			Sender:         msg.SenderID,
			Preview:        preview(msg),
			Unread:         unread,
		})
		if err != nil {
			errs = append(errs, err)
			metrics.NotificationsTotal.WithLabelValues("failed").Inc()
			continue
		}
		metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	}
	return errors.Join(errs...)
}

func preview(m model.Message) string {
	if m.Type != model.TypeText {
		return "[" + string(m.Type) + "]"
	}
	r := []rune(m.Content)
	if len(r) <= previewLength {
		return m.Content
	}
	return string(r[:previewLength]) + "…"
}
