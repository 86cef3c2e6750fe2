package chat

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/marketchat/pkg/identity"
	"github.com/mahaj/marketchat/pkg/live"
	"github.com/mahaj/marketchat/pkg/model"
	"github.com/mahaj/marketchat/pkg/send"
	"github.com/mahaj/marketchat/pkg/store"
	"github.com/mahaj/marketchat/pkg/timeline"
)

const historyPage = 50

// Backend is what a client view talks to on behalf of one actor. Bind a
// Service to an actor with As, or use the HTTP client.
type Backend interface {
	send.Appender
	live.Lister
	Messages(ctx context.Context, conversationID string, limit int, before *store.Cursor) ([]model.Message, error)
	MarkRead(ctx context.Context, conversationID string) (bool, error)
	// SenderProfile is the bound actor's display profile in a conversation.
	SenderProfile(ctx context.Context, conversationID string) (model.Profile, error)
}

// As binds s to actor.
func (s *Service) As(actor identity.Actor) Backend {
	return actorBackend{svc: s, actor: actor}
}

type actorBackend struct {
	svc   *Service
	actor identity.Actor
}

// AppendMessage sends as the bound actor whatever SenderID the draft
// carries.
func (b actorBackend) AppendMessage(ctx context.Context, d model.Draft) (model.Message, error) {
	return b.svc.Send(ctx, b.actor, d.ConversationID, Outgoing{
		Type:          d.Type,
		Content:       d.Content,
		AttachmentRef: d.AttachmentRef,
		ClientRef:     d.ClientRef,
	})
}

func (b actorBackend) ConversationSummaries(ctx context.Context) ([]model.ConversationSummary, error) {
	return b.svc.ConversationSummaries(ctx, b.actor)
}

func (b actorBackend) Messages(ctx context.Context, conversationID string, limit int, before *store.Cursor) ([]model.Message, error) {
	return b.svc.Messages(ctx, b.actor, conversationID, limit, before)
}

func (b actorBackend) MarkRead(ctx context.Context, conversationID string) (bool, error) {
	return b.svc.MarkRead(ctx, b.actor, conversationID)
}

func (b actorBackend) SenderProfile(ctx context.Context, conversationID string) (model.Profile, error) {
	return b.svc.SenderProfile(ctx, b.actor, conversationID)
}

type ViewOptions struct {
	// OnChange receives the full list after every change.
	OnChange func([]timeline.Entry)
	Handlers live.Handlers
}

// View is one open conversation on a client. It must be closed when the
// screen goes away.
type View struct {
	conversationID string
	sender         model.IdentityRef
	senderProfile  *model.Profile
	backend        Backend
	timeline       *timeline.Timeline
	coordinator    *send.Coordinator
	sub            *live.Subscription
	logger         zerolog.Logger
}

func openView(ctx context.Context, conversationID string, sender model.IdentityRef, backend Backend, merger *live.Merger, sendTimeout time.Duration, opts ViewOptions, logger zerolog.Logger) (*View, error) {
	tl := timeline.New(opts.OnChange)
	// Subscribe before reading history so nothing falls between the two.
	sub, err := merger.Subscribe(ctx, conversationID, tl, opts.Handlers)
	if err != nil {
		return nil, err
	}
	history, err := backend.Messages(ctx, conversationID, historyPage, nil)
	if err != nil {
		sub.Close()
		return nil, err
	}
	tl.Load(history)

	prof, err := backend.SenderProfile(ctx, conversationID)
	if err != nil {
		logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("Sender profile unavailable")
		prof = model.Profile{Ref: sender, DisplayName: sender.String()}
	}

	return &View{
		conversationID: conversationID,
		sender:         sender,
		senderProfile:  &prof,
		backend:        backend,
		timeline:       tl,
		coordinator:    send.New(backend, tl, logger, sendTimeout),
		sub:            sub,
		logger:         logger.With().Str("conversation_id", conversationID).Logger(),
	}, nil
}

func (v *View) ConversationID() string        { return v.conversationID }
func (v *View) Timeline() *timeline.Timeline { return v.timeline }

// Send shows the message at once and blocks until it is stored or failed.
func (v *View) Send(ctx context.Context, t model.MessageType, content, attachmentRef string) send.Result {
	return v.coordinator.Send(ctx, v.request(t, content, attachmentRef))
}

// Submit is Send without waiting.
func (v *View) Submit(ctx context.Context, t model.MessageType, content, attachmentRef string) (string, <-chan send.Result) {
	return v.coordinator.Submit(ctx, v.request(t, content, attachmentRef))
}

// LoadOlder prepends the page before the oldest shown message and returns
// how many messages it fetched.
func (v *View) LoadOlder(ctx context.Context, limit int) (int, error) {
	var before *store.Cursor
	for _, e := range v.timeline.Snapshot() {
		if e.Message.ID != 0 {
			c := store.CursorOf(e.Message)
			before = &c
			break
		}
	}
	if before == nil {
		return 0, nil
	}
	older, err := v.backend.Messages(ctx, v.conversationID, limit, before)
	if err != nil {
		return 0, err
	}
	v.timeline.Prepend(older)
	return len(older), nil
}

func (v *View) MarkRead(ctx context.Context) (bool, error) {
	return v.backend.MarkRead(ctx, v.conversationID)
}

// Close releases the live subscription. It is safe to call more than once.
func (v *View) Close() {
	v.sub.Close()
}

// Live reports whether the view still receives live updates.
func (v *View) Live() bool {
	return !v.sub.Closed()
}

func (v *View) request(t model.MessageType, content, attachmentRef string) send.Request {
	if t == "" {
		t = model.TypeText
	}
	return send.Request{
		ConversationID: v.conversationID,
		Sender:         v.sender,
		Type:           t,
		Content:        content,
		AttachmentRef:  attachmentRef,
		SenderProfile:  v.senderProfile,
	}
}
