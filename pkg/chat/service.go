// Package chat ties the core components together. Service is the server
// side read models and commands, always taking an explicit actor; View and
// Session are the client side of one open conversation.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mahaj/marketchat/pkg/apperr"
	"github.com/mahaj/marketchat/pkg/identity"
	"github.com/mahaj/marketchat/pkg/messages"
	"github.com/mahaj/marketchat/pkg/model"
	"github.com/mahaj/marketchat/pkg/profile"
	"github.com/mahaj/marketchat/pkg/readcursor"
	"github.com/mahaj/marketchat/pkg/registry"
	"github.com/mahaj/marketchat/pkg/store"
)

const inboxFanout = 8

type ParticipantView struct {
	model.Participant
	Profile model.Profile `json:"profile"`
}

// ConversationView is a conversation as one viewer sees it.
type ConversationView struct {
	ID           string                   `json:"id"`
	Kind         model.ConversationKind   `json:"kind"`
	Origin       model.Origin             `json:"origin"`
	Title        string                   `json:"title"`
	AvatarRef    string                   `json:"avatar_ref,omitempty"`
	Business     *profile.BusinessContext `json:"business,omitempty"`
	Participants []ParticipantView        `json:"participants"`
	LastMessage  *model.Message           `json:"last_message,omitempty"`
	CreatedAt    time.Time                `json:"created_at"`
	LastActivity time.Time                `json:"last_activity"`
	Unread       int                      `json:"unread"`
}

type Participants interface {
	Participant(ctx context.Context, conversationID, identityID string) (model.Participant, error)
}

type Service struct {
	registry     *registry.Registry
	messages     *messages.Service
	cursors      *readcursor.Tracker
	profiles     *profile.Service
	participants Participants
	logger       zerolog.Logger
}

func NewService(reg *registry.Registry, msgs *messages.Service, cursors *readcursor.Tracker, profiles *profile.Service, participants Participants, logger zerolog.Logger) *Service {
	return &Service{
		registry:     reg,
		messages:     msgs,
		cursors:      cursors,
		profiles:     profiles,
		participants: participants,
		logger:       logger.With().Str("component", "chat").Logger(),
	}
}

// Conversations is the actor's inbox, most recently active first.
func (s *Service) Conversations(ctx context.Context, actor identity.Actor) ([]ConversationView, error) {
	me, err := actor.Require()
	if err != nil {
		return nil, err
	}
	summaries, err := s.registry.FetchConversationsForIdentity(ctx, me)
	if err != nil {
		return nil, err
	}

	out := make([]ConversationView, len(summaries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(inboxFanout)
	for i, sum := range summaries {
		i, sum := i, sum
		g.Go(func() error {
			v, err := s.view(gctx, sum, me)
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ConversationSummaries is the undecorated inbox.
func (s *Service) ConversationSummaries(ctx context.Context, actor identity.Actor) ([]model.ConversationSummary, error) {
	me, err := actor.Require()
	if err != nil {
		return nil, err
	}
	return s.registry.FetchConversationsForIdentity(ctx, me)
}

func (s *Service) Conversation(ctx context.Context, actor identity.Actor, conversationID string) (ConversationView, error) {
	me, err := actor.Require()
	if err != nil {
		return ConversationView{}, err
	}
	sum, err := s.registry.FetchConversationByID(ctx, conversationID)
	if err != nil {
		return ConversationView{}, err
	}
	if !isParticipant(sum.Participants, me) {
		return ConversationView{}, apperr.Forbidden("%s is not a participant of %s", me, conversationID)
	}
	return s.view(ctx, sum, me)
}

func (s *Service) Messages(ctx context.Context, actor identity.Actor, conversationID string, limit int, before *store.Cursor) ([]model.Message, error) {
	me, err := actor.Require()
	if err != nil {
		return nil, err
	}
	if err := s.requireParticipant(ctx, conversationID, me); err != nil {
		return nil, err
	}
	return s.messages.FetchMessages(ctx, conversationID, limit, before)
}

// SenderProfile resolves the actor's current identity as it is displayed in
// a conversation it takes part in.
func (s *Service) SenderProfile(ctx context.Context, actor identity.Actor, conversationID string) (model.Profile, error) {
	me, err := actor.Require()
	if err != nil {
		return model.Profile{}, err
	}
	if err := s.requireParticipant(ctx, conversationID, me); err != nil {
		return model.Profile{}, err
	}
	profiles, err := s.profiles.EnrichParticipants(ctx, []model.IdentityRef{me})
	if err != nil {
		return model.Profile{}, err
	}
	return profiles[me], nil
}

func (s *Service) UnreadCount(ctx context.Context, actor identity.Actor, conversationID string) (int, error) {
	me, err := actor.Require()
	if err != nil {
		return 0, err
	}
	return s.cursors.UnreadCount(ctx, conversationID, me)
}

type Outgoing struct {
	Type          model.MessageType `json:"type"`
	Content       string            `json:"content"`
	AttachmentRef string            `json:"attachment_ref,omitempty"`
	ClientRef     string            `json:"client_ref,omitempty"`
}

// Send appends a message from the actor's current identity.
func (s *Service) Send(ctx context.Context, actor identity.Actor, conversationID string, out Outgoing) (model.Message, error) {
	me, err := actor.Require()
	if err != nil {
		return model.Message{}, err
	}
	if out.Type == "" {
		out.Type = model.TypeText
	}
	return s.messages.AppendMessage(ctx, model.Draft{
		ConversationID: conversationID,
		SenderID:       me.String(),
		Type:           out.Type,
		Content:        out.Content,
		AttachmentRef:  out.AttachmentRef,
		ClientRef:      out.ClientRef,
	})
}

func (s *Service) Edit(ctx context.Context, actor identity.Actor, conversationID string, messageID int64, content string) (model.Message, error) {
	return s.messages.EditMessage(ctx, actor, conversationID, messageID, content)
}

func (s *Service) MarkRead(ctx context.Context, actor identity.Actor, conversationID string) (bool, error) {
	me, err := actor.Require()
	if err != nil {
		return false, err
	}
	return s.cursors.MarkAsRead(ctx, conversationID, me)
}

func (s *Service) OpenConversationWithBusiness(ctx context.Context, actor identity.Actor, businessID string) (string, error) {
	return s.registry.GetOrCreateBusinessConversation(ctx, actor, businessID)
}

func (s *Service) OpenPrivateConversation(ctx context.Context, actor identity.Actor, counterpart model.IdentityRef) (string, error) {
	return s.registry.GetOrCreatePrivateConversation(ctx, actor, counterpart)
}

func (s *Service) OpenListingConversation(ctx context.Context, actor identity.Actor, listingID string, seller model.IdentityRef) (string, error) {
	return s.registry.GetOrCreateListingConversation(ctx, actor, listingID, seller)
}

func (s *Service) CreateGroup(ctx context.Context, actor identity.Actor, title string, members []model.IdentityRef) (string, error) {
	return s.registry.CreateGroupConversation(ctx, actor, title, members)
}

func (s *Service) view(ctx context.Context, sum model.ConversationSummary, viewer model.IdentityRef) (ConversationView, error) {
	d, err := s.profiles.Enrich(ctx, sum.Conversation, sum.Participants, viewer)
	if err != nil {
		return ConversationView{}, err
	}
	unread, err := s.cursors.UnreadCount(ctx, sum.Conversation.ID, viewer)
	if errors.Is(err, apperr.ErrForbidden) {
		unread, err = 0, nil
	}
	if err != nil {
		return ConversationView{}, err
	}

	v := ConversationView{
		ID:           sum.Conversation.ID,
		Kind:         sum.Conversation.Kind,
		Origin:       sum.Conversation.Origin,
		Title:        d.Title,
		AvatarRef:    d.AvatarRef,
		LastMessage:  sum.LastMessage,
		CreatedAt:    sum.Conversation.CreatedAt,
		LastActivity: sum.Conversation.LastActivity,
		Unread:       unread,
	}
	if bc, ok := d.Business(); ok {
		v.Business = &bc
	}
	for _, p := range sum.Participants {
		pv := ParticipantView{Participant: p}
		if ref, err := model.ParseIdentity(p.IdentityID); err == nil {
			pv.Profile = d.Profiles[ref]
		}
		v.Participants = append(v.Participants, pv)
	}
	return v, nil
}

func (s *Service) requireParticipant(ctx context.Context, conversationID string, me model.IdentityRef) error {
	_, err := s.participants.Participant(ctx, conversationID, me.String())
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.Forbidden("%s is not a participant of %s", me, conversationID)
	}
	return err
}

func isParticipant(ps []model.Participant, ref model.IdentityRef) bool {
	id := ref.String()
	for _, p := range ps {
		if p.IdentityID == id {
			return true
		}
	}
	return false
}
