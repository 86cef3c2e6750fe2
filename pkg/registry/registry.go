// Package registry finds or creates conversations. Paired conversations
// are deduplicated by the store's atomic upsert on their unique key, so
// concurrent openers from any device converge on one row.
package registry

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mahaj/marketchat/pkg/apperr"
	"github.com/mahaj/marketchat/pkg/identity"
	"github.com/mahaj/marketchat/pkg/metrics"
	"github.com/mahaj/marketchat/pkg/model"
	"github.com/mahaj/marketchat/pkg/store"
)

// summaryFanout bounds concurrent store reads while building an inbox.
const summaryFanout = 8

type Registry struct {
	store  store.Store
	logger zerolog.Logger
	now    func() time.Time
}

func New(s store.Store, logger zerolog.Logger) *Registry {
	return &Registry{
		store:  s,
		logger: logger.With().Str("component", "registry").Logger(),
		now:    time.Now,
	}
}

// GetOrCreateBusinessConversation returns the one conversation between the
// actor's current identity and a business.
func (r *Registry) GetOrCreateBusinessConversation(ctx context.Context, actor identity.Actor, businessID string) (string, error) {
	me, err := actor.Require()
	if err != nil {
		return "", err
	}
	businessID = strings.TrimSpace(businessID)
	if businessID == "" {
		return "", apperr.Validation("business id is required")
	}
	target := model.BusinessIdentity(businessID)
	if me == target {
		return "", apperr.Validation("business %s cannot open a conversation with itself", businessID)
	}
	if _, err := r.store.Business(ctx, businessID); err != nil {
		return "", err
	}

	origin := model.Origin{Type: model.OriginBusiness, ID: businessID}
	// The origin already names the business; the key covers everyone else.
	key := model.NewConversationKey(origin, []string{me.String()})
	return r.open(ctx, key, model.KindBusiness, origin, []member{
		{ref: me, role: model.RoleConsumer},
		{ref: target, role: model.RoleBusiness},
	})
}

// GetOrCreatePrivateConversation returns the personal chat between the
// actor's current identity and counterpart. A business counterpart has
// exactly one conversation per customer, so it resolves to that one.
func (r *Registry) GetOrCreatePrivateConversation(ctx context.Context, actor identity.Actor, counterpart model.IdentityRef) (string, error) {
	me, err := actor.Require()
	if err != nil {
		return "", err
	}
	if counterpart.IsZero() {
		return "", apperr.Validation("counterpart is required")
	}
	if counterpart.Kind == model.IdentityBusiness {
		return r.GetOrCreateBusinessConversation(ctx, actor, counterpart.ID)
	}
	if counterpart == me {
		return "", apperr.Validation("cannot open a conversation with yourself")
	}
	if err := r.requireKnown(ctx, counterpart); err != nil {
		return "", err
	}

	origin := model.Origin{Type: model.OriginNone}
	key := model.NewConversationKey(origin, []string{me.String(), counterpart.String()})
	return r.open(ctx, key, model.KindPrivate, origin, []member{
		{ref: me, role: model.RoleMember},
		{ref: counterpart, role: model.RoleMember},
	})
}

// GetOrCreateListingConversation returns the conversation between a buyer
// and the seller about one listing.
func (r *Registry) GetOrCreateListingConversation(ctx context.Context, actor identity.Actor, listingID string, seller model.IdentityRef) (string, error) {
	me, err := actor.Require()
	if err != nil {
		return "", err
	}
	listingID = strings.TrimSpace(listingID)
	if listingID == "" {
		return "", apperr.Validation("listing id is required")
	}
	if seller.IsZero() {
		return "", apperr.Validation("seller is required")
	}
	if seller == me {
		return "", apperr.Validation("cannot ask about your own listing")
	}

	origin := model.Origin{Type: model.OriginListing, ID: listingID}
	key := model.NewConversationKey(origin, []string{me.String()})
	return r.open(ctx, key, model.KindPrivate, origin, []member{
		{ref: me, role: model.RoleConsumer},
		{ref: seller, role: model.RoleMember},
	})
}

// CreateGroupConversation always creates a new conversation. The actor
// becomes its owner.
func (r *Registry) CreateGroupConversation(ctx context.Context, actor identity.Actor, title string, members []model.IdentityRef) (string, error) {
	me, err := actor.Require()
	if err != nil {
		return "", err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return "", apperr.Validation("group title is required")
	}

	ms := []member{{ref: me, role: model.RoleOwner}}
	seen := map[model.IdentityRef]bool{me: true}
	for _, m := range members {
		if m.IsZero() || seen[m] {
			continue
		}
		seen[m] = true
		ms = append(ms, member{ref: m, role: model.RoleMember})
	}
	if len(ms) < 2 {
		return "", apperr.Validation("a group needs at least one other member")
	}

	conv, parts := r.build(model.KindGroup, model.Origin{Type: model.OriginNone}, ms)
	conv.Title = &title
	if err := r.store.CreateConversation(ctx, conv, parts); err != nil {
		return "", err
	}
	metrics.ConversationsOpenedTotal.WithLabelValues("group", "true").Inc()
	r.logger.Info().Str("conversation_id", conv.ID).Int("members", len(parts)).Msg("Group created")
	return conv.ID, nil
}

// FetchConversationsForIdentity lists every conversation ref takes part in,
// most recently active first.
func (r *Registry) FetchConversationsForIdentity(ctx context.Context, ref model.IdentityRef) ([]model.ConversationSummary, error) {
	if ref.IsZero() {
		return nil, apperr.Unauthenticated("no session")
	}
	convs, err := apperr.RetryRead(ctx, 3, func(ctx context.Context) ([]model.Conversation, error) {
		return r.store.ConversationsForIdentity(ctx, ref.String())
	})
	if err != nil {
		return nil, err
	}

	out := make([]model.ConversationSummary, len(convs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(summaryFanout)
	for i, c := range convs {
		i, c := i, c
		g.Go(func() error {
			s, err := r.summarize(gctx, c)
			if err != nil {
				return err
			}
			out[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	model.SortByRecency(out)
	return out, nil
}

// FetchConversationByID returns the raw conversation with its participants
// and latest message.
func (r *Registry) FetchConversationByID(ctx context.Context, id string) (model.ConversationSummary, error) {
	conv, err := apperr.RetryRead(ctx, 3, func(ctx context.Context) (model.Conversation, error) {
		return r.store.Conversation(ctx, id)
	})
	if err != nil {
		return model.ConversationSummary{}, err
	}
	return r.summarize(ctx, conv)
}

func (r *Registry) summarize(ctx context.Context, c model.Conversation) (model.ConversationSummary, error) {
	parts, err := r.store.Participants(ctx, c.ID)
	if err != nil {
		return model.ConversationSummary{}, err
	}
	s := model.ConversationSummary{Conversation: c, Participants: parts}
	last, err := r.store.Messages(ctx, c.ID, 1, nil)
	if err != nil {
		return model.ConversationSummary{}, err
	}
	if len(last) > 0 {
		s.LastMessage = &last[0]
	}
	return s, nil
}

type member struct {
	ref  model.IdentityRef
	role model.Role
}

func (r *Registry) build(kind model.ConversationKind, origin model.Origin, ms []member) (model.Conversation, []model.Participant) {
	now := r.now().UTC().Truncate(time.Millisecond)
	conv := model.Conversation{
		ID:           uuid.NewString(),
		Kind:         kind,
		Origin:       origin,
		CreatedAt:    now,
		LastActivity: now,
	}
	parts := make([]model.Participant, len(ms))
	for i, m := range ms {
		parts[i] = model.Participant{
			ConversationID: conv.ID,
			IdentityID:     m.ref.String(),
			Role:           m.role,
			JoinedAt:       now,
		}
	}
	return conv, parts
}

func (r *Registry) open(ctx context.Context, key model.ConversationKey, kind model.ConversationKind, origin model.Origin, ms []member) (string, error) {
	conv, parts := r.build(kind, origin, ms)
	got, created, err := r.store.UpsertConversation(ctx, key, conv, parts)
	if errors.Is(err, apperr.ErrConflict) {
		r.logger.Error().Err(err).
			Str("origin_type", string(origin.Type)).
			Str("origin_id", origin.ID).
			Msg("Upsert could not resolve a winner")
		return "", err
	}
	if err != nil {
		return "", err
	}

	metrics.ConversationsOpenedTotal.WithLabelValues(string(origin.Type), strconv.FormatBool(created)).Inc()
	if created {
		r.logger.Info().Str("conversation_id", got.ID).Str("origin_type", string(origin.Type)).Msg("Conversation created")
	}
	return got.ID, nil
}

// requireKnown checks that a counterpart exists before a chat is opened
// with them.
func (r *Registry) requireKnown(ctx context.Context, ref model.IdentityRef) error {
	if ref.Kind == model.IdentityBusiness {
		_, err := r.store.Business(ctx, ref.ID)
		return err
	}
	found, err := r.store.Profiles(ctx, []model.IdentityRef{ref})
	if err != nil {
		return err
	}
	if _, ok := found[ref]; !ok {
		return apperr.NotFound("identity %s", ref)
	}
	return nil
}
