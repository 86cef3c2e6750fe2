// Package profile turns raw participant identities into display identities
// and resolves the business behind business-origin conversations.
package profile

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mahaj/marketchat/pkg/apperr"
	"github.com/mahaj/marketchat/pkg/model"
)

type Directory interface {
	Profiles(ctx context.Context, refs []model.IdentityRef) (map[model.IdentityRef]model.Profile, error)
	Business(ctx context.Context, id string) (model.Business, error)
}

type BusinessContext struct {
	BusinessID string         `json:"business_id"`
	Name       string         `json:"name"`
	LogoRef    string         `json:"logo_ref,omitempty"`
	Contacts   model.Contacts `json:"contacts"`
}

// Backing is what a conversation is displayed as: Generic or
// BusinessBacked.
type Backing interface {
	backing()
}

type Generic struct{}

type BusinessBacked struct {
	Context BusinessContext
}

func (Generic) backing()        {}
func (BusinessBacked) backing() {}

// Detail is a conversation decorated for display.
type Detail struct {
	Conversation model.Conversation
	Participants []model.Participant
	Profiles     map[model.IdentityRef]model.Profile
	Backing      Backing
	Title        string
	AvatarRef    string
}

// Business returns the business context of a business-backed detail.
func (d Detail) Business() (BusinessContext, bool) {
	b, ok := d.Backing.(BusinessBacked)
	return b.Context, ok
}

type Service struct {
	dir    Directory
	cache  Cache
	logger zerolog.Logger
}

func NewService(dir Directory, cache Cache, logger zerolog.Logger) *Service {
	if cache == nil {
		cache = NopCache{}
	}
	return &Service{dir: dir, cache: cache, logger: logger.With().Str("component", "profile").Logger()}
}

// EnrichParticipants resolves refs with at most one directory lookup for
// all cache misses. Identities the directory does not know get a
// placeholder profile rather than an error.
func (s *Service) EnrichParticipants(ctx context.Context, refs []model.IdentityRef) (map[model.IdentityRef]model.Profile, error) {
	refs = dedupe(refs)
	out := make(map[model.IdentityRef]model.Profile, len(refs))
	if len(refs) == 0 {
		return out, nil
	}

	cached, err := s.cache.Get(ctx, refs)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Profile cache read failed")
	}
	var misses []model.IdentityRef
	for _, r := range refs {
		if p, ok := cached[r]; ok {
			out[r] = p
			continue
		}
		misses = append(misses, r)
	}
	if len(misses) == 0 {
		return out, nil
	}

	found, err := s.dir.Profiles(ctx, misses)
	if err != nil {
		return nil, err
	}
	fresh := make([]model.Profile, 0, len(found))
	for _, r := range misses {
		p, ok := found[r]
		if !ok {
			out[r] = model.Profile{Ref: r, DisplayName: r.String()}
			continue
		}
		out[r] = p
		fresh = append(fresh, p)
	}
	if err := s.cache.Set(ctx, fresh); err != nil {
		s.logger.Warn().Err(err).Msg("Profile cache write failed")
	}
	return out, nil
}

// Enrich decorates conv as seen by viewer. Profiles and the business
// context are fetched concurrently.
func (s *Service) Enrich(ctx context.Context, conv model.Conversation, participants []model.Participant, viewer model.IdentityRef) (Detail, error) {
	refs := make([]model.IdentityRef, 0, len(participants))
	for _, p := range participants {
		ref, err := model.ParseIdentity(p.IdentityID)
		if err != nil {
			s.logger.Warn().Err(err).Str("conversation_id", conv.ID).Msg("Skipping malformed participant")
			continue
		}
		refs = append(refs, ref)
	}

	var (
		profiles map[model.IdentityRef]model.Profile
		business *model.Business
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		profiles, err = s.EnrichParticipants(gctx, refs)
		return err
	})
	if conv.Origin.Type == model.OriginBusiness && conv.Origin.ID != "" {
		g.Go(func() error {
			b, err := s.dir.Business(gctx, conv.Origin.ID)
			if errors.Is(err, apperr.ErrNotFound) {
				s.logger.Info().Str("conversation_id", conv.ID).Str("business_id", conv.Origin.ID).Msg("Business behind conversation is gone")
				return nil
			}
			if err != nil {
				return err
			}
			business = &b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Detail{}, err
	}

	d := Detail{
		Conversation: conv,
		Participants: participants,
		Profiles:     profiles,
		Backing:      Generic{},
	}
	if business != nil {
		bc := BusinessContext{BusinessID: business.ID, Name: business.Name, LogoRef: business.LogoRef, Contacts: business.Contacts}
		d.Backing = BusinessBacked{Context: bc}
		d.Title, d.AvatarRef = bc.Name, bc.LogoRef
		// The business looks at its own chats through the customer's eyes.
		if viewer == model.BusinessIdentity(bc.BusinessID) {
			d.Title, d.AvatarRef = counterpartDisplay(refs, profiles, viewer)
		}
		return d, nil
	}

	if conv.Title != nil && *conv.Title != "" {
		d.Title = *conv.Title
		return d, nil
	}
	d.Title, d.AvatarRef = counterpartDisplay(refs, profiles, viewer)
	return d, nil
}

// counterpartDisplay names a conversation after everyone but the viewer.
func counterpartDisplay(refs []model.IdentityRef, profiles map[model.IdentityRef]model.Profile, viewer model.IdentityRef) (string, string) {
	var names []string
	avatar := ""
	for _, r := range refs {
		if r == viewer {
			continue
		}
		p := profiles[r]
		names = append(names, p.DisplayName)
		if avatar == "" {
			avatar = p.AvatarRef
		}
	}
	if len(names) > 3 {
		names = append(names[:3], "…")
	}
	return strings.Join(names, ", "), avatar
}

func dedupe(refs []model.IdentityRef) []model.IdentityRef {
	seen := make(map[model.IdentityRef]struct{}, len(refs))
	out := refs[:0:0]
	for _, r := range refs {
		if r.IsZero() {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
