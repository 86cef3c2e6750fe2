// Package memory is an in-process store.Store. It backs the test suites
// and local runs without a Scylla cluster; a single mutex stands in for the
// database's atomic operations.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mahaj/marketchat/pkg/apperr"
	"github.com/mahaj/marketchat/pkg/model"
	"github.com/mahaj/marketchat/pkg/snowflake"
	"github.com/mahaj/marketchat/pkg/store"
)

type Store struct {
	mu sync.RWMutex

	ids *snowflake.Node

	keys          map[model.ConversationKey]string
	conversations map[string]model.Conversation
	participants  map[string][]model.Participant // conversation id -> members in join order
	messages      map[string][]model.Message     // conversation id -> ascending (created_at, id)

	profiles map[model.IdentityRef]model.Profile
	business map[string]model.Business
	members  map[string]map[string]model.BusinessMember

	// ProfileLookups counts Profiles calls, so tests can assert batching.
	ProfileLookups int
}

var _ store.Store = (*Store)(nil)

// New returns an empty store drawing message ids from ids.
func New(ids *snowflake.Node) *Store {
	return &Store{
		ids:           ids,
		keys:          make(map[model.ConversationKey]string),
		conversations: make(map[string]model.Conversation),
		participants:  make(map[string][]model.Participant),
		messages:      make(map[string][]model.Message),
		profiles:      make(map[model.IdentityRef]model.Profile),
		business:      make(map[string]model.Business),
		members:       make(map[string]map[string]model.BusinessMember),
	}
}

func (s *Store) PutProfile(p model.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.Ref] = p
}

// PutBusiness registers b and makes its owner a member.
func (s *Store) PutBusiness(b model.Business) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.business[b.ID] = b
	if b.OwnerID != "" {
		s.putMemberLocked(model.BusinessMember{BusinessID: b.ID, UserID: b.OwnerID, Role: model.MemberOwner})
	}
}

func (s *Store) PutMember(m model.BusinessMember) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putMemberLocked(m)
}

func (s *Store) putMemberLocked(m model.BusinessMember) {
	if s.members[m.BusinessID] == nil {
		s.members[m.BusinessID] = make(map[string]model.BusinessMember)
	}
	s.members[m.BusinessID][m.UserID] = m
}

// ConversationCount returns how many conversation rows exist.
func (s *Store) ConversationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

func (s *Store) UpsertConversation(ctx context.Context, key model.ConversationKey, conv model.Conversation, participants []model.Participant) (model.Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Conversation{}, false, apperr.Transient("memory: upsert conversation", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.keys[key]; ok {
		existing, ok := s.conversations[id]
		if !ok {
			return model.Conversation{}, false, apperr.Conflict("key %s/%s maps to missing conversation %s", key.OriginType, key.OriginID, id)
		}
		return existing, false, nil
	}
	if err := s.insertLocked(conv, participants); err != nil {
		return model.Conversation{}, false, err
	}
	s.keys[key] = conv.ID
	return conv, true, nil
}

func (s *Store) CreateConversation(ctx context.Context, conv model.Conversation, participants []model.Participant) error {
	if err := ctx.Err(); err != nil {
		return apperr.Transient("memory: create conversation", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(conv, participants)
}

func (s *Store) insertLocked(conv model.Conversation, participants []model.Participant) error {
	if _, ok := s.conversations[conv.ID]; ok {
		return apperr.Conflict("conversation %s already exists", conv.ID)
	}
	s.conversations[conv.ID] = conv
	s.participants[conv.ID] = append([]model.Participant(nil), participants...)
	return nil
}

func (s *Store) Conversation(ctx context.Context, id string) (model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return model.Conversation{}, apperr.NotFound("conversation %s", id)
	}
	return c, nil
}

func (s *Store) Participants(ctx context.Context, conversationID string) ([]model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, apperr.NotFound("conversation %s", conversationID)
	}
	return cloneParticipants(s.participants[conversationID]), nil
}

func (s *Store) Participant(ctx context.Context, conversationID, identityID string) (model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.participants[conversationID] {
		if p.IdentityID == identityID {
			return cloneParticipant(p), nil
		}
	}
	return model.Participant{}, apperr.NotFound("participant %s in %s", identityID, conversationID)
}

func (s *Store) ConversationsForIdentity(ctx context.Context, identityID string) ([]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Conversation
	for id, members := range s.participants {
		for _, p := range members {
			if p.IdentityID == identityID {
				out = append(out, s.conversations[id])
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].ID > out[j].ID
		}
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out, nil
}

func (s *Store) AppendMessage(ctx context.Context, d model.Draft) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, apperr.Transient("memory: append message", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[d.ConversationID]
	if !ok {
		return model.Message{}, apperr.NotFound("conversation %s", d.ConversationID)
	}

	id := s.ids.Generate()
	msg := model.Message{
		ID:             id,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Type:           d.Type,
		Content:        d.Content,
		AttachmentRef:  d.AttachmentRef,
		ClientRef:      d.ClientRef,
		CreatedAt:      snowflake.Time(id),
	}
	s.messages[d.ConversationID] = insertSorted(s.messages[d.ConversationID], msg)

	if msg.CreatedAt.After(conv.LastActivity) {
		conv.LastActivity = msg.CreatedAt
		s.conversations[conv.ID] = conv
	}
	return msg, nil
}

func (s *Store) UpdateMessage(ctx context.Context, conversationID string, id int64, content string, editedAt time.Time) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	for i := range msgs {
		if msgs[i].ID == id {
			msgs[i].Content = content
			at := editedAt
			msgs[i].EditedAt = &at
			return msgs[i], nil
		}
	}
	return model.Message{}, apperr.NotFound("message %d in %s", id, conversationID)
}

func (s *Store) Message(ctx context.Context, conversationID string, id int64) (model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages[conversationID] {
		if m.ID == id {
			return m, nil
		}
	}
	return model.Message{}, apperr.NotFound("message %d in %s", id, conversationID)
}

func (s *Store) Messages(ctx context.Context, conversationID string, limit int, before *store.Cursor) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Transient("memory: messages", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, apperr.NotFound("conversation %s", conversationID)
	}

	msgs := s.messages[conversationID]
	end := len(msgs)
	if before != nil {
		bound := model.Message{CreatedAt: before.CreatedAt, ID: before.ID}
		end = sort.Search(len(msgs), func(i int) bool { return !msgs[i].Before(bound) })
	}
	start := 0
	if limit > 0 && end-limit > 0 {
		start = end - limit
	}
	return append([]model.Message(nil), msgs[start:end]...), nil
}

func (s *Store) AdvanceReadCursor(ctx context.Context, conversationID, identityID string, to store.Cursor) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, apperr.Transient("memory: advance read cursor", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.participants[conversationID]
	for i := range members {
		if members[i].IdentityID != identityID {
			continue
		}
		if cur := store.ReadCursorOf(members[i]); cur != nil && !to.After(*cur) {
			return false, nil
		}
		at := to.CreatedAt
		members[i].ReadAt = &at
		members[i].ReadMessageID = to.ID
		return true, nil
	}
	return false, apperr.NotFound("participant %s in %s", identityID, conversationID)
}

func (s *Store) CountUnread(ctx context.Context, conversationID, identityID string, since *store.Cursor) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.messages[conversationID] {
		if m.SenderID == identityID {
			continue
		}
		if since != nil && !store.CursorOf(m).After(*since) {
			continue
		}
		n++
	}
	return n, nil
}

func (s *Store) Profiles(ctx context.Context, refs []model.IdentityRef) (map[model.IdentityRef]model.Profile, error) {
	s.mu.Lock()
	s.ProfileLookups++
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.IdentityRef]model.Profile, len(refs))
	for _, ref := range refs {
		switch ref.Kind {
		case model.IdentityBusiness:
			if b, ok := s.business[ref.ID]; ok {
				contacts := b.Contacts
				out[ref] = model.Profile{Ref: ref, DisplayName: b.Name, AvatarRef: b.LogoRef, Contacts: &contacts}
			}
		default:
			if p, ok := s.profiles[ref]; ok {
				out[ref] = p
			}
		}
	}
	return out, nil
}

func (s *Store) Business(ctx context.Context, id string) (model.Business, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.business[id]
	if !ok {
		return model.Business{}, apperr.NotFound("business %s", id)
	}
	return b, nil
}

func (s *Store) BusinessMember(ctx context.Context, businessID, userID string) (model.BusinessMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[businessID][userID]
	if !ok {
		return model.BusinessMember{}, apperr.NotFound("member %s of business %s", userID, businessID)
	}
	return m, nil
}

func insertSorted(msgs []model.Message, m model.Message) []model.Message {
	i := sort.Search(len(msgs), func(i int) bool { return m.Before(msgs[i]) })
	msgs = append(msgs, model.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m
	return msgs
}

func cloneParticipants(in []model.Participant) []model.Participant {
	out := make([]model.Participant, len(in))
	for i, p := range in {
		out[i] = cloneParticipant(p)
	}
	return out
}

func cloneParticipant(p model.Participant) model.Participant {
	if p.ReadAt != nil {
		t := *p.ReadAt
		p.ReadAt = &t
	}
	return p
}
