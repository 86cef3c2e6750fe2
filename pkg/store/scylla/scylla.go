// Package scylla implements store.Store on ScyllaDB.
//
// Atomicity comes from the database, not from this process: paired
// conversations are claimed with a lightweight transaction on
// conversation_keys, and an append writes the message and every recency
// column in one logged batch stamped with the message time.
package scylla

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"
	"github.com/rs/zerolog"

	"github.com/mahaj/marketchat/pkg/apperr"
	"github.com/mahaj/marketchat/pkg/db"
	"github.com/mahaj/marketchat/pkg/model"
	"github.com/mahaj/marketchat/pkg/snowflake"
	"github.com/mahaj/marketchat/pkg/store"
)

const (
	selectConversation = `SELECT id, kind, title, origin_type, origin_id, created_at, last_activity FROM conversations`
	selectMessage      = `SELECT conversation_id, id, sender_id, type, content, attachment_ref, client_ref, created_at, edited_at FROM messages`
	selectParticipant  = `SELECT conversation_id, identity_id, role, joined_at, read_at, read_message_id FROM participants`

	// How long a loser of the key race waits for the winner's rows before
	// writing them itself.
	settleAttempts = 3
	settleDelay    = 50 * time.Millisecond
)

type Store struct {
	db     *db.Session
	ids    *snowflake.Node
	logger zerolog.Logger
}

var _ store.Store = (*Store)(nil)

func New(session *db.Session, ids *snowflake.Node, logger zerolog.Logger) *Store {
	return &Store{db: session, ids: ids, logger: logger.With().Str("component", "scylla_store").Logger()}
}

func (s *Store) UpsertConversation(ctx context.Context, key model.ConversationKey, conv model.Conversation, participants []model.Participant) (model.Conversation, bool, error) {
	existing := make(map[string]interface{})
	applied, err := s.db.Query(
		`INSERT INTO conversation_keys (origin_type, origin_id, participant_set_hash, conversation_id) VALUES (?, ?, ?, ?) IF NOT EXISTS`,
		string(key.OriginType), key.OriginID, key.SetHash, conv.ID,
	).WithContext(ctx).MapScanCAS(existing)
	if err != nil {
		return model.Conversation{}, false, apperr.Transient("scylla: claim conversation key", err)
	}
	if applied {
		if err := s.writeConversation(ctx, conv, participants); err != nil {
			return model.Conversation{}, false, err
		}
		return conv, true, nil
	}

	winner, _ := existing["conversation_id"].(string)
	if winner == "" {
		return model.Conversation{}, false, apperr.Conflict("conversation key %s/%s has no owner", key.OriginType, key.OriginID)
	}

	c, err := settler{rows: s, attempts: settleAttempts, delay: settleDelay, logger: s.logger}.settle(ctx, winner, conv, participants)
	if err != nil {
		return model.Conversation{}, false, err
	}
	return c, false, nil
}

func (s *Store) CreateConversation(ctx context.Context, conv model.Conversation, participants []model.Participant) error {
	return s.writeConversation(ctx, conv, participants)
}

func (s *Store) writeConversation(ctx context.Context, conv model.Conversation, participants []model.Participant) error {
	ts := conv.CreatedAt.UnixMicro()
	b := s.db.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	b.Query(
		`INSERT INTO conversations (id, kind, title, origin_type, origin_id, created_at, last_activity) VALUES (?, ?, ?, ?, ?, ?, ?) USING TIMESTAMP ?`,
		conv.ID, string(conv.Kind), conv.Title, string(conv.Origin.Type), conv.Origin.ID, conv.CreatedAt, conv.LastActivity, ts,
	)
	for _, p := range participants {
		b.Query(
			`INSERT INTO participants (conversation_id, identity_id, role, joined_at) VALUES (?, ?, ?, ?)`,
			p.ConversationID, p.IdentityID, string(p.Role), p.JoinedAt,
		)
		b.Query(
			`INSERT INTO identity_conversations (identity_id, conversation_id, last_activity) VALUES (?, ?, ?) USING TIMESTAMP ?`,
			p.IdentityID, conv.ID, conv.LastActivity, ts,
		)
	}
	if err := s.db.ExecuteBatch(b); err != nil {
		return apperr.Transient("scylla: write conversation", err)
	}
	return nil
}

func (s *Store) Conversation(ctx context.Context, id string) (model.Conversation, error) {
	row := s.db.Query(selectConversation+` WHERE id = ?`, id).WithContext(ctx)
	c, err := scanConversation(row.Scan)
	if err != nil {
		return model.Conversation{}, classify(fmt.Sprintf("conversation %s", id), err)
	}
	return c, nil
}

func (s *Store) Participants(ctx context.Context, conversationID string) ([]model.Participant, error) {
	iter := s.db.Query(selectParticipant+` WHERE conversation_id = ?`, conversationID).WithContext(ctx).Iter()
	var out []model.Participant
	for {
		p, ok := scanParticipant(iter.Scan)
		if !ok {
			break
		}
		out = append(out, p)
	}
	if err := iter.Close(); err != nil {
		return nil, apperr.Transient("scylla: participants", err)
	}
	if len(out) == 0 {
		return nil, apperr.NotFound("conversation %s", conversationID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (s *Store) Participant(ctx context.Context, conversationID, identityID string) (model.Participant, error) {
	var p model.Participant
	var role string
	var readAt time.Time
	err := s.db.Query(selectParticipant+` WHERE conversation_id = ? AND identity_id = ?`, conversationID, identityID).
		WithContext(ctx).
		Scan(&p.ConversationID, &p.IdentityID, &role, &p.JoinedAt, &readAt, &p.ReadMessageID)
	if err != nil {
		return model.Participant{}, classify(fmt.Sprintf("participant %s in %s", identityID, conversationID), err)
	}
	p.Role = model.Role(role)
	p.ReadAt = nullableTime(readAt)
	return p, nil
}

func (s *Store) ConversationsForIdentity(ctx context.Context, identityID string) ([]model.Conversation, error) {
	iter := s.db.Query(`SELECT conversation_id FROM identity_conversations WHERE identity_id = ?`, identityID).WithContext(ctx).Iter()
	var ids []string
	var id string
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, apperr.Transient("scylla: identity conversations", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	iter = s.db.Query(selectConversation+` WHERE id IN ?`, ids).WithContext(ctx).Iter()
	var out []model.Conversation
	for {
		c, err := scanConversation(func(dest ...interface{}) error {
			if !iter.Scan(dest...) {
				return gocql.ErrNotFound
			}
			return nil
		})
		if err != nil {
			break
		}
		out = append(out, c)
	}
	if err := iter.Close(); err != nil {
		return nil, apperr.Transient("scylla: conversations", err)
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
	participants, err := s.Participants(ctx, d.ConversationID)
	if err != nil {
		return model.Message{}, err
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

	// Recency columns are written with the message time as their cell
	// timestamp, so a delayed append can never move them backwards.
	ts := msg.CreatedAt.UnixMicro()
	b := s.db.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	b.Query(
		`INSERT INTO messages (conversation_id, created_at, id, sender_id, type, content, attachment_ref, client_ref) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.CreatedAt, msg.ID, msg.SenderID, string(msg.Type), msg.Content, msg.AttachmentRef, msg.ClientRef,
	)
	b.Query(`UPDATE conversations USING TIMESTAMP ? SET last_activity = ? WHERE id = ?`, ts, msg.CreatedAt, msg.ConversationID)
	for _, p := range participants {
		b.Query(
			`UPDATE identity_conversations USING TIMESTAMP ? SET last_activity = ? WHERE identity_id = ? AND conversation_id = ?`,
			ts, msg.CreatedAt, p.IdentityID, msg.ConversationID,
		)
	}
	if err := s.db.ExecuteBatch(b); err != nil {
		return model.Message{}, apperr.Transient("scylla: append message", err)
	}
	return msg, nil
}

func (s *Store) UpdateMessage(ctx context.Context, conversationID string, id int64, content string, editedAt time.Time) (model.Message, error) {
	applied, err := s.db.Query(
		`UPDATE messages SET content = ?, edited_at = ? WHERE conversation_id = ? AND created_at = ? AND id = ? IF EXISTS`,
		content, editedAt, conversationID, snowflake.Time(id), id,
	).WithContext(ctx).MapScanCAS(make(map[string]interface{}))
	if err != nil {
		return model.Message{}, apperr.Transient("scylla: update message", err)
	}
	if !applied {
		return model.Message{}, apperr.NotFound("message %d in %s", id, conversationID)
	}
	return s.Message(ctx, conversationID, id)
}

func (s *Store) Message(ctx context.Context, conversationID string, id int64) (model.Message, error) {
	q := s.db.Query(selectMessage+` WHERE conversation_id = ? AND created_at = ? AND id = ?`, conversationID, snowflake.Time(id), id).WithContext(ctx)
	m, err := scanMessage(q.Scan)
	if err != nil {
		return model.Message{}, classify(fmt.Sprintf("message %d in %s", id, conversationID), err)
	}
	return m, nil
}

func (s *Store) Messages(ctx context.Context, conversationID string, limit int, before *store.Cursor) ([]model.Message, error) {
	var q *gocql.Query
	if before != nil {
		q = s.db.Query(selectMessage+` WHERE conversation_id = ? AND (created_at, id) < (?, ?) ORDER BY created_at DESC, id DESC LIMIT ?`,
			conversationID, before.CreatedAt, before.ID, limit)
	} else {
		q = s.db.Query(selectMessage+` WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, conversationID, limit)
	}
	iter := q.WithContext(ctx).Iter()

	var out []model.Message
	for {
		m, err := scanMessage(func(dest ...interface{}) error {
			if !iter.Scan(dest...) {
				return gocql.ErrNotFound
			}
			return nil
		})
		if err != nil {
			break
		}
		out = append(out, m)
	}
	if err := iter.Close(); err != nil {
		return nil, apperr.Transient("scylla: messages", err)
	}

	// Fetched newest first; callers get ascending order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) AdvanceReadCursor(ctx context.Context, conversationID, identityID string, to store.Cursor) (bool, error) {
	return advanceCursor(ctx, s, conversationID, identityID, to)
}

func (s *Store) readCursor(ctx context.Context, conversationID, identityID string) (*store.Cursor, error) {
	p, err := s.Participant(ctx, conversationID, identityID)
	if err != nil {
		return nil, err
	}
	return store.ReadCursorOf(p), nil
}

func (s *Store) swapCursor(ctx context.Context, conversationID, identityID string, expect *store.Cursor, to store.Cursor) (bool, error) {
	var q *gocql.Query
	if expect == nil {
		q = s.db.Query(
			`UPDATE participants SET read_at = ?, read_message_id = ? WHERE conversation_id = ? AND identity_id = ? IF read_at = null`,
			to.CreatedAt, to.ID, conversationID, identityID,
		)
	} else {
		q = s.db.Query(
			`UPDATE participants SET read_at = ?, read_message_id = ? WHERE conversation_id = ? AND identity_id = ? IF read_at = ? AND read_message_id = ?`,
			to.CreatedAt, to.ID, conversationID, identityID, expect.CreatedAt, expect.ID,
		)
	}
	applied, err := q.WithContext(ctx).MapScanCAS(make(map[string]interface{}))
	if err != nil {
		return false, apperr.Transient("scylla: swap read cursor", err)
	}
	return applied, nil
}

func (s *Store) CountUnread(ctx context.Context, conversationID, identityID string, since *store.Cursor) (int, error) {
	var q *gocql.Query
	if since != nil {
		q = s.db.Query(`SELECT sender_id FROM messages WHERE conversation_id = ? AND (created_at, id) > (?, ?)`, conversationID, since.CreatedAt, since.ID)
	} else {
		q = s.db.Query(`SELECT sender_id FROM messages WHERE conversation_id = ?`, conversationID)
	}
	iter := q.WithContext(ctx).Iter()
	n := 0
	var sender string
	for iter.Scan(&sender) {
		if sender != identityID {
			n++
		}
	}
	if err := iter.Close(); err != nil {
		return 0, apperr.Transient("scylla: count unread", err)
	}
	return n, nil
}

// Profiles issues one query for personal refs and one for business refs,
// however many refs are asked for.
func (s *Store) Profiles(ctx context.Context, refs []model.IdentityRef) (map[model.IdentityRef]model.Profile, error) {
	var personal, business []string
	for _, r := range refs {
		if r.Kind == model.IdentityBusiness {
			business = append(business, r.ID)
		} else {
			personal = append(personal, r.String())
		}
	}

	out := make(map[model.IdentityRef]model.Profile, len(refs))
	if len(personal) > 0 {
		iter := s.db.Query(`SELECT identity_id, display_name, avatar_ref FROM profiles WHERE identity_id IN ?`, personal).WithContext(ctx).Iter()
		var id, name, avatar string
		for iter.Scan(&id, &name, &avatar) {
			ref, err := model.ParseIdentity(id)
			if err != nil {
				s.logger.Warn().Err(err).Msg("Skipping malformed profile row")
				continue
			}
			out[ref] = model.Profile{Ref: ref, DisplayName: name, AvatarRef: avatar}
		}
		if err := iter.Close(); err != nil {
			return nil, apperr.Transient("scylla: profiles", err)
		}
	}
	if len(business) > 0 {
		iter := s.db.Query(`SELECT id, name, logo_ref, phone, messaging_handle, email, owner_id FROM businesses WHERE id IN ?`, business).WithContext(ctx).Iter()
		for {
			var b model.Business
			if !iter.Scan(&b.ID, &b.Name, &b.LogoRef, &b.Contacts.Phone, &b.Contacts.MessagingHandle, &b.Contacts.Email, &b.OwnerID) {
				break
			}
			ref := model.BusinessIdentity(b.ID)
			contacts := b.Contacts
			out[ref] = model.Profile{Ref: ref, DisplayName: b.Name, AvatarRef: b.LogoRef, Contacts: &contacts}
		}
		if err := iter.Close(); err != nil {
			return nil, apperr.Transient("scylla: business profiles", err)
		}
	}
	return out, nil
}

func (s *Store) Business(ctx context.Context, id string) (model.Business, error) {
	var b model.Business
	err := s.db.Query(`SELECT id, name, logo_ref, phone, messaging_handle, email, owner_id FROM businesses WHERE id = ?`, id).
		WithContext(ctx).
		Scan(&b.ID, &b.Name, &b.LogoRef, &b.Contacts.Phone, &b.Contacts.MessagingHandle, &b.Contacts.Email, &b.OwnerID)
	if err != nil {
		return model.Business{}, classify(fmt.Sprintf("business %s", id), err)
	}
	return b, nil
}

func (s *Store) BusinessMember(ctx context.Context, businessID, userID string) (model.BusinessMember, error) {
	m := model.BusinessMember{BusinessID: businessID, UserID: userID}
	var role string
	err := s.db.Query(`SELECT role FROM business_members WHERE business_id = ? AND user_id = ?`, businessID, userID).
		WithContext(ctx).
		Scan(&role)
	if err != nil {
		return model.BusinessMember{}, classify(fmt.Sprintf("member %s of business %s", userID, businessID), err)
	}
	m.Role = model.MemberRole(role)
	return m, nil
}

// PutProfile, PutBusiness and PutMember feed the directory tables; the
// seed script uses them.
func (s *Store) PutProfile(ctx context.Context, p model.Profile) error {
	err := s.db.Query(`INSERT INTO profiles (identity_id, display_name, avatar_ref) VALUES (?, ?, ?)`, p.Ref.String(), p.DisplayName, p.AvatarRef).
		WithContext(ctx).Exec()
	return apperr.Transient("scylla: put profile", err)
}

func (s *Store) PutBusiness(ctx context.Context, b model.Business) error {
	err := s.db.Query(
		`INSERT INTO businesses (id, name, logo_ref, phone, messaging_handle, email, owner_id) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Name, b.LogoRef, b.Contacts.Phone, b.Contacts.MessagingHandle, b.Contacts.Email, b.OwnerID,
	).WithContext(ctx).Exec()
	if err != nil {
		return apperr.Transient("scylla: put business", err)
	}
	if b.OwnerID == "" {
		return nil
	}
	return s.PutMember(ctx, model.BusinessMember{BusinessID: b.ID, UserID: b.OwnerID, Role: model.MemberOwner})
}

func (s *Store) PutMember(ctx context.Context, m model.BusinessMember) error {
	err := s.db.Query(`INSERT INTO business_members (business_id, user_id, role) VALUES (?, ?, ?)`, m.BusinessID, m.UserID, string(m.Role)).
		WithContext(ctx).Exec()
	return apperr.Transient("scylla: put member", err)
}

func scanConversation(scan func(dest ...interface{}) error) (model.Conversation, error) {
	var c model.Conversation
	var kind, title, originType string
	if err := scan(&c.ID, &kind, &title, &originType, &c.Origin.ID, &c.CreatedAt, &c.LastActivity); err != nil {
		return model.Conversation{}, err
	}
	c.Kind = model.ConversationKind(kind)
	c.Origin.Type = model.OriginType(originType)
	if title != "" {
		c.Title = &title
	}
	return c, nil
}

func scanParticipant(scan func(dest ...interface{}) bool) (model.Participant, bool) {
	var p model.Participant
	var role string
	var readAt time.Time
	if !scan(&p.ConversationID, &p.IdentityID, &role, &p.JoinedAt, &readAt, &p.ReadMessageID) {
		return model.Participant{}, false
	}
	p.Role = model.Role(role)
	p.ReadAt = nullableTime(readAt)
	return p, true
}

func scanMessage(scan func(dest ...interface{}) error) (model.Message, error) {
	var m model.Message
	var typ string
	var editedAt time.Time
	if err := scan(&m.ConversationID, &m.ID, &m.SenderID, &typ, &m.Content, &m.AttachmentRef, &m.ClientRef, &m.CreatedAt, &editedAt); err != nil {
		return model.Message{}, err
	}
	m.Type = model.MessageType(typ)
	m.EditedAt = nullableTime(editedAt)
	return m, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

func classify(what string, err error) error {
	if errors.Is(err, gocql.ErrNotFound) {
		return apperr.NotFound("%s", what)
	}
	return apperr.Transient("scylla: "+what, err)
}
