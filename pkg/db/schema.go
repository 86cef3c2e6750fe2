package db

import (
	"context"
	"fmt"
)

// Tables lists the schema in creation order.
var Tables = []struct {
	Name string
	DDL  string
}{
	{"conversations", `CREATE TABLE IF NOT EXISTS conversations (
		id text PRIMARY KEY,
		kind text,
		title text,
		origin_type text,
		origin_id text,
		created_at timestamp,
		last_activity timestamp
	)`},
	// One row per dedup key; written only through IF NOT EXISTS.
	{"conversation_keys", `CREATE TABLE IF NOT EXISTS conversation_keys (
		origin_type text,
		origin_id text,
		participant_set_hash text,
		conversation_id text,
		PRIMARY KEY ((origin_type, origin_id, participant_set_hash))
	)`},
	{"participants", `CREATE TABLE IF NOT EXISTS participants (
		conversation_id text,
		identity_id text,
		role text,
		joined_at timestamp,
		read_at timestamp,
		read_message_id bigint,
		PRIMARY KEY (conversation_id, identity_id)
	)`},
	{"identity_conversations", `CREATE TABLE IF NOT EXISTS identity_conversations (
		identity_id text,
		conversation_id text,
		last_activity timestamp,
		PRIMARY KEY (identity_id, conversation_id)
	)`},
	{"messages", `CREATE TABLE IF NOT EXISTS messages (
		conversation_id text,
		created_at timestamp,
		id bigint,
		sender_id text,
		type text,
		content text,
		attachment_ref text,
		client_ref text,
		edited_at timestamp,
		PRIMARY KEY (conversation_id, created_at, id)
	) WITH CLUSTERING ORDER BY (created_at ASC, id ASC)`},
	{"profiles", `CREATE TABLE IF NOT EXISTS profiles (
		identity_id text PRIMARY KEY,
		display_name text,
		avatar_ref text
	)`},
	{"businesses", `CREATE TABLE IF NOT EXISTS businesses (
		id text PRIMARY KEY,
		name text,
		logo_ref text,
		phone text,
		messaging_handle text,
		email text,
		owner_id text
	)`},
	{"business_members", `CREATE TABLE IF NOT EXISTS business_members (
		business_id text,
		user_id text,
		role text,
		PRIMARY KEY (business_id, user_id)
	)`},
}

// CreateKeyspace must run on a session without a keyspace.
func CreateKeyspace(ctx context.Context, s *Session, keyspace string, replication int) error {
	stmt := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : %d }`, keyspace, replication)
	if err := s.Query(stmt).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("create keyspace %s: %w", keyspace, err)
	}
	return nil
}

// Migrate creates every table that does not exist yet.
func Migrate(ctx context.Context, s *Session) error {
	for _, t := range Tables {
		if err := s.Query(t.DDL).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// Drop removes every table. Used by scripts/reset only.
func Drop(ctx context.Context, s *Session) error {
	for i := len(Tables) - 1; i >= 0; i-- {
		if err := s.Query("DROP TABLE IF EXISTS " + Tables[i].Name).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("drop table %s: %w", Tables[i].Name, err)
		}
	}
	return nil
}
