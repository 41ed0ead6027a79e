package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"cipherchat/internal/store"
)

// CreateGroup inserts the group and its initial members (the owner is
// always a member) in one transaction.
func (s *SQLStore) CreateGroup(ctx context.Context, g *store.Group, memberIDs []string) error {
	tx, err := s.db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin create group")
	}
	defer tx.Rollback()

	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, s.db.Rebind("INSERT INTO chat_groups (id, name, owner_id, created_at) VALUES (?, ?, ?, ?)"),
		g.ID, g.Name, g.OwnerID, g.CreatedAt)
	if err != nil {
		return errors.Wrapf(err, "insert group %s", g.ID)
	}

	seen := map[string]bool{}
	for _, id := range append([]string{g.OwnerID}, memberIDs...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		_, err = tx.ExecContext(ctx, s.db.Rebind("INSERT INTO group_members (group_id, user_id) VALUES (?, ?)"), g.ID, id)
		if err != nil {
			return errors.Wrapf(err, "insert member %s", id)
		}
	}
	return errors.Wrap(tx.Commit(), "commit create group")
}

func (s *SQLStore) GetGroup(ctx context.Context, id string) (*store.Group, error) {
	var g store.Group
	err := s.queryRow(ctx, "SELECT id, name, owner_id, created_at FROM chat_groups WHERE id = ?", id).
		Scan(&g.ID, &g.Name, &g.OwnerID, &g.CreatedAt)
	if err != nil {
		return nil, notFound(err, "get group "+id)
	}
	return &g, nil
}

// AddMember is an array-union: adding an existing member is a no-op.
func (s *SQLStore) AddMember(ctx context.Context, groupID, userID string) error {
	_, err := s.exec(ctx, `
		INSERT INTO group_members (group_id, user_id) VALUES (?, ?)
		ON CONFLICT (group_id, user_id) DO NOTHING
	`, groupID, userID)
	return errors.Wrapf(err, "add member %s to %s", userID, groupID)
}

func (s *SQLStore) RemoveMember(ctx context.Context, groupID, userID string) error {
	_, err := s.exec(ctx, "DELETE FROM group_members WHERE group_id = ? AND user_id = ?", groupID, userID)
	return errors.Wrapf(err, "remove member %s from %s", userID, groupID)
}

func (s *SQLStore) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	var exists bool
	err := s.queryRow(ctx, "SELECT EXISTS(SELECT 1 FROM group_members WHERE group_id = ? AND user_id = ?)", groupID, userID).Scan(&exists)
	return exists, errors.Wrap(err, "is member")
}

func (s *SQLStore) ListMembers(ctx context.Context, groupID string) ([]string, error) {
	rows, err := s.query(ctx, "SELECT user_id FROM group_members WHERE group_id = ? ORDER BY joined_at, user_id", groupID)
	if err != nil {
		return nil, errors.Wrap(err, "list members")
	}
	defer rows.Close()

	members := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan member")
		}
		members = append(members, id)
	}
	return members, errors.Wrap(rows.Err(), "iterate members")
}

func (s *SQLStore) ListUserGroups(ctx context.Context, userID string) ([]store.Group, error) {
	rows, err := s.query(ctx, `
		SELECT g.id, g.name, g.owner_id, g.created_at
		FROM chat_groups g
		JOIN group_members m ON m.group_id = g.id
		WHERE m.user_id = ?
		ORDER BY g.created_at
	`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list user groups")
	}
	defer rows.Close()

	groups := []store.Group{}
	for rows.Next() {
		var g store.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.OwnerID, &g.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan group")
		}
		groups = append(groups, g)
	}
	return groups, errors.Wrap(rows.Err(), "iterate groups")
}

// ---------------------------------------------
// # Channels
// ---------------------------------------------

func (s *SQLStore) CreateChannel(ctx context.Context, c *store.Channel) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, "INSERT INTO channels (id, group_id, name, created_at) VALUES (?, ?, ?, ?)",
		c.ID, c.GroupID, c.Name, c.CreatedAt)
	return errors.Wrapf(err, "create channel %s", c.ID)
}

func (s *SQLStore) GetChannel(ctx context.Context, id string) (*store.Channel, error) {
	var c store.Channel
	err := s.queryRow(ctx, "SELECT id, group_id, name, created_at FROM channels WHERE id = ?", id).
		Scan(&c.ID, &c.GroupID, &c.Name, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err, "get channel "+id)
	}
	return &c, nil
}

func (s *SQLStore) ListChannels(ctx context.Context, groupID string) ([]store.Channel, error) {
	rows, err := s.query(ctx, "SELECT id, group_id, name, created_at FROM channels WHERE group_id = ? ORDER BY created_at, name", groupID)
	if err != nil {
		return nil, errors.Wrap(err, "list channels")
	}
	defer rows.Close()

	channels := []store.Channel{}
	for rows.Next() {
		var c store.Channel
		if err := rows.Scan(&c.ID, &c.GroupID, &c.Name, &c.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan channel")
		}
		channels = append(channels, c)
	}
	return channels, errors.Wrap(rows.Err(), "iterate channels")
}

// ---------------------------------------------
// ✉️ Messages
// ---------------------------------------------

func (s *SQLStore) SaveMessage(ctx context.Context, m *store.Message) error {
	payload, err := json.Marshal(m.EncryptedPayload)
	if err != nil {
		return errors.Wrap(err, "encode payload")
	}
	_, err = s.exec(ctx, `
		INSERT INTO messages (id, channel_id, author_id, author_name, author_photo, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ChannelID, m.AuthorID, m.AuthorInfo.DisplayName, m.AuthorInfo.PhotoURL, string(payload), m.CreatedAt.UTC())
	return errors.Wrapf(err, "save message %s", m.ID)
}

// RecentMessages returns up to HistoryLimit messages preceding cur,
// oldest first. A BeforeID cursor pages on (created_at, seq), so messages
// sharing a timestamp are neither skipped nor repeated.
func (s *SQLStore) RecentMessages(ctx context.Context, channelID string, cur store.Cursor) ([]store.Message, error) {
	const (
		cols  = "id, channel_id, author_id, author_name, author_photo, payload, created_at"
		order = " ORDER BY created_at DESC, seq DESC LIMIT ?"
	)

	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case cur.BeforeID != "":
		var seq int64
		if err := s.queryRow(ctx, "SELECT seq FROM messages WHERE id = ? AND channel_id = ?", cur.BeforeID, channelID).Scan(&seq); err != nil {
			return nil, notFound(err, "history cursor "+cur.BeforeID)
		}
		rows, err = s.query(ctx, "SELECT "+cols+" FROM messages WHERE channel_id = ? AND (created_at, seq) < (SELECT created_at, seq FROM messages WHERE seq = ?)"+order,
			channelID, seq, store.HistoryLimit)
	case !cur.Before.IsZero():
		rows, err = s.query(ctx, "SELECT "+cols+" FROM messages WHERE channel_id = ? AND created_at < ?"+order,
			channelID, cur.Before.UTC(), store.HistoryLimit)
	default:
		rows, err = s.query(ctx, "SELECT "+cols+" FROM messages WHERE channel_id = ?"+order,
			channelID, store.HistoryLimit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "recent messages")
	}
	defer rows.Close()

	messages := []store.Message{}
	for rows.Next() {
		var (
			m       store.Message
			payload string
		)
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.AuthorID, &m.AuthorInfo.DisplayName, &m.AuthorInfo.PhotoURL, &payload, &m.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		if err := json.Unmarshal([]byte(payload), &m.EncryptedPayload); err != nil {
			return nil, errors.Wrapf(err, "decode payload of %s", m.ID)
		}
		m.CreatedAt = m.CreatedAt.UTC()
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate messages")
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
