package cache

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const conversationColumns = `sid, friendly_name, unique_name, attributes, date_created, date_updated,
	last_message_body, last_message_status, last_message_at,
	participants_count, messages_count, unread_count,
	participating_status, notification_level`

// UpsertConversation inserts or replaces a conversation record keyed by sid.
// Counter and last-message fields are written as-is; they are maintained by
// their own refresh tasks and carry whatever was last known.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (`+conversationColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(sid) DO UPDATE SET
			friendly_name = excluded.friendly_name,
			unique_name = excluded.unique_name,
			attributes = excluded.attributes,
			date_created = excluded.date_created,
			date_updated = excluded.date_updated,
			last_message_body = excluded.last_message_body,
			last_message_status = excluded.last_message_status,
			last_message_at = excluded.last_message_at,
			participants_count = excluded.participants_count,
			messages_count = excluded.messages_count,
			unread_count = excluded.unread_count,
			participating_status = excluded.participating_status,
			notification_level = excluded.notification_level,
			updated_at = excluded.updated_at`,
		c.Sid, c.FriendlyName, c.UniqueName, c.Attributes, c.DateCreated, c.DateUpdated,
		c.LastMessageBody, c.LastMessageStatus, c.LastMessageAt,
		c.ParticipantsCount, c.MessagesCount, c.UnreadCount,
		c.ParticipatingStatus, c.NotificationLevel, now)
	return err
}

// GetConversation returns a single conversation by sid, or nil if absent.
func (db *DB) GetConversation(sid string) (*Conversation, error) {
	row := db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE sid = ?`, sid)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListParticipating returns the user's conversations sorted by last message
// timestamp descending.
func (db *DB) ListParticipating() ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT ` + conversationColumns + ` FROM conversations
		WHERE participating_status = 'joined'
		ORDER BY last_message_at DESC, sid ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// DeleteConversation removes a conversation and its dependent rows.
func (db *DB) DeleteConversation(sid string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM messages WHERE conversation_sid = ?`,
		`DELETE FROM participants WHERE conversation_sid = ?`,
		`DELETE FROM conversations WHERE sid = ?`,
	} {
		if _, err := tx.Exec(q, sid); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PruneParticipatingExcept deletes every participating conversation whose sid
// is not in keep, together with its messages and participants. Returns the
// sids that were pruned.
func (db *DB) PruneParticipatingExcept(keep []string) ([]string, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keep)), ",")
	query := `SELECT sid FROM conversations WHERE participating_status = 'joined'`
	args := make([]any, 0, len(keep))
	if len(keep) > 0 {
		query += ` AND sid NOT IN (` + placeholders + `)`
		for _, sid := range keep {
			args = append(args, sid)
		}
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	var stale []string
	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			_ = rows.Close()
			return nil, err
		}
		stale = append(stale, sid)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, sid := range stale {
		if err := db.DeleteConversation(sid); err != nil {
			return nil, err
		}
	}
	return stale, nil
}

// UpdateLastMessage writes the denormalized last-message summary.
func (db *DB) UpdateLastMessage(sid, body, status string, at int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations
		SET last_message_body = ?, last_message_status = ?, last_message_at = ?, updated_at = ?
		WHERE sid = ?`,
		body, status, at, now, sid)
	return err
}

// UpdateParticipantsCount writes the denormalized participant counter.
func (db *DB) UpdateParticipantsCount(sid string, n int64) error {
	_, err := db.Exec(`UPDATE conversations SET participants_count = ?, updated_at = ? WHERE sid = ?`,
		n, time.Now().UnixMilli(), sid)
	return err
}

// UpdateMessagesCount writes the denormalized message counter.
func (db *DB) UpdateMessagesCount(sid string, n int64) error {
	_, err := db.Exec(`UPDATE conversations SET messages_count = ?, updated_at = ? WHERE sid = ?`,
		n, time.Now().UnixMilli(), sid)
	return err
}

// UpdateUnreadCount writes the denormalized unread counter.
func (db *DB) UpdateUnreadCount(sid string, n int64) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = ?, updated_at = ? WHERE sid = ?`,
		n, time.Now().UnixMilli(), sid)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(r rowScanner) (*Conversation, error) {
	var c Conversation
	err := r.Scan(&c.Sid, &c.FriendlyName, &c.UniqueName, &c.Attributes, &c.DateCreated, &c.DateUpdated,
		&c.LastMessageBody, &c.LastMessageStatus, &c.LastMessageAt,
		&c.ParticipantsCount, &c.MessagesCount, &c.UnreadCount,
		&c.ParticipatingStatus, &c.NotificationLevel)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
