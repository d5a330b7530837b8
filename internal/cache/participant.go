package cache

import (
	"database/sql"
	"time"
)

const participantColumns = `sid, identity, conversation_sid, friendly_name, online,
	last_read_index, last_read_at, typing`

// UpsertParticipant inserts or replaces a participant record keyed by sid.
// The typing flag is preserved across upserts; it is driven by its own events.
func (db *DB) UpsertParticipant(p *Participant) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO participants (sid, identity, conversation_sid, friendly_name, online,
			last_read_index, last_read_at, typing, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(sid) DO UPDATE SET
			identity = excluded.identity,
			conversation_sid = excluded.conversation_sid,
			friendly_name = excluded.friendly_name,
			online = excluded.online,
			last_read_index = excluded.last_read_index,
			last_read_at = excluded.last_read_at,
			updated_at = excluded.updated_at`,
		p.Sid, p.Identity, p.ConversationSid, p.FriendlyName, p.Online,
		p.LastReadIndex, p.LastReadAt, now)
	return err
}

// GetParticipant returns a participant by sid, or nil.
func (db *DB) GetParticipant(sid string) (*Participant, error) {
	row := db.QueryRow(`SELECT `+participantColumns+` FROM participants WHERE sid = ?`, sid)
	p, err := scanParticipant(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// DeleteParticipant removes a participant by sid.
func (db *DB) DeleteParticipant(sid string) error {
	_, err := db.Exec(`DELETE FROM participants WHERE sid = ?`, sid)
	return err
}

// ListParticipants returns a conversation's participants ordered by identity.
func (db *DB) ListParticipants(conversationSid string) ([]Participant, error) {
	return db.queryParticipants(`
		SELECT `+participantColumns+` FROM participants
		WHERE conversation_sid = ? ORDER BY identity ASC`, conversationSid)
}

// ListTypingParticipants returns the participants currently typing in a conversation.
func (db *DB) ListTypingParticipants(conversationSid string) ([]Participant, error) {
	return db.queryParticipants(`
		SELECT `+participantColumns+` FROM participants
		WHERE conversation_sid = ? AND typing = 1 ORDER BY identity ASC`, conversationSid)
}

// SetTyping flips the ephemeral typing flag of a participant.
func (db *DB) SetTyping(participantSid string, typing bool) error {
	_, err := db.Exec(`UPDATE participants SET typing = ?, updated_at = ? WHERE sid = ?`,
		typing, time.Now().UnixMilli(), participantSid)
	return err
}

func (db *DB) queryParticipants(query string, args ...any) ([]Participant, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanParticipant(r rowScanner) (*Participant, error) {
	var p Participant
	err := r.Scan(&p.Sid, &p.Identity, &p.ConversationSid, &p.FriendlyName, &p.Online,
		&p.LastReadIndex, &p.LastReadAt, &p.Typing)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
