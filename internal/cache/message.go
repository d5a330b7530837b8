package cache

import (
	"database/sql"
	"fmt"
	"time"
)

const messageColumns = `id, conversation_sid, sid, uuid, author, body, created_at, msg_index,
	attributes, direction, send_status,
	media_filename, media_content_type, media_size, media_local_uri,
	media_upload_progress, media_download_progress, media_uploading, media_downloading,
	error_code`

// ordExpr is the effective ordering key: server index for confirmed rows,
// creation date for unconfirmed ones (which sorts them after any index).
const ordExpr = `CASE WHEN msg_index >= 0 THEN msg_index ELSE created_at END`

// InsertLocalMessage inserts an optimistic local row before the network call.
// The row is identified by its uuid; sid stays empty and msg_index -1 until
// the server confirms it.
func (db *DB) InsertLocalMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_sid, sid, uuid, author, body, created_at, msg_index,
			attributes, direction, send_status,
			media_filename, media_content_type, media_size, media_local_uri,
			media_upload_progress, media_download_progress, media_uploading, media_downloading,
			error_code, updated_at)
		VALUES (?, '', ?, ?, ?, ?, -1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ConversationSid, m.UUID, m.Author, m.Body, m.CreatedAt,
		m.Attributes, m.Direction, m.SendStatus,
		m.Media.Filename, m.Media.ContentType, m.Media.Size, m.Media.LocalURI,
		m.Media.UploadProgress, m.Media.DownloadProgress, m.Media.Uploading, m.Media.Downloading,
		m.ErrorCode, now)
	return err
}

// UpsertMessage reconciles a server-confirmed message into the cache. It first
// matches an optimistic row by uuid, then an existing confirmed row by sid,
// and inserts otherwise. Idempotent under repeated delivery.
func (db *DB) UpsertMessage(m *Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()

	if m.UUID != "" {
		res, err := tx.Exec(`
			UPDATE messages SET sid = ?, author = ?, body = ?, created_at = ?, msg_index = ?,
				attributes = ?, send_status = ?, error_code = ?, updated_at = ?
			WHERE conversation_sid = ? AND uuid = ?`,
			m.Sid, m.Author, m.Body, m.CreatedAt, m.Index,
			m.Attributes, m.SendStatus, m.ErrorCode, now,
			m.ConversationSid, m.UUID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return tx.Commit()
		}
	}

	if m.Sid != "" {
		res, err := tx.Exec(`
			UPDATE messages SET author = ?, body = ?, created_at = ?, msg_index = ?,
				attributes = ?, updated_at = ?
			WHERE conversation_sid = ? AND sid = ?`,
			m.Author, m.Body, m.CreatedAt, m.Index,
			m.Attributes, now,
			m.ConversationSid, m.Sid)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return tx.Commit()
		}
	}

	_, err = tx.Exec(`
		INSERT INTO messages (conversation_sid, sid, uuid, author, body, created_at, msg_index,
			attributes, direction, send_status,
			media_filename, media_content_type, media_size, media_local_uri,
			media_upload_progress, media_download_progress, media_uploading, media_downloading,
			error_code, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ConversationSid, m.Sid, m.UUID, m.Author, m.Body, m.CreatedAt, m.Index,
		m.Attributes, m.Direction, m.SendStatus,
		m.Media.Filename, m.Media.ContentType, m.Media.Size, m.Media.LocalURI,
		m.Media.UploadProgress, m.Media.DownloadProgress, m.Media.Uploading, m.Media.Downloading,
		m.ErrorCode, now)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// MarkMessageSent flips an optimistic row to its confirmed state.
func (db *DB) MarkMessageSent(conversationSid, uuid, sid string, index int64) error {
	_, err := db.Exec(`
		UPDATE messages SET sid = ?, msg_index = ?, send_status = ?, error_code = 0, updated_at = ?
		WHERE conversation_sid = ? AND uuid = ?`,
		sid, index, SendStatusSent, time.Now().UnixMilli(), conversationSid, uuid)
	return err
}

// MarkMessageFailed records a send failure on the optimistic row so the UI
// can offer retry.
func (db *DB) MarkMessageFailed(conversationSid, uuid string, errorCode int) error {
	_, err := db.Exec(`
		UPDATE messages SET send_status = ?, error_code = ?, updated_at = ?
		WHERE conversation_sid = ? AND uuid = ?`,
		SendStatusError, errorCode, time.Now().UnixMilli(), conversationSid, uuid)
	return err
}

// MarkMessageSending puts a row back into the sending state for a retry.
func (db *DB) MarkMessageSending(conversationSid, uuid string) error {
	_, err := db.Exec(`
		UPDATE messages SET send_status = ?, updated_at = ?
		WHERE conversation_sid = ? AND uuid = ?`,
		SendStatusSending, time.Now().UnixMilli(), conversationSid, uuid)
	return err
}

// GetMessageByUUID returns a message by its client correlation id, or nil.
func (db *DB) GetMessageByUUID(conversationSid, uuid string) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE conversation_sid = ? AND uuid = ?`,
		conversationSid, uuid)
	return scanMessageRow(row)
}

// GetMessageBySid returns a message by its server id, or nil.
func (db *DB) GetMessageBySid(conversationSid, sid string) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE conversation_sid = ? AND sid = ?`,
		conversationSid, sid)
	return scanMessageRow(row)
}

// DeleteMessageBySid removes a message by its server id.
func (db *DB) DeleteMessageBySid(conversationSid, sid string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE conversation_sid = ? AND sid = ?`, conversationSid, sid)
	return err
}

// UpdateMessageAttributes writes a message's attributes blob by server id.
func (db *DB) UpdateMessageAttributes(conversationSid, sid, attributes string) error {
	_, err := db.Exec(`
		UPDATE messages SET attributes = ?, updated_at = ?
		WHERE conversation_sid = ? AND sid = ?`,
		attributes, time.Now().UnixMilli(), conversationSid, sid)
	return err
}

// ListMessageWindow returns the latest limit messages of a conversation in
// ascending effective order. Sizing the window is the caller's concern, so a
// non-positive limit is rejected rather than defaulted.
func (db *DB) ListMessageWindow(conversationSid string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("message window limit must be positive, got %d", limit)
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+`, `+ordExpr+` AS ord
			FROM messages WHERE conversation_sid = ?
			ORDER BY ord DESC, id DESC
			LIMIT ?
		) ORDER BY ord ASC, id ASC`, conversationSid, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// LatestMessage returns the highest-ordered message of a conversation, or nil.
func (db *DB) LatestMessage(conversationSid string) (*Message, error) {
	row := db.QueryRow(`
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_sid = ?
		ORDER BY `+ordExpr+` DESC, id DESC
		LIMIT 1`, conversationSid)
	return scanMessageRow(row)
}

// CountMessages returns the number of locally cached messages for a conversation.
func (db *DB) CountMessages(conversationSid string) (int64, error) {
	var n int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_sid = ?`, conversationSid).Scan(&n)
	return n, err
}

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	err := r.Scan(&m.ID, &m.ConversationSid, &m.Sid, &m.UUID, &m.Author, &m.Body, &m.CreatedAt, &m.Index,
		&m.Attributes, &m.Direction, &m.SendStatus,
		&m.Media.Filename, &m.Media.ContentType, &m.Media.Size, &m.Media.LocalURI,
		&m.Media.UploadProgress, &m.Media.DownloadProgress, &m.Media.Uploading, &m.Media.Downloading,
		&m.ErrorCode)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMessageRow(row *sql.Row) (*Message, error) {
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// InsertMessageIfAbsent merges a fetched message into the cache without
// replacing an existing row, so backfilled pages never clobber updates that
// arrived concurrently over push.
func (db *DB) InsertMessageIfAbsent(m *Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE conversation_sid = ? AND ((sid != '' AND sid = ?) OR (uuid != '' AND uuid = ?))`,
		m.ConversationSid, m.Sid, m.UUID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return tx.Commit()
	}

	now := time.Now().UnixMilli()
	_, err = tx.Exec(`
		INSERT INTO messages (conversation_sid, sid, uuid, author, body, created_at, msg_index,
			attributes, direction, send_status,
			media_filename, media_content_type, media_size, media_local_uri,
			media_upload_progress, media_download_progress, media_uploading, media_downloading,
			error_code, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ConversationSid, m.Sid, m.UUID, m.Author, m.Body, m.CreatedAt, m.Index,
		m.Attributes, m.Direction, m.SendStatus,
		m.Media.Filename, m.Media.ContentType, m.Media.Size, m.Media.LocalURI,
		m.Media.UploadProgress, m.Media.DownloadProgress, m.Media.Uploading, m.Media.Downloading,
		m.ErrorCode, now)
	if err != nil {
		return err
	}
	return tx.Commit()
}
