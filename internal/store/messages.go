package store

import (
	"fmt"
	"time"

	"github.com/zapdesk/zapdesk/internal/lifecycle"
	"github.com/zapdesk/zapdesk/internal/model"
)

// CacheConversation replaces the cached message set for a conversation with
// the latest reconciled view. The cache gives the UI instant history on
// conversation switch while a fresh fetch is in flight.
func (db *DB) CacheConversation(key string, msgs []model.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_key = ?`, key); err != nil {
		return fmt.Errorf("clear cached conversation: %w", err)
	}

	for _, m := range msgs {
		var readAt int64
		if m.Read() {
			readAt = m.ReadAt.UnixMilli()
		}
		isLocal := 0
		if m.ID.Local() {
			isLocal = 1
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (conversation_key, msg_id, is_local, direction, status, body, media_path, mime_type, contact_name, correlation_id, created_at, read_at, failure_reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_key, msg_id) DO UPDATE SET
				status = excluded.status,
				contact_name = excluded.contact_name,
				correlation_id = excluded.correlation_id,
				read_at = excluded.read_at,
				failure_reason = excluded.failure_reason`,
			key, m.ID.Value(), isLocal, string(m.Direction), string(m.Status),
			m.Body, m.MediaPath, m.MimeType, m.ContactName, m.CorrelationID,
			m.CreatedAt.UnixMilli(), readAt, m.FailureReason); err != nil {
			return fmt.Errorf("cache message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cache: %w", err)
	}
	return nil
}

// CachedConversation returns the cached message set for a conversation,
// sorted ascending by creation time.
func (db *DB) CachedConversation(key string) ([]model.Message, error) {
	rows, err := db.Query(`
		SELECT msg_id, is_local, direction, status, body, media_path, mime_type, contact_name, correlation_id, created_at, read_at, failure_reason
		FROM messages
		WHERE conversation_key = ?
		ORDER BY created_at ASC`, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		var (
			msgID, direction, status string
			isLocal                  int
			createdAt, readAt        int64
			m                        model.Message
		)
		if err := rows.Scan(&msgID, &isLocal, &direction, &status, &m.Body, &m.MediaPath,
			&m.MimeType, &m.ContactName, &m.CorrelationID, &createdAt, &readAt, &m.FailureReason); err != nil {
			return nil, err
		}
		if isLocal == 1 {
			m.ID = model.LocalID(msgID)
		} else {
			m.ID = model.ServerID(msgID)
		}
		m.ConversationKey = key
		m.Direction = model.Direction(direction)
		m.Status = lifecycle.State(status)
		m.CreatedAt = time.UnixMilli(createdAt)
		if readAt > 0 {
			m.ReadAt = time.UnixMilli(readAt)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
