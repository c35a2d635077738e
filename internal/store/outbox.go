package store

import "time"

// OutboxEntry is the persisted journal record of an optimistic send.
type OutboxEntry struct {
	ID              int64
	LocalID         string
	ConversationKey string
	Body            string
	MediaPath       string
	MimeType        string
	Status          string // queued, sending, sent, failed
	ErrorMessage    string
	CorrelationID   string
}

// QueueOutbox journals a new optimistic send.
func (db *DB) QueueOutbox(localID, key, body, mediaPath, mimeType string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (local_id, conversation_key, body, media_path, mime_type, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'queued', ?, ?)`,
		localID, key, body, mediaPath, mimeType, now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(localID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE local_id = ?`, now, localID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the provider correlation id.
func (db *DB) MarkOutboxSent(localID, correlationID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', correlation_id = ?, updated_at = ? WHERE local_id = ?`, correlationID, now, localID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(localID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE local_id = ?`, errMsg, now, localID)
	return err
}

// PendingOutbox returns journal entries that never got a verdict, oldest
// first. Used on startup to surface sends interrupted by a crash.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, local_id, conversation_key, body, media_path, mime_type, status, error_message, correlation_id
		FROM outbox WHERE status IN ('queued', 'sending') ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.LocalID, &e.ConversationKey, &e.Body, &e.MediaPath, &e.MimeType, &e.Status, &e.ErrorMessage, &e.CorrelationID); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
