package store

import "time"

// MarkNotified records that a notification was emitted for a message under
// the given tenant.
func (db *DB) MarkNotified(tenant, msgID string) error {
	_, err := db.Exec(`
		INSERT INTO notified (tenant, msg_id, notified_at)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant, msg_id) DO NOTHING`,
		tenant, msgID, time.Now().UnixMilli())
	return err
}

// WasNotified reports whether a notification was already emitted for a
// message under the given tenant. Ids recorded for other tenants never
// suppress notifications.
func (db *DB) WasNotified(tenant, msgID string) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(1) FROM notified WHERE tenant = ? AND msg_id = ?`, tenant, msgID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PruneNotified drops dedup records older than the cutoff.
func (db *DB) PruneNotified(olderThan time.Time) error {
	_, err := db.Exec(`DELETE FROM notified WHERE notified_at < ?`, olderThan.UnixMilli())
	return err
}
