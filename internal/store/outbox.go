package store

import "time"

// QueueOutbox records a send attempt before the backend sees it.
func (db *DB) QueueOutbox(clientToken, tempID, peerID, body string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_token, temp_id, peer_id, body, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)`,
		clientToken, tempID, peerID, body, now, now)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the persisted message id.
func (db *DB) MarkOutboxSent(clientToken string, serverMsgID int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ? WHERE client_token = ?`, serverMsgID, now, clientToken)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientToken, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_token = ?`, errMsg, now, clientToken)
	return err
}

// GetOutbox returns the entry for a token, or nil if unknown.
func (db *DB) GetOutbox(clientToken string) (*OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_token, temp_id, peer_id, body, status, error_message, server_msg_id
		FROM outbox WHERE client_token = ?`, clientToken)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var e OutboxEntry
	if err := rows.Scan(&e.ID, &e.ClientToken, &e.TempID, &e.PeerID, &e.Body, &e.Status, &e.ErrorMessage, &e.ServerMsgID); err != nil {
		return nil, err
	}
	return &e, nil
}

// AbandonQueuedOutbox marks attempts left 'queued' by a previous run as failed.
// Sends are never retried, so a restart resolves them instead of resending.
func (db *DB) AbandonQueuedOutbox() (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = 'abandoned at restart', updated_at = ? WHERE status = 'queued'`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
