package store

import "time"

// RecordCall appends a finished call to the call log.
func (db *DB) RecordCall(r *CallRecord) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO call_log (call_id, peer_id, direction, kind, outcome, started_at, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.CallID, r.PeerID, r.Direction, r.Kind, r.Outcome, r.StartedAt, r.DurationMs, now)
	return err
}

// ListCalls returns the most recent calls first.
func (db *DB) ListCalls(limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, call_id, peer_id, direction, kind, outcome, started_at, duration_ms, created_at
		FROM call_log ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []CallRecord
	for rows.Next() {
		var r CallRecord
		if err := rows.Scan(&r.ID, &r.CallID, &r.PeerID, &r.Direction, &r.Kind, &r.Outcome, &r.StartedAt, &r.DurationMs, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
