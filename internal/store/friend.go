package store

import (
	"fmt"
	"time"

	"github.com/matheus3301/duet/internal/chat"
)

// ReplaceFriends swaps the cached friend list for the given one.
func (db *DB) ReplaceFriends(friends []chat.Friend) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM friends`); err != nil {
		return fmt.Errorf("clear friends: %w", err)
	}
	now := time.Now().UnixMilli()
	for _, f := range friends {
		if _, err := tx.Exec(`
			INSERT INTO friends (user_id, display_name, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET display_name = excluded.display_name, updated_at = excluded.updated_at`,
			f.UserID, f.DisplayName, now); err != nil {
			return fmt.Errorf("insert friend %q: %w", f.UserID, err)
		}
	}
	return tx.Commit()
}

// ListFriends returns cached friends ordered by display name.
func (db *DB) ListFriends() ([]chat.Friend, error) {
	rows, err := db.Query(`SELECT user_id, display_name FROM friends ORDER BY display_name COLLATE NOCASE, user_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var friends []chat.Friend
	for rows.Next() {
		var f chat.Friend
		if err := rows.Scan(&f.UserID, &f.DisplayName); err != nil {
			return nil, err
		}
		friends = append(friends, f)
	}
	return friends, rows.Err()
}
