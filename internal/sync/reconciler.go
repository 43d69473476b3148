package sync

import "github.com/matheus3301/duet/internal/chat"

// matchIndex finds the entry a persisted row supersedes: same persisted id,
// else the optimistic entry with the same idempotency token. Rows written
// without a token fall back to the first optimistic entry with the same
// text and sender. Returns -1 if nothing matches.
func matchIndex(msgs []chat.Message, row chat.Message) int {
	if row.ID != 0 {
		for i := range msgs {
			if msgs[i].ID == row.ID {
				return i
			}
		}
	}
	if row.Token != "" {
		for i := range msgs {
			if msgs[i].Optimistic() && msgs[i].Token == row.Token {
				return i
			}
		}
		return -1
	}
	for i := range msgs {
		if msgs[i].Optimistic() && msgs[i].Text == row.Text && msgs[i].SenderID == row.SenderID {
			return i
		}
	}
	return -1
}

// reconcile replaces the entry row supersedes in place, or appends row.
func reconcile(msgs []chat.Message, row chat.Message) []chat.Message {
	if i := matchIndex(msgs, row); i >= 0 {
		msgs[i] = row
		return msgs
	}
	return append(msgs, row)
}

// removeTemp drops the optimistic entry with tempID. Reports whether one was found.
func removeTemp(msgs []chat.Message, tempID string) ([]chat.Message, bool) {
	for i := range msgs {
		if msgs[i].TempID == tempID && msgs[i].Optimistic() {
			return append(msgs[:i], msgs[i+1:]...), true
		}
	}
	return msgs, false
}

// persisted reports whether msgs already holds the stored form of token.
func persisted(msgs []chat.Message, token string) bool {
	if token == "" {
		return false
	}
	for i := range msgs {
		if msgs[i].ID != 0 && msgs[i].Token == token {
			return true
		}
	}
	return false
}
