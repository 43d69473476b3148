package backend

import (
	"time"

	"github.com/matheus3301/duet/internal/chat"
)

// messageRow mirrors the public.messages table.
type messageRow struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	ClientToken string    `gorm:"column:client_token;type:varchar(64);index"`
	SenderID    string    `gorm:"column:sender_id;type:varchar(64);not null;index:idx_messages_pair,priority:1"`
	RecipientID string    `gorm:"column:recipient_id;type:varchar(64);not null;index:idx_messages_pair,priority:2"`
	Text        string    `gorm:"column:text;type:text;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;index"`
	IsRead      bool      `gorm:"column:is_read;not null;default:false"`
}

func (messageRow) TableName() string { return "messages" }

func (r messageRow) toMessage() chat.Message {
	return chat.Message{
		ID:          r.ID,
		Token:       r.ClientToken,
		SenderID:    r.SenderID,
		RecipientID: r.RecipientID,
		Text:        r.Text,
		CreatedAt:   r.CreatedAt,
		IsRead:      r.IsRead,
	}
}

// profileRow mirrors the public.profiles table.
type profileRow struct {
	ID        string    `gorm:"column:id;primaryKey;type:varchar(64)"`
	Username  string    `gorm:"column:username;type:varchar(64);uniqueIndex;not null"`
	FullName  string    `gorm:"column:full_name;type:varchar(128)"`
	AvatarURL string    `gorm:"column:avatar_url;type:text"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (profileRow) TableName() string { return "profiles" }

func (r profileRow) toProfile() chat.Profile {
	return chat.Profile{
		ID:        r.ID,
		Username:  r.Username,
		FullName:  r.FullName,
		AvatarURL: r.AvatarURL,
		UpdatedAt: r.UpdatedAt,
	}
}

// friendRow is one direction of a friendship; AddFriend writes both.
type friendRow struct {
	ID             int64     `gorm:"column:id;primaryKey;autoIncrement"`
	UserID         string    `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex:idx_friends_pair,priority:1"`
	FriendID       string    `gorm:"column:friend_id;type:varchar(64);not null;uniqueIndex:idx_friends_pair,priority:2"`
	FriendUsername string    `gorm:"column:friend_username;type:varchar(64)"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

func (friendRow) TableName() string { return "friends" }
