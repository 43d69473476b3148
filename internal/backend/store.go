// Package backend is the client for the remote durable store: the shared
// Postgres database holding messages, profiles and friendships.
package backend

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"
	"time"

	"github.com/matheus3301/duet/internal/chat"
	"github.com/matheus3301/duet/internal/config"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrSelfFriend     = errors.New("cannot add yourself as a friend")
	ErrAlreadyFriends = errors.New("already friends")
	ErrUsernameTaken  = errors.New("username is taken")
	ErrBadUsername    = errors.New("username must be 3-32 characters of [a-z0-9_]")
)

// Change operations reported to a ChangeFunc.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
)

// ChangeFunc observes committed message writes. The hosted backend
// publishes these itself; a local backend has to be told.
type ChangeFunc func(ctx context.Context, op string, m chat.Message)

var (
	usernameJunk  = regexp.MustCompile(`[^a-z0-9]`)
	usernameValid = regexp.MustCompile(`^[a-z0-9_]{3,32}$`)
)

// Store talks to the backend database through gorm.
type Store struct {
	db       *gorm.DB
	logger   *zap.Logger
	now      func() time.Time
	onChange ChangeFunc
}

// SQLitePrefix marks a DSN naming a local SQLite file rather than Postgres.
const SQLitePrefix = config.SQLitePrefix

// IsLocal reports whether dsn names a local SQLite backend, whose schema
// the daemon creates itself.
func IsLocal(dsn string) bool {
	return config.BackendConfig{DSN: dsn}.Local()
}

// Open connects to the backend at dsn: Postgres, or a local SQLite file
// when dsn starts with SQLitePrefix.
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	var dialector gorm.Dialector
	if path, ok := strings.CutPrefix(dsn, SQLitePrefix); ok {
		dialector = sqlite.Open(path)
	} else {
		dialector = postgres.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open backend: %w", err)
	}
	return New(db, logger), nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger, now: time.Now}
}

// OnChange registers fn to observe message inserts and updates. Must be
// called before the store is shared.
func (s *Store) OnChange(fn ChangeFunc) {
	s.onChange = fn
}

func (s *Store) changed(ctx context.Context, op string, m chat.Message) {
	if s.onChange != nil {
		s.onChange(ctx, op, m)
	}
}

// AutoMigrate creates the backend tables. Used for local backends and tests;
// the hosted backend owns its own schema.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&messageRow{}, &profileRow{}, &friendRow{})
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Insert persists a message and returns its stored form.
func (s *Store) Insert(ctx context.Context, m chat.Message) (chat.Message, error) {
	row := messageRow{
		ClientToken: m.Token,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Text:        m.Text,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return chat.Message{}, fmt.Errorf("insert message: %w", err)
	}
	m = row.toMessage()
	s.changed(ctx, OpInsert, m)
	return m, nil
}

// MarkRead flags every unread message from sender to recipient as read.
func (s *Store) MarkRead(ctx context.Context, recipientID, senderID string) error {
	var rows []messageRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("recipient_id = ? AND sender_id = ? AND is_read = ?", recipientID, senderID, false).
			Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]int64, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		return tx.Model(&messageRow{}).Where("id IN ?", ids).Update("is_read", true).Error
	})
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	s.logger.Debug("marked messages read",
		zap.String("sender", senderID), zap.Int("rows", len(rows)))
	for _, r := range rows {
		r.IsRead = true
		s.changed(ctx, OpUpdate, r.toMessage())
	}
	return nil
}

// Conversation returns every message between a and b, oldest first.
func (s *Store) Conversation(ctx context.Context, a, b string) ([]chat.Message, error) {
	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("(sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)", a, b, b, a).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	msgs := make([]chat.Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, r.toMessage())
	}
	return msgs, nil
}

// UnreadBySender counts unread messages addressed to recipient, per sender.
func (s *Store) UnreadBySender(ctx context.Context, recipientID string) (map[string]int, error) {
	var rows []struct {
		SenderID string
		Count    int
	}
	err := s.db.WithContext(ctx).Model(&messageRow{}).
		Select("sender_id, COUNT(*) AS count").
		Where("recipient_id = ? AND is_read = ?", recipientID, false).
		Group("sender_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count unread: %w", err)
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.SenderID] = r.Count
	}
	return counts, nil
}

// EnsureProfile returns the user's profile, creating one with a generated
// username (`<email local part>_<4 digits>`) on first sight.
func (s *Store) EnsureProfile(ctx context.Context, userID, email string) (chat.Profile, error) {
	var row profileRow
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&row).Error
	if err == nil {
		return row.toProfile(), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return chat.Profile{}, fmt.Errorf("get profile: %w", err)
	}

	base := "user"
	if local, _, ok := strings.Cut(email, "@"); ok && local != "" {
		base = local
	}
	row = profileRow{
		ID:        userID,
		Username:  GenerateUsername(base),
		FullName:  base,
		UpdatedAt: s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return chat.Profile{}, fmt.Errorf("create profile: %w", err)
	}
	s.logger.Info("profile created", zap.String("username", row.Username))
	return row.toProfile(), nil
}

// UpdateProfile upserts the user's profile with the non-empty fields of u.
// A new username must be free; friends see it under their list right away.
func (s *Store) UpdateProfile(ctx context.Context, userID string, u chat.ProfileUpdate) (chat.Profile, error) {
	username := strings.ToLower(strings.TrimSpace(u.Username))
	if username != "" && !usernameValid.MatchString(username) {
		return chat.Profile{}, fmt.Errorf("%w: %q", ErrBadUsername, u.Username)
	}

	var row profileRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ?", userID).Take(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if username == "" {
				return fmt.Errorf("%w: a new profile needs a username", ErrBadUsername)
			}
			row = profileRow{ID: userID}
		case err != nil:
			return fmt.Errorf("get profile: %w", err)
		}

		if username != "" && username != row.Username {
			var taken int64
			if err := tx.Model(&profileRow{}).Where("username = ? AND id <> ?", username, userID).Count(&taken).Error; err != nil {
				return fmt.Errorf("check username: %w", err)
			}
			if taken > 0 {
				return fmt.Errorf("%w: %s", ErrUsernameTaken, username)
			}
			row.Username = username
		}
		if u.FullName != "" {
			row.FullName = u.FullName
		}
		if u.AvatarURL != "" {
			row.AvatarURL = u.AvatarURL
		}
		row.UpdatedAt = s.now().UTC()

		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"username", "full_name", "avatar_url", "updated_at"}),
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("upsert profile: %w", err)
		}
		return tx.Model(&friendRow{}).Where("friend_id = ?", userID).Update("friend_username", row.Username).Error
	})
	if err != nil {
		return chat.Profile{}, err
	}
	s.logger.Info("profile updated", zap.String("username", row.Username))
	return row.toProfile(), nil
}

// GenerateUsername lowercases base, strips everything but [a-z0-9] and adds a
// random four digit suffix.
func GenerateUsername(base string) string {
	clean := usernameJunk.ReplaceAllString(strings.ToLower(base), "")
	if clean == "" {
		clean = "user"
	}
	return fmt.Sprintf("%s_%d", clean, 1000+rand.IntN(9000))
}

// Friends lists the user's friends.
func (s *Store) Friends(ctx context.Context, userID string) ([]chat.Friend, error) {
	var rows []friendRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("friend_username ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	friends := make([]chat.Friend, 0, len(rows))
	for _, r := range rows {
		friends = append(friends, chat.Friend{UserID: r.FriendID, DisplayName: r.FriendUsername})
	}
	return friends, nil
}

// AddFriend looks up username and writes the friendship in both directions.
func (s *Store) AddFriend(ctx context.Context, userID, username string) (chat.Friend, error) {
	var friend chat.Friend
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var target profileRow
		if err := tx.Where("username = ?", username).Take(&target).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrUserNotFound, username)
			}
			return fmt.Errorf("find profile: %w", err)
		}
		if target.ID == userID {
			return ErrSelfFriend
		}

		var me profileRow
		if err := tx.Where("id = ?", userID).Take(&me).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: own profile missing", ErrUserNotFound)
			}
			return fmt.Errorf("find own profile: %w", err)
		}

		var existing int64
		if err := tx.Model(&friendRow{}).Where("user_id = ? AND friend_id = ?", userID, target.ID).Count(&existing).Error; err != nil {
			return fmt.Errorf("check friendship: %w", err)
		}
		if existing > 0 {
			return ErrAlreadyFriends
		}

		now := s.now().UTC()
		rows := []friendRow{
			{UserID: userID, FriendID: target.ID, FriendUsername: target.Username, CreatedAt: now},
			{UserID: target.ID, FriendID: userID, FriendUsername: me.Username, CreatedAt: now},
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("insert friendship: %w", err)
		}
		friend = chat.Friend{UserID: target.ID, DisplayName: target.Username}
		return nil
	})
	return friend, err
}
