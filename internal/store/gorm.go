package store

import (
	"context"
	"errors"
	"time"

	"chatroom/internal/chat"
	"chatroom/internal/models"

	"gorm.io/gorm"
)

const gormBackend = "postgres"

// GormStore 基于 gorm（Postgres）实现 MessageStore 与 Accounts。
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		return &chat.StoreError{Backend: gormBackend, Op: "ping", Err: err}
	}
	return nil
}

func toChat(rows []models.Message) []chat.Message {
	out := make([]chat.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, chat.Message{
			ID:     r.MsgID,
			Room:   r.Room,
			Author: r.Author,
			Body:   r.Body,
			Origin: r.Origin,
			SentAt: r.SentAt.UTC(),
		})
	}
	return out
}

func (s *GormStore) Append(ctx context.Context, room string, msg chat.Message) (*chat.Message, error) {
	defer observe(gormBackend, "append")()
	msg = stamp(room, msg)
	id, err := insertWithFreshID(func(id string) error {
		row := models.Message{Room: room, MsgID: id, Author: msg.Author, Body: msg.Body, Origin: msg.Origin, SentAt: msg.SentAt}
		err := s.db.WithContext(ctx).Create(&row).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errDuplicateID
		}
		return err
	})
	if err != nil {
		return nil, &chat.StoreError{Backend: gormBackend, Op: "append", Room: room, Err: err}
	}
	msg.ID = id
	return &msg, nil
}

func (s *GormStore) Recent(ctx context.Context, room string, limit int) ([]chat.Message, error) {
	defer observe(gormBackend, "recent")()
	if limit <= 0 {
		return []chat.Message{}, nil
	}
	var rows []models.Message
	if err := s.db.WithContext(ctx).Where("room = ?", room).Order("seq desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, &chat.StoreError{Backend: gormBackend, Op: "recent", Room: room, Err: err}
	}
	msgs := toChat(rows)
	reverse(msgs)
	return msgs, nil
}

func (s *GormStore) Before(ctx context.Context, room, anchorID string, limit int) ([]chat.Message, error) {
	defer observe(gormBackend, "before")()
	seq, err := s.anchorSeq(ctx, "before", room, anchorID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []chat.Message{}, nil
	}
	var rows []models.Message
	if err := s.db.WithContext(ctx).Where("room = ? AND seq < ?", room, seq).Order("seq desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, &chat.StoreError{Backend: gormBackend, Op: "before", Room: room, Err: err}
	}
	msgs := toChat(rows)
	reverse(msgs)
	return msgs, nil
}

func (s *GormStore) After(ctx context.Context, room, anchorID string) ([]chat.Message, error) {
	defer observe(gormBackend, "after")()
	seq, err := s.anchorSeq(ctx, "after", room, anchorID)
	if err != nil {
		return nil, err
	}
	var rows []models.Message
	if err := s.db.WithContext(ctx).Where("room = ? AND seq > ?", room, seq).Order("seq asc").Find(&rows).Error; err != nil {
		return nil, &chat.StoreError{Backend: gormBackend, Op: "after", Room: room, Err: err}
	}
	return toChat(rows), nil
}

func (s *GormStore) Trim(ctx context.Context, room string, keep int) (int, error) {
	defer observe(gormBackend, "trim")()
	if keep < 0 {
		keep = 0
	}
	var cutoff models.Message
	err := s.db.WithContext(ctx).Select("seq").Where("room = ?", room).Order("seq desc").Offset(keep).Limit(1).Take(&cutoff).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, &chat.StoreError{Backend: gormBackend, Op: "trim", Room: room, Err: err}
	}
	res := s.db.WithContext(ctx).Where("room = ? AND seq <= ?", room, cutoff.Seq).Delete(&models.Message{})
	if res.Error != nil {
		return 0, &chat.StoreError{Backend: gormBackend, Op: "trim", Room: room, Err: res.Error}
	}
	return int(res.RowsAffected), nil
}

func (s *GormStore) Rooms(ctx context.Context) ([]string, error) {
	var rooms []string
	if err := s.db.WithContext(ctx).Model(&models.Message{}).Distinct("room").Order("room").Pluck("room", &rooms).Error; err != nil {
		return nil, &chat.StoreError{Backend: gormBackend, Op: "rooms", Err: err}
	}
	return rooms, nil
}

func (s *GormStore) anchorSeq(ctx context.Context, op, room, anchorID string) (uint64, error) {
	var row models.Message
	err := s.db.WithContext(ctx).Select("seq").Where("room = ? AND msg_id = ?", room, anchorID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, chat.ErrMessageNotFound
	}
	if err != nil {
		return 0, &chat.StoreError{Backend: gormBackend, Op: op, Room: room, Err: err}
	}
	return row.Seq, nil
}

// --- Accounts ---

func (s *GormStore) CreateUser(ctx context.Context, username, passwordHash, role string) (*models.User, error) {
	if role == "" {
		role = models.RoleUser
	}
	user := models.User{Username: username, PasswordHash: passwordHash, Role: role, Room: username}
	err := s.db.WithContext(ctx).Create(&user).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, ErrUsernameTaken
	}
	if err != nil {
		return nil, &chat.StoreError{Backend: gormBackend, Op: "create user", Err: err}
	}
	return &user, nil
}

func (s *GormStore) FindUser(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, &chat.StoreError{Backend: gormBackend, Op: "find user", Err: err}
	}
	return &user, nil
}

func (s *GormStore) ListUsers(ctx context.Context, limit int) ([]models.User, error) {
	if limit <= 0 {
		limit = 100
	}
	var users []models.User
	if err := s.db.WithContext(ctx).Select("id", "username", "role", "room").Order("username").Limit(limit).Find(&users).Error; err != nil {
		return nil, &chat.StoreError{Backend: gormBackend, Op: "list users", Err: err}
	}
	return users, nil
}

func (s *GormStore) SetCurrentRoom(ctx context.Context, username, room string) error {
	res := s.db.WithContext(ctx).Model(&models.User{}).Where("username = ?", username).Update("room", room)
	if res.Error != nil {
		return &chat.StoreError{Backend: gormBackend, Op: "set room", Err: res.Error}
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *GormStore) SaveRefreshToken(ctx context.Context, username, token string, expiresAt time.Time) error {
	return saveRefreshToken(s.db.WithContext(ctx), username, token, expiresAt)
}

func saveRefreshToken(db *gorm.DB, username, token string, expiresAt time.Time) error {
	rt := models.RefreshToken{Username: username, Token: token, ExpiresAt: expiresAt}
	if err := db.Create(&rt).Error; err != nil {
		return &chat.StoreError{Backend: gormBackend, Op: "save refresh token", Err: err}
	}
	return nil
}

func (s *GormStore) RotateRefreshToken(ctx context.Context, oldToken, newToken string, expiresAt time.Time) (string, error) {
	var username string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rt models.RefreshToken
		err := tx.Where("token = ? AND revoked_at IS NULL AND expires_at > ?", oldToken, time.Now()).First(&rt).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInvalidRefreshToken
		}
		if err != nil {
			return err
		}
		now := time.Now()
		if err := tx.Model(&models.RefreshToken{}).Where("token = ?", oldToken).Update("revoked_at", &now).Error; err != nil {
			return err
		}
		if err := saveRefreshToken(tx, rt.Username, newToken, expiresAt); err != nil {
			return err
		}
		username = rt.Username
		return nil
	})
	if errors.Is(err, ErrInvalidRefreshToken) {
		return "", err
	}
	if err != nil {
		return "", &chat.StoreError{Backend: gormBackend, Op: "rotate refresh token", Err: err}
	}
	return username, nil
}

func (s *GormStore) RevokeRefreshToken(ctx context.Context, token string) error {
	now := time.Now()
	err := s.db.WithContext(ctx).Model(&models.RefreshToken{}).
		Where("token = ? AND revoked_at IS NULL", token).Update("revoked_at", &now).Error
	if err != nil {
		return &chat.StoreError{Backend: gormBackend, Op: "revoke refresh token", Err: err}
	}
	return nil
}
