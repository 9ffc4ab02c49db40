// Package store 提供房间消息日志与账户数据的持久化实现。
//
// MessageStore 只暴露 Append/Recent/Before/After 四个核心操作（外加保留策略用的 Trim），
// 因此嵌入式 SQLite、Postgres（gorm）和 Redis 可以互换。
// 同一房间的并发写入由上层 Dispatcher 的房间锁串行化，各后端自身也保证单次 Append 原子。
package store

import (
	"context"
	"errors"
	"time"

	"chatroom/internal/chat"
	"chatroom/internal/metrics"
	"chatroom/internal/models"
)

// MessageStore 是按房间划分、只追加的有序消息日志。
type MessageStore interface {
	// Append 分配新 id，持久化成功后才返回；失败时返回 *chat.StoreError。
	Append(ctx context.Context, room string, msg chat.Message) (*chat.Message, error)
	// Recent 返回最近 limit 条，按时间正序。
	Recent(ctx context.Context, room string, limit int) ([]chat.Message, error)
	// Before 返回 anchorID 之前紧邻的至多 limit 条，按时间正序；anchor 不存在时返回 chat.ErrMessageNotFound。
	Before(ctx context.Context, room, anchorID string, limit int) ([]chat.Message, error)
	// After 返回 anchorID 之后的全部消息；anchor 不存在时返回 chat.ErrMessageNotFound。
	After(ctx context.Context, room, anchorID string) ([]chat.Message, error)
	// Trim 只保留最新的 keep 条，返回删除条数。
	Trim(ctx context.Context, room string, keep int) (int, error)
	Rooms(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Accounts 是外部用户资料存储：认证、refresh token 以及 Room Registry 的“当前房间”字段。
type Accounts interface {
	CreateUser(ctx context.Context, username, passwordHash, role string) (*models.User, error)
	FindUser(ctx context.Context, username string) (*models.User, error)
	ListUsers(ctx context.Context, limit int) ([]models.User, error)
	SetCurrentRoom(ctx context.Context, username, room string) error
	SaveRefreshToken(ctx context.Context, username, token string, expiresAt time.Time) error
	// RotateRefreshToken 在一个事务内校验并吊销旧 token、保存新 token，返回 token 所属用户名。
	RotateRefreshToken(ctx context.Context, oldToken, newToken string, expiresAt time.Time) (string, error)
	RevokeRefreshToken(ctx context.Context, token string) error
}

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrUsernameTaken       = errors.New("username taken")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")

	errDuplicateID = errors.New("duplicate message id")
)

const maxIDAttempts = 3

// insertWithFreshID 用新生成的 id 调用 insert；碰撞（errDuplicateID）时换 id 重试。
func insertWithFreshID(insert func(id string) error) (string, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id, err := chat.NewMessageID()
		if err != nil {
			return "", err
		}
		err = insert(id)
		if errors.Is(err, errDuplicateID) {
			continue
		}
		if err != nil {
			return "", err
		}
		return id, nil
	}
	return "", errDuplicateID
}

// stamp 填充服务端接收时间并绑定房间。
func stamp(room string, msg chat.Message) chat.Message {
	msg.Room = room
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	return msg
}

func reverse(msgs []chat.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

func observe(backend, op string) func() {
	start := time.Now()
	return func() {
		metrics.StoreOpDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
	}
}
