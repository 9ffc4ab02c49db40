package store

import (
	"context"
	"errors"
	"fmt"

	"chatroom/internal/chat"
	"chatroom/internal/config"
	"chatroom/internal/db"
)

// Backend 是一次 Open 得到的全部持久化句柄。
type Backend struct {
	Messages MessageStore
	Accounts Accounts
	closers  []func() error
}

// Close 依次关闭所有底层连接。
func (b *Backend) Close() error {
	var errs []error
	for _, c := range b.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open 按配置组装账户库与消息日志：
// database_driver 决定账户库（也是默认的消息日志），message_store=redis 时消息日志改用 Redis。
func Open(ctx context.Context, cfg config.Config) (*Backend, error) {
	b := &Backend{}
	switch cfg.DatabaseDriver {
	case "sqlite", "":
		s, err := NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		b.Messages, b.Accounts = s, s
		b.closers = append(b.closers, s.Close)
	case "postgres":
		gdb, err := db.Connect(cfg.DatabaseDSN)
		if err != nil {
			return nil, &chat.StoreError{Backend: gormBackend, Op: "open", Err: err}
		}
		s := NewGormStore(gdb)
		if err := db.Migrate(gdb); err != nil {
			s.Close()
			return nil, &chat.StoreError{Backend: gormBackend, Op: "migrate", Err: err}
		}
		b.Messages, b.Accounts = s, s
		b.closers = append(b.closers, s.Close)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.DatabaseDriver)
	}

	if cfg.MessageStore == "redis" {
		rs, err := NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.Messages = rs
		b.closers = append(b.closers, rs.Close)
	}
	return b, nil
}
