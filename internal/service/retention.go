package service

import (
	"context"
	"time"

	"chatroom/internal/store"

	"github.com/rs/zerolog/log"
)

// Retention 周期性地把每个房间裁剪到最新 keep 条。
// 裁剪在房间锁内进行，不会与同房间的 Append 交错。
type Retention struct {
	store      store.MessageStore
	dispatcher *Dispatcher
	keep       int
	interval   time.Duration
}

func NewRetention(st store.MessageStore, dispatcher *Dispatcher, keep int, interval time.Duration) *Retention {
	return &Retention{store: st, dispatcher: dispatcher, keep: keep, interval: interval}
}

// Run 阻塞直到 ctx 结束；keep <= 0 时直接返回。
func (r *Retention) Run(ctx context.Context) {
	if r.keep <= 0 || r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				log.Error().Err(err).Msg("retention sweep")
				continue
			}
			if n > 0 {
				log.Info().Int("removed", n).Int("keep", r.keep).Msg("retention sweep")
			}
		}
	}
}

// Sweep 执行一次裁剪，返回删除的总条数。单个房间失败不影响其他房间。
func (r *Retention) Sweep(ctx context.Context) (int, error) {
	rooms, err := r.store.Rooms(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	var firstErr error
	for _, room := range rooms {
		unlock := r.dispatcher.locks.lock(room)
		n, err := r.store.Trim(ctx, room, r.keep)
		unlock()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		total += n
	}
	return total, firstErr
}
