package service

import (
	"context"
	"errors"

	"chatroom/internal/chat"
	"chatroom/internal/metrics"
	"chatroom/internal/store"
)

const (
	// RecentLimit 是 get_recent_messages 以及无断点重连时返回的条数。
	RecentLimit = 30
	// OlderLimit 是 get_older_messages 单页条数。
	OlderLimit = 10
)

// MessageService 封装消息相关的业务逻辑：发送、历史分页与重连补齐。
type MessageService struct {
	store      store.MessageStore
	dispatcher *Dispatcher
}

func NewMessageService(st store.MessageStore, dispatcher *Dispatcher) *MessageService {
	return &MessageService{store: st, dispatcher: dispatcher}
}

// Send 校验正文后以 author 身份发送到 room。
func (s *MessageService) Send(ctx context.Context, room, author, body string) (*chat.Message, error) {
	body, err := chat.NormalizeBody(body)
	if err != nil {
		return nil, err
	}
	return s.dispatcher.Post(ctx, room, chat.Message{Author: author, Body: body})
}

// Recent 返回房间最近 RecentLimit 条消息，按时间正序。
func (s *MessageService) Recent(ctx context.Context, room string) ([]chat.Message, error) {
	return s.store.Recent(ctx, room, RecentLimit)
}

// Older 返回 beforeID 之前的至多 OlderLimit 条消息。
func (s *MessageService) Older(ctx context.Context, room, beforeID string) ([]chat.Message, error) {
	if beforeID == "" {
		return nil, chat.ErrMessageNotFound
	}
	return s.store.Before(ctx, room, beforeID, OlderLimit)
}

// Since 计算重连后缺失的消息：
// lastID 为空时返回最近 RecentLimit 条；lastID 不在日志中时返回 chat.ErrResyncImpossible，
// 由客户端决定是否改拉 recent 并接受缺口。
func (s *MessageService) Since(ctx context.Context, room, lastID string) ([]chat.Message, error) {
	if lastID == "" {
		metrics.ResyncTotal.WithLabelValues("recent").Inc()
		return s.store.Recent(ctx, room, RecentLimit)
	}
	msgs, err := s.store.After(ctx, room, lastID)
	switch {
	case errors.Is(err, chat.ErrMessageNotFound):
		metrics.ResyncTotal.WithLabelValues("impossible").Inc()
		return nil, chat.ErrResyncImpossible
	case err != nil:
		metrics.ResyncTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.ResyncTotal.WithLabelValues("ok").Inc()
	return msgs, nil
}

// History 为 REST 接口分页查询，beforeID 为空时从最新一页开始。
func (s *MessageService) History(ctx context.Context, room string, limit int, beforeID string) ([]chat.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if beforeID == "" {
		return s.store.Recent(ctx, room, limit)
	}
	return s.store.Before(ctx, room, beforeID, limit)
}
