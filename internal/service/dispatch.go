package service

import (
	"context"
	"sync"

	"chatroom/internal/chat"
	"chatroom/internal/metrics"
	"chatroom/internal/store"

	"github.com/rs/zerolog/log"
)

// Fanout 把已持久化的消息推送给房间内的在线连接，由 ws.Hub 实现。
// Publish 不得阻塞在单个慢连接上。
type Fanout interface {
	Publish(room string, msg *chat.Message)
}

// roomLocks 为每个房间提供一把互斥锁，不同房间互不影响。
type roomLocks struct {
	mu    sync.Mutex
	rooms map[string]*sync.Mutex
}

func (l *roomLocks) lock(room string) func() {
	l.mu.Lock()
	m, ok := l.rooms[room]
	if !ok {
		m = &sync.Mutex{}
		l.rooms[room] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Dispatcher 负责"先持久化、再广播"，并执行 operator 镜像规则。
// 同一房间的 Append 与 Publish 在房间锁内完成，因此广播顺序与日志顺序一致。
type Dispatcher struct {
	store    store.MessageStore
	fanout   Fanout
	operator string
	locks    roomLocks
}

func NewDispatcher(st store.MessageStore, fanout Fanout, operator string) *Dispatcher {
	return &Dispatcher{
		store:    st,
		fanout:   fanout,
		operator: operator,
		locks:    roomLocks{rooms: make(map[string]*sync.Mutex)},
	}
}

// Post 追加 msg 到 room 的日志并广播；持久化失败时不广播，也不镜像。
// 镜像失败只记录日志，不影响原消息的结果。
func (d *Dispatcher) Post(ctx context.Context, room string, msg chat.Message) (*chat.Message, error) {
	stored, err := d.appendAndPublish(ctx, room, msg)
	if err != nil {
		return nil, err
	}
	metrics.WsMessagesTotal.Inc()
	if d.shouldMirror(room, stored) {
		d.mirror(ctx, room, stored)
	}
	return stored, nil
}

func (d *Dispatcher) appendAndPublish(ctx context.Context, room string, msg chat.Message) (*chat.Message, error) {
	unlock := d.locks.lock(room)
	defer unlock()
	stored, err := d.store.Append(ctx, room, msg)
	if err != nil {
		return nil, err
	}
	d.fanout.Publish(room, stored)
	return stored, nil
}

// shouldMirror: 非 operator 发送、尚未镜像过、且不在 operator 房间内的消息才镜像。
func (d *Dispatcher) shouldMirror(room string, msg *chat.Message) bool {
	return d.operator != "" &&
		msg.Author != d.operator &&
		!msg.Mirrored() &&
		room != d.operator
}

// mirror 把消息复制到 operator 自己的房间，正文带上作者标签，Origin 记录来源房间。
func (d *Dispatcher) mirror(ctx context.Context, room string, msg *chat.Message) {
	cp := chat.Message{
		Author: msg.Author,
		Body:   chat.MirrorBody(msg.Author, msg.Body),
		Origin: room,
	}
	if _, err := d.appendAndPublish(ctx, d.operator, cp); err != nil {
		metrics.MirroredMessagesTotal.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("room", room).Str("msg_id", msg.ID).Msg("mirror to operator room")
		return
	}
	metrics.MirroredMessagesTotal.WithLabelValues("ok").Inc()
}
