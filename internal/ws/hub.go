package ws

import (
	"sync"
	"sync/atomic"

	"chatroom/internal/chat"
	"chatroom/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Hub 管理房间级别的子 Hub，实现延迟创建与并发安全。
// 它是房间成员索引：只由连接的 join/leave 修改，只被广播读取。
// 最后一个连接离开后 RoomHub 停止并从索引中删除。
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]*RoomHub
	closed bool
}

func NewHub() *Hub { return &Hub{rooms: make(map[string]*RoomHub)} }

// GetRoom 若房间未初始化则懒加载一个 RoomHub。
func (h *Hub) GetRoom(room string) *RoomHub {
	h.mu.RLock()
	rh := h.rooms[room]
	h.mu.RUnlock()
	if rh != nil {
		return rh
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	rh = h.rooms[room]
	if rh != nil {
		return rh
	}
	rh = NewRoomHub(room)
	rh.onEmpty = h.prune
	h.rooms[room] = rh
	if h.closed {
		rh.stop()
	}
	go rh.run()
	return rh
}

// Join 把连接登记到 room 并返回所在的 RoomHub；Hub 已关闭时返回 nil。
// 拿到的 RoomHub 恰好因为变空被回收时，换一个新建的重试。
func (h *Hub) Join(room string, c *Client) *RoomHub {
	for {
		rh := h.GetRoom(room)
		c.room = rh
		if rh.join(c) {
			return rh
		}
		if h.isClosed() {
			return nil
		}
	}
}

func (h *Hub) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// prune 删除并停止已经没有连接的房间。
func (h *Hub) prune(rh *RoomHub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[rh.name] == rh {
		delete(h.rooms, rh.name)
	}
	rh.stop()
}

func (h *Hub) lookup(room string) *RoomHub {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[room]
}

func (h *Hub) Online(room string) int {
	rh := h.lookup(room)
	if rh == nil {
		return 0
	}
	return rh.Online()
}

// Publish 把已持久化的消息编码一次后交给房间广播；房间无人在线时直接忽略。
func (h *Hub) Publish(room string, msg *chat.Message) {
	rh := h.lookup(room)
	if rh == nil {
		return
	}
	b, err := encode(EventNewMessage, msg)
	if err != nil {
		log.Error().Err(err).Str("room", room).Msg("encode new_message")
		return
	}
	rh.publish(b)
}

// Shutdown 停止所有房间并关闭其中的连接，用于优雅停服。
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, rh := range h.rooms {
		rh.stop()
	}
}

type RoomHub struct {
	name       string
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}
	stopOnce   sync.Once
	online     int32
	onEmpty    func(*RoomHub)
}

func NewRoomHub(name string) *RoomHub {
	return &RoomHub{
		name:       name,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

func (rh *RoomHub) run() {
	for {
		select {
		case c := <-rh.register:
			rh.clients[c] = true
			rh.syncOnline()
			metrics.WsConnections.Inc()
			rh.presence(EventJoin, c)
		case c := <-rh.unregister:
			if rh.clients[c] {
				rh.remove(c)
				rh.presence(EventLeave, c)
			}
			if rh.pruneIfEmpty() {
				return
			}
		case msg := <-rh.broadcast:
			rh.fanout(msg)
			if rh.pruneIfEmpty() {
				return
			}
		case <-rh.done:
			for c := range rh.clients {
				rh.remove(c)
			}
			return
		}
	}
}

// fanout 对每个连接做非阻塞投递；缓冲区满的连接被移出房间并关闭发送通道，
// 其 writePump 随之退出，连接走正常的断开流程。
func (rh *RoomHub) fanout(msg []byte) {
	for c := range rh.clients {
		if c.enqueue(msg) {
			continue
		}
		rh.remove(c)
		metrics.DroppedClientsTotal.Inc()
		log.Warn().Str("room", rh.name).Str("conn", c.id).Str("identity", c.identity).Msg("send buffer full, dropping client")
	}
}

// pruneIfEmpty 在房间没有连接时交给 Hub 回收，返回 true 表示 run 应退出。
func (rh *RoomHub) pruneIfEmpty() bool {
	if len(rh.clients) > 0 || rh.onEmpty == nil {
		return false
	}
	rh.onEmpty(rh)
	return true
}

func (rh *RoomHub) remove(c *Client) {
	delete(rh.clients, c)
	c.closeSend()
	rh.syncOnline()
	metrics.WsConnections.Dec()
}

func (rh *RoomHub) presence(event string, c *Client) {
	b, err := encode(event, PresenceData{Identity: c.identity, Online: rh.Online()})
	if err != nil {
		return
	}
	rh.fanout(b)
}

func (rh *RoomHub) syncOnline() {
	atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
}

// join 登记连接；房间已停止时返回 false。
func (rh *RoomHub) join(c *Client) bool {
	select {
	case rh.register <- c:
		return true
	case <-rh.done:
		return false
	}
}

// leave 注销连接，对未登记或已被移除的连接是 no-op。
func (rh *RoomHub) leave(c *Client) {
	select {
	case rh.unregister <- c:
	case <-rh.done:
	}
}

// publish 按调用顺序排队广播，调用方（Dispatcher 的房间锁）决定顺序。
func (rh *RoomHub) publish(msg []byte) {
	select {
	case rh.broadcast <- msg:
	case <-rh.done:
	}
}

func (rh *RoomHub) stop() { rh.stopOnce.Do(func() { close(rh.done) }) }

// Online 返回房间在线客户端数量，供 REST 接口复用。
func (rh *RoomHub) Online() int { return int(atomic.LoadInt32(&rh.online)) }
