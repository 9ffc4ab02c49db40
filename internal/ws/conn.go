package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// State 是连接会话的生命周期状态。
type State int32

const (
	StateAuthenticating State = iota
	StateJoined
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateJoined:
		return "joined"
	default:
		return "disconnected"
	}
}

// maxFrameSize 限制单帧大小；正文最多 1000 个字符，留足 JSON 与多字节余量。
const maxFrameSize = 16 << 10

// Client 是一条 websocket 连接的会话：身份、所在房间与发送队列。
// 只有 readPump 与 writePump 两个 goroutine 访问 conn。
type Client struct {
	id       string
	identity string
	room     *RoomHub
	conn     *websocket.Conn
	h        *Handler
	log      zerolog.Logger

	send   chan []byte
	sendMu sync.Mutex
	closed bool

	state     atomic.Int32
	leaveOnce sync.Once
}

func (c *Client) State() State { return State(c.state.Load()) }

// enqueue 非阻塞地放入发送队列；队列已满或已关闭时返回 false。
func (c *Client) enqueue(b []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) isClosed() bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.closed
}

// reply 只发给本连接；缓冲区满说明客户端跟不上，直接断开。
// 会话已被 Hub 移除时发送通道已关闭，writePump 会负责断开，这里只丢弃。
func (c *Client) reply(event string, data any) {
	b, err := encode(event, data)
	if err != nil {
		c.log.Error().Err(err).Str("event", event).Msg("encode reply")
		return
	}
	if c.enqueue(b) {
		return
	}
	if c.isClosed() {
		c.log.Debug().Str("event", event).Msg("session already removed, reply dropped")
		return
	}
	c.log.Warn().Str("event", event).Msg("send buffer full, closing connection")
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *Client) replyError(requestID string, e ErrorData) {
	e.RequestID = requestID
	c.reply(EventError, e)
}

// leave 把连接移出房间并进入 Disconnected；可重复调用，未加入房间时是 no-op。
func (c *Client) leave() {
	c.leaveOnce.Do(func() {
		prev := State(c.state.Swap(int32(StateDisconnected)))
		if prev == StateJoined && c.room != nil {
			c.room.leave(c)
		}
		c.log.Debug().Str("from", prev.String()).Msg("ws disconnected")
	})
}

func (c *Client) readPump() {
	defer func() {
		c.leave()
		_ = c.conn.Close()
	}()
	opts := c.h.opts
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("ws read")
			}
			return
		}
		if !c.h.limiter.Allow(c.identity) {
			c.replyError(newRequestID(), ErrorData{Code: CodeRateLimited, Message: "too many events"})
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.replyError(newRequestID(), ErrorData{Code: CodeBadRequest, Message: "invalid frame"})
			continue
		}
		c.handle(env)
	}
}

func (c *Client) writePump() {
	opts := c.h.opts
	ticker := time.NewTicker(opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
