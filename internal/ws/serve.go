package ws

import (
	"context"
	"net/http"
	"time"

	"chatroom/internal/config"
	"chatroom/internal/mw"
	"chatroom/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Authenticator 在升级前从 HTTP 请求中识别身份，失败时返回 chat.ErrUnauthenticated。
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

type Options struct {
	PingPeriod   time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	StoreTimeout time.Duration
	SendBuffer   int
	MessageRate  float64
	MessageBurst int
	// LimiterIdle 之后没有再发帧的身份，其令牌桶会被回收。
	LimiterIdle time.Duration
	// CheckOrigin 为空时接受任意来源。
	CheckOrigin func(r *http.Request) bool
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		PingPeriod:   cfg.PingPeriod(),
		PongWait:     cfg.PongWait(),
		WriteWait:    10 * time.Second,
		StoreTimeout: cfg.StoreTimeout(),
		SendBuffer:   cfg.SendBuffer,
		MessageRate:  cfg.MessageRate,
		MessageBurst: cfg.MessageBurst,
	}
}

func (o *Options) setDefaults() {
	if o.PingPeriod <= 0 {
		o.PingPeriod = 30 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MessageRate <= 0 {
		o.MessageRate = 5
	}
	if o.MessageBurst <= 0 {
		o.MessageBurst = 10
	}
	if o.LimiterIdle <= 0 {
		o.LimiterIdle = time.Hour
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(r *http.Request) bool { return true }
	}
}

// Handler 把 websocket 连接接入房间：认证、解析房间、登记到 Hub，然后运行读写循环。
type Handler struct {
	hub      *Hub
	auth     Authenticator
	rooms    *service.RoomService
	messages *service.MessageService
	opts     Options
	upgrader websocket.Upgrader
	// 限速按身份计，同一用户开多条连接不能绕过。
	limiter *mw.KeyedLimiter
}

func NewHandler(hub *Hub, auth Authenticator, rooms *service.RoomService, messages *service.MessageService, opts Options) *Handler {
	opts.setDefaults()
	return &Handler{
		hub:      hub,
		auth:     auth,
		rooms:    rooms,
		messages: messages,
		opts:     opts,
		upgrader: websocket.Upgrader{CheckOrigin: opts.CheckOrigin},
		limiter:  mw.NewKeyedLimiter(rate.Limit(opts.MessageRate), opts.MessageBurst, opts.LimiterIdle),
	}
}

// Run 回收空闲身份的限速桶，直到 ctx 结束。
func (h *Handler) Run(ctx context.Context) { h.limiter.Run(ctx) }

// Serve 是 GET /ws 的 gin handler。认证失败在升级前返回 401，不触碰任何房间状态。
func (h *Handler) Serve(c *gin.Context) {
	identity, err := h.auth.Authenticate(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	room, err := h.rooms.ResolveRoom(c.Request.Context(), identity)
	if err != nil {
		log.Error().Err(err).Str("identity", identity).Msg("resolve room")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "room registry unavailable"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	id := uuid.NewString()
	client := &Client{
		id:       id,
		identity: identity,
		conn:     conn,
		h:        h,
		send:     make(chan []byte, h.opts.SendBuffer),
		log:      log.With().Str("conn", id).Str("identity", identity).Str("room", room).Logger(),
	}
	client.state.Store(int32(StateAuthenticating))

	client.reply(EventStatus, StatusData{Type: "connected", Room: room})
	if h.hub.Join(room, client) == nil {
		client.leave()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = conn.Close()
		return
	}
	client.state.Store(int32(StateJoined))
	client.log.Info().Msg("ws joined")

	go client.writePump()
	client.readPump()
}
