package server

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"chatroom/internal/auth"
	"chatroom/internal/chat"
	"chatroom/internal/service"
	"chatroom/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// 用户名同时是房间名，只允许字母、数字、下划线和短横线。
var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{2,64}$`)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	userSvc *service.UserService
	roomSvc *service.RoomService
	msgSvc  *service.MessageService
}

func NewHandler(userSvc *service.UserService, roomSvc *service.RoomService, msgSvc *service.MessageService) *Handler {
	return &Handler{userSvc: userSvc, roomSvc: roomSvc, msgSvc: msgSvc}
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if !usernamePattern.MatchString(req.Username) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 72 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	result, err := h.userSvc.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "username taken"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("register")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": result.ID, "username": result.Username, "room": result.Room})
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("login")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
		"user":          gin.H{"id": result.User.ID, "username": result.User.Username, "role": result.User.Role},
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RefreshToken 处理 token 刷新请求。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.RefreshTokens(c.Request.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRefreshToken) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
			return
		}
		log.Error().Err(err).Msg("refresh token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": result.AccessToken, "refresh_token": result.RefreshToken})
}

// Logout 吊销 refresh token。
func (h *Handler) Logout(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.userSvc.Logout(c.Request.Context(), req.RefreshToken); err != nil {
		log.Error().Err(err).Msg("logout")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "logout failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// Me 返回当前登录用户。
func (h *Handler) Me(c *gin.Context) {
	user, err := h.userSvc.Me(c.Request.Context(), auth.GetUsername(c))
	if err != nil {
		h.fail(c, err, "me")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": user.ID, "username": user.Username, "role": user.Role, "room": user.Room})
}

// CurrentRoom 返回当前用户连接时会进入的房间。
func (h *Handler) CurrentRoom(c *gin.Context) {
	room, err := h.roomSvc.CurrentRoom(c.Request.Context(), auth.GetUsername(c))
	if err != nil {
		h.fail(c, err, "current room")
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room})
}

// ListMessages 分页查询当前房间的消息，before_id 为空时返回最新一页。
func (h *Handler) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	room, err := h.roomSvc.ResolveRoom(ctx, auth.GetUsername(c))
	if err != nil {
		h.fail(c, err, "list messages")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	msgs, err := h.msgSvc.History(ctx, room, limit, c.Query("before_id"))
	if err != nil {
		h.fail(c, err, "list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room, "messages": msgs, "count": len(msgs)})
}

// ListRooms 列出所有房间及在线人数，仅 operator 可用。
func (h *Handler) ListRooms(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	rooms, err := h.roomSvc.ListRooms(c.Request.Context(), auth.GetUsername(c), limit)
	if err != nil {
		h.fail(c, err, "list rooms")
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// JoinRoom 切换 operator 之后连接时进入的房间。
func (h *Handler) JoinRoom(c *gin.Context) {
	actor := auth.GetUsername(c)
	room := c.Param("room")
	if err := h.roomSvc.SwitchRoom(c.Request.Context(), actor, room); err != nil {
		h.fail(c, err, "switch room")
		return
	}
	log.Info().Str("identity", actor).Str("room", room).Msg("operator switched room")
	c.JSON(http.StatusOK, gin.H{"room": room})
}

// fail 把业务错误映射为 HTTP 状态码。
func (h *Handler) fail(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, chat.ErrNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized"})
	case errors.Is(err, chat.ErrRoomNotFound), errors.Is(err, store.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
	case errors.Is(err, chat.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
	case errors.Is(err, chat.ErrStoreUnavailable):
		log.Error().Err(err).Msg(op)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
	default:
		log.Error().Err(err).Msg(op)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
