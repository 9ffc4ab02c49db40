package server

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatroom/internal/auth"
	"chatroom/internal/metrics"
	"chatroom/internal/mw"
	"chatroom/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
// ctx 结束时后台的限速回收 goroutine 退出。
func SetupRouter(ctx context.Context, app *App) *gin.Engine {
	cfg := app.Config
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	// 控制单个 IP+路由的速率。
	r.Use(mw.RateLimit(ctx, rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) {
		pctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := app.Backend.Messages.Ping(pctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "message store unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := NewHandler(app.Users, app.Rooms, app.Messages)
	api := r.Group("/api/v1")
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)
	api.POST("/auth/logout", h.Logout)

	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg.JWTSecret, app.Backend.Accounts))
	authed.GET("/me", h.Me)
	authed.GET("/rooms/current", h.CurrentRoom)
	authed.GET("/rooms/current/messages", h.ListMessages)
	authed.GET("/rooms", h.ListRooms)
	authed.POST("/rooms/:room/join", h.JoinRoom)

	opts := ws.OptionsFromConfig(cfg)
	opts.CheckOrigin = func(r *http.Request) bool { return mw.OriginAllowed(cfg.Env, r) }
	wsh := ws.NewHandler(app.Hub, auth.TokenAuthenticator{Secret: cfg.JWTSecret, Users: app.Backend.Accounts}, app.Rooms, app.Messages, opts)
	go wsh.Run(ctx)
	r.GET("/ws", wsh.Serve)

	serveFrontend(r, filepath.Join(".", "frontend", "dist"))
	return r
}

// serveFrontend 在 dist 目录存在时托管前端静态文件，未知路径回退到 index.html。
func serveFrontend(r *gin.Engine, distDir string) {
	if _, err := os.Stat(filepath.Join(distDir, "index.html")); err != nil {
		return
	}
	r.NoRoute(func(c *gin.Context) {
		rel := strings.TrimPrefix(filepath.Clean(c.Request.URL.Path), "/")
		if strings.HasPrefix(rel, "api/") || rel == "metrics" || rel == "healthz" || rel == "ws" {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		if rel != "" {
			target := filepath.Join(distDir, rel)
			if fi, err := os.Stat(target); err == nil && !fi.IsDir() {
				c.File(target)
				return
			}
			if strings.Contains(rel, ".") {
				c.Status(http.StatusNotFound)
				return
			}
		}
		c.File(filepath.Join(distDir, "index.html"))
	})
}
