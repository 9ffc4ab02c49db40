package mw

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type keyLimiter struct {
	lim *rate.Limiter
	ts  time.Time
}

// KeyedLimiter 为每个 key（IP+路由，或 websocket 身份）维护一个令牌桶，空闲超过 ttl 的桶会被回收。
type KeyedLimiter struct {
	mu  sync.Mutex
	m   map[string]*keyLimiter
	r   rate.Limit
	b   int
	ttl time.Duration
}

func NewKeyedLimiter(r rate.Limit, burst int, ttl time.Duration) *KeyedLimiter {
	return &KeyedLimiter{m: make(map[string]*keyLimiter), r: r, b: burst, ttl: ttl}
}

func (kl *KeyedLimiter) get(key string) *rate.Limiter {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	e, ok := kl.m[key]
	if ok {
		e.ts = time.Now()
		return e.lim
	}
	lim := rate.NewLimiter(kl.r, kl.b)
	kl.m[key] = &keyLimiter{lim: lim, ts: time.Now()}
	return lim
}

// Allow 消耗 key 的一个令牌。
func (kl *KeyedLimiter) Allow(key string) bool { return kl.get(key).Allow() }

func (kl *KeyedLimiter) sweep(now time.Time) {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	for k, v := range kl.m {
		if now.Sub(v.ts) > kl.ttl {
			delete(kl.m, k)
		}
	}
}

// Run 周期回收空闲的桶，直到 ctx 结束。扫描间隔为 ttl，最长 30 秒。
func (kl *KeyedLimiter) Run(ctx context.Context) {
	interval := kl.ttl
	if interval <= 0 || interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			kl.sweep(now)
		}
	}
}

// Middleware 返回基于 IP+路径的限速中间件。
func (kl *KeyedLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := clientIP(c.Request.RemoteAddr)
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !kl.Allow(ip + "|" + path) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

// RateLimit 创建一个 KeyedLimiter 并返回其中间件；回收 goroutine 跟随 ctx 退出。
func RateLimit(ctx context.Context, r rate.Limit, burst int) gin.HandlerFunc {
	kl := NewKeyedLimiter(r, burst, 2*time.Minute)
	go kl.Run(ctx)
	return kl.Middleware()
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
