package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of joined websocket sessions",
	})
	WsMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_messages_total",
		Help: "Total number of chat messages persisted and published",
	})
	MirroredMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_mirrored_messages_total",
		Help: "Messages copied into the operator room, by result",
	}, []string{"result"})
	DroppedClientsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_dropped_clients_total",
		Help: "Sessions disconnected because their send buffer was full",
	})
	ResyncTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_resync_total",
		Help: "Reconnection resync requests, by outcome",
	}, []string{"outcome"})
	StoreOpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_store_op_duration_seconds",
		Help:    "Message store operation latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "op"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections,
		WsMessagesTotal,
		MirroredMessagesTotal,
		DroppedClientsTotal,
		ResyncTotal,
		StoreOpDuration,
		HttpRequestsTotal,
		HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
