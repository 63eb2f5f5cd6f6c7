package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"

	"sheetsync/server/internal/events"
	"sheetsync/server/internal/realtime"
)

const defaultHeartbeat = 15 * time.Second

// Options HTTP 层参数
type Options struct {
	AllowedOrigins []string      // 为空时不返回 CORS 头
	Heartbeat      time.Duration // 降级事件流的空行心跳间隔
}

type Server struct {
	service   *realtime.Service
	socket    http.Handler
	origins   []string
	heartbeat time.Duration
}

// NewServer socket 为 WebSocket 接入处理器（gateway.Server）
func NewServer(service *realtime.Service, socket http.Handler, opts Options) *Server {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	return &Server{
		service:   service,
		socket:    socket,
		origins:   opts.AllowedOrigins,
		heartbeat: opts.Heartbeat,
	}
}

func (s *Server) Routes() http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery(), accessLog(), s.corsMiddleware())
	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/socket", gin.WrapH(s.socket))
	engine.GET("/api/realtime", s.handleRealtime)
	engine.GET("/api/stats", s.handleStats)
	return engine
}

// HTTPServer 构造挂好路由的 http.Server。关闭时先由钩子释放 WebSocket 与降级事件流，
// 否则 Shutdown 会一直等到这些长连接的期限。
func (s *Server) HTTPServer(addr string, readHeaderTimeout time.Duration) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	srv.RegisterOnShutdown(s.service.CloseClients)
	return srv
}

// Shutdown 先停止 HTTP，再用独立的宽限期关闭服务（排空发件箱、关闭总线与存储）
func (s *Server) Shutdown(srv *http.Server, grace time.Duration) error {
	httpCtx, cancel := context.WithTimeout(context.Background(), grace)
	httpErr := srv.Shutdown(httpCtx)
	cancel()
	if httpErr != nil {
		glog.Warningf("[API] http shutdown: %v", httpErr)
	}

	svcCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return errors.Join(httpErr, s.service.Shutdown(svcCtx))
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "node": s.service.NodeID()})
}

// handleStats 返回运行统计。
func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.Stats(c.Request.Context()))
}

// handleRealtime 降级事件流：每行一个 JSON 业务事件，没有确认也不补发。
// topic 可重复或逗号分隔，缺省接收全部事件。
func (s *Server) handleRealtime(c *gin.Context) {
	sub := s.service.ConnectEvents()
	if sub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream unavailable"})
		return
	}
	defer sub.Close()

	topics := parseTopics(c.QueryArray("topic"))
	sub.Subscribe(topics...)
	glog.V(1).Infof("[API] fallback subscriber %s connected topics=%v", sub.ID(), topics)

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		return s.streamStep(ctx, sub, w, ticker.C)
	})
	glog.V(1).Infof("[API] fallback subscriber %s disconnected dropped=%d", sub.ID(), sub.Dropped())
}

func (s *Server) streamStep(ctx context.Context, sub *events.Subscriber, w io.Writer, heartbeat <-chan time.Time) bool {
	sub.MarkIdle()
	select {
	case <-ctx.Done():
		return false
	case <-sub.Done():
		return false
	case <-heartbeat:
		_, err := io.WriteString(w, "\n")
		return err == nil
	case evt := <-sub.Events():
		sub.MarkDelivering()
		if err := json.NewEncoder(w).Encode(evt); err != nil {
			glog.V(1).Infof("[API] fallback subscriber %s write failed: %v", sub.ID(), err)
			return false
		}
		return true
	}
}

func parseTopics(values []string) []string {
	var topics []string
	for _, v := range values {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}
	return topics
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		glog.V(1).Infof("[API] %s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func (s *Server) allowOrigin(origin string) bool {
	for _, allowed := range s.origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.allowOrigin(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
