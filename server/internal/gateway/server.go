// Package gateway 负责 WebSocket 连接的接入、读写循环，以及消息路由与中间件链。
package gateway

import (
	"net/http"
	"strings"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"sheetsync/server/internal/model"
	"sheetsync/server/internal/session"
)

// Config 网关配置
type Config struct {
	Peer           PeerConfig
	AllowedOrigins []string // 为空时接受任意来源
}

// Server 把 HTTP 请求升级为 WebSocket，注册会话并运行读写循环
type Server struct {
	upgrader websocket.Upgrader
	registry *session.Registry
	router   *Router
	cfg      Config
}

func NewServer(registry *session.Registry, router *Router, cfg Config) *Server {
	s := &Server{registry: registry, router: router, cfg: cfg}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Accept 完成升级并注册连接。注册失败（超过连接上限）时以关闭帧拒绝。
func (s *Server) Accept(w http.ResponseWriter, r *http.Request) (*session.Connection, *Peer, error) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写回了 HTTP 错误
		return nil, nil, model.TransportError("websocket upgrade", err)
	}

	peer := NewPeer(ws, s.cfg.Peer)
	conn, err := s.registry.Register(peer)
	if err != nil {
		_ = peer.Close(model.AsError(err).Code)
		return nil, nil, err
	}

	// 升级请求携带的 token 立即建立身份；令牌无效时保持匿名，超过单用户连接上限时拒绝
	if token := requestToken(r); token != "" {
		if _, err := s.registry.Authenticate(conn, token); err != nil {
			if model.IsKind(err, model.KindRateLimited) {
				s.registry.Close(conn, model.AsError(err).Code)
				return nil, nil, err
			}
			glog.V(1).Infof("[Gateway] %s upgrade token rejected: %v", conn.ID(), err)
		}
	}
	return conn, peer, nil
}

// ServeHTTP 接入一条连接并阻塞到连接关闭
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, peer, err := s.Accept(w, r)
	if err != nil {
		if !model.IsKind(err, model.KindTransport) {
			glog.Warningf("[Gateway] reject connection from %s: %v", r.RemoteAddr, err)
		}
		return
	}
	glog.V(1).Infof("[Gateway] connection %s opened from %s", conn.ID(), peer.RemoteAddr())

	peer.Run(func(data []byte) {
		s.router.Dispatch(conn, data)
	})
	s.registry.Close(conn, "connection closed")
}

// requestToken 依次从 ?token= 与 Authorization: Bearer 读取令牌
func requestToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
