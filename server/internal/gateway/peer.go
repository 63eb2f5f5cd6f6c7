package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"sheetsync/server/internal/model"
)

var (
	errPeerClosed    = errors.New("peer closed")
	errSendQueueFull = errors.New("send queue full")
)

// PeerConfig 单个 WebSocket 连接的读写参数
type PeerConfig struct {
	ReadTimeout    time.Duration // 超过该时长收不到任何帧（含 pong）视为断线
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	SendQueue      int
	MaxMessageSize int64
}

func (c PeerConfig) withDefaults() PeerConfig {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.ReadTimeout {
		c.PingInterval = c.ReadTimeout * 9 / 10
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1 << 20
	}
	return c
}

// Peer 包装一条 WebSocket 连接，实现 session.Transport。
// 读循环在调用 Run 的 goroutine 中串行处理消息（同一连接的消息按到达顺序处理），
// 写循环独占写端，Send 只入队不阻塞。
type Peer struct {
	conn *websocket.Conn
	cfg  PeerConfig

	send      chan []byte
	closeOnce sync.Once
	closeChan chan struct{}
	wg        sync.WaitGroup
}

func NewPeer(conn *websocket.Conn, cfg PeerConfig) *Peer {
	cfg = cfg.withDefaults()
	return &Peer{
		conn:      conn,
		cfg:       cfg,
		send:      make(chan []byte, cfg.SendQueue),
		closeChan: make(chan struct{}),
	}
}

func (p *Peer) RemoteAddr() string {
	return p.conn.RemoteAddr().String()
}

// Send 编码并入队一条消息
func (p *Peer) Send(msg *model.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	select {
	case <-p.closeChan:
		return errPeerClosed
	default:
	}

	select {
	case p.send <- data:
		return nil
	case <-p.closeChan:
		return errPeerClosed
	default:
		glog.Warningf("[Gateway] send queue full for %s, dropping %s", p.RemoteAddr(), msg.Action)
		return errSendQueueFull
	}
}

// Run 启动写循环与心跳，并在当前 goroutine 中读取消息直到连接断开。
func (p *Peer) Run(handle func(data []byte)) {
	p.wg.Add(2)
	go p.writeLoop()
	go p.pingLoop()

	p.readLoop(handle)
	p.Close("read loop finished")
	p.wg.Wait()
}

func (p *Peer) readLoop(handle func(data []byte)) {
	p.conn.SetReadLimit(p.cfg.MaxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))
	})

	for {
		select {
		case <-p.closeChan:
			return
		default:
		}

		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !isClosing(p.closeChan) {
				glog.V(1).Infof("[Gateway] read error from %s: %v", p.RemoteAddr(), err)
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))

		if messageType != websocket.TextMessage {
			_ = p.Send(errorMessage(nil, model.ProtocolError("binary frames are not supported")))
			continue
		}
		handle(data)
	}
}

// writeLoop 唯一的数据帧写入者
func (p *Peer) writeLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.closeChan:
			return
		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				if !isClosing(p.closeChan) {
					glog.V(1).Infof("[Gateway] write to %s failed: %v", p.RemoteAddr(), err)
				}
				p.Close("write failed")
				return
			}
		}
	}
}

// pingLoop 定期发送 ping 保持连接
func (p *Peer) pingLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.closeChan:
			return
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.cfg.WriteTimeout)); err != nil {
				p.Close("ping failed")
				return
			}
		}
	}
}

// Close 发送关闭帧并关闭底层连接（幂等）
func (p *Peer) Close(reason string) error {
	var closeErr error
	p.closeOnce.Do(func() {
		close(p.closeChan)
		_ = p.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, truncateReason(reason)),
			time.Now().Add(time.Second),
		)
		closeErr = p.conn.Close()
	})
	return closeErr
}

func isClosing(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// 关闭帧的原因字段最多 123 字节
func truncateReason(reason string) string {
	if len(reason) > 123 {
		return reason[:123]
	}
	return reason
}
