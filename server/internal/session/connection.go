package session

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"sheetsync/server/internal/model"
)

// Transport 连接底层的消息通道（WebSocket 等），由 gateway 实现
type Transport interface {
	// Send 非阻塞入队一条出站消息；队列满或已关闭时返回错误
	Send(msg *model.Message) error
	// Close 关闭底层连接（幂等）
	Close(reason string) error
	RemoteAddr() string
}

// Connection 一个客户端连接的会话状态。
// 身份一旦建立不可更改；订阅集合与 presence 频道在关闭时统一释放。
type Connection struct {
	id        string
	transport Transport
	createdAt time.Time
	lastSeen  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	userID     string
	identified bool
	readOnly   bool
	anonWrite  bool
	subs       map[string]bool
	presence   map[string]func()
	closed     bool

	limiter *rate.Limiter
}

func newConnection(parent context.Context, id string, t Transport, now time.Time, limiter *rate.Limiter, anonWrite bool) *Connection {
	ctx, cancel := context.WithCancel(parent)
	c := &Connection{
		id:        id,
		transport: t,
		createdAt: now,
		ctx:       ctx,
		cancel:    cancel,
		anonWrite: anonWrite,
		subs:      make(map[string]bool),
		presence:  make(map[string]func()),
		limiter:   limiter,
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

func (c *Connection) ID() string { return c.id }

// Context 连接级 context，连接关闭时取消
func (c *Connection) Context() context.Context { return c.ctx }

// Done 连接关闭时被关闭
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Connection) RemoteAddr() string {
	if c.transport == nil {
		return ""
	}
	return c.transport.RemoteAddr()
}

func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// UserID 已认证的用户；匿名连接返回空串
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Authenticated 是否已建立身份
func (c *Connection) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identified
}

// CanWrite 是否允许提交。只读令牌不可写；匿名连接按注册表策略决定。
func (c *Connection) CanWrite() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identified {
		return !c.readOnly
	}
	return c.anonWrite
}

// setIdentity 首次设置身份返回 true；已设置时只接受同一用户
func (c *Connection) setIdentity(userID string, readOnly bool) (changed bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identified {
		return false, c.userID == userID
	}
	c.userID = userID
	c.readOnly = readOnly
	c.identified = true
	return true, true
}

// Touch 记录最近一次活动
func (c *Connection) Touch(now time.Time) {
	c.lastSeen.Store(now.UnixNano())
}

// LastSeen 最近一次活动时间
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Limiter 连接级消息限流器；未配置限流时为 nil
func (c *Connection) Limiter() *rate.Limiter { return c.limiter }

// Send 把消息交给传输层
func (c *Connection) Send(msg *model.Message) error {
	if c.Closed() {
		return model.TransportError("connection closed", nil)
	}
	if err := c.transport.Send(msg); err != nil {
		return model.TransportError("send to "+c.id, err)
	}
	return nil
}

// Deliver 广播投递（broadcast.Sink）
func (c *Connection) Deliver(msg *model.Message) bool {
	return c.Send(msg) == nil
}

// AddSubscription 记录文档或集合订阅；已存在时返回 false
func (c *Connection) AddSubscription(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.subs[key] {
		return false
	}
	c.subs[key] = true
	return true
}

// RemoveSubscription 移除订阅；不存在时返回 false
func (c *Connection) RemoveSubscription(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.subs[key] {
		return false
	}
	delete(c.subs, key)
	return true
}

// Subscriptions 当前订阅的键（排序）
func (c *Connection) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for k := range c.subs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// AddPresence 记录 presence 频道订阅与它的取消函数；已存在或已关闭时返回 false
func (c *Connection) AddPresence(channel string, cancel func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if _, ok := c.presence[channel]; ok {
		return false
	}
	c.presence[channel] = cancel
	return true
}

// RemovePresence 取消 presence 频道订阅
func (c *Connection) RemovePresence(channel string) bool {
	c.mu.Lock()
	cancel, ok := c.presence[channel]
	delete(c.presence, channel)
	c.mu.Unlock()
	if ok && cancel != nil {
		cancel()
	}
	return ok
}

// Closed 连接是否已经关闭；关闭后登记的订阅与 presence 都会被丢弃
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// markClosed 标记关闭并取出 presence 取消函数；只有第一次调用返回 true
func (c *Connection) markClosed() ([]func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	c.closed = true
	cancels := make([]func(), 0, len(c.presence))
	for _, cancel := range c.presence {
		cancels = append(cancels, cancel)
	}
	c.presence = map[string]func(){}
	c.subs = map[string]bool{}
	return cancels, true
}
