// Package session 维护当前进程上的全部客户端连接：注册、认证、限额与释放。
package session

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"sheetsync/server/internal/auth"
	"sheetsync/server/internal/model"
)

// Releaser 连接关闭时被调用，用于释放订阅、presence 等资源
type Releaser func(conn *Connection)

// Limits 连接限额与消息限流
type Limits struct {
	MaxConnections    int     // 0 表示不限
	MaxPerUser        int     // 0 表示不限
	MessagesPerSecond float64 // 0 表示不限流
	Burst             int
	AnonymousWrite    bool // 未认证连接是否允许提交
}

// Registry 连接注册表
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*Connection
	perUser map[string]int

	releaseMu sync.RWMutex
	releasers []Releaser

	validator auth.Validator
	limits    Limits
	parent    context.Context
	now       func() time.Time
	wg        sync.WaitGroup

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// NewRegistry 创建注册表；parent 取消时全部连接的 context 随之取消
func NewRegistry(parent context.Context, validator auth.Validator, limits Limits) *Registry {
	if parent == nil {
		parent = context.Background()
	}
	return &Registry{
		conns:     make(map[string]*Connection),
		perUser:   make(map[string]int),
		validator: validator,
		limits:    limits,
		parent:    parent,
		now:       time.Now,
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}
}

// OnRelease 注册释放回调，按注册顺序调用
func (r *Registry) OnRelease(fn Releaser) {
	r.releaseMu.Lock()
	defer r.releaseMu.Unlock()
	r.releasers = append(r.releasers, fn)
}

func (r *Registry) newID() string {
	r.entropyMu.Lock()
	defer r.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(r.now()), r.entropy).String()
}

// Register 为新传输创建连接，超过总连接数上限时拒绝
func (r *Registry) Register(t Transport) (*Connection, error) {
	var limiter *rate.Limiter
	if r.limits.MessagesPerSecond > 0 {
		burst := r.limits.Burst
		if burst <= 0 {
			burst = int(r.limits.MessagesPerSecond) + 1
		}
		limiter = rate.NewLimiter(rate.Limit(r.limits.MessagesPerSecond), burst)
	}
	conn := newConnection(r.parent, r.newID(), t, r.now(), limiter, r.limits.AnonymousWrite)

	r.mu.Lock()
	if r.limits.MaxConnections > 0 && len(r.conns) >= r.limits.MaxConnections {
		r.mu.Unlock()
		conn.cancel()
		glog.Warningf("[Session] connection limit reached (%d), rejecting %s", r.limits.MaxConnections, t.RemoteAddr())
		return nil, model.Overloaded("too many connections")
	}
	r.conns[conn.id] = conn
	total := len(r.conns)
	r.wg.Add(1)
	r.mu.Unlock()

	glog.V(1).Infof("[Session] registered %s from %s (total=%d)", conn.id, t.RemoteAddr(), total)
	return conn, nil
}

// Authenticate 校验令牌并设置连接身份。身份只能建立一次，换用户会被拒绝。
func (r *Registry) Authenticate(conn *Connection, token string) (string, error) {
	if token == "" {
		return "", model.AuthError(model.CodeUnauthorized, "missing token", nil)
	}
	if r.validator == nil {
		return "", model.AuthError(model.CodeUnauthorized, "authentication is not configured", nil)
	}
	id, err := auth.Identify(r.validator, token)
	if err != nil {
		return "", model.AuthError(model.CodeUnauthorized, "invalid token", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[conn.id]; !ok {
		return "", model.TransportError("connection closed", nil)
	}
	if conn.Authenticated() {
		if conn.UserID() != id.UserID {
			return "", model.AuthError(model.CodePermissionDenied, "identity already established", nil)
		}
		return id.UserID, nil
	}
	if r.limits.MaxPerUser > 0 && r.perUser[id.UserID] >= r.limits.MaxPerUser {
		return "", model.Overloaded("too many connections for user")
	}
	if changed, _ := conn.setIdentity(id.UserID, id.ReadOnly); changed {
		r.perUser[id.UserID]++
	}
	glog.V(1).Infof("[Session] %s authenticated as %s (readonly=%v)", conn.id, id.UserID, id.ReadOnly)
	return id.UserID, nil
}

// Get 按 ID 查找连接
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Close 关闭连接并释放其资源（幂等）；返回本次调用是否真正执行了关闭
func (r *Registry) Close(conn *Connection, reason string) bool {
	cancels, first := conn.markClosed()
	if !first {
		return false
	}

	r.mu.Lock()
	if _, ok := r.conns[conn.id]; ok {
		delete(r.conns, conn.id)
		if conn.Authenticated() {
			userID := conn.UserID()
			r.perUser[userID]--
			if r.perUser[userID] <= 0 {
				delete(r.perUser, userID)
			}
		}
	}
	total := len(r.conns)
	r.mu.Unlock()

	conn.cancel()
	for _, cancel := range cancels {
		if cancel != nil {
			cancel()
		}
	}

	r.releaseMu.RLock()
	releasers := append([]Releaser(nil), r.releasers...)
	r.releaseMu.RUnlock()
	for _, fn := range releasers {
		fn(conn)
	}

	if conn.transport != nil {
		if err := conn.transport.Close(reason); err != nil {
			glog.V(1).Infof("[Session] close transport %s: %v", conn.id, err)
		}
	}
	r.wg.Done()
	glog.V(1).Infof("[Session] closed %s (%s), total=%d", conn.id, reason, total)
	return true
}

// CloseAll 关闭全部连接
func (r *Registry) CloseAll(reason string) int {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	n := 0
	for _, c := range conns {
		if r.Close(c, reason) {
			n++
		}
	}
	return n
}

// Wait 等待全部已注册连接被关闭，受 ctx 约束
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return model.Timeout("wait for connections to close", ctx.Err())
	}
}

// SweepIdle 关闭超过 maxIdle 没有任何活动的连接
func (r *Registry) SweepIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	cutoff := r.now().Add(-maxIdle)

	r.mu.RLock()
	idle := make([]*Connection, 0)
	for _, c := range r.conns {
		if c.LastSeen().Before(cutoff) {
			idle = append(idle, c)
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, c := range idle {
		if r.Close(c, "idle timeout") {
			n++
		}
	}
	if n > 0 {
		glog.Infof("[Session] swept %d idle connections", n)
	}
	return n
}

// Count 当前连接数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Users 已认证的不同用户数
func (r *Registry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.perUser)
}
