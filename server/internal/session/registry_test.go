package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sheetsync/server/internal/model"
)

type fakeTransport struct {
	mu      sync.Mutex
	sent    []*model.Message
	closed  int
	full    bool
	reasons []string
}

func (t *fakeTransport) Send(msg *model.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.full {
		return errors.New("queue full")
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTransport) Close(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	t.reasons = append(t.reasons, reason)
	return nil
}

func (t *fakeTransport) RemoteAddr() string { return "127.0.0.1:1" }

// mapValidator token -> userID
type mapValidator map[string]string

func (v mapValidator) ValidateToken(token string) (string, error) {
	if id, ok := v[token]; ok {
		return id, nil
	}
	return "", errors.New("unknown token")
}

func newTestRegistry(limits Limits) *Registry {
	return NewRegistry(context.Background(), mapValidator{"t1": "u1", "t1b": "u1", "t2": "u2"}, limits)
}

// TestRegisterAndCloseReleasesOnce 验证关闭是幂等的，释放回调只执行一次。
func TestRegisterAndCloseReleasesOnce(t *testing.T) {
	r := newTestRegistry(Limits{})
	released := 0
	r.OnRelease(func(*Connection) { released++ })

	tr := &fakeTransport{}
	conn, err := r.Register(tr)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if conn.ID() == "" || r.Count() != 1 {
		t.Fatalf("expected registered connection, got id=%q count=%d", conn.ID(), r.Count())
	}

	if !r.Close(conn, "bye") {
		t.Fatal("expected first close to succeed")
	}
	if r.Close(conn, "again") {
		t.Fatal("expected second close to be a no-op")
	}
	if released != 1 || tr.closed != 1 {
		t.Fatalf("expected exactly one release and one transport close, got %d/%d", released, tr.closed)
	}
	select {
	case <-conn.Done():
	default:
		t.Fatal("expected connection context to be cancelled")
	}
	if err := conn.Send(&model.Message{Action: model.ActionPing}); !model.IsKind(err, model.KindTransport) {
		t.Fatalf("expected transport error after close, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

// TestIdentityIsImmutable 验证身份建立后不能切换到另一个用户。
func TestIdentityIsImmutable(t *testing.T) {
	r := newTestRegistry(Limits{})
	conn, _ := r.Register(&fakeTransport{})

	if conn.CanWrite() {
		t.Fatal("anonymous connection must not write by default")
	}
	if _, err := r.Authenticate(conn, "bad"); !model.IsKind(err, model.KindAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if conn.Authenticated() {
		t.Fatal("failed authentication must leave the connection anonymous")
	}

	if uid, err := r.Authenticate(conn, "t1"); err != nil || uid != "u1" {
		t.Fatalf("authenticate: uid=%s err=%v", uid, err)
	}
	if uid, err := r.Authenticate(conn, "t1b"); err != nil || uid != "u1" {
		t.Fatalf("same user re-auth should succeed: uid=%s err=%v", uid, err)
	}
	if _, err := r.Authenticate(conn, "t2"); !model.IsKind(err, model.KindAuth) {
		t.Fatalf("expected switching user to fail, got %v", err)
	}
	if conn.UserID() != "u1" || !conn.CanWrite() {
		t.Fatalf("unexpected identity: %s write=%v", conn.UserID(), conn.CanWrite())
	}
	if r.Users() != 1 {
		t.Fatalf("expected 1 user, got %d", r.Users())
	}
}

// TestConnectionLimits 验证总连接数与单用户连接数上限。
func TestConnectionLimits(t *testing.T) {
	r := newTestRegistry(Limits{MaxConnections: 2, MaxPerUser: 1})
	a, _ := r.Register(&fakeTransport{})
	b, _ := r.Register(&fakeTransport{})
	if _, err := r.Register(&fakeTransport{}); !model.IsKind(err, model.KindRateLimited) {
		t.Fatalf("expected overload error, got %v", err)
	}

	if _, err := r.Authenticate(a, "t1"); err != nil {
		t.Fatalf("authenticate a: %v", err)
	}
	if _, err := r.Authenticate(b, "t1b"); model.AsError(err).Code != model.CodeServerOverloaded {
		t.Fatalf("expected per-user limit, got %v", err)
	}

	r.Close(a, "done")
	if _, err := r.Authenticate(b, "t1"); err != nil {
		t.Fatalf("expected slot to be freed after close: %v", err)
	}
}

// TestSweepIdle 验证长时间无活动的连接会被关闭。
func TestSweepIdle(t *testing.T) {
	r := newTestRegistry(Limits{})
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }

	idle, _ := r.Register(&fakeTransport{})
	active, _ := r.Register(&fakeTransport{})

	now = now.Add(10 * time.Minute)
	active.Touch(now)

	if n := r.SweepIdle(5 * time.Minute); n != 1 {
		t.Fatalf("expected 1 idle connection swept, got %d", n)
	}
	if _, ok := r.Get(idle.ID()); ok {
		t.Fatal("idle connection should be gone")
	}
	if _, ok := r.Get(active.ID()); !ok {
		t.Fatal("active connection should remain")
	}
}

// TestSubscriptionsAndPresenceReleasedOnClose 验证订阅与 presence 在关闭时被释放。
func TestSubscriptionsAndPresenceReleasedOnClose(t *testing.T) {
	r := newTestRegistry(Limits{AnonymousWrite: true})
	conn, _ := r.Register(&fakeTransport{})
	if !conn.CanWrite() {
		t.Fatal("anonymous write policy should allow writes")
	}

	if !conn.AddSubscription("rec_t.r1") || conn.AddSubscription("rec_t.r1") {
		t.Fatal("subscription should be added exactly once")
	}
	cancelled := 0
	conn.AddPresence("ch", func() { cancelled++ })

	r.Close(conn, "bye")
	if cancelled != 1 {
		t.Fatalf("expected presence cancel on close, got %d", cancelled)
	}
	if len(conn.Subscriptions()) != 0 || conn.AddSubscription("x") {
		t.Fatal("closed connection should hold no subscriptions")
	}
}

// TestRateLimiterConfigured 验证限流器按配置创建。
func TestRateLimiterConfigured(t *testing.T) {
	r := newTestRegistry(Limits{MessagesPerSecond: 1, Burst: 2})
	conn, _ := r.Register(&fakeTransport{})
	l := conn.Limiter()
	if l == nil {
		t.Fatal("expected limiter")
	}
	if !l.Allow() || !l.Allow() || l.Allow() {
		t.Fatal("expected burst of 2")
	}
}
