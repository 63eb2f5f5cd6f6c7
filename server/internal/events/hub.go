// Package events 为无法使用 WebSocket 的客户端提供粗粒度业务事件流。
package events

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"sheetsync/server/internal/model"
)

// State 订阅者生命周期
type State int32

const (
	StateConnected State = iota
	StateSubscribed
	StateDelivering
	StateIdle
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateDelivering:
		return "delivering"
	case StateIdle:
		return "idle"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const defaultSubscriberBuffer = 128

// Subscriber 一个事件流订阅者
type Subscriber struct {
	id     string
	hub    *Hub
	ch     chan *model.BusinessEvent
	done   chan struct{}
	once   sync.Once
	state  atomic.Int32
	topics atomic.Pointer[[]string]

	dropped atomic.Int64
}

func (s *Subscriber) ID() string { return s.id }

// State 当前状态
func (s *Subscriber) State() State { return State(s.state.Load()) }

// Events 事件通道。通道不会被关闭，消费方同时监听 Done()
func (s *Subscriber) Events() <-chan *model.BusinessEvent { return s.ch }

// Done 订阅者关闭时被关闭
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Dropped 因缓冲满而丢弃的事件数
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// Subscribe 设置主题过滤并进入 Subscribed，已关闭时返回 false。空主题表示接收全部事件。
// 主题匹配事件的 Topic()，或以 "*" 结尾做前缀匹配。
func (s *Subscriber) Subscribe(topics ...string) bool {
	if s.State() == StateClosed {
		return false
	}
	cp := append([]string(nil), topics...)
	s.topics.Store(&cp)
	s.transition(StateConnected, StateSubscribed)
	return true
}

// MarkDelivering 写出事件前调用
func (s *Subscriber) MarkDelivering() {
	s.transitionFromActive(StateDelivering)
}

// MarkIdle 等待下一个事件时调用
func (s *Subscriber) MarkIdle() {
	s.transitionFromActive(StateIdle)
}

func (s *Subscriber) transitionFromActive(to State) {
	for {
		cur := s.State()
		if cur == StateClosed || cur == StateConnected {
			return
		}
		if s.state.CompareAndSwap(int32(cur), int32(to)) {
			return
		}
	}
}

func (s *Subscriber) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

func (s *Subscriber) matches(evt *model.BusinessEvent) bool {
	p := s.topics.Load()
	if p == nil || len(*p) == 0 {
		return true
	}
	topic := evt.Topic()
	for _, t := range *p {
		if t == topic || t == evt.Collection {
			return true
		}
		if prefix, ok := strings.CutSuffix(t, "*"); ok && strings.HasPrefix(topic, prefix) {
			return true
		}
	}
	return false
}

// offer 非阻塞投递；未订阅或已关闭的订阅者不接收
func (s *Subscriber) offer(evt *model.BusinessEvent) bool {
	switch s.State() {
	case StateConnected, StateClosed:
		return false
	}
	if !s.matches(evt) {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- evt:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Close 关闭订阅者并从 hub 移除（幂等）
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.done)
		if s.hub != nil {
			s.hub.remove(s.id)
		}
	})
}

// Hub 事件分发中心
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscriber
	closed bool
	buffer int

	published atomic.Int64
	delivered atomic.Int64
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{subs: make(map[string]*Subscriber), buffer: buffer}
}

// Connect 注册新订阅者（Connected 状态，尚不接收事件）；hub 已关闭时返回 nil
func (h *Hub) Connect() *Subscriber {
	s := &Subscriber{
		id:   uuid.NewString(),
		hub:  h,
		ch:   make(chan *model.BusinessEvent, h.buffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.subs[s.id] = s
	glog.V(1).Infof("[Events] subscriber %s connected (total=%d)", s.id, len(h.subs))
	return s
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Publish 把事件推给所有匹配的订阅者，返回投递数
func (h *Hub) Publish(evt *model.BusinessEvent) int {
	h.published.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, s := range h.subs {
		if s.offer(evt) {
			n++
		}
	}
	h.delivered.Add(int64(n))
	return n
}

// Subscribers 当前订阅者数量
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Stats 发布与投递计数
func (h *Hub) Stats() (published, delivered int64) {
	return h.published.Load(), h.delivered.Load()
}

// Close 关闭全部订阅者，之后 Connect 返回 nil
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	glog.Infof("[Events] hub closed, %d subscribers released", len(subs))
}
