// Package presence 维护各频道上每个连接的临时状态（光标、选区），不持久化。
// 同一连接在同一频道上后写覆盖先写；连接断开或超时后状态被移除并通知订阅者。
package presence

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"sheetsync/server/internal/model"
)

const (
	defaultTTL    = 5 * time.Minute
	defaultBuffer = 64
)

// Publisher 把本地产生的变更发布到其他进程
type Publisher func(update *model.PresenceUpdate)

type entry struct {
	value json.RawMessage
	at    time.Time
}

type watcher struct {
	ch   chan model.PresenceUpdate
	once sync.Once
}

// Manager presence 管理器
type Manager struct {
	mu       sync.RWMutex
	channels map[string]map[string]entry // channel -> connID -> 状态
	byConn   map[string]map[string]bool  // connID -> channel
	watchers map[string]map[int]*watcher
	nextID   int

	publish Publisher
	live    func(connID string) bool
	ttl     time.Duration
	now     func() time.Time
	dropped atomic.Int64
}

// Options 管理器参数；零值使用默认值
type Options struct {
	TTL       time.Duration
	Publisher Publisher
	// Live 判断连接是否仍在本进程在线；在线连接的状态不随 TTL 过期
	Live      func(connID string) bool
	Now       func() time.Time
}

func NewManager(opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		channels: make(map[string]map[string]entry),
		byConn:   make(map[string]map[string]bool),
		watchers: make(map[string]map[int]*watcher),
		publish:  opts.Publisher,
		live:     opts.Live,
		ttl:      opts.TTL,
		now:      opts.Now,
	}
}

// Submit 记录本地连接在频道上的状态并广播。value 为空或 null 视为清除。
func (m *Manager) Submit(channel, connID string, value json.RawMessage) error {
	if channel == "" || connID == "" {
		return model.ProtocolError("presence requires channel and connection")
	}
	if len(value) > 0 && !json.Valid(value) {
		return model.ProtocolError("presence value is not valid JSON")
	}

	update := model.PresenceUpdate{
		Channel: channel,
		ConnID:  connID,
		Value:   value,
		Removed: isEmptyValue(value),
		At:      m.now(),
	}
	if !m.apply(update) {
		return nil
	}
	if m.publish != nil {
		m.publish(&update)
	}
	return nil
}

// Apply 处理来自其他进程的变更，只更新本地状态并通知订阅者
func (m *Manager) Apply(update *model.PresenceUpdate) {
	if update == nil || update.Channel == "" || update.ConnID == "" {
		return
	}
	m.apply(*update)
}

// apply 返回状态是否真的发生了变化
func (m *Manager) apply(update model.PresenceUpdate) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := m.channels[update.Channel]
	if update.Removed {
		if _, ok := states[update.ConnID]; !ok {
			return false
		}
		m.removeLocked(update.Channel, update.ConnID)
	} else {
		if states == nil {
			states = make(map[string]entry)
			m.channels[update.Channel] = states
		}
		if prev, ok := states[update.ConnID]; ok && update.At.Before(prev.at) {
			// 乱序到达的旧状态
			return false
		}
		states[update.ConnID] = entry{value: update.Value, at: update.At}
		chans, ok := m.byConn[update.ConnID]
		if !ok {
			chans = make(map[string]bool)
			m.byConn[update.ConnID] = chans
		}
		chans[update.Channel] = true
	}
	m.notifyLocked(update)
	return true
}

func (m *Manager) removeLocked(channel, connID string) {
	if states := m.channels[channel]; states != nil {
		delete(states, connID)
		if len(states) == 0 {
			delete(m.channels, channel)
		}
	}
	if chans := m.byConn[connID]; chans != nil {
		delete(chans, channel)
		if len(chans) == 0 {
			delete(m.byConn, connID)
		}
	}
}

// notifyLocked 非阻塞推送；订阅者处理不过来时丢弃（presence 允许丢）
func (m *Manager) notifyLocked(update model.PresenceUpdate) {
	for _, w := range m.watchers[update.Channel] {
		select {
		case w.ch <- update:
		default:
			m.dropped.Add(1)
		}
	}
}

// Subscribe 订阅频道上的变更，返回只读通道与取消函数。
// 取消后通道被关闭；buffer<=0 使用默认缓冲。
func (m *Manager) Subscribe(channel string, buffer int) (<-chan model.PresenceUpdate, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	w := &watcher{ch: make(chan model.PresenceUpdate, buffer)}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	ws, ok := m.watchers[channel]
	if !ok {
		ws = make(map[int]*watcher)
		m.watchers[channel] = ws
	}
	ws[id] = w
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if ws := m.watchers[channel]; ws != nil {
			delete(ws, id)
			if len(ws) == 0 {
				delete(m.watchers, channel)
			}
		}
		m.mu.Unlock()
		w.once.Do(func() { close(w.ch) })
	}
	return w.ch, cancel
}

// Snapshot 返回频道上所有连接的当前状态
func (m *Manager) Snapshot(channel string) map[string]json.RawMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]json.RawMessage, len(m.channels[channel]))
	for connID, e := range m.channels[channel] {
		out[connID] = e.value
	}
	return out
}

// RemoveConnection 连接关闭时移除它在所有频道上的状态，通知并广播移除事件
func (m *Manager) RemoveConnection(connID string) int {
	now := m.now()

	m.mu.Lock()
	chans := m.byConn[connID]
	removed := make([]model.PresenceUpdate, 0, len(chans))
	for channel := range chans {
		update := model.PresenceUpdate{Channel: channel, ConnID: connID, Removed: true, At: now}
		m.removeLocked(channel, connID)
		m.notifyLocked(update)
		removed = append(removed, update)
	}
	m.mu.Unlock()

	if m.publish != nil {
		for i := range removed {
			m.publish(&removed[i])
		}
	}
	if len(removed) > 0 {
		glog.V(1).Infof("[Presence] removed connection %s from %d channels", connID, len(removed))
	}
	return len(removed)
}

// Sweep 清除超过 TTL 未更新的状态（通常是其他进程上已经消失的连接）。
// 本进程仍在线的连接会在关闭时由 RemoveConnection 清理，这里跳过。
func (m *Manager) Sweep() int {
	now := m.now()
	cutoff := now.Add(-m.ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for channel, states := range m.channels {
		for connID, e := range states {
			if e.at.After(cutoff) {
				continue
			}
			if m.live != nil && m.live(connID) {
				continue
			}
			m.removeLocked(channel, connID)
			m.notifyLocked(model.PresenceUpdate{Channel: channel, ConnID: connID, Removed: true, At: now})
			n++
		}
	}
	if n > 0 {
		glog.Infof("[Presence] swept %d expired states", n)
	}
	return n
}

// Stats 频道数、状态数与丢弃的推送数
func (m *Manager) Stats() (channels, states int, dropped int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.channels {
		states += len(s)
	}
	return len(m.channels), states, m.dropped.Load()
}

func isEmptyValue(v json.RawMessage) bool {
	return len(v) == 0 || string(v) == "null"
}
