// Package broadcast 把已提交的操作推送给订阅了该文档（或整个集合）的连接。
//
// 本进程的投递由 Fanout 完成；跨进程由 Outbox 发布到总线，
// 其他进程从总线收到后同样交给各自的 Fanout。
package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/golang/glog"

	"sheetsync/server/internal/model"
)

// Sink 接收广播的本地连接
type Sink interface {
	ID() string
	// Deliver 非阻塞投递，返回 false 表示被丢弃（发送队列已满或连接已关闭）
	Deliver(msg *model.Message) bool
}

// Fanout 订阅索引：频道键（collection.id 或 collection）-> 连接
type Fanout struct {
	mu     sync.RWMutex
	byKey  map[string]map[string]Sink  // 频道键 -> sinkID -> sink
	bySink map[string]map[string]bool  // sinkID -> 频道键（释放用）
	seen   map[string]map[string]int64 // sinkID -> 文档键 -> 已投递的最高版本

	delivered  atomic.Int64
	duplicates atomic.Int64
	dropped    atomic.Int64
}

// FanoutStats 投递统计
type FanoutStats struct {
	Subscriptions int   `json:"subscriptions"`
	Delivered     int64 `json:"delivered"`
	Duplicates    int64 `json:"duplicates"`
	Dropped       int64 `json:"dropped"`
}

func NewFanout() *Fanout {
	return &Fanout{
		byKey:  make(map[string]map[string]Sink),
		bySink: make(map[string]map[string]bool),
		seen:   make(map[string]map[string]int64),
	}
}

// Subscribe 登记订阅。id 为空表示订阅整个集合。
// version 是客户端已持有的快照版本，不大于它的广播会被跳过。
func (f *Fanout) Subscribe(sink Sink, collection, id string, version int64) {
	key := model.DocKey(collection, id)
	sinkID := sink.ID()

	f.mu.Lock()
	defer f.mu.Unlock()

	sinks, ok := f.byKey[key]
	if !ok {
		sinks = make(map[string]Sink)
		f.byKey[key] = sinks
	}
	sinks[sinkID] = sink

	keys, ok := f.bySink[sinkID]
	if !ok {
		keys = make(map[string]bool)
		f.bySink[sinkID] = keys
	}
	keys[key] = true

	if id != "" && version > 0 {
		f.observeLocked(sinkID, key, version)
	}
}

// Observe 把 sink 在文档上的已见版本推进到 version（不会回退）
func (f *Fanout) Observe(sinkID, collection, id string, version int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observeLocked(sinkID, model.DocKey(collection, id), version)
}

func (f *Fanout) observeLocked(sinkID, docKey string, version int64) {
	seen, ok := f.seen[sinkID]
	if !ok {
		seen = make(map[string]int64)
		f.seen[sinkID] = seen
	}
	if version > seen[docKey] {
		seen[docKey] = version
	}
}

// Unsubscribe 取消订阅；返回是否存在该订阅
func (f *Fanout) Unsubscribe(sinkID, collection, id string) bool {
	key := model.DocKey(collection, id)

	f.mu.Lock()
	defer f.mu.Unlock()

	sinks, ok := f.byKey[key]
	if !ok {
		return false
	}
	if _, ok := sinks[sinkID]; !ok {
		return false
	}
	delete(sinks, sinkID)
	if len(sinks) == 0 {
		delete(f.byKey, key)
	}
	if keys := f.bySink[sinkID]; keys != nil {
		delete(keys, key)
		if len(keys) == 0 {
			delete(f.bySink, sinkID)
		}
	}
	if seen := f.seen[sinkID]; seen != nil && id != "" {
		delete(seen, key)
	}
	return true
}

// RemoveSink 连接关闭时释放它的全部订阅
func (f *Fanout) RemoveSink(sinkID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := f.bySink[sinkID]
	for key := range keys {
		if sinks := f.byKey[key]; sinks != nil {
			delete(sinks, sinkID)
			if len(sinks) == 0 {
				delete(f.byKey, key)
			}
		}
	}
	delete(f.bySink, sinkID)
	delete(f.seen, sinkID)
	return len(keys)
}

// Deliver 把提交推送给文档订阅者与集合订阅者。
// 提交来源连接不会收到自己的操作（它通过提交响应得知结果）；
// 同一连接对同一文档只接收单调递增的版本。
func (f *Fanout) Deliver(commit *model.Commit, sourceConn string) int {
	docKey := commit.DocKey()

	f.mu.Lock()
	targets := make([]Sink, 0, len(f.byKey[docKey])+len(f.byKey[commit.Collection]))
	for _, key := range [...]string{docKey, commit.Collection} {
		for sinkID, sink := range f.byKey[key] {
			if sinkID == sourceConn {
				continue
			}
			seen, ok := f.seen[sinkID]
			if !ok {
				seen = make(map[string]int64)
				f.seen[sinkID] = seen
			}
			if commit.Version <= seen[docKey] {
				// 已经投递过（既订阅文档又订阅集合），或跨进程迟到的旧版本
				f.duplicates.Add(1)
				continue
			}
			seen[docKey] = commit.Version
			targets = append(targets, sink)
		}
	}
	if sourceConn != "" {
		if _, subscribed := f.bySink[sourceConn]; subscribed {
			f.observeLocked(sourceConn, docKey, commit.Version)
		}
	}
	f.mu.Unlock()

	if len(targets) == 0 {
		return 0
	}

	msg := OpMessage(commit)
	sent := 0
	for _, sink := range targets {
		if sink.Deliver(msg) {
			sent++
			continue
		}
		f.dropped.Add(1)
		glog.V(1).Infof("[Fanout] dropped %s@%d for %s", docKey, commit.Version, sink.ID())
	}
	f.delivered.Add(int64(sent))
	return sent
}

// Stats 当前订阅数与投递计数
func (f *Fanout) Stats() FanoutStats {
	f.mu.RLock()
	n := 0
	for _, sinks := range f.byKey {
		n += len(sinks)
	}
	f.mu.RUnlock()
	return FanoutStats{
		Subscriptions: n,
		Delivered:     f.delivered.Load(),
		Duplicates:    f.duplicates.Load(),
		Dropped:       f.dropped.Load(),
	}
}

// OpMessage 构造推送给订阅者的 op 消息
func OpMessage(c *model.Commit) *model.Message {
	return &model.Message{
		Action:     model.ActionOp,
		Collection: c.Collection,
		ID:         c.ID,
		Version:    model.VersionPtr(c.Version),
		Operations: c.Ops,
		Del:        c.Deleted,
		Src:        c.Src,
		Seq:        c.Seq,
	}
}
