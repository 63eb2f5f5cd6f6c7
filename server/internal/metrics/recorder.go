// Package metrics 记录每条协议消息的延迟、成败与负载大小。
// 通过路由中间件挂载，业务处理代码里不直接调用。
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
)

// Recorder 可插拔的观测钩子
type Recorder interface {
	RecordMessage(action string, latency time.Duration, success bool, bytes int)
}

// ActionStats 某个动作的累计统计
type ActionStats struct {
	Action       string        `json:"action"`
	Count        int64         `json:"count"`
	Failures     int64         `json:"failures"`
	Bytes        int64         `json:"bytes"`
	TotalLatency time.Duration `json:"totalLatencyNs"`
	MaxLatency   time.Duration `json:"maxLatencyNs"`
}

// Counters 进程内累计计数，供统计接口读取
type Counters struct {
	mu      sync.Mutex
	actions map[string]*ActionStats
}

func NewCounters() *Counters {
	return &Counters{actions: make(map[string]*ActionStats)}
}

func (c *Counters) RecordMessage(action string, latency time.Duration, success bool, bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.actions[action]
	if !ok {
		s = &ActionStats{Action: action}
		c.actions[action] = s
	}
	s.Count++
	if !success {
		s.Failures++
	}
	s.Bytes += int64(bytes)
	s.TotalLatency += latency
	if latency > s.MaxLatency {
		s.MaxLatency = latency
	}
}

// Snapshot 按动作名排序返回统计副本
func (c *Counters) Snapshot() []ActionStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ActionStats, 0, len(c.actions))
	for _, s := range c.actions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Action < out[j].Action })
	return out
}

// LogRecorder 把每条消息写到 glog（V(2)），慢消息总是告警
type LogRecorder struct {
	SlowThreshold time.Duration
}

func (r LogRecorder) RecordMessage(action string, latency time.Duration, success bool, bytes int) {
	if r.SlowThreshold > 0 && latency > r.SlowThreshold {
		glog.Warningf("[Metrics] slow message: action=%s latency=%v bytes=%d success=%v", action, latency, bytes, success)
		return
	}
	glog.V(2).Infof("[Metrics] action=%s latency=%v bytes=%d success=%v", action, latency, bytes, success)
}

// Multi 把多个 Recorder 合成一个
type Multi []Recorder

func (m Multi) RecordMessage(action string, latency time.Duration, success bool, bytes int) {
	for _, r := range m {
		r.RecordMessage(action, latency, success, bytes)
	}
}
