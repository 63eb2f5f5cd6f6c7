package realtime

import (
	"context"
	"time"

	"sheetsync/server/internal/broadcast"
	"sheetsync/server/internal/metrics"
)

// Stats 运行统计
type Stats struct {
	NodeID       string                `json:"nodeId"`
	Uptime       string                `json:"uptime"`
	Connections  int                   `json:"connections"`
	Users        int                   `json:"users"`
	Documents    int                   `json:"documents"`
	Broadcast    broadcast.OutboxStats `json:"broadcast"`
	Fanout       broadcast.FanoutStats `json:"fanout"`
	Presence     PresenceStats         `json:"presence"`
	Fallback     FallbackStats         `json:"fallback"`
	Actions      []metrics.ActionStats `json:"actions"`
	DocumentsErr string                `json:"documentsError,omitempty"`
}

type PresenceStats struct {
	Channels int   `json:"channels"`
	States   int   `json:"states"`
	Dropped  int64 `json:"dropped"`
}

type FallbackStats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
}

// Stats 汇总各组件计数。文档数读取失败不影响其余字段。
func (s *Service) Stats(ctx context.Context) Stats {
	st := Stats{
		NodeID:      s.nodeID,
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
		Connections: s.registry.Count(),
		Users:       s.registry.Users(),
		Broadcast:   s.outbox.Stats(),
		Fanout:      s.fanout.Stats(),
		Actions:     s.counters.Snapshot(),
	}

	if n, err := s.ledger.Documents(ctx); err != nil {
		st.DocumentsErr = err.Error()
	} else {
		st.Documents = n
	}

	st.Presence.Channels, st.Presence.States, st.Presence.Dropped = s.presence.Stats()

	hub := s.eventHub()
	st.Fallback.Subscribers = hub.Subscribers()
	st.Fallback.Published, st.Fallback.Delivered = hub.Stats()
	return st
}
