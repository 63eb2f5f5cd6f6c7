// Package bus 是跨进程的至少一次消息总线抽象。
//
// 同一分区键（文档 collection.id）的消息按发布顺序到达，
// 消费方必须容忍重复投递（按版本去重）。
package bus

import (
	"context"
	"errors"
	"hash/fnv"

	"sheetsync/server/internal/model"
)

// ErrClosed 总线已关闭
var ErrClosed = errors.New("bus: closed")

// Kind 信封类型
type Kind string

const (
	KindOp       Kind = "op"
	KindPresence Kind = "presence"
	KindEvent    Kind = "event"
)

// Envelope 总线上传输的消息
type Envelope struct {
	Kind   Kind   `json:"kind"`
	Key    string `json:"key"`    // 分区键：文档 collection.id 或 presence 频道
	Origin string `json:"origin"` // 发布进程的节点 id，接收方据此跳过自己发出的消息
	// SourceConn 提交方连接 id，广播时不回送给提交方
	SourceConn string `json:"sourceConn,omitempty"`

	Commit   *model.Commit         `json:"commit,omitempty"`
	Presence *model.PresenceUpdate `json:"presence,omitempty"`
	Event    *model.BusinessEvent  `json:"event,omitempty"`
}

// Handler 处理收到的消息；必须快速返回（只做入队）
type Handler func(env *Envelope)

// Bus 总线接口
type Bus interface {
	Publish(ctx context.Context, env *Envelope) error
	// Subscribe 进程级订阅全部分区，返回取消函数
	Subscribe(handler Handler) (func(), error)
	Close() error
}

// Partition 按分区键计算分区号，同一文档总是落在同一分区
func Partition(key string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(partitions))
}
