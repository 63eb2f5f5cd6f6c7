// Package cache 是快照读缓存。提交后通过事务上下文收集的键统一失效。
package cache

import (
	"context"
	"time"
)

// Cache 读缓存接口
type Cache interface {
	// Get 未命中时返回 ok=false 且 err=nil
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// SnapshotKey 文档快照的缓存键
func SnapshotKey(collection, id string) string {
	return "snap:" + collection + ":" + id
}

// QueryKey 集合查询结果的缓存键前缀（集合内任一文档变化都要失效）
func QueryKey(collection string) string {
	return "query:" + collection
}
