// Package txn 提供请求级的事务上下文：
// 累积一次逻辑操作产生的多集合写入与缓存失效键，在提交时一次性消费。
package txn

import (
	"context"
	"sort"
	"sync"

	"sheetsync/server/internal/ledger"
	"sheetsync/server/internal/model"
)

// PendingDoc 某个文档上待提交的写入
type PendingDoc struct {
	ExpectedVersion int64
	Ops             []model.Operation
	Del             bool
	Src             string
	Seq             int64
}

// OperationMap 一个集合内的待提交写入：docID -> PendingDoc
type OperationMap struct {
	Collection string
	Docs       map[string]PendingDoc
}

// Context 事务上下文。并发安全：级联处理可能在多个 goroutine 中同时累积。
type Context struct {
	mu        sync.Mutex
	opMaps    []OperationMap
	cacheKeys []string
	userID    string
	consumed  bool
}

// New 创建空的事务上下文
func New(userID string) *Context {
	return &Context{userID: userID}
}

// AddOperationMap 追加一个集合的操作映射
func (c *Context) AddOperationMap(m OperationMap) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opMaps = append(c.opMaps, m)
}

// AddOperation 追加单个文档的写入（AddOperationMap 的便捷形式）
func (c *Context) AddOperation(collection, id string, doc PendingDoc) {
	c.AddOperationMap(OperationMap{Collection: collection, Docs: map[string]PendingDoc{id: doc}})
}

// AddCacheKey 追加一个提交后需要失效的缓存键
func (c *Context) AddCacheKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheKeys = append(c.cacheKeys, key)
}

// AddCacheKeys 批量追加缓存键
func (c *Context) AddCacheKeys(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheKeys = append(c.cacheKeys, keys...)
}

// IsEmpty 没有任何写入与失效键时返回 true，调用方据此跳过提交
func (c *Context) IsEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.opMaps) == 0 && len(c.cacheKeys) == 0
}

// Clear 重置状态（重试时复用同一上下文）
func (c *Context) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opMaps = nil
	c.cacheKeys = nil
	c.consumed = false
}

// UserID 发起事务的用户
func (c *Context) UserID() string {
	return c.userID
}

// Take 取出累积内容并标记为已消费；第二次调用返回 ok=false。
// 同一集合同一文档出现多次时，后加入的操作追加到先前的操作之后。
func (c *Context) Take() (subs []ledger.Submission, cacheKeys []string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.consumed {
		return nil, nil, false
	}
	c.consumed = true

	index := make(map[string]int)
	for _, m := range c.opMaps {
		ids := make([]string, 0, len(m.Docs))
		for id := range m.Docs {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			doc := m.Docs[id]
			key := model.DocKey(m.Collection, id)
			if i, seen := index[key]; seen {
				subs[i].Ops = append(subs[i].Ops, doc.Ops...)
				subs[i].Del = subs[i].Del || doc.Del
				continue
			}
			index[key] = len(subs)
			subs = append(subs, ledger.Submission{
				Collection:      m.Collection,
				ID:              id,
				ExpectedVersion: doc.ExpectedVersion,
				Ops:             append([]model.Operation(nil), doc.Ops...),
				Del:             doc.Del,
				Src:             doc.Src,
				Seq:             doc.Seq,
				UserID:          c.userID,
			})
		}
	}

	cacheKeys = dedupe(c.cacheKeys)
	c.opMaps = nil
	c.cacheKeys = nil
	return subs, cacheKeys, true
}

func dedupe(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// ctxKey 事务上下文在 context.Context 中的键（不导出，避免字符串键冲突）
type ctxKey struct{}

// With 把事务上下文挂到 ctx 上
func With(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// From 取出 ctx 上的事务上下文；不存在时返回 nil
func From(ctx context.Context) *Context {
	tc, _ := ctx.Value(ctxKey{}).(*Context)
	return tc
}

// GetOrCreate 取出或惰性创建事务上下文，返回可能更新过的 ctx。
// 调用方无需在每个调用点判空。
func GetOrCreate(ctx context.Context, userID string) (context.Context, *Context) {
	if tc := From(ctx); tc != nil {
		return ctx, tc
	}
	tc := New(userID)
	return With(ctx, tc), tc
}
