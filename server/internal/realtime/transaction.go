package realtime

import (
	"context"

	"github.com/golang/glog"

	"sheetsync/server/internal/cache"
	"sheetsync/server/internal/ledger"
	"sheetsync/server/internal/model"
	"sheetsync/server/internal/txn"
)

type sourceKey struct{}

// WithSource 标记写入来自哪个连接；该连接不会收到自己提交的广播
func WithSource(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, sourceKey{}, connID)
}

func sourceConn(ctx context.Context) string {
	id, _ := ctx.Value(sourceKey{}).(string)
	return id
}

// WithTransaction 在事务上下文中执行 fn，fn 成功返回后一次性提交累积的写入。
// ctx 上已有事务时 fn 直接加入外层事务，由外层提交，此时返回 nil 结果。
// fn 出错时累积内容被丢弃，什么都不会写入。
func (s *Service) WithTransaction(ctx context.Context, userID string, fn func(ctx context.Context, tc *txn.Context) error) ([]*ledger.Result, error) {
	if outer := txn.From(ctx); outer != nil {
		return nil, fn(ctx, outer)
	}

	tc := txn.New(userID)
	ctx = txn.With(ctx, tc)
	if err := fn(ctx, tc); err != nil {
		tc.Clear()
		return nil, err
	}
	return s.Commit(ctx, tc)
}

// Commit 消费事务上下文：整批提交到账本（全部接受或全部拒绝），
// 在文档锁内入队广播，提交成功后统一失效一次缓存。
func (s *Service) Commit(ctx context.Context, tc *txn.Context) ([]*ledger.Result, error) {
	if tc.IsEmpty() {
		_, _, _ = tc.Take()
		return nil, nil
	}
	subs, keys, ok := tc.Take()
	if !ok {
		return nil, model.ProtocolError("transaction already committed")
	}

	var results []*ledger.Result
	if len(subs) > 0 {
		source := sourceConn(ctx)
		res, err := s.ledger.Commit(ctx, subs, func(commits []*model.Commit) {
			s.outbox.EnqueueCommits(source, commits)
		})
		if err != nil {
			return nil, err
		}
		results = res
		for _, r := range res {
			if r.Replayed {
				continue
			}
			keys = append(keys, cache.SnapshotKey(r.Commit.Collection, r.Commit.ID), cache.QueryKey(r.Commit.Collection))
		}
	}

	s.invalidate(ctx, keys)
	return results, nil
}

// invalidate 尽力失效缓存；失败只记日志，缓存条目会按 TTL 过期
func (s *Service) invalidate(ctx context.Context, keys []string) {
	c := s.readCache()
	if c == nil || len(keys) == 0 {
		return
	}
	seen := make(map[string]bool, len(keys))
	uniq := keys[:0:0]
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			uniq = append(uniq, k)
		}
	}
	if err := c.Delete(context.WithoutCancel(ctx), uniq...); err != nil {
		glog.Warningf("[Realtime] cache invalidation of %d keys failed: %v", len(uniq), err)
	}
}
