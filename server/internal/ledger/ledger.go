// Package ledger 是唯一允许把操作应用到快照、并裁决接受或拒绝的组件。
//
// 并发策略：同一文档的提交严格串行（文档级锁），不同文档互不阻塞；
// 版本校验采用“乐观检查、拒绝后重试”，不做服务端 transform。
package ledger

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/golang/glog"

	"sheetsync/server/internal/model"
	"sheetsync/server/internal/ot"
)

// Submission 一次针对单个文档的提交请求
type Submission struct {
	Collection      string
	ID              string
	ExpectedVersion int64
	Ops             []model.Operation
	Del             bool

	Src    string
	Seq    int64
	UserID string
}

// Key 文档键
func (s *Submission) Key() string {
	return model.DocKey(s.Collection, s.ID)
}

// Idempotent 只有同时带 src 和正数 seq 的提交才参与 (src, seq) 去重
func (s *Submission) Idempotent() bool {
	return s.Src != "" && s.Seq > 0
}

// Result 提交结果；Replayed 表示命中 (src, seq) 幂等，没有产生新版本。
type Result struct {
	Commit   *model.Commit
	Replayed bool
}

// CommitHook 在提交落盘后、文档锁释放前被调用，只允许做入队这样的非阻塞动作。
// 在锁内入队保证了同一文档的广播顺序与版本顺序一致。
type CommitHook func(commits []*model.Commit)

// Ledger 文档存储 / 版本账本
type Ledger struct {
	store Store
	locks *lockTable
	now   func() time.Time
}

func New(store Store, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		store: store,
		locks: newLockTable(),
		now:   now,
	}
}

// Store 返回底层存储
func (l *Ledger) Store() Store {
	return l.store
}

// Fetch 返回文档当前快照；从未创建或已删除的文档返回 NotFound。
func (l *Ledger) Fetch(ctx context.Context, collection, id string) (*model.Snapshot, error) {
	snap, err := l.store.Load(ctx, collection, id)
	if err != nil {
		return nil, model.StorageError("load snapshot", err)
	}
	if !snap.Exists() {
		return nil, model.NotFound(collection, id)
	}
	return snap, nil
}

// Observe 持有文档锁读取快照并调用 fn；fn 内只允许入队。
// 订阅用它保证“快照响应”排在之后所有广播之前。未创建的文档以版本 0 传入。
func (l *Ledger) Observe(ctx context.Context, collection, id string, fn func(snap *model.Snapshot) error) error {
	release, err := l.locks.acquire(ctx, model.DocKey(collection, id))
	if err != nil {
		return err
	}
	defer release()

	snap, err := l.store.Load(ctx, collection, id)
	if err != nil {
		return model.StorageError("load snapshot", err)
	}
	return fn(snap)
}

// Submit 提交单个文档的操作，返回新版本对应的提交记录。
func (l *Ledger) Submit(ctx context.Context, sub Submission, hook CommitHook) (*Result, error) {
	results, err := l.Commit(ctx, []Submission{sub}, hook)
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// Commit 原子提交一批（可跨集合的）文档操作：要么全部接受，要么全部拒绝。
//
// 步骤：
// 1. 按文档键排序后依次加锁（等待受 ctx 约束）
// 2. 逐个校验期望版本并在副本上应用操作
// 3. 整批条件写入存储
// 4. 锁内调用 hook 入队广播，然后释放锁
func (l *Ledger) Commit(ctx context.Context, subs []Submission, hook CommitHook) ([]*Result, error) {
	if len(subs) == 0 {
		return nil, model.ProtocolError("empty submission batch")
	}

	keys := make([]string, 0, len(subs))
	seen := make(map[string]bool, len(subs))
	for i := range subs {
		sub := &subs[i]
		if sub.Collection == "" || sub.ID == "" {
			return nil, model.ProtocolError("submission requires collection and id")
		}
		if len(sub.Ops) == 0 && !sub.Del {
			return nil, model.InvalidOperation("submission for %s carries no operations", sub.Key())
		}
		if seen[sub.Key()] {
			return nil, model.ProtocolError("document %s appears twice in one batch", sub.Key())
		}
		seen[sub.Key()] = true
		keys = append(keys, sub.Key())
	}
	sort.Strings(keys)

	release, err := l.locks.acquireAll(ctx, keys)
	if err != nil {
		return nil, err
	}
	defer release()

	now := l.now()
	results := make([]*Result, len(subs))
	entries := make([]Entry, 0, len(subs))
	commits := make([]*model.Commit, 0, len(subs))

	for i := range subs {
		sub := &subs[i]

		if sub.Idempotent() {
			prior, err := l.store.FindBySource(ctx, sub.Collection, sub.ID, sub.Src, sub.Seq)
			if err != nil {
				return nil, model.StorageError("find prior submission", err)
			}
			if prior != nil {
				results[i] = &Result{Commit: prior, Replayed: true}
				continue
			}
		}

		entry, err := l.prepare(ctx, sub, now)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
		commits = append(commits, entry.Commit)
		results[i] = &Result{Commit: entry.Commit}
	}

	if len(entries) > 0 {
		if err := l.store.Save(ctx, entries); err != nil {
			if errors.Is(err, ErrStaleWrite) {
				// 别的进程抢先推进了版本：重新读取当前版本后按冲突拒绝
				return nil, l.conflictFor(ctx, entries)
			}
			glog.Errorf("[Ledger] save batch of %d failed: %v", len(entries), err)
			return nil, model.StorageError("save batch", err)
		}
	}

	if hook != nil && len(commits) > 0 {
		hook(commits)
	}

	for _, c := range commits {
		glog.V(1).Infof("[Ledger] committed %s@%d ops=%d", c.DocKey(), c.Version, len(c.Ops))
	}
	return results, nil
}

// prepare 在锁内校验版本并生成新快照，不写存储。
func (l *Ledger) prepare(ctx context.Context, sub *Submission, now time.Time) (*Entry, error) {
	current, err := l.store.Load(ctx, sub.Collection, sub.ID)
	if err != nil {
		return nil, model.StorageError("load snapshot", err)
	}
	if sub.ExpectedVersion != current.Version {
		return nil, model.VersionConflict(current.Version)
	}

	exists := current.Exists()
	next := &model.Snapshot{
		Collection: sub.Collection,
		ID:         sub.ID,
		Version:    current.Version + 1,
		UpdatedAt:  now,
	}

	if sub.Del {
		if !exists {
			return nil, model.NotFound(sub.Collection, sub.ID)
		}
		next.Deleted = true
		next.Data = map[string]any{}
	} else {
		base := current.Data
		if !exists {
			// 首次写入或删除后重建：从空文档开始
			base = map[string]any{}
		}
		data, err := ot.Apply(base, sub.Ops)
		if err != nil {
			return nil, err
		}
		next.Data = data
	}

	commit := &model.Commit{
		Collection:  sub.Collection,
		ID:          sub.ID,
		Version:     next.Version,
		Ops:         sub.Ops,
		Created:     !exists && !sub.Del,
		Deleted:     sub.Del,
		Src:         sub.Src,
		Seq:         sub.Seq,
		UserID:      sub.UserID,
		Data:        next.Data,
		CommittedAt: now,
	}

	return &Entry{PrevVersion: current.Version, Snapshot: next, Commit: commit}, nil
}

func (l *Ledger) conflictFor(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		snap, err := l.store.Load(ctx, e.Snapshot.Collection, e.Snapshot.ID)
		if err != nil {
			return model.StorageError("reload after stale write", err)
		}
		if snap.Version != e.PrevVersion {
			return model.VersionConflict(snap.Version)
		}
	}
	return model.VersionConflict(entries[0].PrevVersion)
}

// Version 返回文档当前版本号（未创建为 0），不加锁、不读取数据
func (l *Ledger) Version(ctx context.Context, collection, id string) (int64, error) {
	v, err := l.store.Version(ctx, collection, id)
	if err != nil {
		return 0, model.StorageError("load version", err)
	}
	return v, nil
}

// Ops 返回 from 之后的全部操作（用于客户端追赶）
func (l *Ledger) Ops(ctx context.Context, collection, id string, from int64) ([]*model.Commit, error) {
	ops, err := l.store.Ops(ctx, collection, id, from, 0)
	if err != nil {
		return nil, model.StorageError("list ops", err)
	}
	return ops, nil
}

// Documents 已创建的文档数（统计用）
func (l *Ledger) Documents(ctx context.Context) (int, error) {
	return l.store.Count(ctx)
}

// Close 释放存储
func (l *Ledger) Close() error {
	return l.store.Close()
}
