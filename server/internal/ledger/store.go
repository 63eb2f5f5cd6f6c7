package ledger

import (
	"context"
	"errors"

	"sheetsync/server/internal/model"
)

// ErrStaleWrite 条件写入失败：另一个写入者（可能在别的进程）已推进了版本。
var ErrStaleWrite = errors.New("ledger: stale write")

// Entry 一次批量保存中的单个文档：新快照 + 对应的操作记录。
// Snapshot.Version 必须等于 PrevVersion+1。
type Entry struct {
	PrevVersion int64
	Snapshot    *model.Snapshot
	Commit      *model.Commit
}

// Store 是账本的持久化后端。
//
// 契约：
// - Load 对从未创建的文档返回 Version=0 的空快照，而不是错误。
// - Save 整批原子：任一文档的 PrevVersion 与存储不符时整批回滚并返回 ErrStaleWrite。
// - 同一文档的操作记录按版本连续、无空洞。
type Store interface {
	Load(ctx context.Context, collection, id string) (*model.Snapshot, error)
	Save(ctx context.Context, batch []Entry) error
	// Version 只读版本号，供缓存判断快照是否过期；未创建的文档返回 0。
	Version(ctx context.Context, collection, id string) (int64, error)
	// FindBySource 按 (src, seq) 查找已提交的操作，用于客户端断线重提的幂等判断。
	FindBySource(ctx context.Context, collection, id, src string, seq int64) (*model.Commit, error)
	// Ops 返回版本区间 (from, to] 内的操作记录；to<=0 表示到最新。
	Ops(ctx context.Context, collection, id string, from, to int64) ([]*model.Commit, error)
	// List 返回集合内所有未删除的快照（Query 的数据源）。
	List(ctx context.Context, collection string) ([]*model.Snapshot, error)
	// Count 返回已创建的文档数。
	Count(ctx context.Context) (int, error)
	Close() error
}
