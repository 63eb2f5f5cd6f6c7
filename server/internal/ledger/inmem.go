package ledger

import (
	"context"
	"sort"
	"sync"

	"sheetsync/server/internal/model"
	"sheetsync/server/internal/ot"
)

// InMemoryStore 是一个基于内存的账本存储实现。
type InMemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]*model.Snapshot
	ops       map[string][]*model.Commit
	sources   map[string]map[sourceKey]int64
}

type sourceKey struct {
	src string
	seq int64
}

func NewInMemoryStore() *InMemoryStore {
	// 单进程开发与测试用：重启即丢数据，多实例部署需要换成 SQL 存储。
	return &InMemoryStore{
		snapshots: make(map[string]*model.Snapshot),
		ops:       make(map[string][]*model.Commit),
		sources:   make(map[string]map[sourceKey]int64),
	}
}

// Load 返回文档快照的副本；未创建的文档返回 Version=0 的空快照。
func (s *InMemoryStore) Load(_ context.Context, collection, id string) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[model.DocKey(collection, id)]
	if !ok {
		return &model.Snapshot{Collection: collection, ID: id, Data: map[string]any{}}, nil
	}
	return cloneSnapshot(snap), nil
}

// Save 整批条件写入：先校验全部 PrevVersion，再一次性落盘。
func (s *InMemoryStore) Save(_ context.Context, batch []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range batch {
		key := model.DocKey(e.Snapshot.Collection, e.Snapshot.ID)
		var current int64
		if snap, ok := s.snapshots[key]; ok {
			current = snap.Version
		}
		if current != e.PrevVersion || e.Snapshot.Version != e.PrevVersion+1 {
			return ErrStaleWrite
		}
	}

	for _, e := range batch {
		key := model.DocKey(e.Snapshot.Collection, e.Snapshot.ID)
		s.snapshots[key] = cloneSnapshot(e.Snapshot)

		commit := *e.Commit
		commit.Data = nil
		s.ops[key] = append(s.ops[key], &commit)

		if commit.Src != "" && commit.Seq > 0 {
			if s.sources[key] == nil {
				s.sources[key] = make(map[sourceKey]int64)
			}
			s.sources[key][sourceKey{commit.Src, commit.Seq}] = commit.Version
		}
	}
	return nil
}

func (s *InMemoryStore) Version(_ context.Context, collection, id string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if snap, ok := s.snapshots[model.DocKey(collection, id)]; ok {
		return snap.Version, nil
	}
	return 0, nil
}

// FindBySource 相同 (src, seq) 直接返回已提交的记录（幂等）。
func (s *InMemoryStore) FindBySource(_ context.Context, collection, id, src string, seq int64) (*model.Commit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := model.DocKey(collection, id)
	version, ok := s.sources[key][sourceKey{src, seq}]
	if !ok {
		return nil, nil
	}
	commit := *s.ops[key][version-1]
	return &commit, nil
}

// Ops 返回 (from, to] 区间的操作记录（按版本顺序）。
// 兼容性：返回副本，避免调用方修改内部数据。
func (s *InMemoryStore) Ops(_ context.Context, collection, id string, from, to int64) ([]*model.Commit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.ops[model.DocKey(collection, id)]
	if to <= 0 || to > int64(len(log)) {
		to = int64(len(log))
	}
	if from < 0 {
		from = 0
	}

	out := make([]*model.Commit, 0)
	for v := from; v < to; v++ {
		commit := *log[v]
		out = append(out, &commit)
	}
	return out, nil
}

// List 返回集合中未删除的快照，按文档 id 排序。
func (s *InMemoryStore) List(_ context.Context, collection string) ([]*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Snapshot, 0)
	for _, snap := range s.snapshots {
		if snap.Collection == collection && !snap.Deleted {
			out = append(out, cloneSnapshot(snap))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots), nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

func cloneSnapshot(snap *model.Snapshot) *model.Snapshot {
	out := *snap
	out.Data = ot.DeepCopy(snap.Data)
	if out.Data == nil {
		out.Data = map[string]any{}
	}
	return &out
}
