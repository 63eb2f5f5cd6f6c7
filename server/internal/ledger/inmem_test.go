package ledger

import (
	"context"
	"testing"
	"time"

	"sheetsync/server/internal/model"
)

func entryFor(collection, id string, prev int64, data map[string]any) Entry {
	return Entry{
		PrevVersion: prev,
		Snapshot: &model.Snapshot{
			Collection: collection,
			ID:         id,
			Version:    prev + 1,
			Data:       data,
			UpdatedAt:  time.Now(),
		},
		Commit: &model.Commit{
			Collection: collection,
			ID:         id,
			Version:    prev + 1,
			Src:        "client-1",
			Seq:        prev + 1,
		},
	}
}

// TestInMemoryStoreLoadMissingReturnsVersionZero 验证未创建的文档返回版本 0 的空快照。
func TestInMemoryStoreLoadMissingReturnsVersionZero(t *testing.T) {
	store := NewInMemoryStore()

	snap, err := store.Load(context.Background(), "rec_tbl1", "r1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.Version != 0 || snap.Exists() {
		t.Fatalf("expected empty snapshot at version 0, got %+v", snap)
	}
}

// TestInMemoryStoreSaveRejectsStaleBatch 验证批量保存的条件写入：
// 任一文档的 PrevVersion 过期时整批不落盘。
func TestInMemoryStoreSaveRejectsStaleBatch(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	if err := store.Save(ctx, []Entry{entryFor("rec_t", "a", 0, map[string]any{"x": 1.0})}); err != nil {
		t.Fatalf("save: %v", err)
	}

	err := store.Save(ctx, []Entry{
		entryFor("rec_t", "b", 0, map[string]any{"y": 1.0}),
		entryFor("rec_t", "a", 0, map[string]any{"x": 2.0}),
	})
	if err != ErrStaleWrite {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}

	b, _ := store.Load(ctx, "rec_t", "b")
	if b.Version != 0 {
		t.Fatalf("expected b untouched after rejected batch, got version %d", b.Version)
	}
}

// TestInMemoryStoreFindBySourceIdempotent 验证相同 (src, seq) 能找回已提交的版本。
func TestInMemoryStoreFindBySourceIdempotent(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	if err := store.Save(ctx, []Entry{entryFor("rec_t", "a", 0, nil)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, []Entry{entryFor("rec_t", "a", 1, nil)}); err != nil {
		t.Fatalf("save: %v", err)
	}

	commit, err := store.FindBySource(ctx, "rec_t", "a", "client-1", 2)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if commit == nil || commit.Version != 2 {
		t.Fatalf("expected version 2 for seq 2, got %+v", commit)
	}

	missing, err := store.FindBySource(ctx, "rec_t", "a", "client-1", 9)
	if err != nil || missing != nil {
		t.Fatalf("expected no match for unknown seq, got %+v err=%v", missing, err)
	}
}

// TestInMemoryStoreLoadReturnsCopy 验证 Load 返回副本，外部修改不影响内部状态。
func TestInMemoryStoreLoadReturnsCopy(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	if err := store.Save(ctx, []Entry{entryFor("rec_t", "a", 0, map[string]any{"x": "keep"})}); err != nil {
		t.Fatalf("save: %v", err)
	}

	snap, _ := store.Load(ctx, "rec_t", "a")
	snap.Data["x"] = "mutated"

	again, _ := store.Load(ctx, "rec_t", "a")
	if again.Data["x"] != "keep" {
		t.Fatalf("expected internal data unchanged, got %v", again.Data["x"])
	}
}
