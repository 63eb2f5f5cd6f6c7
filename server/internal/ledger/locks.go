package ledger

import (
	"context"
	"sync"

	"sheetsync/server/internal/model"
)

// lockTable 按文档分配的互斥锁。
// 每把锁是容量为 1 的 channel，等待时可以被 ctx 取消（sync.Mutex 做不到）。
// 表本身的 mu 只保护 map，不会在等待期间持有。
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*docLock
}

type docLock struct {
	sem  chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*docLock)}
}

// acquire 获取文档锁，返回释放函数；ctx 到期返回 Timeout 错误。
func (t *lockTable) acquire(ctx context.Context, key string) (func(), error) {
	t.mu.Lock()
	l, ok := t.locks[key]
	if !ok {
		l = &docLock{sem: make(chan struct{}, 1)}
		t.locks[key] = l
	}
	l.refs++
	t.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.sem
				t.unref(key, l)
			})
		}, nil
	case <-ctx.Done():
		t.unref(key, l)
		return nil, model.Timeout("wait for document lock "+key, ctx.Err())
	}
}

func (t *lockTable) unref(key string, l *docLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, key)
	}
}

// acquireAll 按排序后的键依次加锁，避免批量提交之间死锁。
// keys 必须已排序且去重。
func (t *lockTable) acquireAll(ctx context.Context, keys []string) (func(), error) {
	releases := make([]func(), 0, len(keys))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, key := range keys {
		release, err := t.acquire(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

// size 当前被持有或等待的锁数量（测试用）
func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
