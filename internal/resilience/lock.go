package resilience

import (
	"context"
	"sync"
	"time"

	xerrors "OpenLP-Chain/internal/errors"
)

// ErrLockBusy 表示同一资源上已有操作在执行。
var ErrLockBusy = xerrors.New(xerrors.CodeLockBusy, "")

// Locker 抽象了按 (owner, kind) 维度的操作锁。获取是非阻塞的
// test-and-set 语义，拿不到锁立即返回 ErrLockBusy，调用方稍后重试。
type Locker interface {
	TryAcquire(ctx context.Context, owner, kind string) error
	Release(ctx context.Context, owner, kind string) error
}

type lockKey struct {
	owner string
	kind  string
}

// LockTable 是进程内的操作锁表，生命周期与进程一致。
type LockTable struct {
	mu   sync.Mutex
	held map[lockKey]time.Time
	now  func() time.Time
}

// NewLockTable 创建进程内锁表。
func NewLockTable() *LockTable {
	return &LockTable{held: make(map[lockKey]time.Time), now: time.Now}
}

// TryAcquire 以 test-and-set 方式尝试获取锁，绝不等待。
func (t *LockTable) TryAcquire(_ context.Context, owner, kind string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := lockKey{owner: owner, kind: kind}
	if _, ok := t.held[key]; ok {
		return xerrors.New(xerrors.CodeLockBusy, "操作 "+kind+" 正在执行",
			xerrors.WithMetadata("owner", owner),
			xerrors.WithMetadata("kind", kind))
	}
	t.held[key] = t.now()
	return nil
}

// Release 释放锁。重复释放是安全的空操作。
func (t *LockTable) Release(_ context.Context, owner, kind string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.held, lockKey{owner: owner, kind: kind})
	return nil
}

// HeldSince 返回锁的获取时间，未持有时 ok 为 false。
func (t *LockTable) HeldSince(owner, kind string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.held[lockKey{owner: owner, kind: kind}]
	return at, ok
}
