package statecache

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"OpenLP-Chain/internal/ledger"
)

// PositionSnapshot 是某个 owner 的一条仓位缓存。
type PositionSnapshot struct {
	Position   ledger.Address  `json:"position"`
	Pool       string          `json:"pool"`
	AmountX    decimal.Decimal `json:"amount_x"`
	AmountY    decimal.Decimal `json:"amount_y"`
	RangeLower float64         `json:"range_lower"`
	RangeUpper float64         `json:"range_upper"`
	UpdatedAt  int64           `json:"updated_at"`
}

// Invalidator 是提交引擎需要的最小缓存能力：操作落地后立即清除
// 该 owner 的缓存条目，因为下一次读取多半就是用户在确认刚才的结果。
type Invalidator interface {
	Invalidate(ctx context.Context, owner ledger.Address) error
}

// Cache 是仓位/池状态缓存的完整接口。
type Cache interface {
	Invalidator
	GetPositions(ctx context.Context, owner ledger.Address) ([]PositionSnapshot, bool, error)
	PutPositions(ctx context.Context, owner ledger.Address, snapshots []PositionSnapshot) error
}

type memoryEntry struct {
	snapshots []PositionSnapshot
	expiresAt time.Time
}

// MemoryCache 是进程内缓存实现，带 TTL，主要用于测试与单实例部署。
type MemoryCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[ledger.Address]memoryEntry
}

// NewMemoryCache 创建内存缓存。
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &MemoryCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[ledger.Address]memoryEntry),
	}
}

// GetPositions 返回缓存的仓位快照；过期视同未命中。
func (c *MemoryCache) GetPositions(_ context.Context, owner ledger.Address) ([]PositionSnapshot, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[owner]
	c.mu.RUnlock()
	if !ok || c.now().After(entry.expiresAt) {
		return nil, false, nil
	}
	out := make([]PositionSnapshot, len(entry.snapshots))
	copy(out, entry.snapshots)
	return out, true, nil
}

// PutPositions 写入仓位快照。
func (c *MemoryCache) PutPositions(_ context.Context, owner ledger.Address, snapshots []PositionSnapshot) error {
	clone := make([]PositionSnapshot, len(snapshots))
	copy(clone, snapshots)
	c.mu.Lock()
	c.entries[owner] = memoryEntry{snapshots: clone, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}

// Invalidate 立即清除该 owner 的全部缓存条目。
func (c *MemoryCache) Invalidate(_ context.Context, owner ledger.Address) error {
	c.mu.Lock()
	delete(c.entries, owner)
	c.mu.Unlock()
	return nil
}
