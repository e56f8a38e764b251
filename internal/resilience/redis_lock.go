package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "OpenLP-Chain/internal/errors"
)

// RedisLockConfig 描述 Redis 锁表的连接参数。
type RedisLockConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// RedisLockTable 使用 Redis SETNX + TTL 实现跨实例的操作锁。
// TTL 仅作为进程崩溃后的兜底回收，正常路径依然显式释放。
type RedisLockTable struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLockTable 创建 Redis 锁表实例。
func NewRedisLockTable(cfg RedisLockConfig) (*RedisLockTable, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "lpchain:oplock"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisLockTable{client: client, prefix: prefix, ttl: ttl}, nil
}

func (t *RedisLockTable) key(owner, kind string) string {
	return fmt.Sprintf("%s:%s:%s", t.prefix, owner, kind)
}

// TryAcquire 实现 Locker 接口。
func (t *RedisLockTable) TryAcquire(ctx context.Context, owner, kind string) error {
	ok, err := t.client.SetNX(ctx, t.key(owner, kind), time.Now().UnixMilli(), t.ttl).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "Redis 锁获取失败")
	}
	if !ok {
		return xerrors.New(xerrors.CodeLockBusy, "操作 "+kind+" 正在执行",
			xerrors.WithMetadata("owner", owner),
			xerrors.WithMetadata("kind", kind))
	}
	return nil
}

// Release 实现 Locker 接口。
func (t *RedisLockTable) Release(ctx context.Context, owner, kind string) error {
	if err := t.client.Del(ctx, t.key(owner, kind)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "Redis 锁释放失败")
	}
	return nil
}

// Close 关闭底层连接。
func (t *RedisLockTable) Close() error {
	return t.client.Close()
}
