package statecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "OpenLP-Chain/internal/errors"
	"OpenLP-Chain/internal/ledger"
)

// RedisCacheConfig 描述 Redis 缓存的连接参数。
type RedisCacheConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// RedisCache 把仓位快照以 JSON 存入 Redis，供多实例部署共享。
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache 创建 Redis 缓存实例。
func NewRedisCache(cfg RedisCacheConfig) (*RedisCache, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "lpchain:positions"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}, nil
}

func (c *RedisCache) key(owner ledger.Address) string {
	return c.prefix + ":" + string(owner)
}

// GetPositions 实现 Cache 接口。
func (c *RedisCache) GetPositions(ctx context.Context, owner ledger.Address) ([]PositionSnapshot, bool, error) {
	raw, err := c.client.Get(ctx, c.key(owner)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeTransportFailure, err, "读取仓位缓存失败")
	}
	var snapshots []PositionSnapshot
	if err := json.Unmarshal(raw, &snapshots); err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析仓位缓存失败")
	}
	return snapshots, true, nil
}

// PutPositions 实现 Cache 接口。
func (c *RedisCache) PutPositions(ctx context.Context, owner ledger.Address, snapshots []PositionSnapshot) error {
	raw, err := json.Marshal(snapshots)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码仓位缓存失败")
	}
	if err := c.client.Set(ctx, c.key(owner), raw, c.ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "写入仓位缓存失败")
	}
	return nil
}

// Invalidate 实现 Invalidator 接口。
func (c *RedisCache) Invalidate(ctx context.Context, owner ledger.Address) error {
	if err := c.client.Del(ctx, c.key(owner)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "清除仓位缓存失败")
	}
	return nil
}

// Close 关闭底层连接。
func (c *RedisCache) Close() error {
	return c.client.Close()
}
