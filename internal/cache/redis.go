package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"spanlabel/pkg/contract"
)

// RedisOptions: 远端层连接参数。
type RedisOptions struct {
	Addr     string `json:"addr" mapstructure:"addr" yaml:"addr"`
	Password string `json:"password,omitempty" mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" mapstructure:"db" yaml:"db,omitempty"`
	// KeyPrefix: 命名空间前缀，多个部署共用一个实例时区分。
	KeyPrefix string `json:"key_prefix,omitempty" mapstructure:"key_prefix" yaml:"key_prefix,omitempty"`
	// ScanCount: SCAN 每批提示数量。默认 100。
	ScanCount int64 `json:"scan_count,omitempty" mapstructure:"scan_count" yaml:"scan_count,omitempty"`
}

// RedisTier: 基于 go-redis 的 Remote 实现。值为 LabelResult 的 JSON。
type RedisTier struct {
	rdb       redis.UniversalClient
	ns        string
	scanCount int64
}

var _ Remote = (*RedisTier)(nil)

// NewRedisTier 建立连接并以 PING 校验可达。
func NewRedisTier(ctx context.Context, o RedisOptions) (*RedisTier, error) {
	if o.Addr == "" {
		return nil, fmt.Errorf("redis: %w: addr required", contract.ErrInvalidInput)
	}
	rdb := redis.NewClient(&redis.Options{Addr: o.Addr, Password: o.Password, DB: o.DB})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return WrapRedis(rdb, o), nil
}

// WrapRedis 以已有客户端构造远端层（不做连通性检查）。
func WrapRedis(rdb redis.UniversalClient, o RedisOptions) *RedisTier {
	if o.ScanCount <= 0 {
		o.ScanCount = 100
	}
	return &RedisTier{rdb: rdb, ns: o.KeyPrefix, scanCount: o.ScanCount}
}

// Get 实现 Remote：同一管道内 GET 与 PTTL；redis.Nil 视为未命中。
func (r *RedisTier) Get(ctx context.Context, key string) (contract.LabelResult, time.Duration, bool, error) {
	pipe := r.rdb.Pipeline()
	get := pipe.Get(ctx, r.ns+key)
	pttl := pipe.PTTL(ctx, r.ns+key)
	_, err := pipe.Exec(ctx)
	if errors.Is(get.Err(), redis.Nil) {
		return contract.LabelResult{}, 0, false, nil
	}
	if err != nil {
		return contract.LabelResult{}, 0, false, err
	}
	var v contract.LabelResult
	if err := json.Unmarshal([]byte(get.Val()), &v); err != nil {
		return contract.LabelResult{}, 0, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	// PTTL 对无过期键返回 -1，对已消失的键返回 -2
	return v, max(pttl.Val(), 0), true, nil
}

// Set 实现 Remote（SET EX）。
func (r *RedisTier) Set(ctx context.Context, key string, value contract.LabelResult, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.ns+key, b, ttl).Err()
}

// Delete 实现 Remote。
func (r *RedisTier) Delete(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, r.ns+key).Err()
}

// DeletePattern 以 SCAN MATCH 遍历并批量 DEL，返回删除数。
func (r *RedisTier) DeletePattern(ctx context.Context, pattern string) (int, error) {
	var keys []string
	it := r.rdb.Scan(ctx, 0, r.ns+pattern, r.scanCount).Iterator()
	for it.Next(ctx) {
		keys = append(keys, it.Val())
	}
	if err := it.Err(); err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := r.rdb.Del(ctx, keys...).Result()
	return int(n), err
}

// Close 关闭底层连接。
func (r *RedisTier) Close() error { return r.rdb.Close() }
