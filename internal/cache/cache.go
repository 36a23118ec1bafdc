// Package cache 缓存已通过校验的标注结果：进程内 LRU 层（逐条 TTL），可选远端层。
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"spanlabel/internal/diag"
	"spanlabel/pkg/contract"
)

// Entry: 缓存条目；过期判定以 ExpiresAt 为准。
type Entry struct {
	Key       string
	Data      contract.LabelResult
	ExpiresAt time.Time
}

func (e Entry) expired(now time.Time) bool { return !now.Before(e.ExpiresAt) }

// Remote: 可选的分布式层。实现方的错误只记录日志并视为未命中。
// Get 同时返回条目剩余存活时间；<=0 表示未知或不过期。
type Remote interface {
	Get(ctx context.Context, key string) (contract.LabelResult, time.Duration, bool, error)
	Set(ctx context.Context, key string, value contract.LabelResult, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeletePattern(ctx context.Context, pattern string) (int, error)
}

// Options: 缓存配置。
type Options struct {
	Capacity int           `json:"capacity" mapstructure:"capacity" yaml:"capacity"`
	TTL      time.Duration `json:"ttl" mapstructure:"ttl" yaml:"ttl"`
	Now      func() time.Time `json:"-" yaml:"-"`
}

// Cache: 并发安全的结果缓存。
type Cache struct {
	mu     sync.Mutex
	local  *lru.Cache[string, Entry]
	remote Remote
	ttl    time.Duration
	now    func() time.Time
	logger *diag.Logger
}

// New 构造缓存；remote 可为 nil。
func New(opts Options, remote Remote, logger *diag.Logger) (*Cache, error) {
	if opts.Capacity == 0 {
		opts.Capacity = 1000
	}
	if opts.TTL == 0 {
		opts.TTL = time.Hour
	}
	if opts.Capacity < 0 || opts.TTL < 0 {
		return nil, fmt.Errorf("cache: %w: capacity/ttl 不能为负", contract.ErrInvalidInput)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	l, err := lru.New[string, Entry](opts.Capacity)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	return &Cache{local: l, remote: remote, ttl: opts.TTL, now: opts.Now, logger: logger}, nil
}

// Get 查找结果；本地过期即删除。本地未命中时回落远端并回填本地，
// 回填条目不晚于远端条目过期。
func (c *Cache) Get(ctx context.Context, key string) (contract.LabelResult, bool) {
	c.mu.Lock()
	e, ok := c.local.Get(key)
	if ok && e.expired(c.now()) {
		c.local.Remove(key)
		ok = false
		diag.CacheTotal.WithLabelValues("local", "expired").Inc()
	}
	c.mu.Unlock()
	if ok {
		diag.CacheTotal.WithLabelValues("local", "hit").Inc()
		return e.Data.Clone(), true
	}
	diag.CacheTotal.WithLabelValues("local", "miss").Inc()
	if c.remote == nil {
		return contract.LabelResult{}, false
	}
	v, remaining, ok, err := c.remote.Get(ctx, key)
	if err != nil {
		c.remoteError("get", key, err)
		return contract.LabelResult{}, false
	}
	if !ok {
		diag.CacheTotal.WithLabelValues("remote", "miss").Inc()
		return contract.LabelResult{}, false
	}
	diag.CacheTotal.WithLabelValues("remote", "hit").Inc()
	ttl := c.ttl
	if remaining > 0 && remaining < ttl {
		ttl = remaining
	}
	c.putLocal(key, v, ttl)
	return v.Clone(), true
}

// Set 写入结果；ttl<=0 使用默认 TTL。
func (c *Cache) Set(ctx context.Context, key string, value contract.LabelResult, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.putLocal(key, value, ttl)
	if c.remote != nil {
		if err := c.remote.Set(ctx, key, value.Clone(), ttl); err != nil {
			c.remoteError("set", key, err)
		}
	}
}

func (c *Cache) putLocal(key string, value contract.LabelResult, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local.Add(key, Entry{Key: key, Data: value.Clone(), ExpiresAt: c.now().Add(ttl)})
}

// Delete 删除单个键。
func (c *Cache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	c.local.Remove(key)
	c.mu.Unlock()
	if c.remote != nil {
		if err := c.remote.Delete(ctx, key); err != nil {
			c.remoteError("delete", key, err)
		}
	}
}

// DeleteByText 删除某文本在任意策略/版本/提供方下的全部条目，返回删除数（本地 + 远端）。
func (c *Cache) DeleteByText(ctx context.Context, text string) int {
	prefix := Prefix(text)
	n := 0
	c.mu.Lock()
	for _, k := range c.local.Keys() {
		if strings.HasPrefix(k, prefix) && c.local.Remove(k) {
			n++
		}
	}
	c.mu.Unlock()
	if c.remote != nil {
		m, err := c.remote.DeletePattern(ctx, Pattern(text))
		if err != nil {
			c.remoteError("delete_pattern", prefix, err)
		}
		n += m
	}
	return n
}

// CleanupExpired 清除本地全部过期条目，返回清除数。
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for _, k := range c.local.Keys() {
		if e, ok := c.local.Peek(k); ok && e.expired(now) {
			c.local.Remove(k)
			n++
		}
	}
	return n
}

// Len 返回本地条目数（含尚未清除的过期条目）。
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local.Len()
}

func (c *Cache) remoteError(op, key string, err error) {
	diag.CacheTotal.WithLabelValues("remote", "error").Inc()
	c.logger.Warn("cache", "remote "+op+" failed", map[string]string{
		"key": key, "error": err.Error(), "code": string(diag.Classify(err)),
	})
}
