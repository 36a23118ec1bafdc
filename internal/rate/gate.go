package rate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"spanlabel/pkg/contract"
)

// LimitKey: 限流分组键（provider + 密钥摘要）。
type LimitKey string

// Limits: 分组限额；0 表示该维度不启用。
type Limits struct {
	RPM             int `json:"rpm" mapstructure:"rpm" yaml:"rpm"`
	TPM             int `json:"tpm" mapstructure:"tpm" yaml:"tpm"`
	MaxTokensPerReq int `json:"max_tokens_per_req" mapstructure:"max_tokens_per_req" yaml:"max_tokens_per_req"`
}

// Ask: 一次放行申请。Requests 必须 >=1，Tokens 必须 >=0。
type Ask struct {
	Key      LimitKey
	Requests int
	Tokens   int
}

// Gate: 生成调用前的令牌桶闸门（并发安全）。
type Gate interface {
	// Wait 阻塞直到额度可用或 ctx 结束；超出单请求上限时快速失败。
	Wait(ctx context.Context, a Ask) error
	// Try 非阻塞尝试。
	Try(a Ask) bool
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	Snapshot(key LimitKey) (rpmAvail, tpmAvail int)
}

// NewGate 从静态配置构造闸门；clk 为空时使用 time.Now。未配置的 key 不限额。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, m: make(map[LimitKey]*entry, len(m))}
	now := clk()
	for k, lim := range m {
		g.m[k] = newEntry(lim, now)
	}
	return g
}

// Unlimited 返回不做任何限制的闸门。
func Unlimited() Gate { return NewGate(nil, nil) }

type gate struct {
	clk func() time.Time
	mu  sync.Mutex
	m   map[LimitKey]*entry
}

type entry struct {
	mu  sync.Mutex
	lim Limits
	req bucket
	tok bucket
}

type bucket struct {
	cap   int
	level float64
	rate  float64 // 每秒补充量
	last  time.Time
}

func newEntry(lim Limits, now time.Time) *entry {
	return &entry{lim: lim, req: newBucket(lim.RPM, now), tok: newBucket(lim.TPM, now)}
}

func newBucket(perMinute int, now time.Time) bucket {
	if perMinute <= 0 {
		return bucket{}
	}
	return bucket{cap: perMinute, level: float64(perMinute), rate: float64(perMinute) / 60.0, last: now}
}

func (b *bucket) enabled() bool { return b.cap > 0 }

func (b *bucket) refill(now time.Time) {
	if !b.enabled() || !now.After(b.last) {
		return
	}
	b.level += now.Sub(b.last).Seconds() * b.rate
	if b.level > float64(b.cap) {
		b.level = float64(b.cap)
	}
	b.last = now
}

func (b *bucket) canTake(n int) bool {
	if !b.enabled() || n <= 0 {
		return true
	}
	return b.level >= float64(n)
}

func (b *bucket) take(n int) {
	if !b.enabled() || n <= 0 {
		return
	}
	b.level -= float64(n)
	if b.level < 0 {
		b.level = 0
	}
}

// waitFor: 凑足 n 还需的时长；请求量超过桶容量时按容量计算。
func (b *bucket) waitFor(n int) time.Duration {
	if !b.enabled() || n <= 0 {
		return 0
	}
	if n > b.cap {
		n = b.cap
	}
	deficit := float64(n) - b.level
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / b.rate * float64(time.Second))
}

func (g *gate) get(key LimitKey) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.m[key]
	if e == nil {
		e = newEntry(Limits{}, g.clk())
		g.m[key] = e
	}
	return e
}

func (g *gate) check(a Ask) (*entry, error) {
	if a.Requests <= 0 || a.Tokens < 0 {
		return nil, fmt.Errorf("rate: %w: requests=%d tokens=%d", contract.ErrInvalidInput, a.Requests, a.Tokens)
	}
	e := g.get(a.Key)
	if e.lim.MaxTokensPerReq > 0 && a.Tokens > e.lim.MaxTokensPerReq {
		return nil, fmt.Errorf("rate: %w: tokens %d exceed per-request limit %d", contract.ErrInvalidInput, a.Tokens, e.lim.MaxTokensPerReq)
	}
	return e, nil
}

func (g *gate) Try(a Ask) bool {
	e, err := g.check(a)
	if err != nil {
		return false
	}
	now := g.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.req.refill(now)
	e.tok.refill(now)
	if e.req.canTake(a.Requests) && e.tok.canTake(a.Tokens) {
		e.req.take(a.Requests)
		e.tok.take(a.Tokens)
		return true
	}
	return false
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	e, err := g.check(a)
	if err != nil {
		return err
	}
	const minSleep = 10 * time.Millisecond
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := g.clk()
		e.mu.Lock()
		e.req.refill(now)
		e.tok.refill(now)
		if e.req.canTake(a.Requests) && e.tok.canTake(a.Tokens) {
			e.req.take(a.Requests)
			e.tok.take(a.Tokens)
			e.mu.Unlock()
			return nil
		}
		d := max(e.req.waitFor(a.Requests), e.tok.waitFor(a.Tokens)) + minSleep
		e.mu.Unlock()
		if err := sleepCtx(ctx, d); err != nil {
			return err
		}
	}
}

// sleepCtx: 分片睡眠（单片最长 200ms），及时响应取消。
func sleepCtx(ctx context.Context, d time.Duration) error {
	const step = 200 * time.Millisecond
	for d > 0 {
		s := min(d, step)
		t := time.NewTimer(s)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		d -= s
	}
	return nil
}

// Snapshot 返回当前可用请求/令牌的向下取整估值（仅诊断）。
func (g *gate) Snapshot(key LimitKey) (rpmAvail, tpmAvail int) {
	e := g.get(key)
	now := g.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.req.refill(now)
	e.tok.refill(now)
	if e.req.enabled() {
		rpmAvail = int(e.req.level)
	}
	if e.tok.enabled() {
		tpmAvail = int(e.tok.level)
	}
	return
}

var (
	_ Gate       = (*gate)(nil)
	_ Snapshoter = (*gate)(nil)
)
