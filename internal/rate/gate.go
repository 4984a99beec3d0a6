package rate

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"ddreport/pkg/contract"
)

// LimitKey: 限流分组键（client + 密钥摘要）。
type LimitKey string

// Limits: 每分组的限额配置。0 表示该维度不启用。
type Limits struct {
	RPM             int `yaml:"rpm" json:"rpm"`                               // requests per minute
	TPM             int `yaml:"tpm" json:"tpm"`                               // tokens per minute
	MaxTokensPerReq int `yaml:"max_tokens_per_req" json:"max_tokens_per_req"` // 单次请求上限（提示词+输出），0 不限制
}

// Ask: 一次放行申请。
type Ask struct {
	Key      LimitKey
	Requests int // 必须 >=1
	Tokens   int // 预计 token（>=0）
}

// Gate: 限流闸门（并发安全）。
// 约束：
//  1. 未配置的 key 不限额；
//  2. 单请求超过 MaxTokensPerReq 立即返回 ErrBudgetExceeded，不等待；
//  3. Wait 响应 ctx 取消。
type Gate interface {
	Wait(ctx context.Context, a Ask) error
	Try(a Ask) bool
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	Snapshot(key LimitKey) (rpmAvail, tpmAvail int)
}

// NewGate: 从静态配置构造闸门；clk 为空则使用 time.Now。
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

// bucket: 每分钟容量 cap 的令牌桶；cap=0 表示关闭。
type bucket struct {
	cap   float64
	level float64
	last  time.Time
}

func newEntry(lim Limits, now time.Time) *entry {
	return &entry{
		lim: lim,
		req: bucket{cap: float64(max(lim.RPM, 0)), level: float64(max(lim.RPM, 0)), last: now},
		tok: bucket{cap: float64(max(lim.TPM, 0)), level: float64(max(lim.TPM, 0)), last: now},
	}
}

func (b *bucket) off() bool { return b.cap == 0 }

func (b *bucket) refill(now time.Time) {
	// 时钟回拨视为无时间流逝
	if b.off() || !now.After(b.last) {
		return
	}
	b.level = math.Min(b.cap, b.level+now.Sub(b.last).Seconds()*b.cap/60)
	b.last = now
}

// need 返回还需等待的时长；0 表示可立即消费。
func (b *bucket) need(n int) time.Duration {
	if b.off() || n <= 0 {
		return 0
	}
	deficit := float64(n) - b.level
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / (b.cap / 60) * float64(time.Second))
}

func (b *bucket) take(n int) {
	if b.off() || n <= 0 {
		return
	}
	b.level = math.Max(0, b.level-float64(n))
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
		return nil, fmt.Errorf("%w: rate ask requests=%d tokens=%d", contract.ErrInvalidInput, a.Requests, a.Tokens)
	}
	e := g.get(a.Key)
	if e.lim.MaxTokensPerReq > 0 && a.Tokens > e.lim.MaxTokensPerReq {
		return nil, fmt.Errorf("%w: request needs %d tokens, limit %d", contract.ErrBudgetExceeded, a.Tokens, e.lim.MaxTokensPerReq)
	}
	return e, nil
}

// reserve 尝试扣减；失败时返回需等待的时长。
func (g *gate) reserve(e *entry, a Ask) (bool, time.Duration) {
	now := g.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.req.refill(now)
	e.tok.refill(now)
	wait := max(e.req.need(a.Requests), e.tok.need(a.Tokens))
	if wait > 0 {
		return false, wait
	}
	e.req.take(a.Requests)
	e.tok.take(a.Tokens)
	return true, 0
}

func (g *gate) Try(a Ask) bool {
	e, err := g.check(a)
	if err != nil {
		return false
	}
	ok, _ := g.reserve(e, a)
	return ok
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
		ok, wait := g.reserve(e, a)
		if ok {
			return nil
		}
		if err := sleepCtx(ctx, max(wait+minSleep, minSleep)); err != nil {
			return err
		}
	}
}

// sleepCtx 分片睡眠（≤200ms），及时响应取消。
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

// Snapshot: 返回当前可用请求/令牌的向下取整估值（仅诊断）。
func (g *gate) Snapshot(key LimitKey) (rpmAvail, tpmAvail int) {
	e := g.get(key)
	now := g.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.req.refill(now)
	e.tok.refill(now)
	return int(e.req.level), int(e.tok.level)
}

var (
	_ Gate       = (*gate)(nil)
	_ Snapshoter = (*gate)(nil)
)
