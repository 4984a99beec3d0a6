package rediscache

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"ddreport/internal/diag"
	"ddreport/pkg/contract"
)

const (
	keyPrefix = "ddreport:completion:"
	// 共享上游调用的默认上限（与各调用方的取消解耦后仍需有界）
	DefaultCallTimeout = 10 * time.Minute
)

// Settings: 缓存装饰器参数。
type Settings struct {
	// <=0 表示不过期
	TTL time.Duration
	// 进入缓存键，区分 provider 与其默认模型，例如 "openrouter/meta-llama/llama-3.1-8b-instruct"
	Namespace string
	// 写入前的判定；返回错误的文本不缓存。通常为 ValidationGate.Validate
	Validate func(resp any) (string, error)
	// <=0 使用 DefaultCallTimeout
	CallTimeout time.Duration
}

// Gateway: CompletionGateway 缓存装饰器。
// 约束：
//  1. 仅缓存非空且通过 Validate 的文本；错误不缓存；
//  2. 缓存读写失败降级为直通，只记 warn，不影响结果；
//  3. 相同键的并发请求合并为一次上游调用；该调用不随任一调用方取消，
//     每个调用方只因自己的 ctx 提前返回；
//  4. 返回上游原文，判定仍由编排器的校验门负责。
type Gateway struct {
	next   contract.CompletionGateway
	kv     KV
	set    Settings
	logger *diag.Logger
	group  singleflight.Group
}

// Wrap 返回带缓存的网关。
func Wrap(next contract.CompletionGateway, kv KV, set Settings, logger *diag.Logger) *Gateway {
	if set.CallTimeout <= 0 {
		set.CallTimeout = DefaultCallTimeout
	}
	return &Gateway{next: next, kv: kv, set: set, logger: logger}
}

// Key 计算缓存键：sha256(namespace|model|temperature|max_tokens|prompt)。
func Key(namespace, prompt string, opts contract.CompletionOptions) string {
	h := sha256.New()
	for _, part := range []string{
		namespace,
		opts.Model,
		strconv.FormatFloat(opts.Temperature, 'g', -1, 64),
		strconv.Itoa(opts.MaxTokens),
	} {
		h.Write([]byte(part))
		h.Write([]byte{'|'})
	}
	h.Write([]byte(prompt))
	return fmt.Sprintf("%s%x", keyPrefix, h.Sum(nil))
}

func (g *Gateway) lookup(ctx context.Context, key string) (string, bool) {
	v, err := g.kv.Get(ctx, key)
	switch {
	case err == nil && v != "":
		diag.IncCache("hit")
		return v, true
	case err == nil, errors.Is(err, ErrMiss):
		diag.IncCache("miss")
	default:
		diag.IncCache("error")
		g.logger.Warn("cache", string(diag.Classify(err)), "cache get failed: "+err.Error(), nil)
	}
	return "", false
}

func (g *Gateway) store(ctx context.Context, key, out string) {
	if out == "" {
		return
	}
	if g.set.Validate != nil {
		if _, err := g.set.Validate(out); err != nil {
			diag.IncCache("rejected")
			g.logger.DebugStart("cache", "skip", "", "", map[string]string{"reason": err.Error()})
			return
		}
	}
	if err := g.kv.Set(ctx, key, out, g.set.TTL); err != nil {
		diag.IncCache("error")
		g.logger.Warn("cache", string(diag.Classify(err)), "cache set failed: "+err.Error(), nil)
	}
}

func (g *Gateway) Complete(ctx context.Context, prompt string, opts contract.CompletionOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := Key(g.set.Namespace, prompt, opts)
	if v, ok := g.lookup(ctx, key); ok {
		return v, nil
	}
	ch := g.group.DoChan(key, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.set.CallTimeout)
		defer cancel()
		if v, ok := g.lookup(sctx, key); ok {
			return v, nil
		}
		out, err := g.next.Complete(sctx, prompt, opts)
		if err != nil {
			return "", err
		}
		g.store(sctx, key, out)
		return out, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	}
}

var _ contract.CompletionGateway = (*Gateway)(nil)
