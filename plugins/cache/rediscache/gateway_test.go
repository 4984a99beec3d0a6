package rediscache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ddreport/internal/diag"
	"ddreport/internal/pipeline"
	"ddreport/pkg/contract"
)

type memKV struct {
	mu   sync.Mutex
	m    map[string]string
	ttls map[string]time.Duration
	fail error
}

func newMemKV() *memKV { return &memKV{m: map[string]string{}, ttls: map[string]time.Duration{}} }

func (k *memKV) Get(_ context.Context, key string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.fail != nil {
		return "", k.fail
	}
	v, ok := k.m[key]
	if !ok {
		return "", ErrMiss
	}
	return v, nil
}

func (k *memKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.fail != nil {
		return k.fail
	}
	k.m[key] = value
	k.ttls[key] = ttl
	return nil
}

type countingGateway struct {
	calls atomic.Int32
	out   string
	err   error
	delay time.Duration
}

func (c *countingGateway) Complete(ctx context.Context, prompt string, opts contract.CompletionOptions) (string, error) {
	c.calls.Add(1)
	time.Sleep(c.delay)
	return c.out, c.err
}

func TestCacheHitSkipsUpstream(t *testing.T) {
	kv := newMemKV()
	up := &countingGateway{out: "Revenue $10M"}
	g := Wrap(up, kv, Settings{TTL: time.Hour, Namespace: "mock/report"}, diag.Nop())
	opts := contract.CompletionOptions{Model: "m", Temperature: 0.2, MaxTokens: 2000}
	for i := 0; i < 3; i++ {
		out, err := g.Complete(context.Background(), "prompt", opts)
		if err != nil || out != "Revenue $10M" {
			t.Fatalf("out=%q err=%v", out, err)
		}
	}
	if up.calls.Load() != 1 {
		t.Fatalf("upstream calls=%d", up.calls.Load())
	}
	if kv.ttls[Key("mock/report", "prompt", opts)] != time.Hour {
		t.Fatalf("ttl not applied")
	}
}

func TestKeyDependsOnOptions(t *testing.T) {
	base := contract.CompletionOptions{Model: "m", Temperature: 0.2, MaxTokens: 2000}
	k := Key("ns", "p", base)
	for _, o := range []contract.CompletionOptions{
		{Model: "m2", Temperature: 0.2, MaxTokens: 2000},
		{Model: "m", Temperature: 0.5, MaxTokens: 2000},
		{Model: "m", Temperature: 0.2, MaxTokens: 4000},
	} {
		if Key("ns", "p", o) == k {
			t.Fatalf("key collision for %+v", o)
		}
	}
	if Key("ns", "p2", base) == k || Key("ns", "p", base) != k {
		t.Fatalf("key must be deterministic and prompt-specific")
	}
	// 未指定模型时，不同 provider/默认模型不得共用条目
	none := contract.CompletionOptions{MaxTokens: 2000}
	if Key("openrouter/llama", "p", none) == Key("gemini/gemini-2.5-flash", "p", none) {
		t.Fatalf("namespace must separate providers")
	}
}

func TestEmptyAndErrorsNotCached(t *testing.T) {
	kv := newMemKV()
	up := &countingGateway{out: ""}
	g := Wrap(up, kv, Settings{}, diag.Nop())
	_, _ = g.Complete(context.Background(), "p", contract.CompletionOptions{})
	_, _ = g.Complete(context.Background(), "p", contract.CompletionOptions{})
	if up.calls.Load() != 2 || len(kv.m) != 0 {
		t.Fatalf("empty text must not be cached: calls=%d kv=%d", up.calls.Load(), len(kv.m))
	}
	up.err = contract.ErrUpstreamService
	if _, err := g.Complete(context.Background(), "q", contract.CompletionOptions{}); !errors.Is(err, contract.ErrUpstreamService) {
		t.Fatalf("error must propagate: %v", err)
	}
	if len(kv.m) != 0 {
		t.Fatalf("errors must not be cached")
	}
}

func TestCacheFailureFallsBack(t *testing.T) {
	kv := newMemKV()
	kv.fail = errors.New("connection refused")
	up := &countingGateway{out: "ok text"}
	g := Wrap(up, kv, Settings{TTL: time.Minute}, diag.Nop())
	out, err := g.Complete(context.Background(), "p", contract.CompletionOptions{})
	if err != nil || out != "ok text" {
		t.Fatalf("fallback failed: %q %v", out, err)
	}
}

func TestConcurrentIdenticalPromptsCollapse(t *testing.T) {
	up := &countingGateway{out: "shared", delay: 50 * time.Millisecond}
	g := Wrap(up, newMemKV(), Settings{TTL: time.Minute}, diag.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if out, err := g.Complete(context.Background(), "same", contract.CompletionOptions{}); err != nil || out != "shared" {
				t.Errorf("out=%q err=%v", out, err)
			}
		}()
	}
	wg.Wait()
	if up.calls.Load() != 1 {
		t.Fatalf("upstream calls=%d, want 1", up.calls.Load())
	}
}

// firstTemplateGateway 首次调用返回模板化文本，其后返回正常分析。
type firstTemplateGateway struct {
	calls atomic.Int32
}

func (f *firstTemplateGateway) Complete(ctx context.Context, prompt string, opts contract.CompletionOptions) (string, error) {
	if f.calls.Add(1) == 1 {
		return "Here is a template you can fill in for the revenue section.", nil
	}
	return "Revenue 2023 reached $12M with 40% gross margin.", nil
}

// 被校验门拒绝的文本不入缓存：重跑得到新的上游结果。
func TestRejectedResponseNotCached(t *testing.T) {
	kv := newMemKV()
	up := &firstTemplateGateway{}
	vg := contract.NewValidationGate(nil)
	g := Wrap(up, kv, Settings{TTL: time.Hour, Namespace: "mock/report", Validate: vg.Validate}, diag.Nop())

	batches := []contract.Batch{{Index: 1, Total: 1, Documents: []contract.Document{{Filename: "q1.txt", Content: "Q1 revenue $3M"}}}}
	sc := contract.SynthesisContext{
		AnalysisContext: contract.AnalysisContext{DDType: "M&A Due Diligence", ReportFocus: "Financial Report"},
		ChecklistType:   "Simple",
		TotalFiles:      1,
	}
	_, err := pipeline.Run(context.Background(), g, batches, sc, pipeline.Settings{}, diag.Nop())
	if !errors.Is(err, contract.ErrTemplateResponse) {
		t.Fatalf("first run: want ErrTemplateResponse, got %v", err)
	}
	if len(kv.m) != 0 {
		t.Fatalf("rejected text must not be cached: %d entries", len(kv.m))
	}

	res, err := pipeline.Run(context.Background(), g, batches, sc, pipeline.Settings{}, diag.Nop())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !strings.Contains(string(res.Report), "$12M") || up.calls.Load() != 3 {
		t.Fatalf("retry report=%q calls=%d", res.Report, up.calls.Load())
	}

	// 通过校验的批与汇总均已缓存
	if _, err := pipeline.Run(context.Background(), g, batches, sc, pipeline.Settings{}, diag.Nop()); err != nil {
		t.Fatalf("third run: %v", err)
	}
	if up.calls.Load() != 3 {
		t.Fatalf("accepted responses should be served from cache: calls=%d", up.calls.Load())
	}
}

// blockingGateway 阻塞到 release 关闭或自身 ctx 取消。
type blockingGateway struct {
	calls    atomic.Int32
	started  chan struct{}
	release  chan struct{}
	once     sync.Once
	canceled atomic.Bool
}

func (b *blockingGateway) Complete(ctx context.Context, prompt string, opts contract.CompletionOptions) (string, error) {
	b.calls.Add(1)
	b.once.Do(func() { close(b.started) })
	select {
	case <-ctx.Done():
		b.canceled.Store(true)
		return "", ctx.Err()
	case <-b.release:
		return "Shared analysis.", nil
	}
}

// 合并调用不受首个调用方取消影响；其余调用方照常拿到结果。
func TestSharedCallSurvivesCallerCancel(t *testing.T) {
	up := &blockingGateway{started: make(chan struct{}), release: make(chan struct{})}
	g := Wrap(up, newMemKV(), Settings{TTL: time.Minute}, diag.Nop())

	actx, cancelA := context.WithCancel(context.Background())
	aerr := make(chan error, 1)
	go func() {
		_, err := g.Complete(actx, "same", contract.CompletionOptions{})
		aerr <- err
	}()
	<-up.started

	type result struct {
		out string
		err error
	}
	bres := make(chan result, 1)
	go func() {
		out, err := g.Complete(context.Background(), "same", contract.CompletionOptions{})
		bres <- result{out, err}
	}()

	cancelA()
	select {
	case err := <-aerr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("caller A: want context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("caller A did not return after cancel")
	}

	close(up.release)
	select {
	case r := <-bres:
		if r.err != nil || r.out != "Shared analysis." {
			t.Fatalf("caller B: out=%q err=%v", r.out, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("caller B did not return")
	}
	if up.canceled.Load() || up.calls.Load() != 1 {
		t.Fatalf("shared call canceled=%v calls=%d", up.canceled.Load(), up.calls.Load())
	}
}

func TestCanceledCallerReturnsImmediately(t *testing.T) {
	up := &countingGateway{out: "x"}
	g := Wrap(up, newMemKV(), Settings{}, diag.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.Complete(ctx, "p", contract.CompletionOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("want canceled, got %v", err)
	}
	if up.calls.Load() != 0 {
		t.Fatalf("upstream must not be called")
	}
}

func TestDialUnreachable(t *testing.T) {
	_, err := Dial(context.Background(), Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond})
	if err == nil {
		t.Fatalf("dial should fail")
	}
}
