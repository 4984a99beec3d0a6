package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ddreport/internal/diag"
	"ddreport/internal/prompt"
	"ddreport/internal/rate"
	"ddreport/pkg/contract"
)

// - 单点并发：仅此层管理并发；PromptCompiler/ValidationGate/网关均为同步调用。
// - 顺序门闩：批结果按批序号写入固定槽位，汇总输入与完成先后无关。
// - 首错取消：任一批失败即取消其余在途调用；不返回部分结果。
// - 屏障：所有批通过校验之后才开始汇总。
// - 不自动重试；重试策略由调用方决定。

// State 单次运行的状态。
type State int

const (
	Idle State = iota
	MappingBatches
	Synthesizing
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case MappingBatches:
		return "mapping_batches"
	case Synthesizing:
		return "synthesizing"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Settings 运行期配置。
type Settings struct {
	// 批阶段最大并发（<1 视为 1）
	Concurrency int
	// 批分析与汇总的调用参数
	Batch     contract.CompletionOptions
	Synthesis contract.CompletionOptions
	// 单文档截断上限（<=0 使用默认 12000）
	MaxDocumentChars int
	// 覆盖禁用短语词表；空则使用默认词表
	BannedPhrases []string
	// 限流闸门（可选）：若非空，则在调用网关前 Wait
	Gate    rate.Gate
	GateKey rate.LimitKey
	// token 估算参数；<=0 默认 4
	BytesPerToken int
	// 状态迁移回调（可选，同步调用）
	OnState func(State)
}

// Result 一次运行的产出。失败时仅 State 与 Elapsed 有意义。
type Result struct {
	State        State
	Report       contract.FinalReport
	BatchReports []contract.BatchReport
	Elapsed      time.Duration
}

// Orchestrator 串联 PromptCompiler → CompletionGateway → ValidationGate。
// 实例可复用；每次 Run 的中间状态均为局部变量，不跨运行共享。
type Orchestrator struct {
	gw       contract.CompletionGateway
	set      Settings
	compiler prompt.Compiler
	vg       contract.ValidationGate
	logger   *diag.Logger
}

// New 构造编排器。网关缺失返回 ErrInitialization；参数非法返回 ErrInvalidInput。
func New(gw contract.CompletionGateway, set Settings, logger *diag.Logger) (*Orchestrator, error) {
	if gw == nil {
		return nil, fmt.Errorf("%w: completion gateway is nil", contract.ErrInitialization)
	}
	if set.Concurrency < 1 {
		set.Concurrency = 1
	}
	if err := checkOptions("batch", set.Batch); err != nil {
		return nil, err
	}
	if err := checkOptions("synthesis", set.Synthesis); err != nil {
		return nil, err
	}
	if set.Batch.MaxTokens > 0 && set.Synthesis.MaxTokens > 0 && set.Synthesis.MaxTokens <= set.Batch.MaxTokens {
		return nil, fmt.Errorf("%w: synthesis max_tokens %d must exceed batch max_tokens %d",
			contract.ErrInvalidInput, set.Synthesis.MaxTokens, set.Batch.MaxTokens)
	}
	return &Orchestrator{
		gw:       gw,
		set:      set,
		compiler: prompt.Compiler{MaxDocumentChars: set.MaxDocumentChars},
		vg:       contract.NewValidationGate(set.BannedPhrases),
		logger:   logger,
	}, nil
}

func checkOptions(stage string, o contract.CompletionOptions) error {
	if o.Temperature < 0 || o.Temperature > 1 {
		return fmt.Errorf("%w: %s temperature %.2f out of [0,1]", contract.ErrInvalidInput, stage, o.Temperature)
	}
	if o.MaxTokens < 0 {
		return fmt.Errorf("%w: %s max_tokens must be positive", contract.ErrInvalidInput, stage)
	}
	return nil
}

// Run 执行完整运行：Idle → MappingBatches → Synthesizing → Done；任一步失败 → Failed。
// 约束：
//   - batches 为空或任一批不含文档：快速失败（ErrInvalidInput），网关不会被调用；
//   - 批报告按批顺序进入汇总提示词；
//   - 失败时不返回任何已校验的批报告；
//   - 调用方取消时返回 ctx.Err()。
func (o *Orchestrator) Run(ctx context.Context, batches []contract.Batch, sc contract.SynthesisContext) (Result, error) {
	start := time.Now()
	o.transition(Idle)
	fail := func(err error) (Result, error) {
		o.transition(Failed)
		diag.IncOp("orchestrator", "run", "error")
		return Result{State: Failed, Elapsed: time.Since(start)}, err
	}

	if err := sanity(batches); err != nil {
		o.failed("orchestrator", "", "run rejected", nil, err)
		return fail(err)
	}

	rtimer := o.logger.StartWithKV("orchestrator", "run", "", "", map[string]string{
		"batches":     strconv.Itoa(len(batches)),
		"total_files": strconv.Itoa(sc.TotalFiles),
		"concurrency": strconv.Itoa(o.set.Concurrency),
	})

	o.transition(MappingBatches)
	reports, err := o.mapBatches(ctx, batches, sc.AnalysisContext)
	if err != nil {
		o.failed("orchestrator", "", "map stage failed", rtimer.Since(), err)
		return fail(err)
	}

	o.transition(Synthesizing)
	if t := diag.GetTerminal(); t != nil {
		t.SynthesisStart(len(reports))
	}
	report, err := o.synthesize(ctx, reports, sc)
	if err != nil {
		o.failed("orchestrator", "", "synthesis failed", rtimer.Since(), err)
		return fail(err)
	}

	o.transition(Done)
	rtimer.Finish("run", int64(len(batches)))
	diag.IncOp("orchestrator", "run", "success")
	diag.ObserveDuration("orchestrator", "run", time.Since(start).Milliseconds())
	return Result{
		State:        Done,
		Report:       report,
		BatchReports: reports,
		Elapsed:      time.Since(start),
	}, nil
}

// mapBatches 有界并发执行批分析；结果写入 results[i]，与完成顺序无关。
func (o *Orchestrator) mapBatches(ctx context.Context, batches []contract.Batch, ac contract.AnalysisContext) ([]contract.BatchReport, error) {
	results := make([]contract.BatchReport, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.set.Concurrency)

	var mu sync.Mutex
	done, errs := 0, 0
	progress := func(err error) {
		mu.Lock()
		done++
		if err != nil {
			errs++
		}
		d, e := done, errs
		mu.Unlock()
		if t := diag.GetTerminal(); t != nil {
			t.BatchProgress(d, len(batches), e)
		}
	}

	for i, b := range batches {
		i, b := i, b
		// 已有失败或取消：停止派发
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			text, err := o.analyzeBatch(gctx, b, ac)
			progress(err)
			if err != nil {
				return err
			}
			results[i] = contract.BatchReport{Index: b.Index, Filenames: b.Filenames(), Text: text}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (o *Orchestrator) analyzeBatch(ctx context.Context, b contract.Batch, ac contract.AnalysisContext) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	bid := strconv.Itoa(b.Index)
	ptimer := o.logger.StartWith("prompt_compiler", "batch", "", bid)
	p := o.compiler.Batch(b, ac)
	ptimer.Finish("batch", int64(len(b.Documents)))
	diag.IncOp("prompt_compiler", "batch", "success")
	return o.complete(ctx, "batch", bid, p, o.set.Batch)
}

func (o *Orchestrator) synthesize(ctx context.Context, reports []contract.BatchReport, sc contract.SynthesisContext) (contract.FinalReport, error) {
	ptimer := o.logger.StartWith("prompt_compiler", "synthesis", "", "synthesis")
	p := o.compiler.Synthesis(reports, sc)
	ptimer.Finish("synthesis", int64(len(reports)))
	diag.IncOp("prompt_compiler", "synthesis", "success")
	text, err := o.complete(ctx, "synthesis", "synthesis", p, o.set.Synthesis)
	if err != nil {
		return "", err
	}
	return contract.FinalReport(text), nil
}

// complete: (Gate) → CompletionGateway → ValidationGate，单次调用，不重试。
func (o *Orchestrator) complete(ctx context.Context, stage, bid, p string, opts contract.CompletionOptions) (string, error) {
	tokens := prompt.RequestTokens(p, opts.MaxTokens, o.set.BytesPerToken)
	if o.set.Gate != nil {
		o.logger.DebugStart("gate", "ask", "", bid, map[string]string{
			"requests": "1",
			"tokens":   strconv.Itoa(tokens),
		})
		if err := o.set.Gate.Wait(ctx, rate.Ask{Key: o.set.GateKey, Requests: 1, Tokens: tokens}); err != nil {
			o.failed("gate", bid, "wait failed", nil, err)
			return "", fmt.Errorf("gate wait: %w", err)
		}
	}

	ctimer := o.logger.StartWithKV("completion", stage, "", bid, map[string]string{
		"tokens":     strconv.Itoa(tokens),
		"max_tokens": strconv.Itoa(opts.MaxTokens),
	})
	raw, err := o.gw.Complete(ctx, p, opts)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			o.failed("completion", bid, "cancelled", ctimer.Since(), cerr)
			return "", cerr
		}
		err = upstream(err)
		var kv map[string]string
		var ue contract.UpstreamError
		if errors.As(err, &ue) {
			kv = map[string]string{"http_status": strconv.Itoa(ue.UpstreamStatus())}
			if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
				if len(m) > 200 {
					m = m[:200]
				}
				kv["upstream_msg"] = m
			}
		}
		o.failedKV("completion", bid, stage+" call failed", ctimer.Since(), err, kv)
		return "", fmt.Errorf("%s %s: %w", stage, bid, err)
	}
	ctimer.Finish(stage, int64(len(raw)))
	diag.IncOp("completion", stage, "success")
	diag.ObserveDuration("completion", stage, time.Since(*ctimer.Since()).Milliseconds())

	text, err := o.vg.Validate(raw)
	if err != nil {
		reason := "invalid"
		var te *contract.TemplateResponseError
		if errors.As(err, &te) {
			reason = "template"
			o.failedKV("validation", bid, stage+" response rejected", nil, err, map[string]string{"phrase": te.Phrase})
		} else {
			o.failed("validation", bid, stage+" response rejected", nil, err)
		}
		diag.IncRejected(stage, reason)
		if stage == "batch" {
			return "", fmt.Errorf("batch %s: %w", bid, err)
		}
		return "", fmt.Errorf("synthesis: %w", err)
	}
	diag.IncOp("validation", stage, "success")
	return text, nil
}

// upstream 保证网关错误可按 ErrUpstreamService 识别；初始化与已分类错误原样保留。
func upstream(err error) error {
	switch {
	case errors.Is(err, contract.ErrUpstreamService),
		errors.Is(err, contract.ErrInitialization),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", contract.ErrUpstreamService, err)
	}
}

func (o *Orchestrator) transition(s State) {
	if o.set.OnState != nil {
		o.set.OnState(s)
	}
	o.logger.DebugStart("orchestrator", "state", "", "", map[string]string{"state": s.String()})
}

func (o *Orchestrator) failed(comp, bid, msg string, since *time.Time, err error) {
	o.failedKV(comp, bid, msg, since, err, nil)
}

func (o *Orchestrator) failedKV(comp, bid, msg string, since *time.Time, err error, kv map[string]string) {
	code := diag.Classify(err)
	if kv == nil {
		kv = map[string]string{}
	}
	kv["err"] = err.Error()
	o.logger.ErrorWithKV(comp, string(code), msg, since, "", bid, kv)
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
}

func sanity(batches []contract.Batch) error {
	if len(batches) == 0 {
		return fmt.Errorf("%w: no batches", contract.ErrInvalidInput)
	}
	for i, b := range batches {
		if len(b.Documents) == 0 {
			return fmt.Errorf("%w: batch %d has no documents", contract.ErrInvalidInput, i+1)
		}
	}
	return nil
}

// Run 便捷入口：构造编排器并执行一次运行。
func Run(ctx context.Context, gw contract.CompletionGateway, batches []contract.Batch, sc contract.SynthesisContext, set Settings, logger *diag.Logger) (Result, error) {
	o, err := New(gw, set, logger)
	if err != nil {
		return Result{State: Failed}, err
	}
	return o.Run(ctx, batches, sc)
}
