package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"ddreport/internal/diag"
	"ddreport/internal/ingest"
	"ddreport/internal/pipeline"
	"ddreport/internal/rate"
	"ddreport/pkg/contract"
	"ddreport/pkg/registry"
	"ddreport/plugins/batcher/fixed"
	"ddreport/plugins/cache/rediscache"
	"ddreport/plugins/events/kafkaevents"
	"ddreport/plugins/reader/filesystem"
	"ddreport/plugins/store/pgstore"
	wfs "ddreport/plugins/writer/filesystem"
)

// Validate 对最小必要边界做静态校验。错误均可按 ErrInvalidInput 识别。
func Validate(cfg Config) error {
	bad := func(format string, a ...any) error {
		return fmt.Errorf("config: %w: %s", contract.ErrInvalidInput, fmt.Sprintf(format, a...))
	}
	if cfg.Concurrency < 1 {
		return bad("concurrency must be >= 1")
	}
	if cfg.BatchSize < 1 {
		return bad("batch_size must be >= 1")
	}
	if cfg.Prompt.MaxDocumentChars < 1 {
		return bad("prompt.max_document_chars must be >= 1")
	}
	if t := cfg.Completion.Temperature; t != nil && (*t < 0 || *t > 1) {
		return bad("completion.temperature %.2f out of [0,1]", *t)
	}
	if cfg.Completion.BatchMaxTokens <= 0 {
		return bad("completion.batch_max_tokens must be > 0")
	}
	if cfg.Completion.SynthesisMaxTokens <= cfg.Completion.BatchMaxTokens {
		return bad("completion.synthesis_max_tokens(%d) must exceed batch_max_tokens(%d)",
			cfg.Completion.SynthesisMaxTokens, cfg.Completion.BatchMaxTokens)
	}
	if strings.TrimSpace(cfg.LLM) == "" {
		return bad("llm not set")
	}
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok {
		return bad("provider %q not found", cfg.LLM)
	}
	if prov.Client == "" {
		return bad("provider %q missing client", cfg.LLM)
	}
	if registry.Gateway[prov.Client] == nil {
		return bad("llm client %q not registered (have %s)", prov.Client, strings.Join(registry.GatewayNames(), ", "))
	}
	if m := prov.Limits.MaxTokensPerReq; m > 0 {
		if cfg.Completion.SynthesisMaxTokens > m {
			return bad("synthesis_max_tokens(%d) exceeds provider.max_tokens_per_req(%d)", cfg.Completion.SynthesisMaxTokens, m)
		}
		if cfg.Completion.BatchMaxTokens > m {
			return bad("batch_max_tokens(%d) exceeds provider.max_tokens_per_req(%d)", cfg.Completion.BatchMaxTokens, m)
		}
	}
	if strings.TrimSpace(cfg.Writer.OutputDir) == "" {
		return bad("writer.output_dir empty")
	}
	if len(cfg.Events.Kafka.Brokers) > 0 && strings.TrimSpace(cfg.Events.Kafka.Topic) == "" {
		return bad("events.kafka.topic required when brokers are set")
	}
	for _, o := range cfg.Server.AllowOrigins {
		if o != "*" && !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
			return bad("server.allow_origins: %q needs an http(s) scheme", o)
		}
	}
	return nil
}

// Runtime 为装配完成的运行期组件。可选旁路（Store/Events）未配置时为 nil。
type Runtime struct {
	Reader    contract.Reader
	Extractor ingest.Extractor
	Batcher   *fixed.Batcher
	Writer    *wfs.FS
	Gateway   contract.CompletionGateway
	Settings  pipeline.Settings
	Analysis  Analysis
	LLM       string

	Store  *pgstore.Store
	Events *kafkaevents.Publisher

	closers []func() error
}

// Close 释放装配期打开的连接。
func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// Assemble 按配置构造组件、编排参数与限流 Gate+Key。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 YAML 节点。
// 缓存与事件后端不可用时降级（记录告警）；归档库不可用视为配置错误。
func Assemble(ctx context.Context, cfg Config, logger *diag.Logger) (*Runtime, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	rt := &Runtime{Analysis: cfg.Analysis, LLM: cfg.LLM}
	fail := func(err error) (*Runtime, error) {
		_ = rt.Close()
		return nil, err
	}

	var err error
	if rt.Reader, err = registry.Reader["fs"](encode(filesystem.Options{ExcludeDirNames: cfg.Reader.ExcludeDirNames})); err != nil {
		return fail(err)
	}
	if rt.Batcher, err = registry.Batcher["fixed"](encode(fixed.Options{Size: cfg.BatchSize})); err != nil {
		return fail(err)
	}
	wo := wfs.Options{OutputDir: cfg.Writer.OutputDir, Atomic: cfg.Writer.Atomic, Flat: cfg.Writer.Flat}
	if rt.Writer, err = registry.Writer["fs"](encode(wo)); err != nil {
		return fail(err)
	}
	rt.Extractor = ingest.Extractor{MaxPages: cfg.Reader.MaxPages, MaxContentChars: cfg.Reader.MaxContentChars}

	// 完成服务
	prov := cfg.Provider[cfg.LLM]
	gw, err := registry.Gateway[prov.Client](&prov.Options)
	if err != nil {
		return fail(fmt.Errorf("provider %q: %w", cfg.LLM, err))
	}
	var raw map[string]any
	if !prov.Options.IsZero() {
		_ = prov.Options.Decode(&raw)
	}
	if ro := cfg.Cache.Redis; strings.TrimSpace(ro.Addr) != "" {
		kv, derr := rediscache.Dial(ctx, ro)
		if derr != nil {
			logger.Warn("cache", string(diag.Classify(derr)), "redis unavailable, cache disabled", map[string]string{"addr": ro.Addr, "err": derr.Error()})
		} else {
			rt.closers = append(rt.closers, kv.Close)
			vg := contract.NewValidationGate(cfg.Prompt.BannedPhrases)
			gw = rediscache.Wrap(gw, kv, rediscache.Settings{
				TTL:       ro.TTL,
				Namespace: CacheNamespace(cfg.LLM, cfg.Completion.Model, raw),
				Validate:  vg.Validate,
			}, logger)
		}
	}
	rt.Gateway = gw

	// 限流 Gate（按 provider 限额构造；分组键从 options 中派生 API Key）
	key, derr := rate.DeriveKey(prov.Client, raw)
	if derr != nil {
		key = rate.LimitKey(cfg.LLM)
	}
	gate := rate.NewGate(map[rate.LimitKey]rate.Limits{key: prov.Limits}, nil)

	temp := 0.0
	if cfg.Completion.Temperature != nil {
		temp = *cfg.Completion.Temperature
	}
	rt.Settings = pipeline.Settings{
		Concurrency:      cfg.Concurrency,
		Batch:            contract.CompletionOptions{Model: cfg.Completion.Model, Temperature: temp, MaxTokens: cfg.Completion.BatchMaxTokens},
		Synthesis:        contract.CompletionOptions{Model: cfg.Completion.Model, Temperature: temp, MaxTokens: cfg.Completion.SynthesisMaxTokens},
		MaxDocumentChars: cfg.Prompt.MaxDocumentChars,
		BannedPhrases:    cloneStrings(cfg.Prompt.BannedPhrases),
		Gate:             gate,
		GateKey:          key,
		BytesPerToken:    cfg.Prompt.BytesPerToken,
	}

	// 归档
	if po := cfg.Store.Postgres; strings.TrimSpace(po.DSN) != "" {
		st, err := pgstore.Open(ctx, po)
		if err != nil {
			return fail(err)
		}
		rt.closers = append(rt.closers, st.Close)
		if err := st.Migrate(ctx); err != nil {
			return fail(err)
		}
		rt.Store = st
	}
	// 事件
	if ko := cfg.Events.Kafka; len(ko.Brokers) > 0 {
		pub := kafkaevents.New(ko)
		rt.closers = append(rt.closers, pub.Close)
		rt.Events = pub
	}
	return rt, nil
}

// CacheNamespace 为缓存键前缀：provider 名 + 实际生效的模型。
// completion.model 未设置时取 provider options 中的默认 model（含 fallback_models）。
func CacheNamespace(llm, model string, opts map[string]any) string {
	parts := []string{llm}
	if m := strings.TrimSpace(model); m != "" {
		parts = append(parts, m)
	} else if m, ok := opts["model"].(string); ok && m != "" {
		parts = append(parts, m)
	}
	if fb, ok := opts["fallback_models"].([]any); ok {
		for _, v := range fb {
			if m, ok := v.(string); ok {
				parts = append(parts, m)
			}
		}
	}
	return strings.Join(parts, "/")
}

// encode 将类型化选项转为 YAML 节点，交由工厂严格解码。
func encode(v any) *yaml.Node {
	var n yaml.Node
	if err := n.Encode(v); err != nil {
		return nil
	}
	return &n
}
