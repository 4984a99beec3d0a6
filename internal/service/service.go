// Package service 串联一次完整分析：分批 → 编排 → 财务抽取 → 归档/事件。
// CLI 与 HTTP API 共用此流程。
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ddreport/internal/config"
	"ddreport/internal/diag"
	"ddreport/internal/ingest"
	"ddreport/internal/pipeline"
	"ddreport/internal/reportdata"
	"ddreport/pkg/contract"
	"ddreport/plugins/batcher/fixed"
	"ddreport/plugins/events/kafkaevents"
	"ddreport/plugins/store/pgstore"
)

// ErrNoDocuments 无可提取文本的输入。可按 ErrInvalidInput 识别。
var ErrNoDocuments = fmt.Errorf("%w: no extractable documents", contract.ErrInvalidInput)

// Archive 归档 Done 运行（pgstore.Store 实现）。
type Archive interface {
	Save(ctx context.Context, r pgstore.Record) error
}

// Events 发布运行生命周期事件（kafkaevents.Publisher 实现）。
type Events interface {
	Publish(ctx context.Context, ev kafkaevents.Event) error
}

// Options 服务依赖。Archive/Events 可为空。
type Options struct {
	Gateway  contract.CompletionGateway
	Batcher  *fixed.Batcher
	Settings pipeline.Settings
	Defaults config.Analysis
	LLM      string
	Archive  Archive
	Events   Events
	Logger   *diag.Logger
}

// Service 无跨请求可变状态，可并发调用 Analyze。
type Service struct {
	o Options
}

// New 构造服务。网关与分批器缺失返回 ErrInitialization。
func New(o Options) (*Service, error) {
	if o.Gateway == nil || o.Batcher == nil {
		return nil, fmt.Errorf("service: %w: gateway and batcher are required", contract.ErrInitialization)
	}
	// 预检编排参数，避免每个请求才暴露配置错误
	if _, err := pipeline.New(o.Gateway, o.Settings, o.Logger); err != nil {
		return nil, err
	}
	return &Service{o: o}, nil
}

// FromRuntime 由装配结果构造服务。
func FromRuntime(rt *config.Runtime, logger *diag.Logger) (*Service, error) {
	o := Options{
		Gateway:  rt.Gateway,
		Batcher:  rt.Batcher,
		Settings: rt.Settings,
		Defaults: rt.Analysis,
		LLM:      rt.LLM,
		Logger:   logger,
	}
	// 避免 typed nil 进入接口
	if rt.Store != nil {
		o.Archive = rt.Store
	}
	if rt.Events != nil {
		o.Events = rt.Events
	}
	return New(o)
}

// Request 一次分析的输入。分析上下文字段为空时取配置默认值。
type Request struct {
	RunID         string
	DDType        string
	ReportFocus   string
	ChecklistType string

	Uploaded  []string
	Documents []contract.Document
	Skipped   []ingest.Skip
}

// FromLoaded 以摄取结果填充请求。
func FromLoaded(l ingest.Loaded) Request {
	return Request{Uploaded: l.Uploaded, Documents: l.Documents, Skipped: l.Skipped}
}

// Response 成功运行的产出。JSON 形态即 HTTP API 的响应体。
type Response struct {
	RunID            string                `json:"run_id"`
	Report           contract.FinalReport  `json:"report"`
	Financials       reportdata.Financials `json:"financials"`
	UploadedFiles    []string              `json:"uploaded_files"`
	TotalFiles       int                   `json:"total_files"`
	BatchesProcessed int                   `json:"batches_processed"`
	ProcessingTime   string                `json:"processing_time"`
	Skipped          []ingest.Skip         `json:"skipped,omitempty"`

	Context      contract.SynthesisContext `json:"-"`
	BatchReports []contract.BatchReport    `json:"-"`
	Elapsed      time.Duration             `json:"-"`
}

// Analyze 执行一次运行。失败时不返回任何部分结果。
// 归档与事件失败仅记录告警，不影响运行结果。
func (s *Service) Analyze(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	runID := req.RunID
	if runID == "" {
		runID = NewRunID()
	}
	logger := s.o.Logger.WithRun(runID)
	sc := s.context(req)

	if len(req.Documents) == 0 {
		logger.Error("service", string(diag.CodeInvariant), ErrNoDocuments.Error(), nil)
		return Response{}, ErrNoDocuments
	}
	batches, err := s.o.Batcher.MakeDefault(req.Documents)
	if err != nil {
		return Response{}, err
	}

	state := pipeline.Idle
	set := s.o.Settings
	set.OnState = func(st pipeline.State) { state = st }
	orc, err := pipeline.New(s.o.Gateway, set, logger)
	if err != nil {
		return Response{}, err
	}

	term := diag.GetTerminal()
	term.RunStart(set.Concurrency, s.o.LLM, sc.TotalFiles, len(batches))
	s.publish(ctx, logger, kafkaevents.Event{
		Type: kafkaevents.TypeStarted, RunID: runID, TotalFiles: sc.TotalFiles, Batches: len(batches),
	})

	res, err := orc.Run(ctx, batches, sc)
	if err != nil {
		term.RunFinish(false, time.Since(start))
		s.publish(ctx, logger, kafkaevents.Event{
			Type: kafkaevents.TypeFailed, RunID: runID, TotalFiles: sc.TotalFiles, Batches: len(batches),
			State: state.String(), ErrorCode: string(diag.Classify(err)), Error: err.Error(),
			ElapsedMS: time.Since(start).Milliseconds(),
		})
		return Response{}, err
	}

	fin := reportdata.Extract(string(res.Report))
	elapsed := time.Since(start)
	resp := Response{
		RunID:            runID,
		Report:           res.Report,
		Financials:       fin,
		UploadedFiles:    nonNil(req.Uploaded),
		TotalFiles:       sc.TotalFiles,
		BatchesProcessed: len(res.BatchReports),
		ProcessingTime:   FormatElapsed(elapsed),
		Skipped:          req.Skipped,
		Context:          sc,
		BatchReports:     res.BatchReports,
		Elapsed:          elapsed,
	}
	s.archive(ctx, logger, resp)
	s.publish(ctx, logger, kafkaevents.Event{
		Type: kafkaevents.TypeCompleted, RunID: runID, TotalFiles: sc.TotalFiles, Batches: len(batches),
		State: state.String(), ElapsedMS: elapsed.Milliseconds(),
	})
	term.RunFinish(true, elapsed)
	return resp, nil
}

func (s *Service) context(req Request) contract.SynthesisContext {
	pick := func(v, def string) string {
		if t := strings.TrimSpace(v); t != "" {
			return t
		}
		return def
	}
	return contract.SynthesisContext{
		AnalysisContext: contract.AnalysisContext{
			DDType:      pick(req.DDType, s.o.Defaults.DDType),
			ReportFocus: pick(req.ReportFocus, s.o.Defaults.ReportFocus),
		},
		ChecklistType: pick(req.ChecklistType, s.o.Defaults.ChecklistType),
		TotalFiles:    totalFiles(req),
	}
}

// totalFiles 按上传文件计数（含无文本与不受支持的文件）；未给出上传清单时按文档数。
func totalFiles(req Request) int {
	if len(req.Uploaded) > 0 {
		return len(req.Uploaded)
	}
	return len(req.Documents)
}

func (s *Service) archive(ctx context.Context, logger *diag.Logger, resp Response) {
	if s.o.Archive == nil {
		return
	}
	fin, err := json.Marshal(resp.Financials)
	if err != nil {
		fin = nil
	}
	rec := pgstore.Record{
		RunID:        resp.RunID,
		Context:      resp.Context,
		Filenames:    resp.UploadedFiles,
		BatchReports: resp.BatchReports,
		Report:       resp.Report,
		Financials:   fin,
		Elapsed:      resp.Elapsed,
	}
	if err := s.o.Archive.Save(context.WithoutCancel(ctx), rec); err != nil {
		logger.Warn("archive", string(diag.Classify(err)), "archive failed", map[string]string{"err": err.Error()})
	}
}

func (s *Service) publish(ctx context.Context, logger *diag.Logger, ev kafkaevents.Event) {
	if s.o.Events == nil {
		return
	}
	if err := s.o.Events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		logger.Warn("events", string(diag.Classify(err)), "publish failed", map[string]string{"type": ev.Type, "err": err.Error()})
	}
}

// NewRunID 生成 32 位十六进制运行标识。
func NewRunID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(b[:])
}

// FormatElapsed 以秒计，保留一位小数，如 "12.3s"。
func FormatElapsed(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 1, 64) + "s"
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
