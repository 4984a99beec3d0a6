package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	cfgpkg "ddreport/internal/config"
	"ddreport/internal/diag"
	"ddreport/internal/ingest"
	"ddreport/internal/reportdata"
	"ddreport/internal/service"
	"ddreport/pkg/contract"
)

type analyzeFlags struct {
	output        string
	name          string
	ddType        string
	reportFocus   string
	checklistType string
	status        bool
}

func newAnalyzeCmd(g *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	var f analyzeFlags
	cmd := &cobra.Command{
		Use:   "analyze <file|dir>...",
		Short: "Analyze documents and write the due-diligence report",
		Long: `Reads PDF/ZIP/TXT/MD files (directories are walked in lexical order),
analyzes them in batches, synthesizes the final report, and writes
<output>/<name>.md plus a <name>.json sidecar with batch provenance and financials.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd.Context(), g, f, args, stdout, stderr)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.output, "output", "o", "", "output directory (overrides writer.output_dir)")
	fl.StringVar(&f.name, "name", "", "report base name (default: dd-report-<run id prefix>)")
	fl.StringVar(&f.ddType, "dd-type", "", "due-diligence type (overrides analysis.dd_type)")
	fl.StringVar(&f.reportFocus, "report-focus", "", "report focus (overrides analysis.report_focus)")
	fl.StringVar(&f.checklistType, "checklist-type", "", "checklist type (overrides analysis.checklist_type)")
	fl.BoolVar(&f.status, "status", true, "terminal status on stderr (TTY refreshes in place)")
	return cmd
}

// sidecar 为报告旁的 JSON 溯源文件。
type sidecar struct {
	RunID          string                    `json:"run_id"`
	Context        contract.SynthesisContext `json:"context"`
	UploadedFiles  []string                  `json:"uploaded_files"`
	Skipped        []ingest.Skip             `json:"skipped,omitempty"`
	Batches        []contract.BatchReport    `json:"batches"`
	Financials     reportdata.Financials     `json:"financials"`
	ProcessingTime string                    `json:"processing_time"`
}

func runAnalyze(ctx context.Context, g *globalFlags, f analyzeFlags, roots []string, stdout, stderr io.Writer) error {
	start := time.Now()
	runID := service.NewRunID()

	var over cfgpkg.Config
	over.Writer.OutputDir = f.output
	cfg, err := loadConfig(g, over)
	if err != nil {
		return err
	}
	logger := diag.NewLoggerIn(cfg.Logging.Dir, runID, cfg.Logging.Level)
	defer logger.Close()
	logger.DebugStart("config", "effective", "", "", effective(cfg))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := cfgpkg.Assemble(ctx, cfg, logger)
	if err != nil {
		logger.Error("cli", string(diag.Classify(err)), "assemble: "+err.Error(), &start)
		return withCode(exitConfig, fmt.Errorf("assemble: %w", err))
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil {
			logger.Warn("cli", string(diag.Classify(cerr)), "close runtime", map[string]string{"err": cerr.Error()})
		}
	}()
	svc, err := service.FromRuntime(rt, logger)
	if err != nil {
		return withCode(exitConfig, err)
	}

	term := diag.NewTerminal(stderr, f.status)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)

	fail := func(stage string, err error) error {
		code := string(diag.Classify(err))
		logger.Error("cli", code, stage+": "+err.Error(), &start)
		diag.IncOp("cli", stage, "error")
		diag.IncError("cli", code)
		return withCode(exitRun, err)
	}

	t := logger.StartWithKV("ingest", "load", "", "", map[string]string{"roots": strings.Join(roots, ",")})
	loaded, err := rt.Extractor.Load(ctx, rt.Reader, roots)
	if err != nil {
		return fail("ingest", err)
	}
	t.Finish("load", int64(len(loaded.Documents)))
	for _, s := range loaded.Skipped {
		logger.Warn("ingest", string(diag.CodeInvariant), "skipped", map[string]string{"file": s.Name, "reason": s.Reason})
	}

	req := service.FromLoaded(loaded)
	req.RunID = runID
	req.DDType = f.ddType
	req.ReportFocus = f.reportFocus
	req.ChecklistType = f.checklistType
	resp, err := svc.Analyze(ctx, req)
	if err != nil {
		return fail("analyze", err)
	}

	name := f.name
	if name == "" {
		name = "dd-report-" + runID[:8]
	}
	arts, err := rt.Writer.WriteReport(ctx, name, resp.Report, sidecar{
		RunID:          resp.RunID,
		Context:        resp.Context,
		UploadedFiles:  resp.UploadedFiles,
		Skipped:        resp.Skipped,
		Batches:        resp.BatchReports,
		Financials:     resp.Financials,
		ProcessingTime: resp.ProcessingTime,
	})
	if err != nil {
		return fail("write", err)
	}
	diag.IncOp("cli", "analyze", "success")
	diag.ObserveDuration("cli", "analyze", time.Since(start).Milliseconds())
	fmt.Fprintln(stdout, arts.Report)
	if arts.Sidecar != "" {
		fmt.Fprintln(stdout, arts.Sidecar)
	}
	return nil
}
