package main

import (
	"io"

	"github.com/spf13/cobra"
)

// version 构建期通过 -ldflags 注入。
var version = "dev"

// globalFlags 各子命令共享的配置覆盖项。
type globalFlags struct {
	config      string
	llm         string
	concurrency int
	batchSize   int
	logLevel    string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var g globalFlags
	root := &cobra.Command{
		Use:   "ddreport",
		Short: "Map-reduce financial due-diligence reports over an LLM",
		Long: "ddreport reads financial documents (PDF, ZIP, TXT, MD), analyzes them in batches\n" +
			"with a language model, and synthesizes one due-diligence report.",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		Version: version,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&g.config, "config", "", "YAML config path (default: $DDR_CONFIG_FILE or ./config.yaml if present)")
	pf.StringVar(&g.llm, "llm", "", "provider name (overrides config)")
	pf.IntVar(&g.concurrency, "concurrency", 0, "max parallel batch calls (overrides config)")
	pf.IntVar(&g.batchSize, "batch-size", 0, "documents per batch (overrides config)")
	pf.StringVar(&g.logLevel, "log-level", "", "debug|info|warn|error (overrides config)")

	root.AddCommand(newAnalyzeCmd(&g, stdout, stderr))
	root.AddCommand(newServeCmd(&g))
	root.AddCommand(newInitConfigCmd(stdout))
	return root
}
