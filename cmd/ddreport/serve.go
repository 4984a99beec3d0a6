package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	cfgpkg "ddreport/internal/config"
	"ddreport/internal/diag"
	"ddreport/internal/server"
	"ddreport/internal/service"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API (POST /analyze, GET /healthz, GET /metrics)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var over cfgpkg.Config
			over.Server.Addr = addr
			cfg, err := loadConfig(g, over)
			if err != nil {
				return err
			}
			logger := diag.NewLoggerIn(cfg.Logging.Dir, "server", cfg.Logging.Level)
			defer logger.Close()
			logger.DebugStart("config", "effective", "", "", effective(cfg))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := cfgpkg.Assemble(ctx, cfg, logger)
			if err != nil {
				return withCode(exitConfig, err)
			}
			defer rt.Close()
			svc, err := service.FromRuntime(rt, logger)
			if err != nil {
				return withCode(exitConfig, err)
			}
			if cfg.Logging.Level != "debug" {
				gin.SetMode(gin.ReleaseMode)
			}
			srv := server.New(svc, rt.Extractor, cfg.Server, logger)
			if err := srv.ListenAndServe(ctx); err != nil {
				return withCode(exitRun, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}
