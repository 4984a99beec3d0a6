package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	cfgpkg "ddreport/internal/config"
)

func newInitConfigCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [dir]",
		Short: "Write config.yaml and .env templates (existing files are kept)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			written, err := cfgpkg.WriteTemplates(dir)
			if err != nil {
				return withCode(exitConfig, fmt.Errorf("init-config: %w", err))
			}
			if len(written) == 0 {
				fmt.Fprintf(stdout, "nothing written: templates already exist in %s\n", dir)
			}
			for _, p := range written {
				fmt.Fprintln(stdout, p)
			}
			return nil
		},
	}
}
