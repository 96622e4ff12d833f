package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/gotuscheduler/tuscheduler/internal/cmdutil"
	"github.com/gotuscheduler/tuscheduler/internal/config"
	"github.com/gotuscheduler/tuscheduler/internal/frontend/lsp"
	"github.com/gotuscheduler/tuscheduler/internal/observability"
)

func lspCmd() *cobra.Command {
	var debug bool

	var diagnosticsAddr string

	cmd := &cobra.Command{
		Use:   "lsp",
		Short: "Start the LSP server on stdio",
		Long: `Start a Language Server Protocol server on stdio transport.

didOpen/didChange/didClose drive the scheduler; completed AST builds are
published back as textDocument/publishDiagnostics.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			appCfg, err := config.LoadConfig(cfgFile)
			if err != nil {
				return err
			}

			if diagnosticsAddr != "" {
				appCfg.Diagnostics.Addr = diagnosticsAddr
			}

			providers, err := observability.Init(cmdutil.ObservabilityConfig(appCfg, observability.ModeCLI, debug))
			if err != nil {
				return err
			}

			defer func() {
				shutdownErr := providers.Shutdown(context.Background())
				if shutdownErr != nil {
					providers.Logger.Warn("observability shutdown failed", "error", shutdownErr)
				}
			}()

			if appCfg.Diagnostics.Addr != "" {
				diag, diagErr := observability.NewDiagnosticsServer(appCfg.Diagnostics.Addr, providers.Meter)
				if diagErr != nil {
					return diagErr
				}

				defer diag.Close()
			}

			metrics, err := observability.NewBuildMetrics(providers.Meter)
			if err != nil {
				return err
			}

			srv := lsp.NewServer(cmdutil.SchedulerOptions(appCfg, metrics))

			return srv.Run()
		},
	}

	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging to stderr")
	cmd.Flags().StringVar(&diagnosticsAddr, "diagnostics-addr", "", "start a /healthz, /readyz, /metrics server at this address")

	return cmd
}
