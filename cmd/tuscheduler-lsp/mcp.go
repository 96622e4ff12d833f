package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/gotuscheduler/tuscheduler/internal/cmdutil"
	"github.com/gotuscheduler/tuscheduler/internal/config"
	"github.com/gotuscheduler/tuscheduler/internal/frontend/mcp"
	"github.com/gotuscheduler/tuscheduler/internal/observability"
)

func mcpCmd() *cobra.Command {
	var debug bool

	var diagnosticsAddr string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server on stdio",
		Long: `Start a Model Context Protocol server on stdio transport, exposing
the scheduler's build and diagnostics state as MCP tools.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appCfg, err := config.LoadConfig(cfgFile)
			if err != nil {
				return err
			}

			if diagnosticsAddr != "" {
				appCfg.Diagnostics.Addr = diagnosticsAddr
			}

			providers, err := observability.Init(cmdutil.ObservabilityConfig(appCfg, observability.ModeMCP, debug))
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

			sched := cmdutil.NewScheduler(appCfg, metrics)
			srv := mcp.NewServer(sched)

			return srv.Run(cmd.Context())
		},
	}

	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging to stderr")
	cmd.Flags().StringVar(&diagnosticsAddr, "diagnostics-addr", "", "start a /healthz, /readyz, /metrics server at this address")

	return cmd
}
