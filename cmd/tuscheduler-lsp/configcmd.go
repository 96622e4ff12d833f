package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gotuscheduler/tuscheduler/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	cmd.AddCommand(configDumpCmd())

	return cmd
}

func configDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print the effective configuration as YAML",
		Long: `Load configuration the same way "lsp" and "mcp" do (config file,
then TUSCHED_* env vars, then defaults) and print the resolved values.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			appCfg, err := config.LoadConfig(cfgFile)
			if err != nil {
				return err
			}

			data, err := yaml.Marshal(appCfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}

			_, err = os.Stdout.Write(data)

			return err
		},
	}
}
