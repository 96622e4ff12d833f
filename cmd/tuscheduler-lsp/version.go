package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gotuscheduler/tuscheduler/pkg/version"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "tuscheduler-lsp api v%d (build %s)\n", version.Binary, version.BinaryGitHash)
		},
	}
}
