package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

// statusTimeout bounds each probe so a dead diagnostics server fails fast
// rather than hanging the command.
const statusTimeout = 3 * time.Second

func statusCmd() *cobra.Command {
	var addr string

	var nocolor bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Probe a running tuscheduler-lsp instance's diagnostics endpoints",
		Long: `Probe the /healthz, /readyz, and /metrics endpoints of a
tuscheduler-lsp instance started with --diagnostics-addr (or
diagnostics.addr in config) and print their status as a table.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			if nocolor {
				color.NoColor = true //nolint:reassign // intentional override of library global
			}

			client := &http.Client{Timeout: statusTimeout}

			rows := []probeResult{
				probe(client, addr, "/healthz"),
				probe(client, addr, "/readyz"),
				probe(client, addr, "/metrics"),
			}

			printStatusTable(os.Stdout, rows)

			for _, row := range rows {
				if !row.ok {
					return fmt.Errorf("%s: %w", row.endpoint, row.err)
				}
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9095", "diagnostics server address")
	cmd.Flags().BoolVar(&nocolor, "no-color", false, "disable colored output")

	return cmd
}

type probeResult struct {
	endpoint string
	ok       bool
	status   int
	bytes    int64
	latency  time.Duration
	err      error
}

func probe(client *http.Client, addr, path string) probeResult {
	start := time.Now()

	resp, err := client.Get("http://" + addr + path) //nolint:noctx // bounded by client.Timeout
	if err != nil {
		return probeResult{endpoint: path, err: err}
	}

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return probeResult{endpoint: path, err: err}
	}

	return probeResult{
		endpoint: path,
		ok:       resp.StatusCode < http.StatusBadRequest,
		status:   resp.StatusCode,
		bytes:    int64(len(body)),
		latency:  time.Since(start),
	}
}

func printStatusTable(w io.Writer, rows []probeResult) {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.AppendHeader(table.Row{"Endpoint", "Status", "Size", "Latency"})

	for _, row := range rows {
		tbl.AppendRow(table.Row{row.endpoint, statusCell(row), sizeCell(row), row.latency.Round(time.Millisecond)})
	}

	tbl.Render()
}

func statusCell(row probeResult) string {
	if row.err != nil {
		return color.RedString("ERROR: %v", row.err)
	}

	if row.ok {
		return color.GreenString("%d", row.status)
	}

	return color.RedString("%d", row.status)
}

func sizeCell(row probeResult) string {
	if row.err != nil {
		return "-"
	}

	return humanize.Bytes(uint64(row.bytes)) //nolint:gosec // response body length, never negative
}
