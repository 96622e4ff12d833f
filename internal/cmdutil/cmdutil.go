// Package cmdutil holds the scheduler and observability bootstrap shared by
// tuscheduler-lsp's subcommands.
package cmdutil

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/gotuscheduler/tuscheduler/internal/compiledb"
	"github.com/gotuscheduler/tuscheduler/internal/config"
	"github.com/gotuscheduler/tuscheduler/internal/observability"
	"github.com/gotuscheduler/tuscheduler/internal/parsing"
	"github.com/gotuscheduler/tuscheduler/internal/scheduler"
	"github.com/gotuscheduler/tuscheduler/internal/throttler"
	"github.com/gotuscheduler/tuscheduler/pkg/version"
)

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// ObservabilityConfig builds an observability.Config for mode from cfg. When
// cfg sets no OTLP endpoint, the standard OTEL_EXPORTER_OTLP_ENDPOINT
// environment variable supplies it; no other OTEL_* variable is read here.
func ObservabilityConfig(cfg *config.Config, mode observability.AppMode, debug bool) observability.Config {
	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = "v" + strconv.Itoa(version.Binary)
	obsCfg.Mode = mode
	obsCfg.OTLPEndpoint = firstNonEmpty(cfg.OTLP.Endpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	obsCfg.OTLPHeaders = cfg.OTLP.Headers
	obsCfg.OTLPInsecure = cfg.OTLP.Insecure
	obsCfg.LogJSON = cfg.Log.JSON

	level, ok := logLevels[cfg.Log.Level]
	if ok {
		obsCfg.LogLevel = level
	}

	if debug {
		obsCfg.DebugTrace = true
		obsCfg.LogLevel = slog.LevelDebug
	}

	return obsCfg
}

// SchedulerOptions translates cfg into scheduler.Options wired to a real
// tree-sitter backend. When metrics is non-nil, the scheduler reports
// recurring build/cache counters through it. Callers that need to supply
// their own ParsingCallbacks (such as the LSP frontend) set that field on
// the returned value before calling scheduler.New.
func SchedulerOptions(cfg *config.Config, metrics *observability.BuildMetrics) scheduler.Options {
	var preambleThrottler throttler.Throttler = throttler.Unbounded{}

	if cfg.Throttle.ConcurrentPreambleBuilds > 0 {
		preambleThrottler = throttler.NewSemaphore(cfg.Throttle.ConcurrentPreambleBuilds)
	}

	opts := scheduler.Options{
		AsyncThreadsCount: cfg.AsyncThreadsCount,
		UpdateDebounce:    cfg.Debounce.Policy(),
		RetentionPolicy:   scheduler.RetentionPolicy{MaxRetainedASTs: cfg.Retention.MaxRetainedASTs},
		PreambleThrottler: preambleThrottler,
		Backend:           parsing.NewTreeSitterBackend(),
		Metrics:           metrics,
		HeaderStat:        osHeaderStat{},
	}

	if cfg.CompileCommandsPath != "" {
		db, err := loadCompileDB(cfg.CompileCommandsPath)
		if err != nil {
			slog.Warn("compile_commands.json load failed, compile commands disabled", "path", cfg.CompileCommandsPath, "error", err)
		} else {
			opts.CompileDB = db
		}
	}

	return opts
}

func loadCompileDB(path string) (*compiledb.Database, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	db := compiledb.New()
	if loadErr := db.LoadJSON(raw); loadErr != nil {
		return nil, loadErr
	}

	return db, nil
}

// osHeaderStat resolves header modification times straight off the local
// filesystem, the default HeaderStat for every scheduler this package
// builds.
type osHeaderStat struct{}

func (osHeaderStat) ModTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}

	return info.ModTime(), nil
}

// NewScheduler builds a *scheduler.Scheduler wired from cfg, using a real
// tree-sitter backend. Use this for callers (such as the MCP frontend) that
// do not need to supply their own parsing.Callbacks.
func NewScheduler(cfg *config.Config, metrics *observability.BuildMetrics) *scheduler.Scheduler {
	return scheduler.New(SchedulerOptions(cfg, metrics))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}

	return ""
}
