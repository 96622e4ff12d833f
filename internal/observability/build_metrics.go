package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricPreambleBuildsTotal = "tuscheduler.preamble.builds.total"
	metricASTBuildsTotal      = "tuscheduler.ast.builds.total"
	metricBuildDuration       = "tuscheduler.build.duration.seconds"
	metricASTCacheHitsTotal   = "tuscheduler.astcache.access.total"
	metricDebounceWait        = "tuscheduler.debounce.wait.seconds"

	attrStage  = "stage"
	attrAccess = "access"
	attrResult = "result"
)

// BuildMetrics holds OTel instruments for the scheduler's per-file build
// pipeline: preamble builds, AST builds, AST cache access, and the
// debounce wait actually observed before an AST build started.
type BuildMetrics struct {
	preambleBuildsTotal metric.Int64Counter
	astBuildsTotal      metric.Int64Counter
	buildDuration       metric.Float64Histogram
	cacheAccessTotal    metric.Int64Counter
	debounceWait        metric.Float64Histogram
}

// BuildStats holds the statistics for a single U/R/P cycle on one file,
// decoupled from the worker types so the instrumentation layer never
// imports astworker/preambleworker.
type BuildStats struct {
	File             string
	PreambleBuilds   int64
	ASTBuilds        int64
	PreambleDuration time.Duration
	ASTDuration      time.Duration
	DebounceWait     time.Duration
	CacheReadHit     bool
	CacheReadAccess  bool
	CacheDiagHit     bool
	CacheDiagAccess  bool
}

// NewBuildMetrics creates build metric instruments from the given meter.
func NewBuildMetrics(mt metric.Meter) (*BuildMetrics, error) {
	b := newMetricBuilder(mt)

	bm := &BuildMetrics{
		preambleBuildsTotal: b.counter(metricPreambleBuildsTotal, "Total preamble builds started", "{build}"),
		astBuildsTotal:      b.counter(metricASTBuildsTotal, "Total AST builds started", "{build}"),
		buildDuration:       b.histogram(metricBuildDuration, "Per-stage build duration in seconds", "s", durationBucketBoundaries...),
		cacheAccessTotal:    b.counter(metricASTCacheHitsTotal, "AST cache accesses by kind and result", "{access}"),
		debounceWait:        b.histogram(metricDebounceWait, "Observed debounce wait before an AST build started", "s", debounceBucketBoundaries...),
	}

	if b.err != nil {
		return nil, b.err
	}

	return bm, nil
}

// debounceBucketBoundaries covers the Min..Max range a debounce policy can
// legally clamp to (spec §4.3).
var debounceBucketBoundaries = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 4}

// RecordRun records build statistics for a completed U/R/P cycle. Safe to
// call on a nil receiver (no-op).
func (bm *BuildMetrics) RecordRun(ctx context.Context, stats BuildStats) {
	if bm == nil {
		return
	}

	preambleAttrs := metric.WithAttributes(attribute.String(attrStage, "preamble"))
	astAttrs := metric.WithAttributes(attribute.String(attrStage, "ast"))

	bm.preambleBuildsTotal.Add(ctx, stats.PreambleBuilds, preambleAttrs)
	bm.astBuildsTotal.Add(ctx, stats.ASTBuilds, astAttrs)

	if stats.PreambleDuration > 0 {
		bm.buildDuration.Record(ctx, stats.PreambleDuration.Seconds(), preambleAttrs)
	}

	if stats.ASTDuration > 0 {
		bm.buildDuration.Record(ctx, stats.ASTDuration.Seconds(), astAttrs)
	}

	if stats.DebounceWait > 0 {
		bm.debounceWait.Record(ctx, stats.DebounceWait.Seconds())
	}

	bm.recordCacheAccess(ctx, "read", stats.CacheReadAccess, stats.CacheReadHit)
	bm.recordCacheAccess(ctx, "diag", stats.CacheDiagAccess, stats.CacheDiagHit)
}

func (bm *BuildMetrics) recordCacheAccess(ctx context.Context, access string, attempted, hit bool) {
	if !attempted {
		return
	}

	result := "miss"
	if hit {
		result = "hit"
	}

	bm.cacheAccessTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrAccess, access),
		attribute.String(attrResult, result),
	))
}
