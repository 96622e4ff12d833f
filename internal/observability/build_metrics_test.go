package observability_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/gotuscheduler/tuscheduler/internal/observability"
)

func setupBuildMeter(t *testing.T) (*observability.BuildMetrics, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter("test")

	bm, err := observability.NewBuildMetrics(meter)
	require.NoError(t, err)

	return bm, reader
}

func TestNewBuildMetrics(t *testing.T) {
	t.Parallel()

	bm, _ := setupBuildMeter(t)
	assert.NotNil(t, bm)
}

func TestBuildMetricsRecordRun(t *testing.T) {
	t.Parallel()

	bm, reader := setupBuildMeter(t)
	ctx := context.Background()

	bm.RecordRun(ctx, observability.BuildStats{
		File:             "a.cc",
		PreambleBuilds:   1,
		ASTBuilds:        1,
		PreambleDuration: 5 * time.Millisecond,
		ASTDuration:      20 * time.Millisecond,
		DebounceWait:     50 * time.Millisecond,
		CacheReadAccess:  true,
		CacheReadHit:     false,
	})

	rm := collectMetrics(t, reader)

	preambleBuilds := findMetric(rm, "tuscheduler.preamble.builds.total")
	require.NotNil(t, preambleBuilds, "preamble builds counter should exist")

	astBuilds := findMetric(rm, "tuscheduler.ast.builds.total")
	require.NotNil(t, astBuilds, "ast builds counter should exist")

	dur := findMetric(rm, "tuscheduler.build.duration.seconds")
	require.NotNil(t, dur, "build duration histogram should exist")

	hist, ok := dur.Data.(metricdata.Histogram[float64])
	require.True(t, ok, "expected Histogram data type")
	require.Len(t, hist.DataPoints, 2, "one data point per stage attribute")

	debounce := findMetric(rm, "tuscheduler.debounce.wait.seconds")
	require.NotNil(t, debounce, "debounce wait histogram should exist")

	access := findMetric(rm, "tuscheduler.astcache.access.total")
	require.NotNil(t, access, "ast cache access counter should exist")
}

func TestBuildMetricsRecordRunSkipsZeroDurations(t *testing.T) {
	t.Parallel()

	bm, reader := setupBuildMeter(t)
	ctx := context.Background()

	bm.RecordRun(ctx, observability.BuildStats{File: "a.cc", PreambleBuilds: 1})

	rm := collectMetrics(t, reader)

	// The SDK exports no metric for an instrument that never recorded a value.
	dur := findMetric(rm, "tuscheduler.build.duration.seconds")
	assert.Nil(t, dur, "no duration was recorded, so the histogram should not be exported")

	builds := findMetric(rm, "tuscheduler.preamble.builds.total")
	require.NotNil(t, builds, "preamble builds counter should exist")

	sum, ok := builds.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Len(t, sum.DataPoints, 1)
}

func TestBuildMetricsRecordRunNilReceiver(t *testing.T) {
	t.Parallel()

	var bm *observability.BuildMetrics

	bm.RecordRun(context.Background(), observability.BuildStats{File: "a.cc", ASTBuilds: 1})
}

func TestBuildMetricsCacheAccessDistinguishesHitAndMiss(t *testing.T) {
	t.Parallel()

	bm, reader := setupBuildMeter(t)
	ctx := context.Background()

	bm.RecordRun(ctx, observability.BuildStats{File: "a.cc", CacheReadAccess: true, CacheReadHit: true})
	bm.RecordRun(ctx, observability.BuildStats{File: "a.cc", CacheDiagAccess: true, CacheDiagHit: false})

	rm := collectMetrics(t, reader)

	access := findMetric(rm, "tuscheduler.astcache.access.total")
	require.NotNil(t, access)

	sum, ok := access.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Len(t, sum.DataPoints, 2, "expected one data point per distinct attribute set")
}
