package observability_test

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gotuscheduler/tuscheduler/internal/observability"
)

func TestDefaultConfig_HasSensibleDefaults(t *testing.T) {
	t.Parallel()

	cfg := observability.DefaultConfig()

	assert.Equal(t, "tuscheduler", cfg.ServiceName)
	assert.Equal(t, observability.ModeCLI, cfg.Mode)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, 5, cfg.ShutdownTimeoutSec)

	assert.Empty(t, cfg.ServiceVersion)
	assert.Empty(t, cfg.Environment)
	assert.Empty(t, cfg.OTLPEndpoint)
	assert.Nil(t, cfg.OTLPHeaders)
	assert.False(t, cfg.OTLPInsecure)
	assert.False(t, cfg.DebugTrace)
	assert.False(t, cfg.TraceVerbose)
	assert.False(t, cfg.LogJSON)
	assert.InDelta(t, 0.0, cfg.SampleRatio, 0)
}

func TestDefaultConfig_OTLPDisabledUntilEndpointSet(t *testing.T) {
	t.Parallel()

	cfg := observability.DefaultConfig()

	// An empty OTLPEndpoint is the signal Init uses to fall back to no-op
	// providers; DefaultConfig must leave it empty for zero-config startup.
	assert.Empty(t, cfg.OTLPEndpoint)
}
