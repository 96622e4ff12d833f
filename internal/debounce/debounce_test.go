package debounce_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gotuscheduler/tuscheduler/internal/debounce"
)

func TestComputeEmptyHistoryReturnsMax(t *testing.T) {
	p := debounce.Policy{Min: 10 * time.Millisecond, Max: 500 * time.Millisecond, RebuildRatio: 1}

	got := p.Compute(nil)
	assert.Equal(t, 500*time.Millisecond, got)
}

func TestComputeUsesMedian(t *testing.T) {
	p := debounce.Policy{Min: time.Millisecond, Max: time.Second, RebuildRatio: 1}

	history := []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 200 * time.Millisecond}
	got := p.Compute(history)
	assert.Equal(t, 200*time.Millisecond, got)
}

func TestComputeEvenLengthHistoryAverages(t *testing.T) {
	p := debounce.Policy{Min: time.Millisecond, Max: time.Second, RebuildRatio: 1}

	history := []time.Duration{100 * time.Millisecond, 300 * time.Millisecond}
	got := p.Compute(history)
	assert.Equal(t, 200*time.Millisecond, got)
}

func TestComputeClampsAtMin(t *testing.T) {
	p := debounce.Policy{Min: 150 * time.Millisecond, Max: time.Second, RebuildRatio: 1}

	got := p.Compute([]time.Duration{10 * time.Millisecond})
	assert.Equal(t, 150*time.Millisecond, got)
}

func TestComputeClampsAtMax(t *testing.T) {
	p := debounce.Policy{Min: time.Millisecond, Max: 100 * time.Millisecond, RebuildRatio: 1}

	got := p.Compute([]time.Duration{5 * time.Second})
	assert.Equal(t, 100*time.Millisecond, got)
}

func TestComputeAppliesRebuildRatio(t *testing.T) {
	p := debounce.Policy{Min: time.Millisecond, Max: time.Second, RebuildRatio: 0.5}

	got := p.Compute([]time.Duration{200 * time.Millisecond})
	assert.Equal(t, 100*time.Millisecond, got)
}

func TestFixedPolicyIgnoresHistory(t *testing.T) {
	p := debounce.FixedPolicy(500 * time.Millisecond)

	assert.Equal(t, 500*time.Millisecond, p.Compute(nil))
	assert.Equal(t, 500*time.Millisecond, p.Compute([]time.Duration{5 * time.Second}))
}

func TestDefaultPolicyUsesDocumentedBounds(t *testing.T) {
	p := debounce.Default()

	assert.Equal(t, debounce.DefaultMin, p.Min)
	assert.Equal(t, debounce.DefaultMax, p.Max)
	assert.Equal(t, debounce.DefaultRebuildRatio, p.RebuildRatio)
}

func TestHistoryEvictsOldestBeyondCapacity(t *testing.T) {
	h := debounce.NewHistory(2)
	h.Record(1 * time.Millisecond)
	h.Record(2 * time.Millisecond)
	h.Record(3 * time.Millisecond)

	assert.Equal(t, []time.Duration{2 * time.Millisecond, 3 * time.Millisecond}, h.Snapshot())
}

func TestHistorySnapshotIsACopy(t *testing.T) {
	h := debounce.NewHistory(4)
	h.Record(1 * time.Millisecond)

	snap := h.Snapshot()
	snap[0] = 99 * time.Second

	assert.Equal(t, []time.Duration{1 * time.Millisecond}, h.Snapshot())
}
