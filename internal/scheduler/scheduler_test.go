package scheduler_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/gotuscheduler/tuscheduler/internal/astworker"
	"github.com/gotuscheduler/tuscheduler/internal/compiledb"
	"github.com/gotuscheduler/tuscheduler/internal/debounce"
	"github.com/gotuscheduler/tuscheduler/internal/observability"
	"github.com/gotuscheduler/tuscheduler/internal/parsing"
	"github.com/gotuscheduler/tuscheduler/internal/scheduler"
)

type fakeBackend struct {
	mu     sync.Mutex
	builds int
}

func hashOf(b []byte) string {
	sum := sha256.Sum256(b)

	return hex.EncodeToString(sum[:])
}

func (f *fakeBackend) BuildPreamble(_ context.Context, inputs parsing.ParseInputs, _ *parsing.PreambleArtifact) (*parsing.PreambleArtifact, error) {
	return &parsing.PreambleArtifact{File: inputs.File, Version: inputs.Version}, nil
}

func (f *fakeBackend) BuildAST(_ context.Context, inputs parsing.ParseInputs, _ *parsing.PreambleArtifact) (*parsing.ASTArtifact, error) {
	f.mu.Lock()
	f.builds++
	f.mu.Unlock()

	return &parsing.ASTArtifact{
		File:        inputs.File,
		Version:     inputs.Version,
		Inputs:      inputs,
		Fingerprint: f.Fingerprint(inputs),
		Diagnostics: parsing.DiagnosticsReport{File: inputs.File, Version: inputs.Version, ContentHash: hashOf(inputs.Contents)},
	}, nil
}

func (f *fakeBackend) Fingerprint(inputs parsing.ParseInputs) parsing.Fingerprint {
	return parsing.Fingerprint(hashOf(inputs.Contents))
}

func (f *fakeBackend) buildCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.builds
}

type fakeCallbacks struct {
	mu         sync.Mutex
	mainASTs   int
	failedASTs int
}

func (c *fakeCallbacks) OnPreambleAST(context.Context, string, parsing.Version, *parsing.PreambleArtifact) {
}
func (c *fakeCallbacks) OnPreamblePublished(string) {}

func (c *fakeCallbacks) OnMainAST(_ context.Context, _ string, _ *parsing.ASTArtifact, publish parsing.PublishFunc) {
	c.mu.Lock()
	c.mainASTs++
	c.mu.Unlock()
	publish(func() {})
}

func (c *fakeCallbacks) OnFailedAST(_ context.Context, _ string, _ parsing.Version, _ parsing.DiagnosticsReport, publish parsing.PublishFunc) {
	c.mu.Lock()
	c.failedASTs++
	c.mu.Unlock()
	publish(func() {})
}

func (c *fakeCallbacks) counts() (mainASTs, failedASTs int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.mainASTs, c.failedASTs
}

func newSyncScheduler(backend *fakeBackend, cb *fakeCallbacks) *scheduler.Scheduler {
	return scheduler.New(scheduler.Options{
		AsyncThreadsCount: 0,
		UpdateDebounce:    debounce.FixedPolicy(time.Millisecond),
		ParsingCallbacks:  cb,
		Backend:           backend,
	})
}

func TestUpdateThenReadAcrossFacade(t *testing.T) {
	backend := &fakeBackend{}
	cb := &fakeCallbacks{}
	s := newSyncScheduler(backend, cb)

	s.Update(context.Background(), "a.cc", parsing.ParseInputs{Contents: []byte("int x;"), Version: 1}, astworker.WantAuto)

	var got astworker.InputsAndAST

	s.RunWithAST(context.Background(), "read", "a.cc", false, func(r astworker.InputsAndAST) { got = r })

	require.NoError(t, got.Err)
	require.NotNil(t, got.AST)
	assert.Equal(t, "a.cc", got.AST.File)
}

func TestReadOnUntrackedFileReturnsFileNotTracked(t *testing.T) {
	s := newSyncScheduler(&fakeBackend{}, &fakeCallbacks{})

	var got astworker.InputsAndAST

	s.RunWithAST(context.Background(), "read", "never.cc", false, func(r astworker.InputsAndAST) { got = r })

	assert.ErrorIs(t, got.Err, astworker.ErrFileNotTracked)
}

func TestRemoveEvictsFromASTCacheAndIncluderCache(t *testing.T) {
	backend := &fakeBackend{}
	cb := &fakeCallbacks{}
	s := newSyncScheduler(backend, cb)

	s.Update(context.Background(), "a.cc", parsing.ParseInputs{Contents: []byte("int x;"), Version: 1}, astworker.WantAuto)
	require.Contains(t, s.GetFilesWithCachedAST(), "a.cc")
	require.Contains(t, s.ASTCache().Files(), "a.cc")

	s.IncluderCache().Establish("a.h", "a.cc", compiledb.CompileCommand{File: "a.cc", Arguments: []string{"clang", "-c"}}, true)
	_, ok := s.GetCompileCommand("a.h")
	require.True(t, ok)

	s.Remove("a.cc")

	assert.NotContains(t, s.GetFilesWithCachedAST(), "a.cc")
	assert.NotContains(t, s.ASTCache().Files(), "a.cc")

	_, ok = s.IncluderCache().CompileCommand("a.h")
	assert.False(t, ok)

	var got astworker.InputsAndAST
	s.RunWithAST(context.Background(), "read", "a.cc", false, func(r astworker.InputsAndAST) { got = r })
	assert.ErrorIs(t, got.Err, astworker.ErrFileNotTracked)
}

func TestRemoveOnNeverTrackedFileIsNoop(t *testing.T) {
	s := newSyncScheduler(&fakeBackend{}, &fakeCallbacks{})

	s.Remove("never.cc") // must not panic
}

func TestTwoFilesTrackIndependentBuildCounts(t *testing.T) {
	backend := &fakeBackend{}
	cb := &fakeCallbacks{}
	s := newSyncScheduler(backend, cb)

	s.Update(context.Background(), "a.cc", parsing.ParseInputs{Contents: []byte("int a;"), Version: 1}, astworker.WantAuto)
	s.Update(context.Background(), "b.cc", parsing.ParseInputs{Contents: []byte("int b;"), Version: 1}, astworker.WantAuto)

	statsA, ok := s.FileStats("a.cc")
	require.True(t, ok)
	assert.Equal(t, int64(1), statsA.ASTBuilds)
	assert.Equal(t, int64(1), statsA.PreambleBuilds)

	statsB, ok := s.FileStats("b.cc")
	require.True(t, ok)
	assert.Equal(t, int64(1), statsB.ASTBuilds)

	_, ok = s.FileStats("c.cc")
	assert.False(t, ok)
}

func TestLastActiveFileTracksMostRecentUpdate(t *testing.T) {
	s := newSyncScheduler(&fakeBackend{}, &fakeCallbacks{})

	assert.Equal(t, "", s.LastActiveFile())

	s.Update(context.Background(), "a.cc", parsing.ParseInputs{Contents: []byte("1"), Version: 1}, astworker.WantAuto)
	assert.Equal(t, "a.cc", s.LastActiveFile())

	s.Update(context.Background(), "b.cc", parsing.ParseInputs{Contents: []byte("2"), Version: 1}, astworker.WantAuto)
	assert.Equal(t, "b.cc", s.LastActiveFile())
}

func TestRunExecutesOnAuxiliaryPoolSynchronously(t *testing.T) {
	s := newSyncScheduler(&fakeBackend{}, &fakeCallbacks{})

	ran := false
	s.Run(context.Background(), "", func(context.Context) { ran = true })

	assert.True(t, ran)
}

func TestRunBindsFileToContext(t *testing.T) {
	s := newSyncScheduler(&fakeBackend{}, &fakeCallbacks{})

	var gotFile string
	var ok bool

	s.Run(context.Background(), "a.cc", func(ctx context.Context) {
		gotFile, ok = s.GetFileBeingProcessedInContext(ctx)
	})

	assert.True(t, ok)
	assert.Equal(t, "a.cc", gotFile)
}

func TestAsyncRunQuickEventuallyExecutes(t *testing.T) {
	s := scheduler.New(scheduler.Options{
		AsyncThreadsCount: 2,
		UpdateDebounce:    debounce.FixedPolicy(time.Millisecond),
		ParsingCallbacks:  &fakeCallbacks{},
		Backend:           &fakeBackend{},
	})
	defer func() { _ = s.Shutdown(context.Background()) }()

	done := make(chan struct{})
	s.RunQuick(context.Background(), "a.cc", func(context.Context) { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runQuick task never executed")
	}
}

func TestBlockUntilIdleReturnsTrueInSynchronousMode(t *testing.T) {
	s := newSyncScheduler(&fakeBackend{}, &fakeCallbacks{})

	assert.True(t, s.BlockUntilIdle(time.Millisecond))
}

func TestBlockUntilIdleWaitsForAsyncWorkToDrain(t *testing.T) {
	backend := &fakeBackend{}
	cb := &fakeCallbacks{}
	s := scheduler.New(scheduler.Options{
		AsyncThreadsCount: 2,
		UpdateDebounce:    debounce.FixedPolicy(5 * time.Millisecond),
		ParsingCallbacks:  cb,
		Backend:           backend,
	})
	defer func() { _ = s.Shutdown(context.Background()) }()

	s.Update(context.Background(), "a.cc", parsing.ParseInputs{Contents: []byte("int x;"), Version: 1}, astworker.WantAuto)

	assert.True(t, s.BlockUntilIdle(time.Second))

	mainASTs, _ := cb.counts()
	assert.Equal(t, 1, mainASTs)
}

func TestOnFileIdleFiresAfterAsyncBuildSettles(t *testing.T) {
	backend := &fakeBackend{}
	cb := &fakeCallbacks{}

	idleCh := make(chan string, 8)

	s := scheduler.New(scheduler.Options{
		AsyncThreadsCount: 2,
		UpdateDebounce:    debounce.FixedPolicy(time.Millisecond),
		ParsingCallbacks:  cb,
		Backend:           backend,
		OnFileIdle: func(file string) {
			idleCh <- file
		},
	})
	defer func() { _ = s.Shutdown(context.Background()) }()

	s.Update(context.Background(), "a.cc", parsing.ParseInputs{Contents: []byte("int x;"), Version: 1}, astworker.WantAuto)

	select {
	case file := <-idleCh:
		assert.Equal(t, "a.cc", file)
	case <-time.After(time.Second):
		t.Fatal("OnFileIdle never fired")
	}
}

func TestShutdownTearsDownAllTrackedFiles(t *testing.T) {
	backend := &fakeBackend{}
	cb := &fakeCallbacks{}
	s := scheduler.New(scheduler.Options{
		AsyncThreadsCount: 2,
		UpdateDebounce:    debounce.FixedPolicy(time.Millisecond),
		ParsingCallbacks:  cb,
		Backend:           backend,
	})

	s.Update(context.Background(), "a.cc", parsing.ParseInputs{Contents: []byte("1"), Version: 1}, astworker.WantAuto)
	s.Update(context.Background(), "b.cc", parsing.ParseInputs{Contents: []byte("2"), Version: 1}, astworker.WantAuto)

	require.NoError(t, s.Shutdown(context.Background()))

	var got astworker.InputsAndAST
	s.RunWithAST(context.Background(), "read", "a.cc", false, func(r astworker.InputsAndAST) { got = r })
	assert.ErrorIs(t, got.Err, astworker.ErrFileNotTracked)
}

func TestShutdownWithNoTrackedFilesReturnsImmediately(t *testing.T) {
	s := newSyncScheduler(&fakeBackend{}, &fakeCallbacks{})

	require.NoError(t, s.Shutdown(context.Background()))
}

func TestUpdateResolvesCompileCommandFromDatabase(t *testing.T) {
	backend := &fakeBackend{}
	cb := &fakeCallbacks{}
	db := compiledb.New()
	db.Put("a.cc", compiledb.CompileCommand{File: "a.cc", Arguments: []string{"clang", "-c"}}, false)

	s := scheduler.New(scheduler.Options{
		AsyncThreadsCount: 0,
		UpdateDebounce:    debounce.FixedPolicy(time.Millisecond),
		ParsingCallbacks:  cb,
		Backend:           backend,
		CompileDB:         db,
	})

	s.Update(context.Background(), "a.cc", parsing.ParseInputs{Contents: []byte("int x;"), Version: 1}, astworker.WantAuto)

	var got astworker.InputsAndAST
	s.RunWithAST(context.Background(), "read", "a.cc", false, func(r astworker.InputsAndAST) { got = r })

	require.NoError(t, got.Err)
	assert.Equal(t, []string{"clang", "-c"}, got.AST.Inputs.CompileCommand.Argv)
	assert.False(t, got.AST.Inputs.CompileCommand.Heuristic)
}

func TestUpdateDoesNotOverrideCallerSuppliedCompileCommand(t *testing.T) {
	backend := &fakeBackend{}
	cb := &fakeCallbacks{}
	db := compiledb.New()
	db.Put("a.cc", compiledb.CompileCommand{File: "a.cc", Arguments: []string{"clang", "-c"}}, false)

	s := scheduler.New(scheduler.Options{
		AsyncThreadsCount: 0,
		UpdateDebounce:    debounce.FixedPolicy(time.Millisecond),
		ParsingCallbacks:  cb,
		Backend:           backend,
		CompileDB:         db,
	})

	s.Update(context.Background(), "a.cc", parsing.ParseInputs{
		Contents:       []byte("int x;"),
		Version:        1,
		CompileCommand: parsing.CompileCommand{Argv: []string{"gcc", "-Wall"}},
	}, astworker.WantAuto)

	var got astworker.InputsAndAST
	s.RunWithAST(context.Background(), "read", "a.cc", false, func(r astworker.InputsAndAST) { got = r })

	require.NoError(t, got.Err)
	assert.Equal(t, []string{"gcc", "-Wall"}, got.AST.Inputs.CompileCommand.Argv)
}

func TestGetCompileCommandPrefersIncluderCacheOverDatabase(t *testing.T) {
	backend := &fakeBackend{}
	cb := &fakeCallbacks{}
	db := compiledb.New()
	db.Put("a.h", compiledb.CompileCommand{File: "a.h", Arguments: []string{"fallback"}}, false)

	s := scheduler.New(scheduler.Options{
		AsyncThreadsCount: 0,
		UpdateDebounce:    debounce.FixedPolicy(time.Millisecond),
		ParsingCallbacks:  cb,
		Backend:           backend,
		CompileDB:         db,
	})

	s.IncluderCache().Establish("a.h", "main.cc", compiledb.CompileCommand{File: "main.cc", Arguments: []string{"clang", "-c", "main.cc"}}, true)

	cmd, ok := s.GetCompileCommand("a.h")
	require.True(t, ok)
	assert.Equal(t, []string{"clang", "-c", "main.cc"}, cmd.Arguments)
}

func TestGetCompileCommandFallsBackToDatabaseWhenIncluderCacheMisses(t *testing.T) {
	backend := &fakeBackend{}
	cb := &fakeCallbacks{}
	db := compiledb.New()
	db.Put("a.h", compiledb.CompileCommand{File: "a.h", Arguments: []string{"fallback"}}, false)

	s := scheduler.New(scheduler.Options{
		AsyncThreadsCount: 0,
		UpdateDebounce:    debounce.FixedPolicy(time.Millisecond),
		ParsingCallbacks:  cb,
		Backend:           backend,
		CompileDB:         db,
	})

	cmd, ok := s.GetCompileCommand("a.h")
	require.True(t, ok)
	assert.Equal(t, []string{"fallback"}, cmd.Arguments)
}

func TestGetCompileCommandMissesWhenUnknownEverywhere(t *testing.T) {
	s := newSyncScheduler(&fakeBackend{}, &fakeCallbacks{})

	_, ok := s.GetCompileCommand("missing.h")
	assert.False(t, ok)
}

func TestMetricsOptionRecordsBuildCounts(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	bm, err := observability.NewBuildMetrics(mp.Meter("test"))
	require.NoError(t, err)

	backend := &fakeBackend{}
	cb := &fakeCallbacks{}
	s := scheduler.New(scheduler.Options{
		AsyncThreadsCount: 2,
		UpdateDebounce:    debounce.FixedPolicy(time.Millisecond),
		ParsingCallbacks:  cb,
		Backend:           backend,
		Metrics:           bm,
	})
	defer func() { _ = s.Shutdown(context.Background()) }()

	s.Update(context.Background(), "a.cc", parsing.ParseInputs{Contents: []byte("int x;"), Version: 1}, astworker.WantAuto)

	require.True(t, s.BlockUntilIdle(time.Second))
	require.Eventually(t, func() bool {
		var rm metricdata.ResourceMetrics

		return reader.Collect(context.Background(), &rm) == nil && len(rm.ScopeMetrics) > 0
	}, time.Second, 10*time.Millisecond)
}
