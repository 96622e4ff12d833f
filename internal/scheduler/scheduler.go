// Package scheduler implements the Scheduler Facade of spec §4.8: the
// public entry point that owns one Preamble Worker and one AST Worker per
// tracked file, a shared auxiliary pool for run/runQuick, and the
// process-wide AST cache and includer cache.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gotuscheduler/tuscheduler/internal/astcache"
	"github.com/gotuscheduler/tuscheduler/internal/astworker"
	"github.com/gotuscheduler/tuscheduler/internal/compiledb"
	"github.com/gotuscheduler/tuscheduler/internal/ctxchain"
	"github.com/gotuscheduler/tuscheduler/internal/debounce"
	"github.com/gotuscheduler/tuscheduler/internal/includercache"
	"github.com/gotuscheduler/tuscheduler/internal/observability"
	"github.com/gotuscheduler/tuscheduler/internal/parsing"
	"github.com/gotuscheduler/tuscheduler/internal/preambleworker"
	"github.com/gotuscheduler/tuscheduler/internal/throttler"
)

// RetentionPolicy bounds the process-wide AST cache.
type RetentionPolicy struct {
	MaxRetainedASTs int
}

// Options configures a Scheduler, consumed once at construction (spec §6).
type Options struct {
	// AsyncThreadsCount selects the auxiliary pool's worker count; 0 puts
	// every worker (preamble, AST, auxiliary) in synchronous mode.
	AsyncThreadsCount int
	UpdateDebounce    debounce.Policy
	RetentionPolicy   RetentionPolicy
	ContextProvider   ctxchain.ContextProvider
	PreambleThrottler throttler.Throttler
	ParsingCallbacks  parsing.Callbacks
	Backend           parsing.Backend
	// CompileDB, if set, is consulted by Update to resolve a file's compile
	// command when the caller did not already set one on ParseInputs.
	CompileDB *compiledb.Database
	// HeaderStat, if set, is wired into every file's preamble worker as the
	// filesystem collaborator behind the §4.4 reuse rule's staleness check.
	HeaderStat preambleworker.HeaderStat
	// OnFileIdle, if set, is invoked when a poll (every idleWatchInterval)
	// first sees a file's AST and preamble workers both idle after they
	// were not. It is never invoked when AsyncThreadsCount is 0.
	OnFileIdle func(file string)
	// Metrics, if set, receives periodic build/cache counters. Recorded
	// without a per-file label to keep instrument cardinality bounded;
	// per-file detail is available via FileStats instead.
	Metrics *observability.BuildMetrics
}

type fileEntry struct {
	preamble *preambleworker.Worker
	ast      *astworker.Worker
}

// Scheduler is the process-wide facade described in spec §4.8.
type Scheduler struct {
	opts  Options
	cache *astcache.Cache
	inc   *includercache.Cache

	mu    sync.RWMutex
	files map[string]*fileEntry

	auxSem chan struct{}
	auxWG  sync.WaitGroup

	shuttingDown atomic.Bool

	lastActiveMu sync.Mutex
	lastActive   string

	idleWatch   chan struct{}
	idleWatchWG sync.WaitGroup
	wasIdleMu   sync.Mutex
	wasIdle     map[string]bool

	metricsMu          sync.Mutex
	lastPreambleBuilds map[string]int64
	lastASTBuilds      map[string]int64
	lastCacheHits      int64
	lastCacheMisses    int64
}

// New constructs a Scheduler. Backend and ParsingCallbacks are required
// collaborators; a nil PreambleThrottler defaults to unbounded admission.
func New(opts Options) *Scheduler {
	capacity := opts.RetentionPolicy.MaxRetainedASTs
	if capacity <= 0 {
		capacity = astcache.DefaultCapacity
	}

	auxWorkers := opts.AsyncThreadsCount
	if auxWorkers <= 0 {
		auxWorkers = 1
	}

	s := &Scheduler{
		opts:               opts,
		cache:              astcache.New(capacity),
		inc:                includercache.New(),
		files:              make(map[string]*fileEntry),
		auxSem:             make(chan struct{}, auxWorkers),
		idleWatch:          make(chan struct{}),
		wasIdle:            make(map[string]bool),
		lastPreambleBuilds: make(map[string]int64),
		lastASTBuilds:      make(map[string]int64),
	}

	if (opts.OnFileIdle != nil || opts.Metrics != nil) && opts.AsyncThreadsCount != 0 {
		s.idleWatchWG.Add(1)

		go s.watchIdle()
	}

	return s
}

const idleWatchInterval = 10 * time.Millisecond

// watchIdle polls per-file worker actions and fires OnFileIdle on the
// transition into ActionIdle, mirroring the small-interval poll idiom the
// AST worker itself uses to avoid a busy wait (spec §4.8).
func (s *Scheduler) watchIdle() {
	defer s.idleWatchWG.Done()

	ticker := time.NewTicker(idleWatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.idleWatch:
			return
		case <-ticker.C:
			s.pollIdleTransitions()
			s.pollMetrics()
		}
	}
}

func (s *Scheduler) pollIdleTransitions() {
	if s.opts.OnFileIdle == nil {
		return
	}

	for file, e := range s.snapshotFiles() {
		idle := e.ast.Action() == astworker.ActionIdle && e.preamble.Action() == preambleworker.ActionIdle

		s.wasIdleMu.Lock()
		was := s.wasIdle[file]
		s.wasIdle[file] = idle
		s.wasIdleMu.Unlock()

		if idle && !was {
			s.opts.OnFileIdle(file)
		}
	}
}

// pollMetrics records the increase in build counts and AST cache accesses
// since the last tick. Counters only ever grow, so a simple subtraction
// against the last observed value yields the delta to report.
func (s *Scheduler) pollMetrics() {
	if s.opts.Metrics == nil {
		return
	}

	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()

	ctx := context.Background()

	for file, e := range s.snapshotFiles() {
		preambleBuilds := e.preamble.BuildCount()
		astBuilds := e.ast.ASTBuilds()

		deltaPreamble := preambleBuilds - s.lastPreambleBuilds[file]
		deltaAST := astBuilds - s.lastASTBuilds[file]

		s.lastPreambleBuilds[file] = preambleBuilds
		s.lastASTBuilds[file] = astBuilds

		if deltaPreamble > 0 || deltaAST > 0 {
			s.opts.Metrics.RecordRun(ctx, observability.BuildStats{
				File:           file,
				PreambleBuilds: deltaPreamble,
				ASTBuilds:      deltaAST,
			})
		}
	}

	cacheStats := s.cache.Stats()

	deltaHits := cacheStats.Hits - s.lastCacheHits
	deltaMisses := cacheStats.Misses - s.lastCacheMisses
	s.lastCacheHits = cacheStats.Hits
	s.lastCacheMisses = cacheStats.Misses

	for i := int64(0); i < deltaHits; i++ {
		s.opts.Metrics.RecordRun(ctx, observability.BuildStats{CacheReadAccess: true, CacheReadHit: true})
	}

	for i := int64(0); i < deltaMisses; i++ {
		s.opts.Metrics.RecordRun(ctx, observability.BuildStats{CacheReadAccess: true, CacheReadHit: false})
	}
}

func (s *Scheduler) snapshotFiles() map[string]*fileEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := make(map[string]*fileEntry, len(s.files))
	for f, e := range s.files {
		snapshot[f] = e
	}

	return snapshot
}

func (s *Scheduler) synchronous() bool { return s.opts.AsyncThreadsCount == 0 }

// LastActiveFile returns the most recently updated file path, or "" if
// none has been updated yet.
func (s *Scheduler) LastActiveFile() string {
	s.lastActiveMu.Lock()
	defer s.lastActiveMu.Unlock()

	return s.lastActive
}

// Update is the fire-and-forget enqueue of U (spec §4.8).
func (s *Scheduler) Update(ctx context.Context, file string, inputs parsing.ParseInputs, want astworker.Want) {
	ctx = s.opts.ContextProvider.Apply(ctx, file)

	entry := s.getOrCreate(file)
	inputs.File = file

	if s.opts.CompileDB != nil && len(inputs.CompileCommand.Argv) == 0 {
		if cmd, kind := s.opts.CompileDB.Lookup(file); kind != compiledb.KindNone {
			inputs.CompileCommand = parsing.CompileCommand{
				Argv:      cmd.Arguments,
				Dir:       cmd.Directory,
				Heuristic: kind == compiledb.KindHeuristic,
			}
		}
	}

	s.lastActiveMu.Lock()
	s.lastActive = file
	s.lastActiveMu.Unlock()

	entry.ast.Update(ctx, inputs, want)
}

// Remove tears down file's worker; a no-op for files never updated.
func (s *Scheduler) Remove(file string) {
	s.mu.Lock()
	entry, ok := s.files[file]
	if ok {
		delete(s.files, file)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	entry.preamble.Shutdown()
	entry.ast.Shutdown()
	s.cache.Evict(file)
	s.inc.InvalidateMain(file)
}

// RunWithAST enqueues R for file.
func (s *Scheduler) RunWithAST(ctx context.Context, name, file string, invalidateOnUpdate bool, f func(astworker.InputsAndAST)) {
	ctx = s.opts.ContextProvider.Apply(ctx, file)

	entry, ok := s.lookup(file)
	if !ok {
		f(astworker.InputsAndAST{Err: astworker.ErrFileNotTracked})

		return
	}

	entry.ast.RunWithAST(ctx, name, invalidateOnUpdate, f)
}

// RunWithPreamble enqueues P for file.
func (s *Scheduler) RunWithPreamble(
	ctx context.Context, name, file string, consistency astworker.Consistency, f func(astworker.InputsAndPreamble),
) {
	ctx = s.opts.ContextProvider.Apply(ctx, file)

	entry, ok := s.lookup(file)
	if !ok {
		f(astworker.InputsAndPreamble{})

		return
	}

	entry.ast.RunWithPreamble(ctx, name, consistency, f)
}

// Run executes f on the shared auxiliary pool. file, if non-empty, only
// binds context (spec §4.8); it does not route to that file's worker.
// Run is a no-op once Shutdown has begun.
func (s *Scheduler) Run(ctx context.Context, file string, f func(context.Context)) {
	if s.shuttingDown.Load() {
		return
	}

	if file != "" {
		ctx = ctxchain.WithFile(ctx, file)
	}

	ctx = s.opts.ContextProvider.Apply(ctx, file)

	if s.synchronous() {
		f(ctx)

		return
	}

	s.auxWG.Add(1)

	go func() {
		defer s.auxWG.Done()

		s.auxSem <- struct{}{}
		defer func() { <-s.auxSem }()

		if s.shuttingDown.Load() {
			return
		}

		f(ctx)
	}()
}

// RunQuick is like Run but signals the caller's intent for low-latency
// work; the auxiliary pool does not otherwise distinguish it.
func (s *Scheduler) RunQuick(ctx context.Context, file string, f func(context.Context)) {
	s.Run(ctx, file, f)
}

// BlockUntilIdle waits until every worker (preamble, AST, auxiliary) is
// idle, or timeout elapses. In synchronous mode this is trivially true
// (spec §5).
func (s *Scheduler) BlockUntilIdle(timeout time.Duration) bool {
	if s.synchronous() {
		return true
	}

	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if s.allIdle() {
			return true
		}

		time.Sleep(idlePollInterval)
	}

	return s.allIdle()
}

const idlePollInterval = 2 * time.Millisecond

func (s *Scheduler) allIdle() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.files {
		if e.ast.Action() != astworker.ActionIdle {
			return false
		}

		if e.preamble.Action() != preambleworker.ActionIdle {
			return false
		}
	}

	return len(s.auxSem) == 0
}

// FileStats reports per-file preamble/AST build counts.
type FileStats struct {
	PreambleBuilds int64
	ASTBuilds      int64
	// CachedSourceBytes is the length of the source bytes retained
	// alongside the AST cache's entry for file, decompressed on demand
	// from the cache's lz4-compressed retention copy; 0 if nothing is
	// cached.
	CachedSourceBytes int
}

// FileStats returns build counters for file, or (zero, false) if untracked.
func (s *Scheduler) FileStats(file string) (FileStats, bool) {
	entry, ok := s.lookup(file)
	if !ok {
		return FileStats{}, false
	}

	stats := FileStats{
		PreambleBuilds: entry.preamble.BuildCount(),
		ASTBuilds:      entry.ast.ASTBuilds(),
	}

	if source, hit := s.cache.SourceBytes(file); hit {
		stats.CachedSourceBytes = len(source)
	}

	return stats, true
}

// GetFilesWithCachedAST returns files whose AST worker currently holds a
// built AST.
func (s *Scheduler) GetFilesWithCachedAST() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.files))

	for file, e := range s.files {
		if e.ast.HasCachedAST() {
			out = append(out, file)
		}
	}

	return out
}

// GetFileBeingProcessedInContext returns the file bound to ctx, if any.
// The scheduler binds a file to the context passed to every task body at
// execution time; this accessor works for tasks executing on any worker.
func (s *Scheduler) GetFileBeingProcessedInContext(ctx context.Context) (string, bool) {
	return ctxchain.FileFromContext(ctx)
}

// IncluderCache exposes the process-wide includer cache to the compile
// command lookup path.
func (s *Scheduler) IncluderCache() *includercache.Cache { return s.inc }

// GetCompileCommand resolves the compile command that should be used for
// header, the scheduler-facing half of the includer cache (spec §4.7): a
// valid includer-cache association takes priority since it reflects a main
// file's preamble actually including header; the compile-command database
// is the fallback for headers that carry their own entry.
func (s *Scheduler) GetCompileCommand(header string) (compiledb.CompileCommand, bool) {
	if cmd, ok := s.inc.CompileCommand(header); ok {
		return cmd, true
	}

	if s.opts.CompileDB == nil {
		return compiledb.CompileCommand{}, false
	}

	cmd, kind := s.opts.CompileDB.Lookup(header)
	if kind == compiledb.KindNone {
		return compiledb.CompileCommand{}, false
	}

	return cmd, true
}

// ASTCache exposes the process-wide AST cache for observability.
func (s *Scheduler) ASTCache() *astcache.Cache { return s.cache }

// Shutdown tears down every tracked file's workers and waits for the
// auxiliary pool to drain, fanning the per-file teardowns out with
// errgroup so shutdown latency is bounded by the slowest single worker.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)

	select {
	case <-s.idleWatch:
	default:
		close(s.idleWatch)
	}

	s.idleWatchWG.Wait()

	s.mu.Lock()
	files := s.files
	s.files = make(map[string]*fileEntry)
	s.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)

	for _, e := range files {
		e := e
		g.Go(func() error {
			e.preamble.Shutdown()
			e.ast.Shutdown()

			return nil
		})
	}

	err := g.Wait()

	s.auxWG.Wait()

	return err
}

func (s *Scheduler) lookup(file string) (*fileEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.files[file]

	return e, ok
}

func (s *Scheduler) getOrCreate(file string) *fileEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.files[file]; ok {
		return e
	}

	// preambleworker.Options.Notify must reference the AST worker's
	// NotifyPreamble method, but astworker.Options.Preamble must reference
	// the preamble worker. Break the cycle with a forwarding closure that
	// captures aw by reference; it is never invoked until after both
	// workers exist, since no update reaches the preamble worker before
	// this function returns.
	var aw *astworker.Worker

	pw := preambleworker.New(preambleworker.Options{
		File:      file,
		Backend:   s.opts.Backend,
		Throttler: s.opts.PreambleThrottler,
		Callbacks: s.opts.ParsingCallbacks,
		Notify: func(artifact *parsing.PreambleArtifact, err error) {
			aw.NotifyPreamble(artifact, err)
		},
		Stat:        s.opts.HeaderStat,
		Includer:    s.inc,
		Synchronous: s.synchronous(),
	})

	aw = astworker.New(astworker.Options{
		File:        file,
		Backend:     s.opts.Backend,
		Callbacks:   s.opts.ParsingCallbacks,
		Cache:       s.cache,
		Debounce:    s.opts.UpdateDebounce,
		Preamble:    pw,
		Synchronous: s.synchronous(),
	})

	e := &fileEntry{preamble: pw, ast: aw}
	s.files[file] = e

	return e
}
