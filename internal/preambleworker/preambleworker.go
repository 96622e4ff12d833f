// Package preambleworker implements the per-file preamble build pipeline
// of spec §4.4: builds are serialized, pending inputs are coalesced to the
// latest, builds are gated by an optional throttler, and a successful
// build is published to the AST worker and the parsing callbacks.
package preambleworker

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/gotuscheduler/tuscheduler/internal/compiledb"
	"github.com/gotuscheduler/tuscheduler/internal/ctxchain"
	"github.com/gotuscheduler/tuscheduler/internal/includercache"
	"github.com/gotuscheduler/tuscheduler/internal/parsing"
	"github.com/gotuscheduler/tuscheduler/internal/throttler"
)

// Action reports the preamble worker's current status for observability
// (spec §6).
type Action int

const (
	// ActionIdle means no build is queued or running.
	ActionIdle Action = iota
	// ActionBuilding means a build is in flight.
	ActionBuilding
)

// Notifier is invoked after every build attempt, successful or not, so the
// owning AST worker can react to a newly published preamble or a failure.
type Notifier func(artifact *parsing.PreambleArtifact, err error)

// HeaderStat resolves a header file's last-modified time, the filesystem
// collaborator the §4.4 reuse rule's staleness check queries. A nil
// HeaderStat is treated as "no header has changed": the rule's other two
// conditions still gate reuse.
type HeaderStat interface {
	ModTime(path string) (time.Time, error)
}

// buildRecord captures the preamble-affecting portion of the inputs a real
// build last ran against, for the next build's reuse check (spec §4.4).
type buildRecord struct {
	prefix   []byte
	command  parsing.CompileCommand
	includes []string
	builtAt  time.Time
}

// Worker serializes preamble builds for one file. Safe for concurrent
// Update/Shutdown calls; at most one build runs at a time.
type Worker struct {
	file        string
	backend     parsing.Backend
	throttler   throttler.Throttler
	callbacks   parsing.Callbacks
	notify      Notifier
	stat        HeaderStat
	includer    *includercache.Cache
	synchronous bool

	mu            sync.Mutex
	pending       *parsing.ParseInputs
	building      bool
	published     *parsing.PreambleArtifact
	publishedHash string
	buildCount    int64
	lastBuild     *buildRecord

	wake chan struct{}
	done chan struct{}

	closeOnce sync.Once
}

// Options configures a new Worker.
type Options struct {
	File      string
	Backend   parsing.Backend
	Throttler throttler.Throttler
	Callbacks parsing.Callbacks
	Notify    Notifier
	// Stat resolves header modification times for the reuse rule's
	// staleness check. Nil disables that check.
	Stat HeaderStat
	// Includer, if set, is kept in step with every real preamble build's
	// parsed include list (spec §4.7).
	Includer *includercache.Cache
	// Synchronous, when true, makes Update build inline on the calling
	// goroutine instead of handing off to a worker loop (spec §5,
	// AsyncThreadsCount == 0).
	Synchronous bool
}

// New starts (or, in synchronous mode, prepares) a preamble worker for a
// single file.
func New(opts Options) *Worker {
	th := opts.Throttler
	if th == nil {
		th = throttler.Unbounded{}
	}

	w := &Worker{
		file:        opts.File,
		backend:     opts.Backend,
		throttler:   th,
		callbacks:   opts.Callbacks,
		notify:      opts.Notify,
		stat:        opts.Stat,
		includer:    opts.Includer,
		synchronous: opts.Synchronous,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}

	if !w.synchronous {
		go w.loop()
	}

	return w
}

// Update submits new inputs for building. If a build is already running,
// inputs replace any previously pending inputs (coalescing); the worker
// will pick up the latest once the current build finishes.
func (w *Worker) Update(ctx context.Context, inputs parsing.ParseInputs) {
	w.mu.Lock()
	w.pending = &inputs
	w.mu.Unlock()

	if w.synchronous {
		w.drainPending(ctx)

		return
	}

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Shutdown stops the worker loop. Any build awaiting throttler acquisition
// is released regardless of whether onReady has fired (spec §5, §7).
func (w *Worker) Shutdown() {
	w.closeOnce.Do(func() { close(w.done) })
}

// Action reports whether a build is currently running.
func (w *Worker) Action() Action {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.building {
		return ActionBuilding
	}

	return ActionIdle
}

// BuildCount returns the number of completed preamble build attempts
// (success or failure), for the scheduler's fileStats().
func (w *Worker) BuildCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.buildCount
}

// Published returns the most recently installed preamble artifact, if any.
func (w *Worker) Published() *parsing.PreambleArtifact {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.published
}

func (w *Worker) loop() {
	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
			w.drainPending(context.Background())
		}
	}
}

// drainPending builds every pending input in turn until none remain,
// draining coalesced updates that arrived mid-build.
func (w *Worker) drainPending(ctx context.Context) {
	for {
		w.mu.Lock()
		inputs := w.pending
		w.pending = nil
		w.mu.Unlock()

		if inputs == nil {
			return
		}

		w.build(ctx, *inputs)
	}
}

func (w *Worker) build(ctx context.Context, inputs parsing.ParseInputs) {
	ctx = ctxchain.WithFile(ctx, inputs.File)

	if w.tryReuse(ctx, inputs) {
		return
	}

	ready := make(chan struct{})

	reqID := w.throttler.Acquire(inputs.File, func() { close(ready) })

	select {
	case <-ready:
	case <-w.done:
		w.throttler.Release(reqID)

		return
	}

	w.mu.Lock()
	w.building = true
	w.mu.Unlock()

	prev := w.Published()

	artifact, err := w.backend.BuildPreamble(ctx, inputs, prev)

	w.throttler.Release(reqID)

	w.mu.Lock()
	w.building = false
	w.buildCount++
	w.mu.Unlock()

	if err != nil {
		if w.notify != nil {
			w.notify(nil, err)
		}

		return
	}

	w.recordBuild(inputs, artifact)
	w.publish(ctx, artifact)
}

// tryReuse implements the §4.4 reuse rule: skip the build and republish the
// currently published preamble, unchanged, when the new inputs' preamble-
// affecting portion (compile command plus file prefix up to the last real
// build's preamble span) matches the last real build's, no header that
// build's preamble included has a newer filesystem timestamp, and the
// caller did not set ForceRebuild.
func (w *Worker) tryReuse(ctx context.Context, inputs parsing.ParseInputs) bool {
	if inputs.ForceRebuild {
		return false
	}

	w.mu.Lock()
	last := w.lastBuild
	published := w.published
	w.mu.Unlock()

	if last == nil || published == nil {
		return false
	}

	if !parsing.CompileCommandEqual(last.command, inputs.CompileCommand) {
		return false
	}

	if len(inputs.Contents) < len(last.prefix) || !bytes.Equal(inputs.Contents[:len(last.prefix)], last.prefix) {
		return false
	}

	if w.stat != nil {
		for _, header := range last.includes {
			mt, err := w.stat.ModTime(header)
			if err == nil && mt.After(last.builtAt) {
				return false
			}
		}
	}

	reused := *published
	reused.Version = inputs.Version

	w.publish(ctx, &reused)

	return true
}

// recordBuild captures the preamble-affecting portion of a real build's
// inputs for the next reuse check, and reconciles the includer cache with
// the header set artifact's preamble now depends on.
func (w *Worker) recordBuild(inputs parsing.ParseInputs, artifact *parsing.PreambleArtifact) {
	prefixLen := artifact.SizeBytes
	if prefixLen > len(inputs.Contents) {
		prefixLen = len(inputs.Contents)
	}

	prefix := make([]byte, prefixLen)
	copy(prefix, inputs.Contents[:prefixLen])

	w.mu.Lock()
	var previousIncludes []string
	if w.lastBuild != nil {
		previousIncludes = w.lastBuild.includes
	}

	w.lastBuild = &buildRecord{
		prefix:   prefix,
		command:  inputs.CompileCommand,
		includes: artifact.Includes,
		builtAt:  time.Now(),
	}
	w.mu.Unlock()

	w.reconcileIncluder(inputs, artifact.Includes, previousIncludes)
}

// reconcileIncluder establishes header associations rooted at this worker's
// file for every header its latest preamble includes, using its own
// compile command, and invalidates (without removing) associations for
// headers it no longer includes (spec §4.7).
func (w *Worker) reconcileIncluder(inputs parsing.ParseInputs, current, previous []string) {
	if w.includer == nil {
		return
	}

	inCurrent := make(map[string]struct{}, len(current))
	for _, header := range current {
		inCurrent[header] = struct{}{}
	}

	cmd := compiledb.CompileCommand{
		File:      inputs.File,
		Directory: inputs.CompileCommand.Dir,
		Arguments: inputs.CompileCommand.Argv,
	}

	if len(cmd.Arguments) > 0 {
		authoritative := !inputs.CompileCommand.Heuristic
		for header := range inCurrent {
			w.includer.Establish(header, inputs.File, cmd, authoritative)
		}
	}

	for _, header := range previous {
		if _, ok := inCurrent[header]; !ok {
			w.includer.Invalidate(header, inputs.File)
		}
	}
}

func (w *Worker) publish(ctx context.Context, artifact *parsing.PreambleArtifact) {
	w.mu.Lock()
	isNew := artifact.ContentHash != w.publishedHash
	w.published = artifact
	w.publishedHash = artifact.ContentHash
	w.mu.Unlock()

	if w.callbacks != nil {
		w.callbacks.OnPreambleAST(ctx, artifact.File, artifact.Version, artifact)
	}

	if isNew && w.callbacks != nil {
		w.callbacks.OnPreamblePublished(artifact.File)
	}

	if w.notify != nil {
		w.notify(artifact, nil)
	}
}
