// Package astworker implements the per-file AST worker state machine of
// spec §4.5: it consumes preambles published by a preambleworker.Worker,
// applies updates, runs reads, and implements the coalescing, cancellation
// and invalidation rules that keep worker queues short.
package astworker

import (
	"context"
	"sync"
	"time"

	"github.com/gotuscheduler/tuscheduler/internal/astcache"
	"github.com/gotuscheduler/tuscheduler/internal/ctxchain"
	"github.com/gotuscheduler/tuscheduler/internal/debounce"
	"github.com/gotuscheduler/tuscheduler/internal/parsing"
	"github.com/gotuscheduler/tuscheduler/internal/preambleworker"
	"github.com/gotuscheduler/tuscheduler/internal/taskqueue"
)

// Want controls whether an update requests diagnostics delivery.
type Want int

const (
	// WantAuto lets the worker decide based on whether the content hash
	// of the diagnostics changed since the last delivery.
	WantAuto Want = iota
	// WantYes always delivers diagnostics for this update.
	WantYes
	// WantNo never delivers diagnostics for this update.
	WantNo
)

// Consistency controls how a preamble read tolerates staleness.
type Consistency int

const (
	// Stale accepts any published preamble, however old.
	Stale Consistency = iota
	// StaleOrAbsent is like Stale but proceeds with a nil preamble if the
	// file disappears before one is ever published.
	StaleOrAbsent
	// Consistent waits until the preamble's version matches current inputs.
	Consistent
)

// InputsAndAST is delivered to an R's callback.
type InputsAndAST struct {
	Inputs parsing.ParseInputs
	AST    *parsing.ASTArtifact
	Err    error
}

// InputsAndPreamble is delivered to a P's callback.
type InputsAndPreamble struct {
	Inputs   parsing.ParseInputs
	Preamble *parsing.PreambleArtifact
}

// Action reports the AST worker's current status for observability (spec §6).
type Action int

const (
	// ActionIdle means the queue is empty and nothing is running.
	ActionIdle Action = iota
	// ActionQueued means work is waiting to be dequeued.
	ActionQueued
	// ActionRunningAction means a dequeued R or P is executing f, or a
	// dequeued U has not yet started its AST build.
	ActionRunningAction
	// ActionBuilding means an AST build is in flight.
	ActionBuilding
)

// pollInterval bounds how promptly a debounce wait notices a newer update
// or shutdown, without busy-waiting (spec §5).
const pollInterval = 5 * time.Millisecond

type opKind int

const (
	opUpdate opKind = iota
	opRead
	opPreambleRead
)

// op is the mutable payload stashed in a taskqueue.Task, matching the
// coalescing rules' need to mark a queued item dead/cancelled in place.
type op struct {
	kind opKind

	// U fields.
	inputs parsing.ParseInputs
	want   Want

	// R fields.
	readFn             func(InputsAndAST)
	invalidateOnUpdate bool

	// P fields.
	preambleFn  func(InputsAndPreamble)
	consistency Consistency

	token *ctxchain.Token
}

// Worker is the per-file AST state machine.
type Worker struct {
	file      string
	backend   parsing.Backend
	callbacks parsing.Callbacks
	cache     *astcache.Cache
	debounce  debounce.Policy

	preamble *preambleworker.Worker

	synchronous bool
	queue       *taskqueue.Queue
	history     *debounce.History

	mu                sync.Mutex
	currentInputs     *parsing.ParseInputs
	lastBuiltAST      *parsing.ASTArtifact
	lastDiagDelivered string
	lastErr           error
	astBuilds         int64
	action            Action

	preambleSignal chan struct{}

	done       chan struct{}
	loopCtx    context.Context
	loopCancel context.CancelFunc
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// Options configures a new Worker.
type Options struct {
	File      string
	Backend   parsing.Backend
	Callbacks parsing.Callbacks
	Cache     *astcache.Cache
	Debounce  debounce.Policy
	Preamble  *preambleworker.Worker

	// Synchronous, when true, executes every op inline on the calling
	// goroutine (spec §5, AsyncThreadsCount == 0).
	Synchronous bool
}

// New constructs a Worker and, unless Synchronous, starts its run loop.
func New(opts Options) *Worker {
	loopCtx, loopCancel := context.WithCancel(context.Background())

	w := &Worker{
		file:           opts.File,
		backend:        opts.Backend,
		callbacks:      opts.Callbacks,
		cache:          opts.Cache,
		debounce:       opts.Debounce,
		preamble:       opts.Preamble,
		synchronous:    opts.Synchronous,
		queue:          taskqueue.New(),
		history:        debounce.NewHistory(10), //nolint:mnd // matches debounce's own rolling window default
		preambleSignal: make(chan struct{}, 1),
		done:           make(chan struct{}),
		loopCtx:        loopCtx,
		loopCancel:     loopCancel,
	}

	if !w.synchronous {
		w.wg.Add(1)

		go w.loop()
	}

	return w
}

// NotifyPreamble is the preambleworker.Notifier the owner wires up so this
// worker wakes up when a preamble publishes or fails.
func (w *Worker) NotifyPreamble(_ *parsing.PreambleArtifact, _ error) {
	select {
	case w.preambleSignal <- struct{}{}:
	default:
	}
}

// Update enqueues U(inputs, want), applying the coalescing/cancellation
// rules of spec §4.5 against the current tail before pushing.
func (w *Worker) Update(ctx context.Context, inputs parsing.ParseInputs, want Want) {
	w.mu.Lock()
	prevInputs := w.currentInputs
	w.mu.Unlock()

	contentEquivalent := prevInputs != nil &&
		!inputs.ForceRebuild &&
		string(prevInputs.Contents) == string(inputs.Contents) &&
		prevInputs.File == inputs.File &&
		prevInputs.FSToken == inputs.FSToken &&
		parsing.CompileCommandEqual(prevInputs.CompileCommand, inputs.CompileCommand)

	w.coalesceOnUpdate(contentEquivalent)

	task := &taskqueue.Task{
		Name:      "update",
		Ctx:       ctxchain.WithFile(ctx, inputs.File),
		CreatedAt: time.Now(),
		Payload:   &op{kind: opUpdate, inputs: inputs, want: want},
	}

	w.queue.PushBack(task)

	if w.synchronous {
		w.drainSync()
	}
}

// coalesceOnUpdate implements rules 1-3: drop a dead-Auto tail update, then
// walk backwards cancelling invalidate-on-update reads, unless the new
// update is a content-equivalent no-op refresh.
func (w *Worker) coalesceOnUpdate(contentEquivalent bool) {
	w.queue.RemoveTailIf(func(t *taskqueue.Task) bool {
		o, ok := t.Payload.(*op)

		return ok && o.kind == opUpdate && o.want == WantAuto
	})

	if contentEquivalent {
		return
	}

	w.queue.RangeFromTail(func(t *taskqueue.Task) bool {
		o, ok := t.Payload.(*op)
		if !ok {
			return false
		}

		if o.kind != opRead || !o.invalidateOnUpdate {
			return false // not an invalidate-on-update read: stop the walk here
		}

		if o.token != nil {
			o.token.Cancel(ctxchain.ReasonContentModified)
		}

		return true
	})
}

// RunWithAST enqueues R(name, f, invalidateOnUpdate).
func (w *Worker) RunWithAST(ctx context.Context, name string, invalidateOnUpdate bool, f func(InputsAndAST)) {
	tok := ctxchain.NewToken()
	ctx = ctxchain.WithToken(ctx, tok)

	task := &taskqueue.Task{
		Name:      name,
		Ctx:       ctxchain.WithFile(ctx, w.file),
		CreatedAt: time.Now(),
		Payload:   &op{kind: opRead, readFn: f, invalidateOnUpdate: invalidateOnUpdate, token: tok},
	}

	w.queue.PushBack(task)

	if w.synchronous {
		w.drainSync()
	}
}

// RunWithPreamble enqueues P(name, f, consistency).
func (w *Worker) RunWithPreamble(ctx context.Context, name string, consistency Consistency, f func(InputsAndPreamble)) {
	task := &taskqueue.Task{
		Name:      name,
		Ctx:       ctxchain.WithFile(ctx, w.file),
		CreatedAt: time.Now(),
		Payload:   &op{kind: opPreambleRead, preambleFn: f, consistency: consistency},
	}

	w.queue.PushBack(task)

	if w.synchronous {
		w.drainSync()
	}
}

// Shutdown tears the worker down: queued items are cancelled with
// ReasonShutdown (U callbacks never fire; R/P receive cancellation), and
// the run loop exits once the current op (if any) completes.
func (w *Worker) Shutdown() {
	w.closeOnce.Do(func() {
		close(w.done)
		w.loopCancel()

		drained := w.queue.Drain()
		for _, t := range drained {
			w.cancelQueued(t)
		}
	})

	w.wg.Wait()
}

func (w *Worker) cancelQueued(t *taskqueue.Task) {
	o, ok := t.Payload.(*op)
	if !ok {
		return
	}

	switch o.kind {
	case opRead:
		if o.readFn != nil {
			o.readFn(InputsAndAST{Err: &CancelledError{Reason: ctxchain.ReasonShutdown}})
		}
	case opPreambleRead:
		if o.preambleFn != nil {
			o.preambleFn(InputsAndPreamble{})
		}
	case opUpdate:
		// Dead writes never fire.
	}
}

// Action reports the worker's current status.
func (w *Worker) Action() Action {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.action != ActionIdle {
		return w.action
	}

	if w.queue.Len() > 0 {
		return ActionQueued
	}

	return ActionIdle
}

// ASTBuilds returns the number of completed AST build attempts.
func (w *Worker) ASTBuilds() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.astBuilds
}

// HasCachedAST reports whether this file currently has a built AST in hand.
func (w *Worker) HasCachedAST() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.lastBuiltAST != nil
}

func (w *Worker) setAction(a Action) {
	w.mu.Lock()
	w.action = a
	w.mu.Unlock()
}

func (w *Worker) loop() {
	defer w.wg.Done()

	for {
		task, ok := w.queue.PopFront(w.loopCtx)
		if !ok {
			return
		}

		w.execute(task)
	}
}

// drainSync runs every currently queued task to completion, for
// synchronous (AsyncThreadsCount == 0) mode.
func (w *Worker) drainSync() {
	for {
		task, ok := w.queue.PopFront(w.loopCtx)
		if !ok {
			return
		}

		w.execute(task)

		if w.queue.Len() == 0 {
			return
		}
	}
}

func (w *Worker) execute(task *taskqueue.Task) {
	o, ok := task.Payload.(*op)
	if !ok {
		return
	}

	switch o.kind {
	case opUpdate:
		w.executeUpdate(task.Ctx, o)
	case opRead:
		w.executeRead(task.Ctx, o)
	case opPreambleRead:
		w.executePreambleRead(task.Ctx, o)
	}

	w.setAction(ActionIdle)
}

func (w *Worker) executeRead(ctx context.Context, o *op) {
	w.setAction(ActionRunningAction)

	if o.token != nil && o.token.Cancelled() {
		o.readFn(InputsAndAST{Err: &CancelledError{Reason: o.token.Reason()}})

		return
	}

	w.mu.Lock()
	inputs := w.currentInputs
	last := w.lastBuiltAST
	w.mu.Unlock()

	if inputs == nil {
		o.readFn(InputsAndAST{Err: ErrFileNotTracked})

		return
	}

	fp := w.backend.Fingerprint(*inputs)

	if last != nil && last.Fingerprint == fp {
		o.readFn(InputsAndAST{Inputs: *inputs, AST: last})

		return
	}

	if cached, hit := w.cache.TakeIfFingerprintMatches(inputs.File, fp); hit {
		w.mu.Lock()
		w.lastBuiltAST = cached
		w.mu.Unlock()

		o.readFn(InputsAndAST{Inputs: *inputs, AST: cached})

		return
	}

	w.setAction(ActionBuilding)

	artifact, err := w.backend.BuildAST(ctx, *inputs, w.publishedPreamble())

	w.mu.Lock()
	w.astBuilds++
	w.mu.Unlock()

	if err != nil {
		o.readFn(InputsAndAST{Inputs: *inputs, Err: &ParseError{Err: err}})

		return
	}

	w.mu.Lock()
	w.lastBuiltAST = artifact
	w.mu.Unlock()

	w.cache.Put(inputs.File, artifact, artifact.Fingerprint, inputs.Contents)

	o.readFn(InputsAndAST{Inputs: *inputs, AST: artifact})
}

func (w *Worker) executePreambleRead(_ context.Context, o *op) {
	w.setAction(ActionRunningAction)

	w.mu.Lock()
	inputs := w.currentInputs
	w.mu.Unlock()

	var in parsing.ParseInputs
	if inputs != nil {
		in = *inputs
	}

	switch o.consistency {
	case Consistent:
		w.waitForConsistentPreamble(in)
	case Stale:
		w.waitForAnyPreamble()
	case StaleOrAbsent:
		w.waitForAnyOrAbsentPreamble()
	}

	o.preambleFn(InputsAndPreamble{Inputs: in, Preamble: w.publishedPreamble()})
}

func (w *Worker) waitForConsistentPreamble(inputs parsing.ParseInputs) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if p := w.publishedPreamble(); p != nil && p.Version == inputs.Version {
			return
		}

		select {
		case <-w.preambleSignal:
		case <-ticker.C:
		case <-w.done:
			return
		}
	}
}

func (w *Worker) waitForAnyPreamble() {
	if w.publishedPreamble() != nil {
		return
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.preambleSignal:
			if w.publishedPreamble() != nil {
				return
			}
		case <-ticker.C:
			if w.publishedPreamble() != nil {
				return
			}
		case <-w.done:
			return
		}
	}
}

func (w *Worker) waitForAnyOrAbsentPreamble() {
	// The worker has no independent signal for "file removed"; removal
	// closes done, which this wait already treats as a reason to stop
	// waiting and proceed with whatever preamble (possibly none) exists.
	w.waitForAnyPreamble()
}

func (w *Worker) publishedPreamble() *parsing.PreambleArtifact {
	if w.preamble == nil {
		return nil
	}

	return w.preamble.Published()
}

func (w *Worker) executeUpdate(ctx context.Context, o *op) {
	w.setAction(ActionRunningAction)

	w.mu.Lock()
	w.currentInputs = &o.inputs
	last := w.lastBuiltAST
	lastDelivered := w.lastDiagDelivered
	w.mu.Unlock()

	if !o.inputs.ForceRebuild && last != nil && w.backend.Fingerprint(o.inputs) == last.Fingerprint {
		if o.want == WantYes && last.Diagnostics.ContentHash != lastDelivered {
			w.deliverDiagnostics(ctx, last.Diagnostics)
		}

		return
	}

	if w.preamble != nil {
		w.preamble.Update(ctx, o.inputs)
	}

	if w.waitDebounceOrAbandon(o) {
		return
	}

	w.buildAndDeliver(ctx, o)
}

// waitDebounceOrAbandon waits out the computed debounce window (or until a
// preamble publishes, whichever is sooner), polling for a newer update or
// shutdown. Returns true if the update should be abandoned.
func (w *Worker) waitDebounceOrAbandon(o *op) bool {
	delay := w.debounce.Compute(w.history.Snapshot())

	timer := time.NewTimer(delay)
	defer timer.Stop()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.preambleSignal:
			return false
		case <-timer.C:
			return false
		case <-ticker.C:
			if w.queue.Len() > 0 {
				return true // a newer op is already queued; abandon and let it run
			}
		case <-w.done:
			return true
		}
	}
}

func (w *Worker) buildAndDeliver(ctx context.Context, o *op) {
	w.setAction(ActionBuilding)

	start := time.Now()

	artifact, err := w.backend.BuildAST(ctx, o.inputs, w.publishedPreamble())

	dur := time.Since(start)
	w.history.Record(dur)

	w.mu.Lock()
	w.astBuilds++
	w.mu.Unlock()

	if err != nil {
		diags := parsing.DiagnosticsReport{File: o.inputs.File, Version: o.inputs.Version}

		if w.callbacks != nil {
			w.callbacks.OnFailedAST(ctx, o.inputs.File, o.inputs.Version, diags, w.gatedPublish(o.want != WantNo))
		}

		return
	}

	w.mu.Lock()
	w.lastBuiltAST = artifact
	w.mu.Unlock()

	w.cache.Put(o.inputs.File, artifact, artifact.Fingerprint, o.inputs.Contents)

	w.mu.Lock()
	changed := artifact.Diagnostics.ContentHash != w.lastDiagDelivered
	w.mu.Unlock()

	shouldPublish := o.want == WantYes || (o.want == WantAuto && changed)

	if w.callbacks != nil {
		w.callbacks.OnMainAST(ctx, artifact.File, artifact, w.gatedPublish(shouldPublish))
	}

	if shouldPublish {
		w.deliverDiagnostics(ctx, artifact.Diagnostics)
	}
}

func (w *Worker) deliverDiagnostics(_ context.Context, report parsing.DiagnosticsReport) {
	w.mu.Lock()
	w.lastDiagDelivered = report.ContentHash
	w.mu.Unlock()
}

// gatedPublish builds a parsing.PublishFunc that runs fn only if allow is
// true; otherwise the deferred delivery is dropped, implementing the
// diagnostics publish gate of spec §4.5 at the point callbacks choose to
// use it.
func (w *Worker) gatedPublish(allow bool) parsing.PublishFunc {
	return func(fn func()) {
		if allow {
			fn()
		}
	}
}
