// Package throttler defines the optional global admission gate for
// preamble builds (spec §4.8, §6) and a reference semaphore-based
// implementation.
package throttler

import "sync"

// RequestID identifies one acquisition request, returned by Acquire and
// passed back to Release.
type RequestID uint64

// Throttler gates preamble builds. Ordering and concurrency among pending
// acquisitions are entirely the throttler's choice; callers must not assume
// fairness. Release is idempotent and safe before or after onReady fires.
type Throttler interface {
	Acquire(filePath string, onReady func()) RequestID
	Release(id RequestID)
}

// Semaphore is a reference Throttler bounding the number of preamble builds
// running concurrently across all files. A build that cannot acquire a slot
// immediately queues FIFO and is admitted as slots free up.
type Semaphore struct {
	mu       sync.Mutex
	limit    int
	inFlight int
	nextID   RequestID
	waiters  map[RequestID]func()
	order    []RequestID
	released map[RequestID]bool
}

// NewSemaphore returns a Semaphore admitting at most limit concurrent
// builds. limit <= 0 is treated as unbounded (every acquire is immediate).
func NewSemaphore(limit int) *Semaphore {
	return &Semaphore{
		limit:    limit,
		waiters:  make(map[RequestID]func()),
		released: make(map[RequestID]bool),
	}
}

// Acquire requests a slot for filePath. onReady is invoked at most once,
// either synchronously (a free slot exists) or later from a subsequent
// Release call, unless the request is released first.
func (s *Semaphore) Acquire(filePath string, onReady func()) RequestID {
	_ = filePath

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID

	if s.limit <= 0 || s.inFlight < s.limit {
		s.inFlight++
		s.mu.Unlock()
		onReady()
		s.mu.Lock()

		return id
	}

	s.waiters[id] = onReady
	s.order = append(s.order, id)

	return id
}

// Release frees the slot held or awaited by id. Idempotent: releasing an
// id twice, or one whose onReady never ran, is safe.
func (s *Semaphore) Release(id RequestID) {
	s.mu.Lock()

	if s.released[id] {
		s.mu.Unlock()

		return
	}
	s.released[id] = true

	if _, waiting := s.waiters[id]; waiting {
		delete(s.waiters, id)
		s.mu.Unlock()

		return
	}

	s.inFlight--

	var next func()

	for len(s.order) > 0 {
		head := s.order[0]
		s.order = s.order[1:]

		fn, ok := s.waiters[head]
		if !ok {
			continue
		}

		delete(s.waiters, head)
		s.inFlight++
		next = fn

		break
	}

	s.mu.Unlock()

	if next != nil {
		next()
	}
}

// Unbounded is a Throttler that admits every request immediately, matching
// the "no throttler configured" default behavior.
type Unbounded struct{}

// Acquire always calls onReady synchronously.
func (Unbounded) Acquire(_ string, onReady func()) RequestID {
	onReady()

	return 0
}

// Release is a no-op.
func (Unbounded) Release(RequestID) {}
