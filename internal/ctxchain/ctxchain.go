// Package ctxchain implements the scheduler's context propagation and
// cancellation primitives. A context is an immutable, chain-structured
// mapping from keys to values: Go's context.Context already has exactly
// that shape, so this package adds typed accessors on top of it rather
// than inventing a parallel mechanism.
package ctxchain

import (
	"context"
	"sync/atomic"
)

type fileKey struct{}

type tokenKey struct{}

// WithFile derives a child context bound to the given file path. Tasks
// enqueued with this context carry the binding to wherever they execute.
func WithFile(ctx context.Context, file string) context.Context {
	return context.WithValue(ctx, fileKey{}, file)
}

// FileFromContext returns the file path bound to ctx, if any. The AST/Preamble
// workers bind a file to every task's context at enqueue time; runQuick/run
// on the auxiliary pool may leave it unset.
func FileFromContext(ctx context.Context) (string, bool) {
	f, ok := ctx.Value(fileKey{}).(string)

	return f, ok
}

// WithToken derives a child context carrying the given cancellation token.
func WithToken(ctx context.Context, tok *Token) context.Context {
	return context.WithValue(ctx, tokenKey{}, tok)
}

// TokenFromContext returns the cancellation token bound to ctx, if any.
func TokenFromContext(ctx context.Context) (*Token, bool) {
	tok, ok := ctx.Value(tokenKey{}).(*Token)

	return tok, ok
}

// Reason identifies why a task was cancelled.
type Reason int

// Cancellation reasons, per spec §5.
const (
	// ReasonNone means the token has not been cancelled.
	ReasonNone Reason = iota
	// ReasonUserCancel is an explicit cancel requested by the caller.
	ReasonUserCancel
	// ReasonContentModified means a subsequent update invalidated the task.
	ReasonContentModified
	// ReasonShutdown means the scheduler or worker is tearing down.
	ReasonShutdown
)

// String renders the reason for logs and error messages.
func (r Reason) String() string {
	switch r {
	case ReasonUserCancel:
		return "UserCancel"
	case ReasonContentModified:
		return "ContentModified"
	case ReasonShutdown:
		return "Shutdown"
	default:
		return "None"
	}
}

// Token is a cancellation token. Its zero value is live (uncancelled).
// Setting the reason is atomic; readers observe it via Reason/Cancelled.
// A Token is safe to share between the producer that may cancel it and any
// number of consumers that merely observe it.
type Token struct {
	reason atomic.Int32
}

// NewToken returns a fresh, live cancellation token.
func NewToken() *Token {
	return &Token{}
}

// Cancel publishes reason atomically. Only the first call takes effect;
// later calls (even with a different reason) are no-ops, matching the
// "cancelled exactly once" contract in spec §5.
func (t *Token) Cancel(reason Reason) bool {
	return t.reason.CompareAndSwap(int32(ReasonNone), int32(reason))
}

// Cancelled reports whether the token has been cancelled.
func (t *Token) Cancelled() bool {
	return Reason(t.reason.Load()) != ReasonNone
}

// Reason returns the cancellation reason, or ReasonNone if still live.
func (t *Token) Reason() Reason {
	return Reason(t.reason.Load())
}

// ContextProvider augments a context derived for tasks bound to filePath.
// Configured once on the scheduler; invoked for every task bound to a file
// so the host can attach per-file metadata (spec §4.1).
type ContextProvider func(ctx context.Context, filePath string) context.Context

// Apply runs p if non-nil, otherwise returns ctx unchanged.
func (p ContextProvider) Apply(ctx context.Context, filePath string) context.Context {
	if p == nil {
		return ctx
	}

	return p(ctx, filePath)
}
