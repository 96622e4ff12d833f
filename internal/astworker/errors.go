package astworker

import (
	"errors"
	"fmt"

	"github.com/gotuscheduler/tuscheduler/internal/ctxchain"
)

// ErrFileNotTracked is returned to callers operating on a path the
// scheduler never saw an update for (spec §6, §7).
var ErrFileNotTracked = errors.New("tuscheduler: file not tracked")

// CancelledError reports that a task was cancelled with a specific reason,
// delivered to the caller's callback exactly once (spec §5).
type CancelledError struct {
	Reason ctxchain.Reason
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("tuscheduler: cancelled: %s", e.Reason)
}

// ParseError wraps a parser-collaborator failure surfaced to a read.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("tuscheduler: parse error: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
