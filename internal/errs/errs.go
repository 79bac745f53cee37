// Package errs defines the error taxonomy shared by the runtime packages.
//
// Callers wrap the sentinels with context using fmt.Errorf and %w, and
// classify with Is or KindOf:
//
//	if errs.Is(err, errs.ErrNotFound) { ... }
//	switch errs.KindOf(err) { case errs.KindResourceExhausted: ... }
//
// Invariant violations inside the scheduler are not returned; they panic
// with an error wrapping one of these sentinels.
package errs

import (
	"errors"
	"fmt"
)

// Re-export standard library functions so callers only import this package.
var (
	Is   = errors.Is
	As   = errors.As
	New  = errors.New
	Join = errors.Join
)

// Sentinel errors.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrSelfWait          = errors.New("task waits on itself")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrInternal          = errors.New("internal error")
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrDeadlock          = errors.New("dependency cycle")
	ErrClosed            = errors.New("closed")
)

// Kind classifies an error by the sentinel it wraps.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindAlreadyExists
	KindSelfWait
	KindResourceExhausted
	KindInternal
	KindInvalidState
	KindInvalidArgument
	KindDeadlock
	KindClosed
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindNotFound:          "not_found",
	KindAlreadyExists:     "already_exists",
	KindSelfWait:          "self_wait",
	KindResourceExhausted: "resource_exhausted",
	KindInternal:          "internal",
	KindInvalidState:      "invalid_state",
	KindInvalidArgument:   "invalid_argument",
	KindDeadlock:          "deadlock",
	KindClosed:            "closed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

var sentinels = []struct {
	err  error
	kind Kind
}{
	{ErrNotFound, KindNotFound},
	{ErrAlreadyExists, KindAlreadyExists},
	{ErrSelfWait, KindSelfWait},
	{ErrResourceExhausted, KindResourceExhausted},
	{ErrInternal, KindInternal},
	{ErrInvalidState, KindInvalidState},
	{ErrInvalidArgument, KindInvalidArgument},
	{ErrDeadlock, KindDeadlock},
	{ErrClosed, KindClosed},
}

// KindOf returns the Kind of the first sentinel wrapped by err.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return KindUnknown
}

// Retryable reports whether the operation may succeed if attempted again
// later. Only resource exhaustion qualifies.
func Retryable(err error) bool {
	return KindOf(err) == KindResourceExhausted
}

// Invariant panics with an error wrapping sentinel. It is used where the
// scheduler's own bookkeeping has been corrupted and continuing would be
// unsound.
func Invariant(sentinel error, format string, args ...any) {
	panic(fmt.Errorf("invariant violated: %s: %w", fmt.Sprintf(format, args...), sentinel))
}
