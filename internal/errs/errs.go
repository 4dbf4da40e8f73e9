// Package errs provides the structured error type shared across the
// balloon device core. Kinds mirror the taxonomy a dispatch loop needs
// to decide whether to abort the current drain or kill the worker.
package errs

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind is a high-level error category.
type Kind string

const (
	KindGuestMemory                  Kind = "guest memory"
	KindUnexpectedWriteOnlyDescriptor Kind = "unexpected write-only descriptor"
	KindInvalidRequest                Kind = "invalid request"
	KindDescriptorChainTooShort        Kind = "descriptor chain too short"
	KindFallocateFail                  Kind = "fallocate failed"
	KindMadviseFail                    Kind = "madvise failed"
	KindQueueAddUsed                   Kind = "queue add_used failed"
	KindQueueIterator                  Kind = "queue iterator failed"
	KindUnexpectedStatTag               Kind = "unexpected stat tag"
	KindMemoryStatistic                 Kind = "memory statistic timer error"
	KindFailedSignal                    Kind = "failed to signal interrupt"
	KindInvalidQueueIndex               Kind = "invalid queue index"
	KindInvalidParameters                Kind = "invalid parameters"
	KindNotActivated                     Kind = "device not activated"
)

// Fatal reports whether an error of this kind should terminate the
// worker rather than merely abort the current dispatch.
func (k Kind) Fatal() bool {
	switch k {
	case KindMemoryStatistic, KindInvalidQueueIndex:
		return true
	default:
		return false
	}
}

// Error is a structured device error with enough context to log and
// to match on programmatically via errors.Is.
type Error struct {
	Op    string // operation that failed, e.g. "drain", "write_config"
	Queue int    // queue index, -1 if not applicable
	Kind  Kind
	Errno syscall.Errno // 0 if not applicable
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	switch {
	case e.Queue >= 0 && e.Errno != 0:
		return fmt.Sprintf("vbd: %s (queue=%d errno=%d)", msg, e.Queue, e.Errno)
	case e.Queue >= 0:
		return fmt.Sprintf("vbd: %s (queue=%d)", msg, e.Queue)
	case e.Errno != 0:
		return fmt.Sprintf("vbd: %s (errno=%d)", msg, e.Errno)
	default:
		return fmt.Sprintf("vbd: %s", msg)
	}
}

func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is comparison by Kind.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == te.Kind
}

// New creates a structured error for the given operation.
func New(op string, kind Kind, msg string) *Error {
	return &Error{Op: op, Queue: -1, Kind: kind, Msg: msg}
}

// NewQueue creates a structured error scoped to a queue index.
func NewQueue(op string, queue int, kind Kind, msg string) *Error {
	return &Error{Op: op, Queue: queue, Kind: kind, Msg: msg}
}

// NewErrno wraps a syscall errno under the given kind.
func NewErrno(op string, queue int, kind Kind, errno syscall.Errno) *Error {
	return &Error{Op: op, Queue: queue, Kind: kind, Errno: errno, Msg: errno.Error()}
}

// Wrap attaches an operation name to an inner error, mapping syscall
// errnos to a best-guess kind when the inner error isn't already
// structured.
func Wrap(op string, kind Kind, inner error) *Error {
	if inner == nil {
		return nil
	}
	if e, ok := inner.(*Error); ok {
		return &Error{Op: op, Queue: e.Queue, Kind: e.Kind, Errno: e.Errno, Msg: e.Msg, Inner: e.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Queue: -1, Kind: kind, Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Queue: -1, Kind: kind, Msg: inner.Error(), Inner: inner}
}

// IsKind reports whether err (or any error it wraps) carries the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
