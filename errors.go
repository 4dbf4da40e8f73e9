package vbd

import (
	"errors"
	"syscall"

	"github.com/vmballoon/vbd/internal/errs"
)

// Error is the public structured error type. It aliases the internal
// type directly so callers get errors.Is/As support without an extra
// wrapping layer between the device core and this facade.
type Error = errs.Error

// ErrorKind categorizes an Error; aliased the same way.
type ErrorKind = errs.Kind

// Error kind constants, re-exported for callers matching on kind
// without importing the internal package.
const (
	KindGuestMemory                  = errs.KindGuestMemory
	KindUnexpectedWriteOnlyDescriptor = errs.KindUnexpectedWriteOnlyDescriptor
	KindInvalidRequest                = errs.KindInvalidRequest
	KindDescriptorChainTooShort       = errs.KindDescriptorChainTooShort
	KindFallocateFail                 = errs.KindFallocateFail
	KindMadviseFail                   = errs.KindMadviseFail
	KindQueueAddUsed                  = errs.KindQueueAddUsed
	KindQueueIterator                 = errs.KindQueueIterator
	KindUnexpectedStatTag             = errs.KindUnexpectedStatTag
	KindMemoryStatistic               = errs.KindMemoryStatistic
	KindFailedSignal                  = errs.KindFailedSignal
	KindInvalidQueueIndex             = errs.KindInvalidQueueIndex
	KindInvalidParameters             = errs.KindInvalidParameters
	KindNotActivated                  = errs.KindNotActivated
)

// IsKind reports whether err (or any error it wraps) carries kind.
func IsKind(err error, kind ErrorKind) bool {
	return errs.IsKind(err, kind)
}

// IsErrno reports whether err (or any error it wraps) carries errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Errno == errno
	}
	return false
}
