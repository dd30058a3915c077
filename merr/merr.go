// Package merr defines the error-kind vocabulary shared by every mrkl
// component (treestore, chunkstore, transport, painter, filechannel).
// Sentinels are compared with errors.Is; wrapping throughout the repo
// is done with github.com/pkg/errors so call sites keep a stack trace.
package merr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel error kinds, per spec.md §7.
var (
	ErrCorruptTree  = errors.New("corrupt tree file")
	ErrIO           = errors.New("io error")
	ErrTransport    = errors.New("transport error")
	ErrShapeMismatch = errors.New("shape mismatch")
	ErrOutOfRange   = errors.New("out of range")
	ErrCancelled    = errors.New("cancelled")
	ErrUnsupported  = errors.New("unsupported")
	ErrTimeout      = errors.New("timeout")
)

// VerificationExhausted is returned when a chunk failed hash
// verification on its first attempt and on each of MaxRetries retries.
type VerificationExhausted struct {
	Leaf uint64
}

func (e *VerificationExhausted) Error() string {
	return fmt.Sprintf("leaf %d: verification exhausted after retries", e.Leaf)
}

// Is lets errors.Is(err, &VerificationExhausted{}) match any leaf,
// while errors.As still recovers the specific leaf index.
func (e *VerificationExhausted) Is(target error) bool {
	_, ok := target.(*VerificationExhausted)
	return ok
}

// Wrap annotates err with msg and marks it as belonging to kind, so
// that errors.Is(result, kind) still succeeds after wrapping.
func Wrap(err error, kind error, msg string) error {
	if err == nil {
		return nil
	}
	return &kindError{msg: msg, kind: kind, cause: errors.WithStack(err)}
}

// Newf builds a new error of the given kind with a formatted message.
func Newf(kind error, format string, args ...interface{}) error {
	return &kindError{msg: fmt.Sprintf(format, args...), kind: kind}
}

type kindError struct {
	msg   string
	kind  error
	cause error
}

func (e *kindError) Error() string {
	if e.cause == nil {
		return e.msg
	}
	return e.msg + ": " + e.cause.Error()
}
func (e *kindError) Unwrap() error { return e.cause }
func (e *kindError) Is(target error) bool {
	return target == e.kind
}
