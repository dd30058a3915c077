// Package d provides invariant-checking helpers used throughout mrkl.
//
// The convention, carried over from the teacher's own `d` package, is
// that programmer invariants ("this function was called with a shape
// that hasn't been initialized") panic, while operational failures
// (corrupt files, network errors) are returned as ordinary errors.
// Chk is for invariants that should never be false if the rest of the
// package is implemented correctly; Exp is for invariants that are a
// caller's fault ("usage errors") and that calling code may want to
// recover from at a boundary via Try.
package d

import "fmt"

// Assertions is a tiny panic-based assertion helper. usageError
// distinguishes a caller-fault panic (recoverable via Try) from a
// programmer-fault panic (not meant to be recovered).
type Assertions struct {
	usageError bool
}

// Chk panics with a plain string on failure: a bug in this package,
// not in the caller.
var Chk = Assertions{usageError: false}

// Exp panics with a UsageError on failure: a caller passed something
// invalid. Code at a boundary (e.g. session.Open) uses Try to turn
// this back into a normal error.
var Exp = Assertions{usageError: true}

// UsageError is the panic payload produced by Exp.Fail.
type UsageError struct {
	Err string
}

func (u UsageError) Error() string { return u.Err }

// Fail panics, tagging the panic as a UsageError if the Assertions
// value is Exp.
func (a Assertions) Fail(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if a.usageError {
		panic(UsageError{msg})
	}
	panic(msg)
}

// PanicIfError panics (with the error) if err is non-nil.
func PanicIfError(err error) {
	if err != nil {
		panic(err)
	}
}

// PanicIfTrue panics with msg if b is true.
func PanicIfTrue(b bool, format string, args ...interface{}) {
	if b {
		Chk.Fail(format, args...)
	}
}

// PanicIfFalse panics with msg if b is false.
func PanicIfFalse(b bool, format string, args ...interface{}) {
	if !b {
		Chk.Fail(format, args...)
	}
}

// Panic is shorthand for Chk.Fail.
func Panic(format string, args ...interface{}) {
	Chk.Fail(format, args...)
}

// Try runs f, recovering a panic produced by Exp.Fail and returning it
// as a normal error. Any other panic (from Chk.Fail, or an unrelated
// runtime panic) propagates to the caller of Try.
func Try(f func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if ue, ok := r.(UsageError); ok {
				err = ue
				return
			}
			panic(r)
		}
	}()
	f()
	return nil
}

// IsUsageError runs f via Try and reports whether it failed with a
// UsageError. Kept for parity with the teacher's test helper of the
// same name/shape; exported so other packages' tests can reuse it.
func IsUsageError(f func()) (isUsageErr bool, err error) {
	err = Try(f)
	if err == nil {
		return false, nil
	}
	_, ok := err.(UsageError)
	return ok, err
}
