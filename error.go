package castore

import "fmt"

// ErrorCode classifies the originating condition of an Error.
type ErrorCode int

const (
	Unknown ErrorCode = iota
	// UsageErrorCode marks a bad-argument condition; surfaced verbatim to the caller.
	UsageErrorCode
	// SysErrorCode marks an OS primitive failure; Err wraps the errno-bearing cause.
	SysErrorCode
	// BuildErrorCode marks a builder that ran but failed or produced invalid outputs.
	BuildErrorCode
	// SubstErrorCode marks a substituter that failed or produced nothing.
	SubstErrorCode
	// LockErrorCode marks a failure acquiring one or more PathLocks.
	LockErrorCode
	// HashMismatchErrorCode marks a fixed-output content hash mismatch.
	HashMismatchErrorCode
	// SchemaErrorCode marks a MetaStore schema version conflict.
	SchemaErrorCode
	// InvariantErrorCode marks a detected data-model invariant violation.
	InvariantErrorCode
)

// Error is castore's error type: a code, an optional wrapped cause, and arbitrary
// user data useful for diagnostics (e.g. the offending StorePath).
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("castore error %d: %v", e.Code, e.UserData)
	}
	return fmt.Sprintf("castore error %d: %v (details: %v)", e.Code, e.UserData, e.Err)
}

// Unwrap allows errors.Is/As to see through to the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// UsageError reports a bad-argument condition.
func UsageError(msg string, userData any) error {
	return &Error{Code: UsageErrorCode, Err: fmt.Errorf("%s", msg), UserData: userData}
}

// SysError wraps an OS primitive failure with context.
func SysError(context string, err error) error {
	return &Error{Code: SysErrorCode, Err: err, UserData: context}
}

// BuildError reports a non-fatal per-goal build failure.
func BuildError(path any, err error) error {
	return &Error{Code: BuildErrorCode, Err: err, UserData: path}
}

// SubstError reports a substituter failure; the caller should advance to the next substitute.
func SubstError(path any, err error) error {
	return &Error{Code: SubstErrorCode, Err: err, UserData: path}
}

// HashMismatchError reports that a fixed-output derivation's declared content
// hash does not match what the builder actually produced.
func HashMismatchError(path any, err error) error {
	return &Error{Code: HashMismatchErrorCode, Err: err, UserData: path}
}
