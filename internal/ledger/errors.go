package ledger

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures.
type Kind string

const (
	KindValidation        Kind = "VALIDATION"
	KindNotFound          Kind = "NOT_FOUND"
	KindInsufficientFunds Kind = "INSUFFICIENT_FUNDS"
	KindLockTimeout       Kind = "LOCK_TIMEOUT"
	KindConflict          Kind = "CONFLICT"
	KindStoreFailure      Kind = "STORE_FAILURE"
)

var (
	// ErrValidation matches any error of kind VALIDATION via errors.Is.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound matches unknown wallets and unknown or inactive asset types.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientFunds matches debits exceeding the available balance.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrLockTimeout matches failures to acquire wallet locks in time.
	ErrLockTimeout = errors.New("lock timeout")
	// ErrConflict matches uniqueness races the engine could not resolve.
	ErrConflict = errors.New("conflict")
	// ErrStoreFailure matches an unavailable store or a failed commit.
	ErrStoreFailure = errors.New("store failure")
)

var sentinels = map[Kind]error{
	KindValidation:        ErrValidation,
	KindNotFound:          ErrNotFound,
	KindInsufficientFunds: ErrInsufficientFunds,
	KindLockTimeout:       ErrLockTimeout,
	KindConflict:          ErrConflict,
	KindStoreFailure:      ErrStoreFailure,
}

// Error is the structured failure returned by the engine and the stores.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the kind of err. Errors that did not originate in this
// package are store failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStoreFailure
}

// storeError passes classified errors through and marks anything else as a
// store failure.
func storeError(err error, op string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return wrapError(KindStoreFailure, err, "%s", op)
}
