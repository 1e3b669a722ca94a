package engine

import (
	"errors"
	"fmt"
)

// Store failure classes. Adapters classify their driver errors into one of
// these so the engine can decide whether to retry, roll back, or ignore.
var (
	// ErrTransient marks retryable store failures such as network blips or
	// internal store assertion failures.
	ErrTransient = errors.New("transient store error")

	// ErrPermission marks non-retryable authorization failures. Optimistic
	// local state tied to the failed write is rolled back.
	ErrPermission = errors.New("permission denied")

	// ErrNotFound marks operations on a message that no longer exists
	// remotely. Treated as already resolved.
	ErrNotFound = errors.New("message not found")

	// ErrCorrupted marks catastrophic store failures that are fatal to the
	// current subscription. The session tears it down and resubscribes; the
	// host application never needs to restart.
	ErrCorrupted = errors.New("store corrupted")
)

type classifiedError struct {
	class error
	err   error
}

func (e *classifiedError) Error() string {
	return fmt.Sprintf("%s: %s", e.class, e.err)
}

func (e *classifiedError) Unwrap() []error {
	return []error{e.class, e.err}
}

// Classify wraps err so that errors.Is(err, class) reports true while the
// underlying cause stays reachable. A nil err is returned as nil.
func Classify(class, err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: class, err: err}
}

// A ValidationError rejects an outgoing message or attachment before any
// network call is made. No optimistic state is created for it.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
