package engine

import (
	"errors"
	"fmt"
)

// Domain Errors
var (
	ErrAccessDenied    = errors.New("access to this test has not been granted")
	ErrSessionNotFound = errors.New("session not found or no longer in progress")
	ErrNoActiveSession = errors.New("no active session")
	ErrSessionActive   = errors.New("another session is already active on this engine")
	ErrSubmitInFlight  = errors.New("a submission is already in flight")
	ErrSuperseded      = errors.New("page request superseded by a newer request")
	ErrSessionExpired  = errors.New("session time has run out")
	// ErrAlreadySubmitted means storage holds a different submission for the session.
	ErrAlreadySubmitted = errors.New("session was already submitted")
)

// TransientError reports a retryable failure of a remote call. Local state is
// left consistent when it is returned.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	// Don't double wrap.
	if IsTransient(err) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

// ValidationError rejects a malformed answer before any network call.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
