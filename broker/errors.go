package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates a structurally invalid request. Surfaced
	// before any prompt is shown.
	ErrValidation = errors.New("invalid request")
	// ErrDuplicateRequest indicates an identical single transaction was
	// seen within the dedup window.
	ErrDuplicateRequest = errors.New("duplicate request")
	// ErrDenied indicates the user refused the request.
	ErrDenied = errors.New("request denied by user")
	// ErrMissingCredential indicates an approval arrived without a PIN.
	ErrMissingCredential = errors.New("approval missing pin")
	// ErrApprovalTimeout indicates no approval decision arrived in time.
	ErrApprovalTimeout = errors.New("approval timed out")
	// ErrPromptFailed indicates the host could not display a prompt.
	ErrPromptFailed = errors.New("could not open approval prompt")
	// ErrSessionUnavailable indicates the session was missing or locked at
	// execution time.
	ErrSessionUnavailable = errors.New("session unavailable")
)

// ExecutionError is the aggregate failure of a batch. It always carries
// the full partial result list so the caller can determine exactly what
// succeeded; prior successes are not rolled back.
type ExecutionError struct {
	Results []ItemResult
	Cause   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("batch stopped at item %d: %v", len(e.Results)-1, e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}
