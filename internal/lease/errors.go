package lease

import "errors"

// Callers classify failures with errors.Is against these sentinels.
var (
	// ErrValidation marks malformed input; resubmitting corrected input may succeed.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized marks a caller that is not the party designated for the action.
	ErrUnauthorized = errors.New("caller is not authorized")

	// ErrStateConflict marks a transition that does not match the current status.
	ErrStateConflict = errors.New("lease state conflict")

	// ErrIntegrity marks a corrupt or incomplete record. The lease must not progress.
	ErrIntegrity = errors.New("lease integrity violation")
	ErrNotFound  = errors.New("lease not found")
)
