package domain

import "errors"

var (
	// ErrCallInProgress guards the single-session constraint: a second
	// bridge attempt is rejected, never queued.
	ErrCallInProgress = errors.New("call already in progress")

	ErrNoActiveCall = errors.New("no active call")

	// ErrPermissionRequired means the provider refused the call because
	// the target has not consented to being called.
	ErrPermissionRequired = errors.New("call permission required")

	// ErrRateLimited means a permission request was refused because one
	// was already sent to this target recently.
	ErrRateLimited = errors.New("permission request rate limited")

	ErrRecipientBusy = errors.New("recipient busy on another call")
)

// Failure reasons surfaced to the browser instead of raw error strings.
const (
	FailureBusy               = "busy"
	FailurePermissionRequired = "permission-required"
	FailurePermissionDenied   = "permission-denied"
	FailureRateLimited        = "rate-limited"
	FailureInternal           = "internal"
)

// FailureReason classifies an error for the browser leg. Rate-limited is
// the only reason a client should offer an immediate retry for.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrRecipientBusy), errors.Is(err, ErrCallInProgress):
		return FailureBusy
	case errors.Is(err, ErrPermissionRequired):
		return FailurePermissionRequired
	case errors.Is(err, ErrRateLimited):
		return FailureRateLimited
	default:
		return FailureInternal
	}
}
