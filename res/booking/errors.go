package booking

import (
	"context"
	"errors"
	"fmt"

	"homecare-api/res/geo"
)

// Error taxonomy shared by the client-side core. Every failure surfaced to a
// user maps onto exactly one Kind.
var (
	ErrPermissionDenied = geo.ErrPermissionDenied
	ErrTimeout          = errors.New("booking: request timed out")
	ErrStaleTransition  = errors.New("booking: status changed since last sync")
	ErrValidation       = errors.New("booking: validation failed")
	ErrNetwork          = errors.New("booking: backend unreachable")
	ErrUnauthorized     = errors.New("booking: action not allowed for this user")

	ErrSignatureRequired = errors.New("booking: customer signature required")

	ErrIllegalTransition = fmt.Errorf("%w: transition not allowed from current status", ErrValidation)
	ErrNotesRequired     = fmt.Errorf("%w: notes are required", ErrValidation)
	ErrUnknownBooking    = fmt.Errorf("%w: booking is not loaded", ErrValidation)
)

type Kind int

const (
	KindUnknown Kind = iota
	KindPermissionDenied
	KindTimeout
	KindStaleTransition
	KindValidation
	KindNetwork
	KindUnauthorized
	KindSignatureRequired
)

func (k Kind) String() string {
	switch k {
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindTimeout:
		return "Timeout"
	case KindStaleTransition:
		return "StaleTransition"
	case KindValidation:
		return "ValidationError"
	case KindNetwork:
		return "NetworkError"
	case KindUnauthorized:
		return "Unauthorized"
	case KindSignatureRequired:
		return "SignatureRequired"
	}
	return "Unknown"
}

// KindOf classifies err. Order matters: a timeout wrapped in a network error
// is reported as a timeout.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrSignatureRequired):
		return KindSignatureRequired
	case errors.Is(err, geo.ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrTimeout), errors.Is(err, geo.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrStaleTransition):
		return KindStaleTransition
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	}
	return KindUnknown
}

// UserMessage is the notification text shown for err.
func UserMessage(err error) string {
	switch KindOf(err) {
	case KindPermissionDenied:
		return "Location access is disabled. Enable it to share your location."
	case KindTimeout:
		return "The request took too long. Please try again."
	case KindStaleTransition:
		return "This booking was updated elsewhere. Refreshing."
	case KindValidation:
		return err.Error()
	case KindNetwork:
		return "Cannot reach the server. Check your connection."
	case KindUnauthorized:
		return "You are not allowed to perform this action."
	case KindSignatureRequired:
		return "Collect the customer's signature to complete this booking."
	}
	if err == nil {
		return ""
	}
	return "Something went wrong."
}

// Wire codes carried in the "code" field of HTTP error bodies.
const (
	CodeValidation        = "validation"
	CodeIllegalTransition = "illegal_transition"
	CodeNotesRequired     = "notes_required"
	CodeSignatureRequired = "signature_required"
	CodeStaleTransition   = "stale_transition"
	CodeUnauthorized      = "unauthorized"
	CodeNotFound          = "not_found"
	CodeNotTrackable      = "not_trackable"
	CodeRateLimited       = "rate_limited"
	CodeInternal          = "internal"
)

// ErrorForCode returns the sentinel a wire code maps to, or nil for codes
// without a dedicated sentinel.
func ErrorForCode(code string) error {
	switch code {
	case CodeIllegalTransition:
		return ErrIllegalTransition
	case CodeNotesRequired:
		return ErrNotesRequired
	case CodeSignatureRequired:
		return ErrSignatureRequired
	case CodeStaleTransition:
		return ErrStaleTransition
	case CodeUnauthorized:
		return ErrUnauthorized
	case CodeValidation, CodeNotFound, CodeNotTrackable:
		return ErrValidation
	}
	return nil
}
