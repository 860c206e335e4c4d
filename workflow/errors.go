package workflow

import (
	"errors"
	"net/http"
)

// Standard error definitions
var (
	ErrNotFound               = errors.New("not found")
	ErrNoEligibleApprover     = errors.New("no eligible approver")
	ErrInvalidCondition       = errors.New("invalid level condition")
	ErrUnauthorizedActor      = errors.New("actor is not a pending approver")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrStaleTransition        = errors.New("stale transition")
	ErrDuplicateActiveFlow    = errors.New("subject already has an active flow")
	ErrValidation             = errors.New("validation failed")
)

// ErrorKind groups errors by how a caller should react to them.
type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration" // fix approval types or role assignments
	KindAuthorization ErrorKind = "authorization" // never retry
	KindState         ErrorKind = "state"         // re-fetch the flow, maybe retry
	KindValidation    ErrorKind = "validation"    // fix the request
	KindInternal      ErrorKind = "internal"
)

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNoEligibleApprover), errors.Is(err, ErrInvalidCondition):
		return KindConfiguration
	case errors.Is(err, ErrUnauthorizedActor):
		return KindAuthorization
	case errors.Is(err, ErrInvalidStateTransition), errors.Is(err, ErrStaleTransition), errors.Is(err, ErrDuplicateActiveFlow):
		return KindState
	case errors.Is(err, ErrValidation):
		return KindValidation
	}
	return KindInternal
}

// HTTPStatus suggests the response code a route handler should map err to.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, ErrNotFound) {
		return http.StatusNotFound
	}
	switch KindOf(err) {
	case KindAuthorization:
		return http.StatusForbidden
	case KindState:
		return http.StatusConflict
	case KindValidation:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
