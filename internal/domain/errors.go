package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for domain-level error discrimination.
// Services wrap these so handlers can map to HTTP status codes without leaking infrastructure details.
var (
	ErrValidation           = errors.New("validation failed")
	ErrConflict             = errors.New("conflict")
	ErrInvalidOrExpiredCode = errors.New("invalid or expired code")
	ErrSessionExpired       = errors.New("registration session expired")
	ErrStorageUnavailable   = errors.New("temporary storage unavailable")
	ErrUpstream             = errors.New("upstream failure")
	ErrNotFound             = errors.New("not found")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("forbidden")
	ErrInvalidTransition    = errors.New("invalid status transition")
)

// Kind names one of the sentinel errors above.
type Kind string

const (
	KindValidation           Kind = "validation"
	KindConflict             Kind = "conflict"
	KindInvalidOrExpiredCode Kind = "invalid_or_expired_code"
	KindSessionExpired       Kind = "session_expired"
	KindStorageUnavailable   Kind = "storage_unavailable"
	KindUpstream             Kind = "upstream_failure"
	KindNotFound             Kind = "not_found"
	KindUnauthorized         Kind = "unauthorized"
	KindForbidden            Kind = "forbidden"
	KindInvalidTransition    Kind = "invalid_transition"
	KindInternal             Kind = "internal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrValidation, KindValidation},
	{ErrConflict, KindConflict},
	{ErrInvalidOrExpiredCode, KindInvalidOrExpiredCode},
	{ErrSessionExpired, KindSessionExpired},
	{ErrNotFound, KindNotFound},
	{ErrUnauthorized, KindUnauthorized},
	{ErrForbidden, KindForbidden},
	{ErrInvalidTransition, KindInvalidTransition},
	{ErrUpstream, KindUpstream},
	{ErrStorageUnavailable, KindStorageUnavailable},
}

// KindOf returns the kind of the first sentinel found in err's chain.
// Business kinds win over infrastructure kinds when both are wrapped.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// ConflictError reports which unique field collided.
type ConflictError struct {
	Field string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already registered", e.Field)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// Unavailable wraps an infrastructure error so callers see ErrStorageUnavailable
// while the cause stays inspectable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
