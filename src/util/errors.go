package util

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation          Kind = "ValidationError"
	KindUnauthorized        Kind = "Unauthorized"
	KindForbidden           Kind = "Forbidden"
	KindNotFound            Kind = "NotFound"
	KindUpstreamUnavailable Kind = "UpstreamUnavailable"
	KindEncryption          Kind = "EncryptionError"
	KindWebhookVerification Kind = "WebhookVerificationFailed"
	KindInternal            Kind = "Internal"
)

// AppError is a domain error that survives wrapping and is mapped to an HTTP
// status at the handler boundary.
type AppError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewError(kind Kind, err error, format string, args ...any) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func ValidationError(format string, args ...any) error {
	return NewError(KindValidation, nil, format, args...)
}

func Unauthorized(format string, args ...any) error {
	return NewError(KindUnauthorized, nil, format, args...)
}

func Forbidden(format string, args ...any) error {
	return NewError(KindForbidden, nil, format, args...)
}

func NotFound(format string, args ...any) error {
	return NewError(KindNotFound, nil, format, args...)
}

func UpstreamUnavailable(err error, format string, args ...any) error {
	return NewError(KindUpstreamUnavailable, err, format, args...)
}

func EncryptionError(err error, format string, args ...any) error {
	return NewError(KindEncryption, err, format, args...)
}

func WebhookVerificationFailed(err error) error {
	return NewError(KindWebhookVerification, err, "webhook verification failed")
}

// KindOf reports the kind of the first AppError in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// PublicMessage is the message safe to return to a caller. Internal errors
// never expose their details.
func PublicMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Kind != KindInternal {
		return appErr.Message
	}
	return "internal error"
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	case KindWebhookVerification:
		// The provider retries anything but 2xx.
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// ErrSyncMutation means the provider's data changed while a multi-page sync
// was in progress; the round must restart from its original cursor.
var ErrSyncMutation = errors.New("transactions mutated during pagination")

// ErrCursorMoved means another round committed for the item after this one
// started, so this round's changes are stale and were not applied.
var ErrCursorMoved = errors.New("sync cursor moved during round")

// ItemError is a provider-reported failure tied to the item's credentials.
// The item cannot sync again until the user re-links it.
type ItemError struct {
	Code string
	Err  error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item error %s: %v", e.Code, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}
