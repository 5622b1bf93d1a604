// Package apperrors 定义对外可见的错误分类。
package apperrors

import (
	"errors"
	"fmt"
)

// Kind is the stable, machine-readable identifier of a failure.
type Kind string

const (
	KindInvalidCurrencyCode       Kind = "InvalidCurrencyCode"
	KindUnknownCurrencyInSnapshot Kind = "UnknownCurrencyInSnapshot"
	KindInvalidAmount             Kind = "InvalidAmount"
	KindNoRateDataAvailable       Kind = "NoRateDataAvailable"
	KindProviderUnavailable       Kind = "ProviderUnavailable"
	KindAuditPersistenceFailed    Kind = "AuditPersistenceFailed"
	KindAuditNotFound             Kind = "AuditNotFound"
)

// Sentinels for errors.Is checks; an *Error matches the sentinel of its kind.
var (
	ErrInvalidCurrencyCode       = &Error{Kind: KindInvalidCurrencyCode, Message: "invalid currency code"}
	ErrUnknownCurrencyInSnapshot = &Error{Kind: KindUnknownCurrencyInSnapshot, Message: "currency not present in rate snapshot"}
	ErrInvalidAmount             = &Error{Kind: KindInvalidAmount, Message: "invalid amount"}
	ErrNoRateDataAvailable       = &Error{Kind: KindNoRateDataAvailable, Message: "no exchange rates available"}
	ErrProviderUnavailable       = &Error{Kind: KindProviderUnavailable, Message: "rate provider unavailable"}
	ErrAuditPersistenceFailed    = &Error{Kind: KindAuditPersistenceFailed, Message: "audit logging failed"}
	ErrAuditNotFound             = &Error{Kind: KindAuditNotFound, Message: "audit record not found"}
)

// Error 携带错误类别、可读信息以及底层原因。
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// New builds an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an error of the given kind around a cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// KindOf extracts the kind from err, or "" when err is not classified.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// IsValidation reports whether err is a user-correctable input failure.
func IsValidation(err error) bool {
	switch KindOf(err) {
	case KindInvalidCurrencyCode, KindUnknownCurrencyInSnapshot, KindInvalidAmount:
		return true
	default:
		return false
	}
}
