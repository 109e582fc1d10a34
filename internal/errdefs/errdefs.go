/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errdefs defines the error categories shared by all services.
// Services return these instead of raising HTTP-aware errors; the API
// boundary maps each kind to a status code.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind represents the category of error
type Kind string

const (
	// KindUnauthenticated indicates a missing or invalid credential
	KindUnauthenticated Kind = "Unauthenticated"
	// KindForbidden indicates the caller is not allowed to act on the resource
	KindForbidden Kind = "Forbidden"
	// KindNotFound indicates resource not found
	KindNotFound Kind = "NotFound"
	// KindConflict indicates the resource already exists or is already claimed
	KindConflict Kind = "Conflict"
	// KindInvalidState indicates the action is not allowed from the current state
	KindInvalidState Kind = "InvalidState"
	// KindPaymentRequired indicates the VPS is suspended pending payment
	KindPaymentRequired Kind = "PaymentRequired"
	// KindLimitExceeded indicates a plan or promotion cap was hit
	KindLimitExceeded Kind = "LimitExceeded"
	// KindUpstreamUnavailable indicates a transient hypervisor or gateway failure
	KindUpstreamUnavailable Kind = "UpstreamUnavailable"
	// KindInvalidArgument indicates malformed caller input
	KindInvalidArgument Kind = "InvalidArgument"
	// KindInternal indicates an unrecoverable internal failure
	KindInternal Kind = "Internal"
)

// Error is a categorized error carried between services.
type Error struct {
	// Kind categorizes the error
	Kind Kind
	// Message describes the error
	Message string
	// Cause contains the underlying error
	Cause error
	// CorrelationID ties the error to a request or provisioning attempt
	CorrelationID string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the operation that produced the error may be
// retried. Only upstream transport failures qualify.
func (e *Error) IsRetryable() bool {
	return e.Kind == KindUpstreamUnavailable
}

// HTTPStatus maps the error kind to the status code the API returns.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindInvalidState, KindLimitExceeded, KindInvalidArgument:
		return http.StatusBadRequest
	case KindPaymentRequired:
		return http.StatusPaymentRequired
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// KindOf extracts the kind from any error, defaulting to Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether err is a retryable categorized error.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.IsRetryable()
	}
	return false
}

// NewUnauthenticated creates an unauthenticated error
func NewUnauthenticated(format string, args ...any) *Error {
	return &Error{Kind: KindUnauthenticated, Message: fmt.Sprintf(format, args...)}
}

// NewForbidden creates a forbidden error
func NewForbidden(format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

// NewNotFound creates a not found error
func NewNotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// NewConflict creates a conflict error
func NewConflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// NewInvalidState creates an invalid state error
func NewInvalidState(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

// NewPaymentRequired creates a payment required error
func NewPaymentRequired(format string, args ...any) *Error {
	return &Error{Kind: KindPaymentRequired, Message: fmt.Sprintf(format, args...)}
}

// NewLimitExceeded creates a limit exceeded error
func NewLimitExceeded(format string, args ...any) *Error {
	return &Error{Kind: KindLimitExceeded, Message: fmt.Sprintf(format, args...)}
}

// NewInvalidArgument creates an invalid argument error
func NewInvalidArgument(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// NewUpstreamUnavailable creates a retryable upstream error
func NewUpstreamUnavailable(message string, cause error) *Error {
	return &Error{Kind: KindUpstreamUnavailable, Message: message, Cause: cause}
}

// NewInternal creates an internal error
func NewInternal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, Cause: cause}
}
