// Package core holds the transport-agnostic domain error taxonomy and the
// per-request AuthContext shared by every subsystem.
package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a domain error independently of the transport that
// eventually surfaces it.
type Kind string

const (
	KindUnauthenticated Kind = "unauthenticated"
	KindForbidden       Kind = "forbidden"
	KindPaymentRequired Kind = "payment_required"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindRateLimited     Kind = "rate_limited"
	KindBadRequest      Kind = "bad_request"
	KindInternal        Kind = "internal"
)

// CustomerSession is the Stripe checkout handle embedded in a 402 payload.
type CustomerSession struct {
	ClientSecret string `json:"client_secret"`
	CompanyID    string `json:"company_id"`
}

// PaymentDetails is the payload carried by payment_required errors.
type PaymentDetails struct {
	Message                 string           `json:"message"`
	CustomerSession         *CustomerSession `json:"customer_session,omitempty"`
	WalletAddress           string           `json:"wallet_address"`
	TokenPricePerMillionUSD string           `json:"token_price_per_million_usd"`
}

// Error is the single error type crossing subsystem boundaries.
type Error struct {
	Kind    Kind
	Message string

	// RequiredScope is set on forbidden errors.
	RequiredScope string

	// Payment is set on payment_required errors.
	Payment *PaymentDetails

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is match on kind via the sentinel constructors below.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// ============================================================================
// CONSTRUCTORS
// ============================================================================

// Unauthenticated returns an opaque credential failure. The message must
// never disclose whether the identifier exists.
func Unauthenticated(msg string) *Error {
	return &Error{Kind: KindUnauthenticated, Message: msg}
}

// Forbidden reports a failed scope check, naming the required scope.
func Forbidden(scope string) *Error {
	return &Error{Kind: KindForbidden, Message: "missing required scope " + scope, RequiredScope: scope}
}

// PaymentRequired reports a paywall rejection with the wallet/price payload.
func PaymentRequired(details *PaymentDetails) *Error {
	msg := "payment required"
	if details != nil && details.Message != "" {
		msg = details.Message
	}
	return &Error{Kind: KindPaymentRequired, Message: msg, Payment: details}
}

func NotFound(entity string) *Error {
	return &Error{Kind: KindNotFound, Message: entity + " not found"}
}

func Conflict(msg string) *Error {
	return &Error{Kind: KindConflict, Message: msg}
}

func RateLimited(msg string) *Error {
	return &Error{Kind: KindRateLimited, Message: msg}
}

func BadRequest(msg string) *Error {
	return &Error{Kind: KindBadRequest, Message: msg}
}

// Internal wraps an unclassified error. The original is preserved for logs;
// transports must replace it with a generic message.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", cause: err}
}

// ============================================================================
// INSPECTION
// ============================================================================

// KindOf extracts the error kind, defaulting to internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// AsError returns the embedded *Error, wrapping foreign errors as internal.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// HTTPStatus maps an error kind to its HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindPaymentRequired:
		return http.StatusPaymentRequired
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
