package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Base error types
var (
	ErrTransport           = errors.New("transport error")
	ErrClient              = errors.New("client error")
	ErrServer              = errors.New("server error")
	ErrMalformedResponse   = errors.New("malformed response")
	ErrRateLimited         = errors.New("rate limited")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrNoToken             = errors.New("no access token")
	ErrInvalidInput        = errors.New("invalid input")
	ErrAddonUnavailable    = errors.New("addon unavailable")
)

// Kind represents the category of a licensing failure.
type Kind string

const (
	KindTransport           Kind = "transport"
	KindClient              Kind = "client"
	KindServer              Kind = "server"
	KindMalformedResponse   Kind = "malformed_response"
	KindRateLimited         Kind = "rate_limited"
	KindInsufficientCredits Kind = "insufficient_credits"
	KindNoToken             Kind = "no_token"
	KindInvalidInput        Kind = "invalid_input"
	KindAddonUnavailable    Kind = "addon_unavailable"
)

// CodeJSONDecode is the code attached to responses whose body is not valid JSON.
const CodeJSONDecode = "json_decode_error"

// APIError is the structured error returned by remote licensing operations.
type APIError struct {
	Kind       Kind
	Op         string // Operation that failed (e.g., "POST /activate")
	Code       string // Server supplied or local error code
	Message    string // Human-readable message
	StatusCode int    // HTTP status code if applicable
	Err        error  // Underlying error
	Timestamp  time.Time
	Retryable  bool
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failed (%d): %s", e.Op, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, msg)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *APIError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrTransport:
		return e.Kind == KindTransport
	case ErrClient:
		return e.Kind == KindClient
	case ErrServer:
		return e.Kind == KindServer
	case ErrMalformedResponse:
		return e.Kind == KindMalformedResponse
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrInsufficientCredits:
		return e.Kind == KindInsufficientCredits
	case ErrNoToken:
		return e.Kind == KindNoToken
	case ErrInvalidInput:
		return e.Kind == KindInvalidInput
	case ErrAddonUnavailable:
		return e.Kind == KindAddonUnavailable
	}

	return errors.Is(e.Err, target)
}

// New creates an APIError of the given kind.
func New(kind Kind, op, message string, err error) *APIError {
	return &APIError{
		Kind:      kind,
		Op:        op,
		Message:   message,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: kind == KindTransport || kind == KindServer,
	}
}

// WithCode sets the error code.
func (e *APIError) WithCode(code string) *APIError {
	e.Code = code
	return e
}

// WithStatusCode adds the HTTP status and reclassifies the error accordingly.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	switch {
	case code >= 500:
		e.Kind = KindServer
		e.Retryable = true
	case code >= 400:
		e.Kind = KindClient
		e.Retryable = false
	}
	return e
}

// Helper functions

// Transport wraps a network, DNS, or timeout failure.
func Transport(op string, err error) *APIError {
	return New(KindTransport, op, "", err)
}

// FromStatus builds the error for a non-success HTTP status.
func FromStatus(op string, status int, code, message string) *APIError {
	if message == "" {
		message = http.StatusText(status)
	}
	return New(KindClient, op, message, nil).WithStatusCode(status).WithCode(code)
}

// Malformed wraps a response that could not be decoded.
func Malformed(op string, err error) *APIError {
	return New(KindMalformedResponse, op, "invalid JSON in response", err).WithCode(CodeJSONDecode)
}

// RateLimited reports a request refused locally by the rate limiter.
func RateLimited(op, key string) *APIError {
	return New(KindRateLimited, op, fmt.Sprintf("rate limit exceeded for %s", key), nil)
}

// InsufficientCredits reports a credit balance below the operation cost.
func InsufficientCredits(addonID string, cost, balance int) *APIError {
	return New(KindInsufficientCredits, "consume_credits",
		fmt.Sprintf("%s needs %d credits, %d available", addonID, cost, balance), nil)
}

// AddonUnavailable reports an addon that is not active for this site or whose
// base tier no longer qualifies.
func AddonUnavailable(op, addonID string) *APIError {
	return New(KindAddonUnavailable, op, fmt.Sprintf("%s is not available on this site", addonID), nil)
}

// InvalidInput reports input rejected before any network call.
func InvalidInput(op, message string) *APIError {
	return New(KindInvalidInput, op, message, nil)
}

// KindOf returns the Kind of err, or "" when err is not an APIError.
func KindOf(err error) Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	return errors.Is(err, ErrTransport)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// UserMessage returns a message suitable for showing to the person who triggered err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Kind {
		case KindTransport:
			return "The licensing server could not be reached. Please try again later."
		case KindServer:
			return "The licensing server is temporarily unavailable. Please try again later."
		case KindMalformedResponse:
			return "The licensing server returned an unexpected response."
		}
		if apiErr.Message != "" {
			return apiErr.Message
		}
	}
	return err.Error()
}
