// Package errors provides custom error types for the scan engine.
// It follows industry best practices (HashiCorp, AWS SDK) for error handling.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// =============================================================================
// Base Error Types
// =============================================================================

// Error is the base error type for all scan engine errors.
type Error struct {
	// Kind indicates the category of error
	Kind Kind

	// Op is the operation being performed (e.g., "reputation.Lookup")
	Op string

	// Message is a human-readable description
	Message string

	// Path is the file the error relates to, if any
	Path string

	// Err is the underlying error
	Err error
}

// Kind represents the kind/category of error.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindPermissionDenied
	KindFileTooLarge
	KindUnsupportedType
	KindArchiveBomb
	KindNestingTooDeep
	KindHashIO
	KindReputationUnavailable
	KindQuarantineWrite
	KindRateLimit
	KindTimeout
	KindNetwork
	KindStorage
	KindCancelled
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindPermissionDenied:
		return "permission_denied"
	case KindFileTooLarge:
		return "file_too_large"
	case KindUnsupportedType:
		return "unsupported_type"
	case KindArchiveBomb:
		return "archive_bomb"
	case KindNestingTooDeep:
		return "nesting_too_deep"
	case KindHashIO:
		return "hash_io"
	case KindReputationUnavailable:
		return "reputation_unavailable"
	case KindQuarantineWrite:
		return "quarantine_write"
	case KindRateLimit:
		return "rate_limit"
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindStorage:
		return "storage"
	case KindCancelled:
		return "cancelled"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Path != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Path)
	}
	if e.Op != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// =============================================================================
// API Error
// =============================================================================

// APIError represents an error returned by a reputation backend.
type APIError struct {
	// StatusCode is the HTTP status code
	StatusCode int `json:"status_code"`

	// Source is the reputation source that produced the error
	Source string `json:"source"`

	// Message is the error message from the API
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Source, http.StatusText(e.StatusCode), e.Message)
	}
	return fmt.Sprintf("%s: %s", http.StatusText(e.StatusCode), e.Message)
}

// =============================================================================
// Constructors
// =============================================================================

// E constructs an Error from the given arguments.
// Arguments can be: Kind, string (Op or Message), error.
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Kind:
			e.Kind = a
		case string:
			if e.Op == "" {
				e.Op = a
			} else {
				e.Message = a
			}
		case error:
			e.Err = a
		}
	}
	return e
}

// New creates a new simple error.
func New(message string) error {
	return &Error{Message: message}
}

// Wrap wraps an error with additional context.
func Wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// WithPath attaches a file path to a kinded error.
func WithPath(kind Kind, op, path string, err error) error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// =============================================================================
// Error Checkers
// =============================================================================

// GetKind returns the Kind of the error, or KindUnknown.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsAPIError checks if err is an APIError and returns it.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsPermissionDenied checks if the error is a permission error.
func IsPermissionDenied(err error) bool {
	return GetKind(err) == KindPermissionDenied
}

// IsRateLimitError checks if the error is a rate limit error.
func IsRateLimitError(err error) bool {
	if GetKind(err) == KindRateLimit {
		return true
	}
	if apiErr, ok := IsAPIError(err); ok {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// IsTimeoutError checks if the error is a timeout error.
func IsTimeoutError(err error) bool {
	return GetKind(err) == KindTimeout
}

// IsArchiveGuardError checks if the error is a bomb or nesting guard trip.
func IsArchiveGuardError(err error) bool {
	k := GetKind(err)
	return k == KindArchiveBomb || k == KindNestingTooDeep
}

// IsSessionFatal reports whether the error must fail the whole scan session.
// Per-file errors are recoverable; only storage and programmer-error
// conditions are fatal.
func IsSessionFatal(err error) bool {
	switch GetKind(err) {
	case KindStorage, KindInternal:
		return true
	default:
		return false
	}
}

// IsRecoverable reports whether processing may continue past this error.
func IsRecoverable(err error) bool {
	return err != nil && !IsSessionFatal(err)
}

// =============================================================================
// Common Errors
// =============================================================================

var (
	// ErrTimeout is returned when an operation times out.
	ErrTimeout = &Error{Kind: KindTimeout, Message: "operation timed out"}

	// ErrRateLimited is returned when a reputation source bucket is empty.
	ErrRateLimited = &Error{Kind: KindRateLimit, Message: "rate limited"}

	// ErrInvalidConfig is returned for invalid configuration.
	ErrInvalidConfig = &Error{Kind: KindInvalidInput, Message: "invalid configuration"}

	// ErrCorruptRuleSet is returned when the signature rule set fails to load.
	// This is a session-fatal condition.
	ErrCorruptRuleSet = &Error{Kind: KindInternal, Message: "corrupt signature rule set"}

	// ErrStorageUnavailable is returned when the persistence root cannot be
	// used. This is a session-fatal condition.
	ErrStorageUnavailable = &Error{Kind: KindStorage, Message: "storage unavailable"}

	// ErrSessionNotFound is returned when a session id is unknown.
	ErrSessionNotFound = &Error{Kind: KindInvalidInput, Message: "session not found"}
)
