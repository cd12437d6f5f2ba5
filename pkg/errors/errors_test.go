package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected string
	}{
		{KindUnknown, "unknown"},
		{KindInvalidInput, "invalid_input"},
		{KindPermissionDenied, "permission_denied"},
		{KindFileTooLarge, "file_too_large"},
		{KindUnsupportedType, "unsupported_type"},
		{KindArchiveBomb, "archive_bomb"},
		{KindNestingTooDeep, "nesting_too_deep"},
		{KindHashIO, "hash_io"},
		{KindReputationUnavailable, "reputation_unavailable"},
		{KindQuarantineWrite, "quarantine_write"},
		{KindRateLimit, "rate_limit"},
		{KindTimeout, "timeout"},
		{KindNetwork, "network"},
		{KindStorage, "storage"},
		{KindCancelled, "cancelled"},
		{KindInternal, "internal"},
		{Kind(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.expected {
				t.Errorf("Kind.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "op and message and err",
			err:      &Error{Op: "reputation.Lookup", Message: "lookup failed", Err: fmt.Errorf("connection refused")},
			expected: "reputation.Lookup: lookup failed: connection refused",
		},
		{
			name:     "op and message",
			err:      &Error{Op: "reputation.Lookup", Message: "lookup failed"},
			expected: "reputation.Lookup: lookup failed",
		},
		{
			name:     "message and err",
			err:      &Error{Message: "lookup failed", Err: fmt.Errorf("connection refused")},
			expected: "lookup failed: connection refused",
		},
		{
			name:     "message only",
			err:      &Error{Message: "lookup failed"},
			expected: "lookup failed",
		},
		{
			name:     "message with path",
			err:      &Error{Message: "cannot hash", Path: "/tmp/a.bin"},
			expected: "cannot hash (/tmp/a.bin)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestE(t *testing.T) {
	wrapped := fmt.Errorf("disk gone")
	err := E(KindStorage, "store.SaveSession", "write failed", wrapped)

	var e *Error
	if !errors.As(err, &e) {
		t.Fatal("expected *Error")
	}
	if e.Kind != KindStorage {
		t.Errorf("Kind = %v, want KindStorage", e.Kind)
	}
	if e.Op != "store.SaveSession" {
		t.Errorf("Op = %q", e.Op)
	}
	if e.Message != "write failed" {
		t.Errorf("Message = %q", e.Message)
	}
	if !errors.Is(err, err) {
		t.Error("error should match itself")
	}
	if errors.Unwrap(e) != wrapped {
		t.Error("Unwrap should return the wrapped error")
	}
}

func TestIs_MatchesOnKind(t *testing.T) {
	a := E(KindRateLimit, "src.a", "bucket empty")
	if !errors.Is(a, ErrRateLimited) {
		t.Error("expected kind-based match against ErrRateLimited")
	}
	if errors.Is(a, ErrTimeout) {
		t.Error("rate limit error should not match timeout")
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "op") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	err := Wrap(fmt.Errorf("boom"), "enumerate.Next")
	if err.Error() != "enumerate.Next: : boom" && err.Error() != "enumerate.Next: boom" {
		// Message is empty; format keeps op + underlying error.
		var e *Error
		if !errors.As(err, &e) || e.Op != "enumerate.Next" {
			t.Errorf("unexpected wrap result: %v", err)
		}
	}
}

func TestIsRateLimitError(t *testing.T) {
	if !IsRateLimitError(ErrRateLimited) {
		t.Error("sentinel should be a rate limit error")
	}
	apiErr := &APIError{StatusCode: http.StatusTooManyRequests, Source: "cloud"}
	if !IsRateLimitError(apiErr) {
		t.Error("429 APIError should be a rate limit error")
	}
	if IsRateLimitError(fmt.Errorf("random")) {
		t.Error("plain error should not be a rate limit error")
	}
}

func TestIsSessionFatal(t *testing.T) {
	tests := []struct {
		err   error
		fatal bool
	}{
		{ErrStorageUnavailable, true},
		{ErrCorruptRuleSet, true},
		{E(KindPermissionDenied, "enumerate.walk", "denied"), false},
		{E(KindArchiveBomb, "archive.Expand", "ratio exceeded"), false},
		{E(KindHashIO, "hashing.Hash", "read error"), false},
		{E(KindReputationUnavailable, "reputation.Lookup", "all sources down"), false},
	}

	for _, tt := range tests {
		if got := IsSessionFatal(tt.err); got != tt.fatal {
			t.Errorf("IsSessionFatal(%v) = %v, want %v", tt.err, got, tt.fatal)
		}
	}
}

func TestIsArchiveGuardError(t *testing.T) {
	if !IsArchiveGuardError(E(KindArchiveBomb, "archive.Expand", "boom")) {
		t.Error("bomb error should be a guard error")
	}
	if !IsArchiveGuardError(E(KindNestingTooDeep, "archive.Expand", "deep")) {
		t.Error("nesting error should be a guard error")
	}
	if IsArchiveGuardError(ErrTimeout) {
		t.Error("timeout is not a guard error")
	}
}

func TestAPIError_Error(t *testing.T) {
	err := &APIError{StatusCode: 503, Source: "cloud-intel", Message: "upstream down"}
	want := "[cloud-intel] Service Unavailable: upstream down"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
