package rondo

import (
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestFaultError(t *testing.T) {
	f := Faultf(KindToolTimeout, "toolserver.call", "git_status timed out after %s", "60s")
	want := "tool_timeout: toolserver.call: git_status timed out after 60s"
	if got := f.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestFaultErrorWithCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapFault(KindProviderUnavailable, "openaicompat.complete", cause)
	var f *Fault
	if !errors.As(err, &f) {
		t.Fatal("WrapFault did not produce a Fault")
	}
	if f.Kind != KindProviderUnavailable {
		t.Errorf("Kind = %q, want %q", f.Kind, KindProviderUnavailable)
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("Error() = %q, want cause included", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("wrapped fault should unwrap to the cause")
	}
}

func TestWrapFaultNil(t *testing.T) {
	if err := WrapFault(KindToolError, "tool.greet", nil); err != nil {
		t.Errorf("WrapFault(nil) = %v, want nil", err)
	}
}

func TestWrapFaultPreservesKind(t *testing.T) {
	// A Fault wrapped again keeps its original classification.
	inner := Faultf(KindToolTimeout, "toolserver.call", "timed out")
	err := WrapFault(KindRepositoryFailed, "turnlog.append", inner)
	if KindOf(err) != KindToolTimeout {
		t.Errorf("KindOf = %q, want %q", KindOf(err), KindToolTimeout)
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if got := KindOf(errors.New("mystery")); got != KindRepositoryFailed {
		t.Errorf("KindOf(plain error) = %q, want %q", got, KindRepositoryFailed)
	}
}

func TestKindRecoverable(t *testing.T) {
	recoverable := []Kind{
		KindToolTimeout, KindToolCrash, KindToolProtocol, KindToolError, KindToolUnknown,
		KindEmbeddingFailed, KindSummaryFailed, KindCacheUnavailable,
	}
	for _, k := range recoverable {
		if !k.Recoverable() {
			t.Errorf("%s.Recoverable() = false, want true", k)
		}
	}
	fatal := []Kind{
		KindProviderUnavailable, KindProviderProtocol, KindRepositoryFailed, KindInvalidRequest,
	}
	for _, k := range fatal {
		if k.Recoverable() {
			t.Errorf("%s.Recoverable() = true, want false", k)
		}
	}
}

func TestErrorCategory(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{Faultf(KindProviderUnavailable, "p.complete", "503"), "provider_unavailable"},
		{Faultf(KindProviderProtocol, "p.stream", "bad frame"), "provider_unavailable"},
		{Faultf(KindInvalidRequest, "o.turn", "empty message"), "bad_request"},
		{Faultf(KindRepositoryFailed, "repo.add", "disk full"), "internal"},
		{Faultf(KindToolCrash, "ts.call", "exited"), "internal"},
		{errors.New("plain"), "internal"},
	}
	for _, tt := range tests {
		if got := ErrorCategory(tt.err); got != tt.want {
			t.Errorf("ErrorCategory(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestErrHTTPError(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   string
	}{
		{429, "too many requests", "http 429: too many requests"},
		{500, "internal server error", "http 500: internal server error"},
	}
	for _, tt := range tests {
		e := &ErrHTTP{Status: tt.status, Body: tt.body}
		if got := e.Error(); got != tt.want {
			t.Errorf("ErrHTTP{%d, %q}.Error() = %q, want %q", tt.status, tt.body, got, tt.want)
		}
	}
}

func TestErrHTTPImplementsError(t *testing.T) {
	var _ error = (*ErrHTTP)(nil)
}

func TestParseRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"30", 30 * time.Second},
		{" 5 ", 5 * time.Second},
		{"0", 0},
		{"-5", 0},
		{"", 0},
		{"soon", 0},
	}
	for _, tt := range tests {
		if got := ParseRetryAfter(tt.in); got != tt.want {
			t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	future := time.Now().Add(10 * time.Minute).UTC().Format(http.TimeFormat)
	d := ParseRetryAfter(future)
	if d < 9*time.Minute || d > 10*time.Minute {
		t.Errorf("ParseRetryAfter(future date) = %v, want ~10m", d)
	}

	past := time.Now().Add(-10 * time.Minute).UTC().Format(http.TimeFormat)
	if d := ParseRetryAfter(past); d != 0 {
		t.Errorf("ParseRetryAfter(past date) = %v, want 0", d)
	}
}
