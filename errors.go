package rondo

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a failure for the propagation policy: tool kinds and
// EmbeddingFailed/SummaryFailed/CacheUnavailable are recovered locally and
// the turn continues; the rest terminate the turn with a single error chunk.
type Kind string

const (
	KindProviderUnavailable Kind = "provider_unavailable"
	KindProviderProtocol    Kind = "provider_protocol"
	KindToolTimeout         Kind = "tool_timeout"
	KindToolCrash           Kind = "tool_crash"
	KindToolProtocol        Kind = "tool_protocol"
	KindToolError           Kind = "tool_error"
	KindToolUnknown         Kind = "tool_unknown"
	KindEmbeddingFailed     Kind = "embedding_failed"
	KindSummaryFailed       Kind = "summary_failed"
	KindCacheUnavailable    Kind = "cache_unavailable"
	KindRepositoryFailed    Kind = "repository_failed"
	KindInvalidRequest      Kind = "invalid_request"
)

// Fault is a classified error. Op names the failing component operation
// (e.g. "openaicompat.stream", "toolserver.call"), Detail is a short
// human-readable reason, Err is the wrapped cause (may be nil).
type Fault struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", f.Kind, f.Op, f.Detail, f.Err)
	}
	return fmt.Sprintf("%s: %s: %s", f.Kind, f.Op, f.Detail)
}

func (f *Fault) Unwrap() error { return f.Err }

// Faultf creates a Fault with a formatted detail message.
func Faultf(kind Kind, op, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// WrapFault wraps err as a Fault of the given kind. Returns nil when err
// is nil. An error that is already a Fault keeps its original kind.
func WrapFault(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return err
	}
	return &Fault{Kind: kind, Op: op, Detail: err.Error(), Err: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors report
// KindRepositoryFailed: treating them as fatal is the safe default.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindRepositoryFailed
}

// Recoverable reports whether an error of this kind lets the turn
// continue (synthetic tool result, silent omission, degraded cache).
func (k Kind) Recoverable() bool {
	switch k {
	case KindToolTimeout, KindToolCrash, KindToolProtocol, KindToolError, KindToolUnknown,
		KindEmbeddingFailed, KindSummaryFailed, KindCacheUnavailable:
		return true
	}
	return false
}

// ErrorCategory maps an error chain to the short public category placed
// on a terminal error chunk.
func ErrorCategory(err error) string {
	switch KindOf(err) {
	case KindProviderUnavailable, KindProviderProtocol:
		return "provider_unavailable"
	case KindInvalidRequest:
		return "bad_request"
	default:
		return "internal"
	}
}

// ErrHTTP is a transport-level HTTP error from a provider backend.
// Retry decorators inspect Status to decide transience and RetryAfter
// (parsed from the Retry-After header, if present) to floor the delay.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value. The header carries
// either delta-seconds ("30") or an HTTP-date; anything else, including
// an empty value or a date in the past, parses to 0.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
