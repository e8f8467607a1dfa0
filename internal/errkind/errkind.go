// Package errkind classifies transfer errors so the scheduler can tell
// retryable failures from permanent ones. Every error crossing a provider,
// manifest, or scheduler boundary carries a Kind.
package errkind

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind is the failure classification.
type Kind int

const (
	// Unknown covers unclassified errors; treated as permanent.
	Unknown Kind = iota

	// CapabilityUnsupported means a provider was invoked beyond its
	// declared capability set. Programming or configuration error.
	CapabilityUnsupported

	// AuthFailed is a permanent credential rejection. Never retried.
	AuthFailed

	// NotFound means the remote object does not exist. Never retried.
	NotFound

	// RateLimited means the backend asked us to slow down. Retried with
	// backoff, honoring a server delay hint when present.
	RateLimited

	// Transient covers timeouts, 5xx responses and flaky networks. Retried.
	Transient

	// LocalIO is a local filesystem failure (disk full, permissions).
	// Fatal to the task, not to the run.
	LocalIO

	// ManifestCorruption means the manifest store is unreadable. Fatal to
	// the whole run since skip and dedup decisions cannot be trusted.
	ManifestCorruption
)

func (k Kind) String() string {
	switch k {
	case CapabilityUnsupported:
		return "capability_unsupported"
	case AuthFailed:
		return "auth_failed"
	case NotFound:
		return "not_found"
	case RateLimited:
		return "rate_limited"
	case Transient:
		return "transient"
	case LocalIO:
		return "local_io"
	case ManifestCorruption:
		return "manifest_corruption"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with its classification and the operation
// context it happened in.
type Error struct {
	Kind     Kind
	Op       string // e.g. "fetch", "list", "push"
	Provider string
	Key      string
	Err      error

	// RetryAfter is a server-supplied delay hint (Retry-After header),
	// zero when absent. Only meaningful for RateLimited.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	switch {
	case e.Provider != "" && e.Key != "":
		return fmt.Sprintf("%s %s/%s: %s: %v", e.Op, e.Provider, e.Key, e.Kind, e.Err)
	case e.Provider != "":
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Provider, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

// Unwrap returns the underlying error for error chaining support.
func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error for op.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf creates a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithProvider adds provider context.
func (e *Error) WithProvider(name string) *Error {
	e.Provider = name
	return e
}

// WithKey adds remote key context.
func (e *Error) WithKey(key string) *Error {
	e.Key = key
	return e
}

// WithRetryAfter attaches a server delay hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	if d > 0 {
		e.RetryAfter = d
	}
	return e
}

// Of extracts the Kind from err, walking the wrap chain. Context
// cancellation and deadline errors classify as Transient so the per-task
// timeout feeds back into the retry policy. Unwrapped errors are Unknown.
func Of(err error) Kind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Transient
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool { return Of(err) == kind }

// Retryable reports whether a task failing with err should be retried.
// Only rate limits and transient failures qualify.
func Retryable(err error) bool {
	switch Of(err) {
	case RateLimited, Transient:
		return true
	default:
		return false
	}
}

// DelayHint returns the server-supplied retry delay carried by err, or zero.
func DelayHint(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// FromHTTPStatus maps an HTTP response status to a Kind.
// 401/403 are auth failures, 404 is not found, 429 rate limited,
// 408 and 5xx transient. Everything else is Unknown (permanent).
func FromHTTPStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return AuthFailed
	case status == http.StatusNotFound:
		return NotFound
	case status == http.StatusTooManyRequests:
		return RateLimited
	case status == http.StatusRequestTimeout:
		return Transient
	case status >= 500 && status <= 599:
		return Transient
	default:
		return Unknown
	}
}

// FromHTTPResponse builds a classified error from a non-2xx response,
// capturing a short body snippet and the Retry-After hint on 429s.
// It consumes part of the response body.
func FromHTTPResponse(op string, resp *http.Response) *Error {
	kind := FromHTTPStatus(resp.StatusCode)
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	var e *Error
	if s := strings.TrimSpace(string(snippet)); s != "" {
		e = Newf(kind, op, "http status %d: %s", resp.StatusCode, s)
	} else {
		e = Newf(kind, op, "http status %d", resp.StatusCode)
	}
	if kind == RateLimited {
		e.RetryAfter = parseRetryAfter(resp)
	}
	return e
}

// parseRetryAfter supports seconds and HTTP-date.
func parseRetryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if s, err := strconv.Atoi(v); err == nil && s > 0 {
		return time.Duration(s) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
