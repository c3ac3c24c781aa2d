// Package errors defines the typed failure taxonomy for the price feed core
// and the sanitization applied to every message that crosses a trust
// boundary. The read path distinguishes upstream flakiness from credential
// problems, expected "no data" outcomes from storage faults, and malformed
// payloads from transport failures.
package errors

import (
	"errors"
	"fmt"
	"regexp"
)

// Kind classifies a failure for handling decisions.
type Kind string

const (
	// KindUpstreamUnavailable covers transient network, timeout, and 5xx
	// failures from the provider. Retried implicitly on the next read cycle;
	// drives the circuit breaker.
	KindUpstreamUnavailable Kind = "upstream_unavailable"

	// KindUpstreamAuth covers credential and permission failures. Surfaced
	// distinctly so operators are alerted instead of treating it as flakiness.
	KindUpstreamAuth Kind = "upstream_auth"

	// KindNoData means no fresh, stale, snapshot, or aggregable data exists.
	// Terminal for the request.
	KindNoData Kind = "no_data"

	// KindValidation covers malformed upstream payloads; the fetch is treated
	// as failed even though the transport call succeeded.
	KindValidation Kind = "validation"

	// KindStorage covers cache/snapshot/bar store failures.
	KindStorage Kind = "storage"
)

// Error is a classified failure with operation and category context.
type Error struct {
	Kind     Kind
	Op       string
	Category string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Category != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s [%s]: %v", e.Kind, e.Op, e.Category, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Category != "":
		return fmt.Sprintf("%s: %s [%s]", e.Kind, e.Op, e.Category)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
}

// Unwrap returns the underlying error for chain support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Kind, so sentinel comparisons like
// errors.Is(err, ErrNoData) work regardless of wrapping context.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Sentinels for errors.Is comparisons.
var (
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable, Op: "upstream"}
	ErrUpstreamAuth        = &Error{Kind: KindUpstreamAuth, Op: "upstream"}
	ErrNoData              = &Error{Kind: KindNoData, Op: "read"}
	ErrValidation          = &Error{Kind: KindValidation, Op: "validate"}
	ErrStorage             = &Error{Kind: KindStorage, Op: "storage"}
)

// UpstreamUnavailable wraps a transient provider failure.
func UpstreamUnavailable(op, category string, err error) *Error {
	return &Error{Kind: KindUpstreamUnavailable, Op: op, Category: category, Err: err}
}

// UpstreamAuth wraps a provider credential/permission failure.
func UpstreamAuth(op, category string, err error) *Error {
	return &Error{Kind: KindUpstreamAuth, Op: op, Category: category, Err: err}
}

// NoData reports that every tier of the fallback chain was empty.
func NoData(op, category string) *Error {
	return &Error{Kind: KindNoData, Op: op, Category: category}
}

// Validation wraps a malformed-payload failure.
func Validation(op, category string, err error) *Error {
	return &Error{Kind: KindValidation, Op: op, Category: category, Err: err}
}

// Storage wraps a cache/snapshot/bar store failure.
func Storage(op, category string, err error) *Error {
	return &Error{Kind: KindStorage, Op: op, Category: category, Err: err}
}

// KindOf extracts the Kind from a classified error, or "" for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsAuthFailure reports whether the error is an upstream credential problem.
func IsAuthFailure(err error) bool {
	return KindOf(err) == KindUpstreamAuth
}

// Retryable reports whether the next read cycle may reasonably retry the
// operation. Auth and validation failures will not fix themselves.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUpstreamUnavailable, KindStorage:
		return true
	default:
		return false
	}
}

// Redaction patterns for messages crossing a trust boundary. Order matters:
// URLs are stripped before the key=value pass so credentials embedded in
// query strings never survive.
var (
	urlPattern    = regexp.MustCompile(`(?i)\bhttps?://[^\s"']+`)
	bearerPattern = regexp.MustCompile(`(?i)\b(bearer|basic)\s+[A-Za-z0-9._~+/=-]+`)
	kvPattern     = regexp.MustCompile(`(?i)\b(api[_-]?key|apikey|token|secret|password|passwd|authorization|access[_-]?key)\s*[=:]\s*[^\s&"',;]+`)
	ipPattern     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}(:\d+)?\b`)
)

// Sanitize strips URLs, credentials, tokens, and IP addresses from a message
// so it can be logged or attached to a user-facing warning.
func Sanitize(msg string) string {
	msg = urlPattern.ReplaceAllString(msg, "[redacted-url]")
	msg = bearerPattern.ReplaceAllString(msg, "[redacted-credential]")
	msg = kvPattern.ReplaceAllString(msg, "$1=[redacted]")
	msg = ipPattern.ReplaceAllString(msg, "[redacted-ip]")
	return msg
}

// SanitizeError is Sanitize applied to an error's message; nil-safe.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return Sanitize(err.Error())
}
