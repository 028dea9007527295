package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Reason codes attached to failures and dead-letter entries.
const (
	ReasonTimeout             = "timeout"
	ReasonDNSError            = "dns_error"
	ReasonConnectionRefused   = "connection_refused"
	ReasonFetchError          = "fetch_error"
	ReasonRobotsBlocked       = "robots_blocked"
	ReasonContentTooShort     = "content_too_short"
	ReasonHTTP4xx             = "http_4xx"
	ReasonHTTP429             = "http_429"
	ReasonHTTP5xx             = "http_5xx"
	ReasonHTTPOther           = "http_other"
	ReasonInvalidURL          = "invalid_url"
	ReasonInvalidPayload      = "invalid_payload"
	ReasonMaxAttemptsExceeded = "max_attempts_exceeded"
	ReasonPersistError        = "persist_error"
	ReasonSchemaInvalid       = "schema_invalid"
	ReasonModelError          = "model_error"
	ReasonModelTransient      = "model_transient"
	ReasonPayloadTooLarge     = "payload_too_large"
)

// Sentinel errors shared across packages.
var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateContent signals that a page with the same text hash exists.
	ErrDuplicateContent = errors.New("duplicate content")
	// ErrRunActive signals that another run already holds the topic lock.
	ErrRunActive = errors.New("run already active")
)

// FetchError carries the reason code for a failed robots or page fetch.
type FetchError struct {
	Reason     string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch failed: %s (status %d)", e.Reason, e.StatusCode)
	}
	return fmt.Sprintf("fetch failed: %s: %v", e.Reason, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ReasonOf extracts a reason code from err, defaulting to fetch_error.
func ReasonOf(err error) string {
	var fe *FetchError
	if errors.As(err, &fe) && fe.Reason != "" {
		return fe.Reason
	}
	return ClassifyTransportError(err)
}

// IsRetryableReason reports whether a failure with this reason should be
// re-enqueued with backoff rather than dead-lettered.
func IsRetryableReason(reason string) bool {
	switch reason {
	case ReasonTimeout, ReasonDNSError, ReasonConnectionRefused, ReasonHTTP429, ReasonHTTP5xx:
		return true
	default:
		return false
	}
}

// ClassifyTransportError maps network errors onto reason codes.
func ClassifyTransportError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return ReasonTimeout
		}
		return ReasonDNSError
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ReasonConnectionRefused
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return ReasonTimeout
	case strings.Contains(msg, "no such host"):
		return ReasonDNSError
	case strings.Contains(msg, "connection refused"):
		return ReasonConnectionRefused
	}
	return ReasonFetchError
}

// ClassifyStatus maps a non-2xx HTTP status onto a reason code.
func ClassifyStatus(code int) string {
	switch {
	case code == http.StatusTooManyRequests:
		return ReasonHTTP429
	case code >= 400 && code < 500:
		return ReasonHTTP4xx
	case code >= 500 && code < 600:
		return ReasonHTTP5xx
	default:
		return ReasonHTTPOther
	}
}
