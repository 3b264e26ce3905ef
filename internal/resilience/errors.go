package resilience

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
)

// ErrAcquireTimeout is returned when a rate-limit permit could not be
// obtained before the caller's deadline.
var ErrAcquireTimeout = eris.New("rate limiter: acquire timed out")

// TransientError wraps an error that is safe to retry (e.g., 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// RateLimitError is an explicit rate-limit signal from a platform or from
// the local limiter. RetryAfter, when positive, is the server's hint.
type RateLimitError struct {
	Platform   string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	msg := "rate limited"
	if e.Platform != "" {
		msg = e.Platform + ": " + msg
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// PermanentError marks a failure that must not be retried: authentication
// problems, malformed requests, and 4xx responses other than 429.
type PermanentError struct {
	Err        error
	StatusCode int
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError wraps err as non-retryable.
func NewPermanentError(err error, statusCode int) *PermanentError {
	return &PermanentError{Err: err, StatusCode: statusCode}
}

// ConfigError is the only run-fatal error class. It lists every problem
// found so the operator can fix them in one pass.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "configuration error: " + strings.Join(e.Problems, "; ")
}

// DedupPersistenceError reports that a dedup update could not be flushed.
// The harvest it belongs to must be treated as not yet recorded.
type DedupPersistenceError struct {
	Fingerprint string
	Err         error
}

func (e *DedupPersistenceError) Error() string {
	return fmt.Sprintf("dedup: persist %s: %v", e.Fingerprint, e.Err)
}

func (e *DedupPersistenceError) Unwrap() error {
	return e.Err
}

// TransformationError is a per-item failure of the external transformation
// step after retries were exhausted or a permanent error was returned.
type TransformationError struct {
	ItemKey  string
	Attempts int
	Err      error
}

func (e *TransformationError) Error() string {
	return fmt.Sprintf("transform %s failed after %d attempt(s): %v", e.ItemKey, e.Attempts, e.Err)
}

func (e *TransformationError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err (or its chain) is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsRateLimited reports whether err (or its chain) is a RateLimitError.
func IsRateLimited(err error) bool {
	var re *RateLimitError
	return errors.As(err, &re)
}

// IsConfigError reports whether err (or its chain) is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// RetryAfter extracts the server retry hint from a RateLimitError chain.
func RetryAfter(err error) time.Duration {
	var re *RateLimitError
	if errors.As(err, &re) {
		return re.RetryAfter
	}
	return 0
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError or RateLimitError, or if it matches common transient error
// patterns (network timeouts, connection resets, DNS failures). A
// PermanentError anywhere in the chain wins.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if IsRateLimited(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
		"unexpected eof",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// FromHTTPStatus classifies a non-2xx response into the error taxonomy.
// retryAfter is the raw Retry-After header value, if any.
func FromHTTPStatus(platform string, statusCode int, retryAfter string, body string) error {
	base := eris.Errorf("%s: http %d: %s", platform, statusCode, truncate(body, 200))
	switch {
	case statusCode == http.StatusTooManyRequests:
		return &RateLimitError{Platform: platform, RetryAfter: ParseRetryAfter(retryAfter), Err: base}
	case IsTransientHTTPStatus(statusCode):
		return NewTransientError(base, statusCode)
	default:
		return NewPermanentError(base, statusCode)
	}
}

// ParseRetryAfter understands both delta-seconds and HTTP-date forms.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ClassifyError categorizes an error for run summaries and logs.
func ClassifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case IsConfigError(err):
		return "config"
	case IsRateLimited(err):
		return "rate_limited"
	case IsPermanent(err):
		return "permanent"
	case IsTransient(err):
		return "transient"
	default:
		return "permanent"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
