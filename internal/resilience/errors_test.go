package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"transient", NewTransientError(errors.New("503"), 503), true},
		{"wrapped transient", eris.Wrap(NewTransientError(errors.New("x"), 502), "fetch"), true},
		{"rate limited", &RateLimitError{Platform: "reddit"}, true},
		{"permanent", NewPermanentError(errors.New("401"), 401), false},
		{"permanent wrapping transient", NewPermanentError(NewTransientError(errors.New("x"), 500), 400), false},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"timeout text", errors.New("dial tcp: i/o timeout"), true},
		{"deadline exceeded is a timeout", context.DeadlineExceeded, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestFromHTTPStatus(t *testing.T) {
	err := FromHTTPStatus("reddit", http.StatusTooManyRequests, "7", "slow down")
	require.True(t, IsRateLimited(err))
	assert.Equal(t, 7*time.Second, RetryAfter(err))
	assert.True(t, IsTransient(err))
	assert.Equal(t, "rate_limited", ClassifyError(err))

	err = FromHTTPStatus("reddit", http.StatusBadGateway, "", "")
	assert.True(t, IsTransient(err))
	assert.False(t, IsPermanent(err))
	assert.Equal(t, "transient", ClassifyError(err))

	for _, code := range []int{400, 401, 403, 404} {
		err = FromHTTPStatus("stackexchange", code, "", "nope")
		assert.True(t, IsPermanent(err), code)
		assert.False(t, IsTransient(err), code)
		assert.Equal(t, "permanent", ClassifyError(err))
	}
}

func TestParseRetryAfter(t *testing.T) {
	assert.Zero(t, ParseRetryAfter(""))
	assert.Zero(t, ParseRetryAfter("soon"))
	assert.Equal(t, 30*time.Second, ParseRetryAfter(" 30 "))

	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	d := ParseRetryAfter(future)
	assert.Greater(t, d, 60*time.Second)
	assert.LessOrEqual(t, d, 90*time.Second)
}

func TestErrorTypes_Messages(t *testing.T) {
	ce := &ConfigError{Problems: []string{"a missing", "b invalid"}}
	assert.Equal(t, "configuration error: a missing; b invalid", ce.Error())
	assert.True(t, IsConfigError(eris.Wrap(ce, "load")))
	assert.Equal(t, "config", ClassifyError(ce))

	de := &DedupPersistenceError{Fingerprint: "reddit:abc", Err: errors.New("disk full")}
	assert.Contains(t, de.Error(), "reddit:abc")
	assert.Contains(t, de.Error(), "disk full")

	te := &TransformationError{ItemKey: "reddit/t3_1", Attempts: 3, Err: errors.New("bad json")}
	assert.Contains(t, te.Error(), "3 attempt(s)")
	assert.ErrorContains(t, errors.Unwrap(te), "bad json")

	rl := &RateLimitError{Platform: "reddit", RetryAfter: 2 * time.Second}
	assert.Equal(t, "reddit: rate limited (retry after 2s)", rl.Error())
}
