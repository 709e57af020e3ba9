package bitbucket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"syscall"
	"testing"
	"time"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestRetryPolicyBackoff(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		policy RetryPolicy
		retry  int
		want   time.Duration
	}{
		{
			name:   "first_retry_uses_base",
			policy: RetryPolicy{InitialBackoff: time.Second},
			retry:  1,
			want:   time.Second,
		},
		{
			name:   "doubles_per_retry",
			policy: RetryPolicy{InitialBackoff: time.Second},
			retry:  3,
			want:   4 * time.Second,
		},
		{
			name:   "capped_by_max_backoff",
			policy: RetryPolicy{InitialBackoff: time.Second, MaxBackoff: 3 * time.Second},
			retry:  3,
			want:   3 * time.Second,
		},
		{
			name:   "jitter_low_end",
			policy: RetryPolicy{InitialBackoff: time.Second, Jitter: 0.2, Rand: func() float64 { return 0 }},
			retry:  1,
			want:   800 * time.Millisecond,
		},
		{
			name:   "jitter_midpoint_is_exact",
			policy: RetryPolicy{InitialBackoff: time.Second, Jitter: 0.2, Rand: func() float64 { return 0.5 }},
			retry:  2,
			want:   2 * time.Second,
		},
		{
			name:   "jitter_high_end",
			policy: RetryPolicy{InitialBackoff: time.Second, Jitter: 0.2, Rand: func() float64 { return 1 }},
			retry:  1,
			want:   1200 * time.Millisecond,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.policy.Backoff(tc.retry); got != tc.want {
				t.Fatalf("Backoff(%d) = %v, want %v", tc.retry, got, tc.want)
			}
		})
	}
}

func TestRetryPolicyJitterStaysInBounds(t *testing.T) {
	t.Parallel()

	policy := DefaultRetryPolicy()
	for retry := 1; retry <= policy.MaxRetries; retry++ {
		base := time.Second << (retry - 1)
		low := time.Duration(float64(base) * 0.8)
		high := time.Duration(float64(base) * 1.2)
		for range 50 {
			got := policy.Backoff(retry)
			if got < low || got > high {
				t.Fatalf("Backoff(%d) = %v, want within [%v, %v]", retry, got, low, high)
			}
		}
	}
}

func TestDefaultRetryPolicyMaxAttempts(t *testing.T) {
	t.Parallel()

	if got := DefaultRetryPolicy().MaxAttempts(); got != 4 {
		t.Fatalf("MaxAttempts() = %d, want 4", got)
	}
	if got := (RetryPolicy{MaxRetries: -1}).MaxAttempts(); got != 1 {
		t.Fatalf("MaxAttempts() = %d, want 1", got)
	}
}

func TestIsRetryableStatus(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		status int
		want   bool
	}{
		{status: 200, want: false},
		{status: 400, want: false},
		{status: 401, want: false},
		{status: 403, want: false},
		{status: 404, want: false},
		{status: 429, want: true},
		{status: 500, want: true},
		{status: 502, want: true},
		{status: 503, want: true},
		{status: 599, want: true},
	}

	for _, tc := range testCases {
		if got := IsRetryableStatus(tc.status); got != tc.want {
			t.Fatalf("IsRetryableStatus(%d) = %t, want %t", tc.status, got, tc.want)
		}
	}
}

func TestIsRetryableError(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "wrapped_canceled", err: &url.Error{Op: "Get", URL: "u", Err: context.Canceled}, want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "net_timeout", err: &url.Error{Op: "Get", URL: "u", Err: timeoutError{}}, want: true},
		{
			name: "connection_reset",
			err:  &url.Error{Op: "Get", URL: "u", Err: &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}},
			want: true,
		},
		{name: "connection_aborted", err: fmt.Errorf("write: %w", syscall.ECONNABORTED), want: true},
		{name: "unexpected_eof", err: &url.Error{Op: "Get", URL: "u", Err: io.ErrUnexpectedEOF}, want: true},
		{name: "url_error_without_cause", err: &url.Error{Op: "Get", URL: "u"}, want: true},
		{name: "bare_error_without_cause", err: errors.New("connection refused by peer"), want: true},
		{name: "url_error_with_unrelated_cause", err: &url.Error{Op: "Get", URL: "u", Err: errors.New("unsupported protocol scheme")}, want: false},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := IsRetryableError(tc.err); got != tc.want {
				t.Fatalf("IsRetryableError(%v) = %t, want %t", tc.err, got, tc.want)
			}
		})
	}
}
