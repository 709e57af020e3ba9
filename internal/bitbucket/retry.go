package bitbucket

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"
)

const (
	defaultMaxRetries     = 3
	defaultInitialBackoff = time.Second
	defaultJitter         = 0.2
)

// RetryPolicy bounds how often and how patiently a failed GET is retried.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries     int
	InitialBackoff time.Duration
	// MaxBackoff caps a single delay. Zero leaves delays uncapped.
	MaxBackoff time.Duration
	// Jitter is the symmetric random spread applied to each delay, 0.2 meaning ±20%.
	Jitter float64
	// Rand returns a value in [0,1). It is injected for deterministic tests.
	Rand func() float64
}

// DefaultRetryPolicy returns three retries starting at one second with ±20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     defaultMaxRetries,
		InitialBackoff: defaultInitialBackoff,
		Jitter:         defaultJitter,
	}
}

// MaxAttempts returns the total number of attempts including the first.
func (p RetryPolicy) MaxAttempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Backoff returns the delay before retry n, where n starts at 1.
func (p RetryPolicy) Backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	backoff := p.InitialBackoff
	for i := 1; i < retry; i++ {
		backoff *= 2
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
			break
		}
	}
	if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}

	jitter := p.Jitter
	if jitter <= 0 || backoff <= 0 {
		return backoff
	}
	if jitter > 1 {
		jitter = 1
	}
	randFn := p.Rand
	if randFn == nil {
		randFn = rand.Float64
	}
	factor := 1 + jitter*(2*randFn()-1)
	return time.Duration(float64(backoff) * factor)
}

// IsRetryableStatus reports whether an HTTP status is worth retrying.
func IsRetryableStatus(statusCode int) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	return statusCode >= 500 && statusCode <= 599
}

var transientErrnos = []error{
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
	syscall.EPIPE,
}

// IsRetryableError reports whether a transport error is transient.
// Timeouts, connection resets and aborts are transient. A transport error
// that carries no underlying cause is treated as transient as well.
// Caller cancellation never is.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	for _, target := range transientErrnos {
		if errors.Is(err, target) {
			return true
		}
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err == nil
	}
	return errors.Unwrap(err) == nil
}

func sleepContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
