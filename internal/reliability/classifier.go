package reliability

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Policy bounds a retry loop.
type Policy struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
}

// DefaultPolicy suits calls to a local model server: a few quick retries.
var DefaultPolicy = Policy{Attempts: 3, Base: 250 * time.Millisecond, Cap: 2 * time.Second}

// Retry runs fn until it succeeds, returns a non-retryable error, or the attempts
// are exhausted. Sleeps between attempts honor ctx. A nil retryable retries every
// error.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error, retryable func(error) bool) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		timer := time.NewTimer(ExponentialBackoff(attempt, p.Base, p.Cap))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrapf(ctx.Err(), "retry aborted after %d attempt(s): %v", attempt+1, err)
		case <-timer.C:
		}
	}
	return errors.Wrapf(err, "giving up after %d attempt(s)", attempts)
}
