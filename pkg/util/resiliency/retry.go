// Package resiliency retries transient failures with exponential backoff and jitter.
package resiliency

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Backoff bounds a retry loop.
type Backoff struct {
	// Attempts is the total number of calls, including the first.
	Attempts int
	Base     time.Duration
	Max      time.Duration
	// Jitter is the upper bound of random delay added to each wait.
	Jitter time.Duration
}

// DefaultBackoff suits dependency checks at startup: 5 attempts over roughly 3 seconds.
var DefaultBackoff = Backoff{Attempts: 5, Base: 200 * time.Millisecond, Max: 2 * time.Second, Jitter: 50 * time.Millisecond}

// Permanent marks an error that must not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Retry calls op until it succeeds, returns a Permanent error, the attempts run
// out or ctx is done. The last error is returned wrapped with the attempt count.
func Retry(ctx context.Context, b Backoff, op func(ctx context.Context) error) error {
	attempts := max(b.Attempts, 1)
	var err error
	for i := 0; i < attempts; i++ {
		if err = op(ctx); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if i == attempts-1 {
			break
		}

		timer := time.NewTimer(b.delay(i))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-timer.C:
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}

// delay is Base * 2^attempt capped at Max, plus jitter.
func (b Backoff) delay(attempt int) time.Duration {
	d := b.Base << attempt
	if b.Max > 0 && (d > b.Max || d <= 0) {
		d = b.Max
	}
	if b.Jitter > 0 {
		if n, err := rand.Int(rand.Reader, big.NewInt(int64(b.Jitter))); err == nil {
			d += time.Duration(n.Int64())
		}
	}
	return d
}
