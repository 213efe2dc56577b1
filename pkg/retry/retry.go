// Package retry provides the backoff policy consulted by the step
// executor after a failed attempt. Policies are stateless and safe for
// concurrent use.
package retry

import (
	"errors"
	"time"
)

// Policy decides whether a failed step attempt should be retried.
// NextDelay is given the number of attempts that have already failed
// (1-based) and returns the delay before the next attempt, or ok=false
// to give up.
type Policy interface {
	NextDelay(attempt int) (delay time.Duration, ok bool)
}

// Exponential doubles the delay per failed attempt, capped at MaxDelay,
// and gives up once MaxAttempts attempts have failed.
type Exponential struct {
	Initial     time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func (e Exponential) NextDelay(attempt int) (time.Duration, bool) {
	if attempt >= e.MaxAttempts {
		return 0, false
	}
	d := e.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if e.MaxDelay > 0 && d >= e.MaxDelay {
			return e.MaxDelay, true
		}
	}
	if e.MaxDelay > 0 && d > e.MaxDelay {
		d = e.MaxDelay
	}
	return d, true
}

// DefaultPolicy returns the engine default: 100ms initial delay doubling
// per attempt, capped at 5s, giving up after the third failed attempt.
func DefaultPolicy() Policy {
	return Exponential{Initial: 100 * time.Millisecond, MaxDelay: 5 * time.Second, MaxAttempts: 3}
}

// None never retries: the first failure is terminal.
type None struct{}

func (None) NextDelay(int) (time.Duration, bool) { return 0, false }

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as non-retryable: the executor fails the run on
// the first attempt instead of consulting the policy. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or any error it wraps) was marked
// with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
