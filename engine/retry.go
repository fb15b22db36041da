package engine

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/BaSui01/flowengine/types"
)

// Policy configures exponential backoff for one step's transient
// retries. Attempt 0 is the first call, not a retry.
type Policy struct {
	Base       time.Duration `json:"base"`
	Max        time.Duration `json:"max"`
	Exponent   float64       `json:"exponent"`
	Jitter     bool          `json:"jitter"`
	MaxRetries int           `json:"max_retries"`
}

// DefaultPolicy returns the engine defaults: 1s base, 60s cap,
// exponent 2, additive jitter, 3 retries.
func DefaultPolicy() Policy {
	return Policy{
		Base:       time.Second,
		Max:        60 * time.Second,
		Exponent:   2.0,
		Jitter:     true,
		MaxRetries: 3,
	}
}

// DelayForAttempt computes the sleep before retrying attempt n:
// base*exp^n capped at Max, plus up to 10% additive jitter of the
// capped delay.
func (p Policy) DelayForAttempt(n int) time.Duration {
	d := float64(p.Base) * math.Pow(p.Exponent, float64(n))
	if capped := float64(p.Max); d > capped {
		d = capped
	}
	if p.Jitter {
		d += d * 0.1 * rand.Float64()
	}
	return time.Duration(d)
}

// OutcomeKind classifies the result of one attempt. The retry loop is
// a fold over this sum: Transient retries, everything else stops.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeTransient
	OutcomePermanent
	OutcomeCancelled
	OutcomeTimeout
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// IsRetryableFunc decides whether an attempt error is transient.
type IsRetryableFunc func(error) bool

// Classify maps an attempt error to an outcome kind. isRetryable, when
// nil, defaults to always-retry, matching the policy contract.
func Classify(err error, isRetryable IsRetryableFunc) OutcomeKind {
	if err == nil {
		return OutcomeSuccess
	}
	if errors.Is(err, context.Canceled) || types.GetErrorCode(err) == types.ErrCancelled {
		return OutcomeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) || types.GetErrorCode(err) == types.ErrTimeout {
		return OutcomeTimeout
	}
	if isRetryable == nil || isRetryable(err) {
		return OutcomeTransient
	}
	return OutcomePermanent
}

// RetryableFunc is one attempt of the wrapped operation.
type RetryableFunc func(ctx context.Context) (string, error)

// RetryWithBackoff invokes fn until it succeeds, the retry budget is
// exhausted, or a non-transient outcome appears. It returns the output,
// the number of retries actually performed (0 when the first attempt
// succeeded), and the last error on failure. Cancellation is observed
// at every iteration boundary and during backoff sleeps.
func RetryWithBackoff(ctx context.Context, fn RetryableFunc, p Policy, isRetryable IsRetryableFunc) (string, int, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", attempt, types.NewError(types.ErrCancelled, "cancelled before attempt").WithCause(err)
		}

		out, err := fn(ctx)
		switch Classify(err, isRetryable) {
		case OutcomeSuccess:
			return out, attempt, nil

		case OutcomeCancelled:
			return "", attempt, types.NewError(types.ErrCancelled, "attempt cancelled").WithCause(err)

		case OutcomeTimeout:
			// A step timeout counts against the budget like any other
			// transient failure unless the run itself was cancelled.
			if ctx.Err() != nil {
				return "", attempt, types.NewError(types.ErrCancelled, "attempt cancelled").WithCause(ctx.Err())
			}
			lastErr = err

		case OutcomePermanent:
			return "", attempt, types.NewError(types.ErrPermanentExecution, "non-retryable error").WithCause(err)

		case OutcomeTransient:
			lastErr = err
		}

		if attempt >= p.MaxRetries {
			return "", attempt, types.NewError(types.ErrPermanentExecution, "retry budget exhausted").WithCause(lastErr)
		}

		select {
		case <-ctx.Done():
			return "", attempt, types.NewError(types.ErrCancelled, "cancelled during backoff").WithCause(ctx.Err())
		case <-time.After(p.DelayForAttempt(attempt)):
		}
	}
}
