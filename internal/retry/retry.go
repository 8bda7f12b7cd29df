// Package retry decides whether a failed attempt should be tried again and
// how long to wait first.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dgnsrekt/ttsdispatch/internal/ttypes"
)

// Decision is the outcome of a Strategy.
type Decision struct {
	ShouldRetry bool
	Delay       time.Duration
}

// Strategy decides on retries. ec.AttemptCount is the number of attempts
// that have failed so far, including the one that produced err.
type Strategy interface {
	Decide(err error, ec ttypes.ErrorContext) Decision
}

// Classify maps err to an error code. Errors that are not a *TTSError are
// treated as processing errors, except context errors which map to
// Timeout and Cancelled.
func Classify(err error) ttypes.ErrorCode {
	if err == nil {
		return ""
	}
	var terr *ttypes.TTSError
	if errors.As(err, &terr) {
		return terr.Code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ttypes.ErrorCodeTimeout
	case errors.Is(err, context.Canceled):
		return ttypes.ErrorCodeCancelled
	}
	return ttypes.ErrorCodeProcessingError
}

// IsTransient reports whether a failure with code may succeed on retry.
func IsTransient(code ttypes.ErrorCode) bool {
	return ttypes.IsTransient(code)
}

func retryable(err error, ec ttypes.ErrorContext) bool {
	return err != nil && ec.AttemptCount <= ec.MaxRetries && IsTransient(Classify(err))
}

// Constant retries transient failures after a fixed RetryDelayMs.
type Constant struct{}

var _ Strategy = Constant{}

// Decide implements Strategy.
func (Constant) Decide(err error, ec ttypes.ErrorContext) Decision {
	if !retryable(err, ec) {
		return Decision{}
	}
	return Decision{
		ShouldRetry: true,
		Delay:       time.Duration(max(ec.RetryDelayMs, 0)) * time.Millisecond,
	}
}

// Exponential retries transient failures with jittered exponential
// backoff. RetryDelayMs seeds the initial interval unless Initial is set.
type Exponential struct {
	Initial             time.Duration
	Max                 time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

var _ Strategy = (*Exponential)(nil)

// NewExponential returns an Exponential strategy with the backoff
// library's defaults for growth and jitter.
func NewExponential() *Exponential {
	return &Exponential{
		Max:                 30 * time.Second,
		Multiplier:          backoff.DefaultMultiplier,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
	}
}

// Decide implements Strategy.
func (s *Exponential) Decide(err error, ec ttypes.ErrorContext) Decision {
	if !retryable(err, ec) {
		return Decision{}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.Initial
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Duration(max(ec.RetryDelayMs, 1)) * time.Millisecond
	}
	if s.Max > 0 {
		b.MaxInterval = s.Max
	}
	if s.Multiplier > 0 {
		b.Multiplier = s.Multiplier
	}
	b.RandomizationFactor = s.RandomizationFactor
	b.Reset()

	var d time.Duration
	for range max(ec.AttemptCount, 1) {
		d = b.NextBackOff()
	}
	return Decision{ShouldRetry: true, Delay: d}
}

// ForName returns the strategy registered under name: "constant" (the
// default) or "exponential".
func ForName(name string) Strategy {
	if name == "exponential" {
		return NewExponential()
	}
	return Constant{}
}
