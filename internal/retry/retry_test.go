package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dgnsrekt/ttsdispatch/internal/ttypes"
	"github.com/stretchr/testify/assert"
)

func ttsErr(code ttypes.ErrorCode) error {
	return ttypes.NewTTSError(code, "test", string(code), nil)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ttypes.ErrorCode
	}{
		{"nil", nil, ""},
		{"tts error", ttsErr(ttypes.ErrorCodeTimeout), ttypes.ErrorCodeTimeout},
		{"wrapped tts error", fmt.Errorf("attempt: %w", ttsErr(ttypes.ErrorCodeValidationFailed)), ttypes.ErrorCodeValidationFailed},
		{"deadline", context.DeadlineExceeded, ttypes.ErrorCodeTimeout},
		{"cancel", context.Canceled, ttypes.ErrorCodeCancelled},
		{"plain error", errors.New("connection reset"), ttypes.ErrorCodeProcessingError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestConstant_Decide(t *testing.T) {
	ec := ttypes.ErrorContext{MaxRetries: 2, RetryDelayMs: 250}

	tests := []struct {
		name    string
		err     error
		attempt int
		retry   bool
	}{
		{"processing error first failure", ttsErr(ttypes.ErrorCodeProcessingError), 1, true},
		{"timeout at max", ttsErr(ttypes.ErrorCodeTimeout), 2, true},
		{"unavailable past max", ttsErr(ttypes.ErrorCodeAdapterUnavailable), 3, false},
		{"validation never retried", ttsErr(ttypes.ErrorCodeValidationFailed), 1, false},
		{"configuration never retried", ttsErr(ttypes.ErrorCodeConfigurationError), 1, false},
		{"initialization never retried", ttsErr(ttypes.ErrorCodeInitializationFailed), 1, false},
		{"cancelled never retried", ttsErr(ttypes.ErrorCodeCancelled), 1, false},
		{"plain error is processing", errors.New("boom"), 1, true},
		{"nil error", nil, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := ec
			c.AttemptCount = tt.attempt
			d := Constant{}.Decide(tt.err, c)
			assert.Equal(t, tt.retry, d.ShouldRetry)
			if tt.retry {
				assert.Equal(t, 250*time.Millisecond, d.Delay)
			} else {
				assert.Zero(t, d.Delay)
			}
		})
	}
}

func TestExponential_GrowsWithAttempts(t *testing.T) {
	s := &Exponential{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}
	ec := ttypes.ErrorContext{MaxRetries: 10}
	err := ttsErr(ttypes.ErrorCodeProcessingError)

	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		ec.AttemptCount = i + 1
		d := s.Decide(err, ec)
		assert.True(t, d.ShouldRetry)
		assert.Equal(t, w*time.Millisecond, d.Delay, "attempt %d", i+1)
	}
}

func TestExponential_JitterStaysInRange(t *testing.T) {
	s := NewExponential()
	ec := ttypes.ErrorContext{MaxRetries: 3, RetryDelayMs: 1000, AttemptCount: 1}

	for range 20 {
		d := s.Decide(ttsErr(ttypes.ErrorCodeTimeout), ec)
		assert.True(t, d.ShouldRetry)
		assert.GreaterOrEqual(t, d.Delay, 500*time.Millisecond)
		assert.LessOrEqual(t, d.Delay, 1500*time.Millisecond)
	}
}

func TestExponential_RespectsMaxRetries(t *testing.T) {
	d := NewExponential().Decide(ttsErr(ttypes.ErrorCodeTimeout),
		ttypes.ErrorContext{MaxRetries: 1, AttemptCount: 2})
	assert.False(t, d.ShouldRetry)
}

func TestForName(t *testing.T) {
	assert.IsType(t, Constant{}, ForName(""))
	assert.IsType(t, Constant{}, ForName("constant"))
	assert.IsType(t, &Exponential{}, ForName("exponential"))
}
