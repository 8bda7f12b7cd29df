package ttypes

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTSError_FormatAndUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewTTSError(ErrorCodeAdapterUnavailable, "External", "backend unreachable", cause)

	assert.Equal(t, "ADAPTER_UNAVAILABLE: backend unreachable: connection refused", err.Error())
	assert.Equal(t, "connection refused", err.Details)
	assert.ErrorIs(t, err, cause)

	bare := NewTTSError(ErrorCodeTimeout, "Dispatcher", "deadline exceeded", nil)
	assert.Equal(t, "TIMEOUT: deadline exceeded", bare.Error())
	assert.Empty(t, bare.Details)
}

func TestTTSError_WithRequestCopies(t *testing.T) {
	err := NewTTSError(ErrorCodeProcessingError, "External", "boom", nil)
	tagged := err.WithRequest("r1")

	assert.Equal(t, "r1", tagged.RequestID)
	assert.Empty(t, err.RequestID)
}

func TestIsTransient(t *testing.T) {
	tests := map[ErrorCode]bool{
		ErrorCodeAdapterUnavailable:   true,
		ErrorCodeProcessingError:      true,
		ErrorCodeTimeout:              true,
		ErrorCodeInvalidRequest:       false,
		ErrorCodeValidationFailed:     false,
		ErrorCodeConfigurationError:   false,
		ErrorCodeInitializationFailed: false,
		ErrorCodeCancelled:            false,
	}
	for code, want := range tests {
		assert.Equal(t, want, IsTransient(code), code)
		assert.Equal(t, want, (&TTSError{Code: code}).IsRetryable(), code)
	}
}

func TestAsTTSError(t *testing.T) {
	assert.Nil(t, AsTTSError(nil, "x"))

	orig := NewTTSError(ErrorCodeTimeout, "Dispatcher", "slow", nil)
	wrapped := fmt.Errorf("attempt 2: %w", orig)
	assert.Same(t, orig, AsTTSError(wrapped, "x"))

	got := AsTTSError(errors.New("nil map write"), "External")
	assert.Equal(t, ErrorCodeProcessingError, got.Code)
	assert.Equal(t, "External", got.Source)
	assert.Equal(t, "nil map write", got.Details)
}

func TestFailureResponse_RoundTripsThroughErr(t *testing.T) {
	err := NewTTSError(ErrorCodeValidationFailed, "Dispatcher", "text is empty", errors.New("len 0"))
	resp := FailureResponse("r9", err)

	require.False(t, resp.Success)
	back := resp.Err()
	require.NotNil(t, back)
	assert.Equal(t, ErrorCodeValidationFailed, back.Code)
	assert.Equal(t, "text is empty", back.Message)
	assert.Equal(t, "len 0", back.Details)
	assert.Equal(t, "r9", back.RequestID)

	assert.Nil(t, SuccessResponse("r9", nil, "", 1000).Err())
}

func TestRequestStatus_JSON(t *testing.T) {
	data, err := json.Marshal(ActiveRequestInfo{RequestID: "r1", Status: StatusRetrying})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"retrying"`)
	assert.Equal(t, "unknown", RequestStatus(42).String())
}

func TestHealthCheckResult_Failing(t *testing.T) {
	r := HealthCheckResult{Checks: []HealthCheckItem{
		{Name: "service", Healthy: true},
		{Name: "memory", Healthy: false},
		{Name: "error_rate", Healthy: false},
	}}
	assert.Equal(t, []string{"memory", "error_rate"}, r.Failing())
}
