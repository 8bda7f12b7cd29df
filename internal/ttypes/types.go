// Package ttypes contains shared types for the TTS dispatch system.
// This package is used to break import cycles between config, adapter, state and dispatch packages.
package ttypes

import (
	"time"
)

// TTSType represents the adapter family a configuration routes to.
type TTSType string

const (
	// TypeExternal routes requests to an HTTP-backed synthesis service.
	TypeExternal TTSType = "external"

	// TypeBuiltIn routes requests to the local speech engine.
	TypeBuiltIn TTSType = "builtin"
)

// Valid reports whether t is a known type.
func (t TTSType) Valid() bool {
	return t == TypeExternal || t == TypeBuiltIn
}

// MaxTextLength is the longest request text accepted, in runes.
const MaxTextLength = 5000

// RequestSettings carries optional per-request overrides.
type RequestSettings struct {
	Voice string  `json:"voice,omitempty"`
	Speed float64 `json:"speed,omitempty"`
}

// TTSRequest is a single synthesis request submitted by the host.
type TTSRequest struct {
	// RequestID uniquely identifies the request; generated when empty.
	RequestID string `json:"request_id"`

	// Text is the content to synthesize.
	Text string `json:"text"`

	// Settings optionally overrides voice and speed.
	Settings *RequestSettings `json:"settings,omitempty"`
}

// TTSResponse is the outcome of a request. Exactly one of the success
// fields or the error fields is populated.
type TTSResponse struct {
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`

	Audio               []byte `json:"audio,omitempty"`
	Format              string `json:"format,omitempty"`
	EstimatedDurationMs int64  `json:"estimated_duration_ms,omitempty"`
	Cached              bool   `json:"cached,omitempty"`

	ErrorCode    ErrorCode `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ErrorDetails string    `json:"error_details,omitempty"`

	AttemptCount   int           `json:"attempt_count"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// Err returns the response failure as a TTSError, or nil on success.
func (r *TTSResponse) Err() *TTSError {
	if r == nil || r.Success {
		return nil
	}
	return &TTSError{
		Code:      r.ErrorCode,
		Message:   r.ErrorMessage,
		Details:   r.ErrorDetails,
		RequestID: r.RequestID,
	}
}

// SuccessResponse builds a successful response.
func SuccessResponse(requestID string, audio []byte, format string, estimatedMs int64) *TTSResponse {
	return &TTSResponse{
		RequestID:           requestID,
		Success:             true,
		Audio:               audio,
		Format:              format,
		EstimatedDurationMs: estimatedMs,
	}
}

// FailureResponse converts err into a failed response.
func FailureResponse(requestID string, err *TTSError) *TTSResponse {
	return &TTSResponse{
		RequestID:    requestID,
		Success:      false,
		ErrorCode:    err.Code,
		ErrorMessage: err.Message,
		ErrorDetails: err.Details,
	}
}

// ErrorContext is the retry bookkeeping for one top-level request.
type ErrorContext struct {
	RequestID    string
	AttemptCount int
	MaxRetries   int
	TimeoutMs    int
	RetryDelayMs int
	TTSType      TTSType
	StartTime    time.Time
}

// RequestStatus is the lifecycle status of an active request.
type RequestStatus int

const (
	StatusQueued RequestStatus = iota
	StatusProcessing
	StatusRetrying
	StatusCompleted
	StatusFailed
	StatusCancelled
)

// String returns the string representation of the status
func (s RequestStatus) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusProcessing:
		return "processing"
	case StatusRetrying:
		return "retrying"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MarshalText lets statuses render as words in JSON.
func (s RequestStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ActiveRequestInfo describes an in-flight request.
type ActiveRequestInfo struct {
	RequestID    string        `json:"request_id"`
	TTSType      TTSType       `json:"tts_type"`
	StartTime    time.Time     `json:"start_time"`
	TextLength   int           `json:"text_length"`
	Status       RequestStatus `json:"status"`
	AttemptCount int           `json:"attempt_count"`
}

// Elapsed returns the time since the request started.
func (a ActiveRequestInfo) Elapsed(now time.Time) time.Duration {
	return now.Sub(a.StartTime)
}

// ServiceStatus is a point-in-time snapshot of dispatcher state.
type ServiceStatus struct {
	IsAvailable     bool          `json:"is_available"`
	IsHealthy       bool          `json:"is_healthy"`
	CurrentType     TTSType       `json:"current_type"`
	TotalProcessed  int64         `json:"total_processed"`
	TotalSucceeded  int64         `json:"total_succeeded"`
	TotalFailed     int64         `json:"total_failed"`
	TotalCancelled  int64         `json:"total_cancelled"`
	AverageLatency  time.Duration `json:"average_latency"`
	StartTime       time.Time     `json:"start_time"`
	LastError       string        `json:"last_error,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	LastHealthCheck time.Time     `json:"last_health_check"`
	ConfigVersion   int64         `json:"config_version"`
}

// Uptime returns how long the service has been running.
func (s ServiceStatus) Uptime(now time.Time) time.Duration {
	return now.Sub(s.StartTime)
}

// HealthStatus is the readiness report of a single adapter.
type HealthStatus struct {
	Healthy     bool              `json:"healthy"`
	Message     string            `json:"message"`
	LastChecked time.Time         `json:"last_checked"`
	Details     map[string]string `json:"details,omitempty"`
}

// HealthCheckItem is the outcome of one health sub-check.
type HealthCheckItem struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Message string `json:"message"`
}

// HealthCheckResult aggregates the sub-checks. Healthy is true only when
// every item is healthy.
type HealthCheckResult struct {
	Healthy   bool              `json:"healthy"`
	Checks    []HealthCheckItem `json:"checks"`
	CheckedAt time.Time         `json:"checked_at"`
}

// Failing returns the names of unhealthy sub-checks.
func (r HealthCheckResult) Failing() []string {
	var names []string
	for _, c := range r.Checks {
		if !c.Healthy {
			names = append(names, c.Name)
		}
	}
	return names
}

// TypeMetrics is the per-type slice of PerformanceMetrics.
type TypeMetrics struct {
	Requests       int           `json:"requests"`
	Failures       int           `json:"failures"`
	AverageLatency time.Duration `json:"average_latency"`
}

// PerformanceMetrics is computed over a sliding window of request history.
type PerformanceMetrics struct {
	Window            time.Duration           `json:"window"`
	TotalRequests     int                     `json:"total_requests"`
	RequestsPerMinute float64                 `json:"requests_per_minute"`
	AverageLatency    time.Duration           `json:"average_latency"`
	P95Latency        time.Duration           `json:"p95_latency"`
	P99Latency        time.Duration           `json:"p99_latency"`
	ErrorRate         float64                 `json:"error_rate"`
	ByType            map[TTSType]TypeMetrics `json:"by_type"`
}

// ResourceUsage reports process resource consumption.
type ResourceUsage struct {
	HeapAlloc      uint64 `json:"heap_alloc"`
	Sys            uint64 `json:"sys"`
	NumGoroutine   int    `json:"num_goroutine"`
	ActiveRequests int    `json:"active_requests"`
}
