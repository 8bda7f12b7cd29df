// Package adapter defines the uniform processing contract the dispatcher
// routes requests through, with External (HTTP backends) and BuiltIn (local
// engine) implementations.
package adapter

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dgnsrekt/ttsdispatch/internal/ttypes"
)

// Adapter is a backend-specific implementation of TTS processing.
type Adapter interface {
	// Type returns the configuration type this adapter serves.
	Type() ttypes.TTSType

	// IsAvailable is a cheap readiness probe without side effects.
	IsAvailable() bool

	// Initialize (re)configures the adapter. It rejects settings of the
	// wrong type and is safe to call repeatedly.
	Initialize(settings any) bool

	// Process synthesizes req. Failures are reported in the response.
	Process(ctx context.Context, req *ttypes.TTSRequest) *ttypes.TTSResponse

	// Cleanup releases the underlying client. Process then reports
	// AdapterUnavailable until Initialize succeeds again.
	Cleanup()

	// GetHealthStatus probes the adapter independently of Process.
	GetHealthStatus() ttypes.HealthStatus

	// LastError returns the most recent Initialize failure, if any.
	LastError() error
}

const (
	baseWordsPerMinute = 150.0
	charsPerWord       = 5.0
	durationPadding    = 1.2
	minDurationMs      = 1000
)

// EstimateDuration predicts speech length in milliseconds from a
// words-per-minute model scaled by speed, padded by 20% and never shorter
// than one second.
func EstimateDuration(text string, speed float64) int64 {
	if speed <= 0 {
		speed = 1.0
	}
	wpm := baseWordsPerMinute * speed
	cps := wpm * charsPerWord / 60
	ms := durationPadding * float64(utf8.RuneCountInString(text)) / cps * 1000
	if ms < minDurationMs {
		return minDurationMs
	}
	return int64(ms)
}

// checkRequest performs the input validation every adapter repeats.
func checkRequest(source string, req *ttypes.TTSRequest) *ttypes.TTSError {
	if req == nil {
		return ttypes.NewTTSError(ttypes.ErrorCodeInvalidRequest, source, "request is nil", nil)
	}
	if strings.TrimSpace(req.Text) == "" {
		return ttypes.NewTTSError(ttypes.ErrorCodeValidationFailed, source, "text is empty", nil).WithRequest(req.RequestID)
	}
	return nil
}

// contextError classifies an aborted call. Deadline expiry is a timeout;
// explicit cancellation is reported as such.
func contextError(ctx context.Context, source string, err error) *ttypes.TTSError {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return ttypes.NewTTSError(ttypes.ErrorCodeTimeout, source, "synthesis timed out", err)
	case context.Canceled:
		return ttypes.NewTTSError(ttypes.ErrorCodeCancelled, source, "synthesis cancelled", err)
	}
	return nil
}

func settingsTypeError(source string, want string, got any) *ttypes.TTSError {
	return ttypes.NewTTSError(ttypes.ErrorCodeInitializationFailed, source,
		fmt.Sprintf("expected %s settings, got %T", want, got), nil)
}

func requestSpeed(req *ttypes.TTSRequest, def float64) float64 {
	if req.Settings != nil && req.Settings.Speed > 0 {
		return req.Settings.Speed
	}
	return def
}

func requestVoice(req *ttypes.TTSRequest, def string) string {
	if req.Settings != nil && req.Settings.Voice != "" {
		return req.Settings.Voice
	}
	return def
}
