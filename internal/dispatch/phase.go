package dispatch

import (
	"time"

	"github.com/dgnsrekt/ttsdispatch/internal/ttypes"
)

// Phase is a step in the lifecycle of one request.
type Phase int

const (
	PhaseValidating Phase = iota
	PhaseConfigResolved
	PhaseAttempting
	PhaseCompleted
	PhaseFailed
	PhaseCancelled
)

func (p Phase) String() string {
	switch p {
	case PhaseValidating:
		return "validating"
	case PhaseConfigResolved:
		return "config-resolved"
	case PhaseAttempting:
		return "attempting"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	case PhaseCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether p ends a request.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// Result summarizes a finished request for observers. Attempts carries
// the response's AttemptCount.
type Result struct {
	RequestID string
	Type      ttypes.TTSType
	Phase     Phase
	ErrorCode ttypes.ErrorCode
	Attempts  int
	Cached    bool
	Duration  time.Duration
}

// Observer receives lifecycle callbacks. Implementations must not block.
type Observer interface {
	OnAttempt(requestID string, t ttypes.TTSType, attempt int)
	OnComplete(r Result)
}
