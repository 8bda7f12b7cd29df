package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/ttsdispatch/internal/config"
	"github.com/dgnsrekt/ttsdispatch/internal/ttypes"
)

const builtInSource = "BuiltInAdapter"

// SpeakOptions are the voice parameters handed to a Speaker.
type SpeakOptions struct {
	Voice     string
	Speed     float64
	Pitch     float64
	Volume    float64
	Streaming bool
}

// Speaker plays text through the host's local speech engine. Speak must
// return once playback has been handed off, without waiting for it to end.
type Speaker interface {
	Speak(ctx context.Context, text string, opts SpeakOptions) error
	Available() bool
	Close() error
}

// SpeakerFactory builds a Speaker for the given settings.
type SpeakerFactory func(*config.BuiltInSettings) (Speaker, error)

// BuiltIn hands text to the local engine and reports only a duration
// estimate; no audio payload is returned.
type BuiltIn struct {
	factory SpeakerFactory
	logger  *log.Logger

	mu       sync.RWMutex
	settings *config.BuiltInSettings
	speaker  Speaker
	lastErr  error

	healthMu    sync.Mutex
	lastChecked time.Time
}

var _ Adapter = (*BuiltIn)(nil)

// NewBuiltIn creates an uninitialized BuiltIn adapter. A nil factory uses
// NewCommandSpeaker with automatic engine detection.
func NewBuiltIn(factory SpeakerFactory) *BuiltIn {
	if factory == nil {
		factory = func(*config.BuiltInSettings) (Speaker, error) {
			return NewCommandSpeaker("")
		}
	}
	return &BuiltIn{
		factory: factory,
		logger:  log.WithPrefix("builtin"),
	}
}

// Type implements Adapter.
func (b *BuiltIn) Type() ttypes.TTSType { return ttypes.TypeBuiltIn }

// IsAvailable implements Adapter.
func (b *BuiltIn) IsAvailable() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.speaker != nil && b.speaker.Available()
}

// Initialize implements Adapter. The speaker is rebuilt only when it does
// not exist yet; voice parameters are read per request from the stored
// settings.
func (b *BuiltIn) Initialize(settings any) bool {
	s, ok := settings.(*config.BuiltInSettings)
	if !ok || s == nil {
		err := settingsTypeError(builtInSource, "builtin", settings)
		b.mu.Lock()
		b.lastErr = err
		b.mu.Unlock()
		b.logger.Error("Rejected settings", "err", err)
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	cp := *s
	if b.speaker != nil {
		b.settings = &cp
		b.lastErr = nil
		return true
	}

	sp, err := b.factory(&cp)
	if err != nil {
		b.lastErr = ttypes.NewTTSError(ttypes.ErrorCodeInitializationFailed, builtInSource,
			"could not start local speech engine", err)
		b.logger.Error("Speaker initialization failed", "err", err)
		return false
	}
	b.speaker = sp
	b.settings = &cp
	b.lastErr = nil
	return true
}

// Process implements Adapter.
func (b *BuiltIn) Process(ctx context.Context, req *ttypes.TTSRequest) *ttypes.TTSResponse {
	if terr := checkRequest(builtInSource, req); terr != nil {
		return ttypes.FailureResponse(requestID(req), terr)
	}

	b.mu.RLock()
	sp := b.speaker
	var s config.BuiltInSettings
	if b.settings != nil {
		s = *b.settings
	}
	b.mu.RUnlock()

	if sp == nil || !sp.Available() {
		return ttypes.FailureResponse(req.RequestID, ttypes.NewTTSError(
			ttypes.ErrorCodeAdapterUnavailable, builtInSource, "local speech engine is not available", nil))
	}

	opts := SpeakOptions{
		Voice:     requestVoice(req, s.Voice),
		Speed:     requestSpeed(req, s.Speed),
		Pitch:     s.Pitch,
		Volume:    s.Volume,
		Streaming: s.Streaming,
	}
	if err := sp.Speak(ctx, req.Text, opts); err != nil {
		if terr := contextError(ctx, builtInSource, err); terr != nil {
			return ttypes.FailureResponse(req.RequestID, terr)
		}
		return ttypes.FailureResponse(req.RequestID, ttypes.NewTTSError(
			ttypes.ErrorCodeProcessingError, builtInSource, "local speech engine failed", err))
	}

	return ttypes.SuccessResponse(req.RequestID, nil, "", EstimateDuration(req.Text, opts.Speed))
}

// Cleanup implements Adapter.
func (b *BuiltIn) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.speaker != nil {
		if err := b.speaker.Close(); err != nil {
			b.logger.Warn("Closing speaker", "err", err)
		}
	}
	b.speaker = nil
}

// GetHealthStatus implements Adapter.
func (b *BuiltIn) GetHealthStatus() ttypes.HealthStatus {
	now := time.Now()
	b.healthMu.Lock()
	b.lastChecked = now
	b.healthMu.Unlock()

	b.mu.RLock()
	sp := b.speaker
	b.mu.RUnlock()

	switch {
	case sp == nil:
		return ttypes.HealthStatus{Healthy: false, Message: "not initialized", LastChecked: now}
	case !sp.Available():
		return ttypes.HealthStatus{Healthy: false, Message: "speech engine unavailable", LastChecked: now}
	default:
		return ttypes.HealthStatus{Healthy: true, Message: "ok", LastChecked: now}
	}
}

// LastError implements Adapter.
func (b *BuiltIn) LastError() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastErr
}
