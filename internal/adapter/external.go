package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/ttsdispatch/internal/backends"
	"github.com/dgnsrekt/ttsdispatch/internal/config"
	"github.com/dgnsrekt/ttsdispatch/internal/ttypes"
)

const externalSource = "ExternalAdapter"

// External routes requests to an HTTP-backed speech service chosen by the
// settings' backend key.
type External struct {
	registry     *backends.Registry[backends.Backend]
	probeTimeout time.Duration
	logger       *log.Logger

	mu       sync.RWMutex
	settings *config.ExternalSettings
	backend  backends.Backend
	lastErr  error

	healthMu    sync.Mutex
	lastChecked time.Time
}

var _ Adapter = (*External)(nil)

// ExternalOption configures an External adapter.
type ExternalOption func(*External)

// WithRegistry replaces the backend registry, mainly for tests.
func WithRegistry(r *backends.Registry[backends.Backend]) ExternalOption {
	return func(e *External) { e.registry = r }
}

// WithProbeTimeout bounds GetHealthStatus probes.
func WithProbeTimeout(d time.Duration) ExternalOption {
	return func(e *External) { e.probeTimeout = d }
}

// NewExternal creates an uninitialized External adapter.
func NewExternal(opts ...ExternalOption) *External {
	e := &External{
		registry:     backends.Default,
		probeTimeout: 5 * time.Second,
		logger:       log.WithPrefix("external"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Type implements Adapter.
func (e *External) Type() ttypes.TTSType { return ttypes.TypeExternal }

// IsAvailable implements Adapter.
func (e *External) IsAvailable() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.backend != nil
}

// Initialize implements Adapter. Settings equal to the current ones keep
// the existing backend; anything else builds a fresh backend and closes the
// old one. A failed build leaves the previous backend in place.
func (e *External) Initialize(settings any) bool {
	s, ok := settings.(*config.ExternalSettings)
	if !ok || s == nil {
		err := settingsTypeError(externalSource, "external", settings)
		e.setLastErr(err)
		e.logger.Error("Rejected settings", "err", err)
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.backend != nil && e.settings != nil && sameExternal(e.settings, s) {
		return true
	}

	b, err := e.registry.Create(s.Backend, s.Parameters)
	if err != nil {
		e.lastErr = ttypes.NewTTSError(ttypes.ErrorCodeInitializationFailed, externalSource,
			"could not create backend "+s.Backend, err)
		e.logger.Error("Backend initialization failed", "backend", s.Backend, "err", err)
		return false
	}

	if e.backend != nil {
		if err := e.backend.Close(); err != nil {
			e.logger.Warn("Closing previous backend", "backend", e.backend.Name(), "err", err)
		}
	}
	e.backend = b
	e.settings = s.Clone()
	e.lastErr = nil
	e.logger.Debug("Backend initialized", "backend", b.Name())
	return true
}

// Process implements Adapter.
func (e *External) Process(ctx context.Context, req *ttypes.TTSRequest) *ttypes.TTSResponse {
	if terr := checkRequest(externalSource, req); terr != nil {
		return ttypes.FailureResponse(requestID(req), terr)
	}

	e.mu.RLock()
	b := e.backend
	e.mu.RUnlock()
	if b == nil {
		return ttypes.FailureResponse(req.RequestID, ttypes.NewTTSError(
			ttypes.ErrorCodeAdapterUnavailable, externalSource, "external adapter is not initialized", ErrNotInitialized))
	}

	speed := requestSpeed(req, 0)
	audio, err := b.Synthesize(ctx, backends.Request{
		Text:  req.Text,
		Voice: requestVoice(req, ""),
		Speed: speed,
	})
	if err != nil {
		if terr := contextError(ctx, externalSource, err); terr != nil {
			return ttypes.FailureResponse(req.RequestID, terr)
		}
		return ttypes.FailureResponse(req.RequestID, ttypes.NewTTSError(
			ttypes.ErrorCodeProcessingError, externalSource, "backend "+b.Name()+" failed", err))
	}

	return ttypes.SuccessResponse(req.RequestID, audio.Data, audio.Format, EstimateDuration(req.Text, speed))
}

// Cleanup implements Adapter.
func (e *External) Cleanup() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.backend != nil {
		if err := e.backend.Close(); err != nil {
			e.logger.Warn("Closing backend", "backend", e.backend.Name(), "err", err)
		}
	}
	e.backend = nil
	e.settings = nil
}

// GetHealthStatus implements Adapter.
func (e *External) GetHealthStatus() ttypes.HealthStatus {
	now := time.Now()
	e.healthMu.Lock()
	e.lastChecked = now
	e.healthMu.Unlock()

	e.mu.RLock()
	b := e.backend
	e.mu.RUnlock()

	if b == nil {
		return ttypes.HealthStatus{Healthy: false, Message: "not initialized", LastChecked: now}
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.probeTimeout)
	defer cancel()
	status := ttypes.HealthStatus{
		Healthy:     true,
		Message:     "ok",
		LastChecked: now,
		Details:     map[string]string{"backend": b.Name()},
	}
	if err := b.Ping(ctx); err != nil {
		status.Healthy = false
		status.Message = err.Error()
	}
	return status
}

// LastChecked returns when GetHealthStatus last ran.
func (e *External) LastChecked() time.Time {
	e.healthMu.Lock()
	defer e.healthMu.Unlock()
	return e.lastChecked
}

// LastError implements Adapter.
func (e *External) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// BackendName returns the key of the active backend, empty when none.
func (e *External) BackendName() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.backend == nil {
		return ""
	}
	return e.backend.Name()
}

func (e *External) setLastErr(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
}

func sameExternal(a, b *config.ExternalSettings) bool {
	if a.Backend != b.Backend || len(a.Parameters) != len(b.Parameters) {
		return false
	}
	for k, v := range a.Parameters {
		if bv, ok := b.Parameters[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func requestID(req *ttypes.TTSRequest) string {
	if req == nil {
		return ""
	}
	return req.RequestID
}
