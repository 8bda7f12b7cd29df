// Package dispatch routes TTS requests to the adapter selected by the
// active configuration, applying validation, per-attempt timeouts, retries
// and request tracking.
package dispatch

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/ttsdispatch/internal/adapter"
	"github.com/dgnsrekt/ttsdispatch/internal/cache"
	"github.com/dgnsrekt/ttsdispatch/internal/config"
	"github.com/dgnsrekt/ttsdispatch/internal/retry"
	"github.com/dgnsrekt/ttsdispatch/internal/state"
	"github.com/dgnsrekt/ttsdispatch/internal/timeout"
	"github.com/dgnsrekt/ttsdispatch/internal/ttypes"
	"github.com/google/uuid"
	"github.com/mattn/go-runewidth"
	"golang.org/x/text/unicode/norm"
)

const (
	source = "Dispatcher"

	// Request speed bounds; zero means "use the configured speed".
	minSpeed = 0.1
	maxSpeed = 3.0

	logTextWidth = 48
)

// ConfigSource provides the active configuration and change events.
// *config.Store implements it.
type ConfigSource interface {
	GetCurrent() *config.TTSConfiguration
	Update(cfg *config.TTSConfiguration, reason string) bool
	Subscribe(buffer int) (<-chan config.ChangeEvent, func())
}

// Dispatcher is the single entry point for synthesis requests.
type Dispatcher struct {
	store     ConfigSource
	adapters  map[ttypes.TTSType]adapter.Adapter
	strategy  retry.Strategy
	state     *state.Manager
	timeouts  *timeout.Manager
	cache     *cache.Manager
	observers []Observer
	logger    *log.Logger

	currentMu sync.Mutex
	current   *currentRequest

	// applied is the configuration the adapters were last set up for.
	// Only the subscription goroutine touches it.
	applied *config.TTSConfiguration

	stop      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// currentRequest is the most recently started request, kept for display
// and single-request cancellation. The state registry remains the record
// of everything in flight.
type currentRequest struct {
	id     string
	cancel context.CancelFunc
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithAdapter registers a for its Type, replacing the default.
func WithAdapter(a adapter.Adapter) Option {
	return func(d *Dispatcher) { d.adapters[a.Type()] = a }
}

// WithStrategy replaces the default constant-delay retry strategy.
func WithStrategy(s retry.Strategy) Option {
	return func(d *Dispatcher) { d.strategy = s }
}

// WithStateManager replaces the default state manager.
func WithStateManager(m *state.Manager) Option {
	return func(d *Dispatcher) { d.state = m }
}

// WithTimeoutManager replaces the default timeout manager.
func WithTimeoutManager(m *timeout.Manager) Option {
	return func(d *Dispatcher) { d.timeouts = m }
}

// WithCache enables response caching for External requests when the
// configuration turns it on.
func WithCache(c *cache.Manager) Option {
	return func(d *Dispatcher) { d.cache = c }
}

// WithObserver adds a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observers = append(d.observers, o) }
}

// New creates a Dispatcher reading configuration from store. Without
// options it uses the External and BuiltIn adapters, the Constant retry
// strategy and fresh state and timeout managers.
func New(store ConfigSource, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store: store,
		adapters: map[ttypes.TTSType]adapter.Adapter{
			ttypes.TypeExternal: adapter.NewExternal(),
			ttypes.TypeBuiltIn:  adapter.NewBuiltIn(nil),
		},
		strategy: retry.Constant{},
		logger:   log.WithPrefix("dispatch"),
		stop:     make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	if d.state == nil {
		d.state = state.NewManager(state.Options{})
	}
	if d.timeouts == nil {
		d.timeouts = timeout.NewManager()
	}
	return d
}

// ValidateRequest checks req without side effects.
func (d *Dispatcher) ValidateRequest(req *ttypes.TTSRequest) *ttypes.TTSError {
	if req == nil {
		return ttypes.NewTTSError(ttypes.ErrorCodeInvalidRequest, source, "request is nil", nil)
	}
	fail := func(msg string) *ttypes.TTSError {
		return ttypes.NewTTSError(ttypes.ErrorCodeValidationFailed, source, msg, nil).WithRequest(req.RequestID)
	}

	text := norm.NFC.String(req.Text)
	if strings.TrimSpace(text) == "" {
		return fail("text is empty")
	}
	if n := utf8.RuneCountInString(text); n > ttypes.MaxTextLength {
		return fail(fmt.Sprintf("text is %d characters, maximum is %d", n, ttypes.MaxTextLength))
	}
	if s := req.Settings; s != nil {
		if math.IsNaN(s.Speed) || s.Speed < 0 || (s.Speed > 0 && (s.Speed < minSpeed || s.Speed > maxSpeed)) {
			return fail(fmt.Sprintf("speed %.2f is outside %.1f..%.1f", s.Speed, minSpeed, maxSpeed))
		}
	}
	return nil
}

// ProcessRequest runs the full lifecycle of req and always returns a
// response. It blocks until the request completes, fails or is cancelled.
func (d *Dispatcher) ProcessRequest(ctx context.Context, req *ttypes.TTSRequest) (resp *ttypes.TTSResponse) {
	start := time.Now()

	if terr := d.ValidateRequest(req); terr != nil {
		d.logger.Debug("Rejected request", "phase", PhaseValidating, "code", terr.Code, "err", terr.Message)
		resp = ttypes.FailureResponse(terr.RequestID, terr)
		resp.ProcessingTime = time.Since(start)
		return resp
	}

	r := *req
	r.Text = norm.NFC.String(r.Text)
	if r.RequestID == "" {
		r.RequestID = uuid.NewString()
	}
	if req.Settings != nil {
		s := *req.Settings
		r.Settings = &s
	}

	cfg := d.store.GetCurrent()
	if cfg == nil || cfg.ActiveSettings() == nil {
		terr := ttypes.NewTTSError(ttypes.ErrorCodeConfigurationError, source,
			"no usable configuration", nil).WithRequest(r.RequestID)
		d.logger.Error("Configuration unavailable", "id", r.RequestID)
		resp = ttypes.FailureResponse(r.RequestID, terr)
		resp.ProcessingTime = time.Since(start)
		return resp
	}
	d.logger.Debug("Request accepted", "phase", PhaseConfigResolved, "id", r.RequestID,
		"type", cfg.Type, "text", runewidth.Truncate(r.Text, logTextWidth, "…"))

	err := d.state.RegisterActiveRequest(ttypes.ActiveRequestInfo{
		RequestID:  r.RequestID,
		TTSType:    cfg.Type,
		StartTime:  start,
		TextLength: utf8.RuneCountInString(r.Text),
		Status:     ttypes.StatusQueued,
	})
	if err != nil {
		terr := ttypes.NewTTSError(ttypes.ErrorCodeInvalidRequest, source,
			"request id is already in flight", err).WithRequest(r.RequestID)
		return ttypes.FailureResponse(r.RequestID, terr)
	}

	ctx, cancel := context.WithCancel(ctx)
	d.setCurrent(r.RequestID, cancel)

	phase := PhaseAttempting
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("Recovered from panic", "id", r.RequestID, "panic", p)
			resp = ttypes.FailureResponse(r.RequestID, ttypes.NewTTSError(
				ttypes.ErrorCodeProcessingError, source, "internal error", fmt.Errorf("%v", p)))
			phase = PhaseFailed
		}
		cancel()
		d.clearCurrent(r.RequestID)
		d.timeouts.Cleanup(r.RequestID)
		switch phase {
		case PhaseCompleted:
			d.state.UnregisterActiveRequest(r.RequestID, true)
		case PhaseCancelled:
			d.state.UnregisterCancelled(r.RequestID)
		default:
			d.state.UnregisterActiveRequest(r.RequestID, false)
		}
		resp.ProcessingTime = time.Since(start)
		d.notifyComplete(Result{
			RequestID: r.RequestID,
			Type:      cfg.Type,
			Phase:     phase,
			ErrorCode: resp.ErrorCode,
			Attempts:  resp.AttemptCount,
			Cached:    resp.Cached,
			Duration:  resp.ProcessingTime,
		})
		d.logger.Debug("Request finished", "phase", phase, "id", r.RequestID,
			"attempts", resp.AttemptCount, "code", resp.ErrorCode, "elapsed", resp.ProcessingTime)
	}()

	resp, phase = d.run(ctx, &r, cfg)
	return resp
}

// run executes the attempt loop. The returned phase is terminal.
func (d *Dispatcher) run(ctx context.Context, req *ttypes.TTSRequest, cfg *config.TTSConfiguration) (*ttypes.TTSResponse, Phase) {
	if resp, ok := d.fromCache(req, cfg); ok {
		d.state.UpdateRequestStatus(req.RequestID, ttypes.StatusCompleted, 0)
		return resp, PhaseCompleted
	}

	ec := ttypes.ErrorContext{
		RequestID:    req.RequestID,
		MaxRetries:   cfg.MaxRetryCount,
		TimeoutMs:    cfg.TimeoutMs,
		RetryDelayMs: cfg.RetryDelayMs,
		TTSType:      cfg.Type,
		StartTime:    time.Now(),
	}

	for {
		if ec.AttemptCount > 0 {
			d.state.UpdateRequestStatus(req.RequestID, ttypes.StatusRetrying, ec.AttemptCount)
			if next := d.store.GetCurrent(); next != nil && next.ActiveSettings() != nil {
				cfg = next
			}
			ec.TimeoutMs, ec.RetryDelayMs, ec.TTSType = cfg.TimeoutMs, cfg.RetryDelayMs, cfg.Type
		} else {
			d.state.UpdateRequestStatus(req.RequestID, ttypes.StatusProcessing, 0)
		}
		d.notifyAttempt(req.RequestID, cfg.Type, ec.AttemptCount)

		resp := d.attempt(ctx, req, cfg)
		resp.RequestID = req.RequestID
		resp.AttemptCount = ec.AttemptCount

		if resp.Success {
			d.state.UpdateRequestStatus(req.RequestID, ttypes.StatusCompleted, ec.AttemptCount)
			d.toCache(req, cfg, resp)
			return resp, PhaseCompleted
		}
		if resp.ErrorCode == ttypes.ErrorCodeCancelled || ctx.Err() != nil {
			d.state.UpdateRequestStatus(req.RequestID, ttypes.StatusCancelled, ec.AttemptCount)
			return cancelledResponse(req.RequestID, ec.AttemptCount), PhaseCancelled
		}

		ec.AttemptCount++
		resp.AttemptCount = ec.AttemptCount
		d.logger.Warn("Attempt failed", "id", req.RequestID, "attempt", ec.AttemptCount,
			"code", resp.ErrorCode, "err", resp.ErrorMessage)

		decision := d.strategy.Decide(responseError(resp), ec)
		if !decision.ShouldRetry {
			d.state.UpdateRequestStatus(req.RequestID, ttypes.StatusFailed, ec.AttemptCount)
			d.state.SetError(responseError(resp))
			if resp.ErrorCode == "" {
				resp = ttypes.FailureResponse(req.RequestID, ttypes.NewTTSError(
					ttypes.ErrorCodeProcessingError, source, "maximum retries exceeded", nil))
				resp.AttemptCount = ec.AttemptCount
			}
			return resp, PhaseFailed
		}

		if err := sleep(ctx, decision.Delay); err != nil {
			d.state.UpdateRequestStatus(req.RequestID, ttypes.StatusCancelled, ec.AttemptCount)
			return cancelledResponse(req.RequestID, ec.AttemptCount), PhaseCancelled
		}
	}
}

// attempt performs one adapter call under a fresh timeout handle.
func (d *Dispatcher) attempt(ctx context.Context, req *ttypes.TTSRequest, cfg *config.TTSConfiguration) *ttypes.TTSResponse {
	fail := func(code ttypes.ErrorCode, msg string, cause error) *ttypes.TTSResponse {
		return ttypes.FailureResponse(req.RequestID,
			ttypes.NewTTSError(code, source, msg, cause).WithRequest(req.RequestID))
	}

	a, ok := d.adapters[cfg.Type]
	if !ok {
		return fail(ttypes.ErrorCodeAdapterUnavailable, "no adapter registered for type "+string(cfg.Type), nil)
	}
	d.state.SetCurrentType(cfg.Type, cfg.Version)

	initFailed := func() *ttypes.TTSResponse {
		terr := ttypes.AsTTSError(a.LastError(), source)
		if terr != nil && terr.Code == ttypes.ErrorCodeInitializationFailed {
			return ttypes.FailureResponse(req.RequestID, terr.WithRequest(req.RequestID))
		}
		return fail(ttypes.ErrorCodeInitializationFailed, "adapter initialization failed", a.LastError())
	}

	settings := cfg.ActiveSettings()
	if !a.IsAvailable() {
		// A never-initialized adapter gets one chance to come up.
		if !a.Initialize(settings) {
			d.state.SetAvailability(false)
			return initFailed()
		}
		if !a.IsAvailable() {
			d.state.SetAvailability(false)
			return fail(ttypes.ErrorCodeAdapterUnavailable, string(cfg.Type)+" adapter is not available", nil)
		}
	} else if !a.Initialize(settings) {
		return initFailed()
	}
	d.state.SetAvailability(true)

	actx, h := d.timeouts.Create(ctx, req.RequestID, time.Duration(cfg.TimeoutMs)*time.Millisecond)
	defer d.timeouts.Release(h)

	done := make(chan *ttypes.TTSResponse, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				d.logger.Error("Adapter panicked", "id", req.RequestID, "panic", p)
				done <- fail(ttypes.ErrorCodeProcessingError, "adapter panicked", fmt.Errorf("%v", p))
			}
		}()
		done <- a.Process(actx, req)
	}()

	var (
		resp     *ttypes.TTSResponse
		received bool
	)
	select {
	case resp = <-done:
		received = true
	case <-actx.Done():
	}

	switch {
	case h.TimedOut() && (resp == nil || !resp.Success):
		return fail(ttypes.ErrorCodeTimeout,
			fmt.Sprintf("attempt exceeded %dms", cfg.TimeoutMs), actx.Err())
	case !received:
		return fail(ttypes.ErrorCodeCancelled, "request cancelled", actx.Err())
	case resp == nil:
		return fail(ttypes.ErrorCodeProcessingError, "adapter returned no response", nil)
	}
	return resp
}

func (d *Dispatcher) cacheKey(req *ttypes.TTSRequest, cfg *config.TTSConfiguration) (string, bool) {
	if d.cache == nil || !cfg.EnableCaching || cfg.Type != ttypes.TypeExternal || cfg.External == nil {
		return "", false
	}
	k := cache.Key{
		Backend: cfg.External.Backend,
		Voice:   cfg.External.Param("voice", ""),
		Params:  cfg.External.Parameters,
		Text:    req.Text,
	}
	if s := req.Settings; s != nil {
		if s.Voice != "" {
			k.Voice = s.Voice
		}
		k.Speed = s.Speed
	}
	return k.String(), true
}

func (d *Dispatcher) fromCache(req *ttypes.TTSRequest, cfg *config.TTSConfiguration) (*ttypes.TTSResponse, bool) {
	key, ok := d.cacheKey(req, cfg)
	if !ok {
		return nil, false
	}
	e, hit := d.cache.Get(key, time.Duration(cfg.CacheTTLMinutes)*time.Minute)
	if !hit {
		return nil, false
	}
	resp := ttypes.SuccessResponse(req.RequestID, e.Audio, e.Format, e.DurationMs)
	resp.Cached = true
	d.logger.Debug("Served from cache", "id", req.RequestID)
	return resp, true
}

func (d *Dispatcher) toCache(req *ttypes.TTSRequest, cfg *config.TTSConfiguration, resp *ttypes.TTSResponse) {
	if len(resp.Audio) == 0 {
		return
	}
	key, ok := d.cacheKey(req, cfg)
	if !ok {
		return
	}
	err := d.cache.Put(key, cache.Entry{
		Audio:      resp.Audio,
		Format:     resp.Format,
		DurationMs: resp.EstimatedDurationMs,
	})
	if err != nil {
		d.logger.Warn("Unable to cache response", "id", req.RequestID, "err", err)
	}
}

func (d *Dispatcher) notifyAttempt(id string, t ttypes.TTSType, attempt int) {
	for _, o := range d.observers {
		o.OnAttempt(id, t, attempt)
	}
}

func (d *Dispatcher) notifyComplete(r Result) {
	for _, o := range d.observers {
		o.OnComplete(r)
	}
}

func cancelledResponse(id string, attempts int) *ttypes.TTSResponse {
	resp := ttypes.FailureResponse(id, ttypes.NewTTSError(
		ttypes.ErrorCodeCancelled, source, "request cancelled", nil).WithRequest(id))
	resp.AttemptCount = attempts
	return resp
}

// responseError rebuilds the error carried by a failed response.
func responseError(resp *ttypes.TTSResponse) error {
	code := resp.ErrorCode
	if code == "" {
		code = ttypes.ErrorCodeProcessingError
	}
	return &ttypes.TTSError{
		Code:      code,
		Message:   resp.ErrorMessage,
		Details:   resp.ErrorDetails,
		Source:    source,
		RequestID: resp.RequestID,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
