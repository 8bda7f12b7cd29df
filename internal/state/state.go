// Package state tracks in-flight requests, keeps a bounded history of
// completed ones and derives service status, performance metrics and
// health from them.
package state

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/ttsdispatch/internal/ttypes"
	"github.com/dustin/go-humanize"
)

// ErrDuplicateRequest is returned when a request id is already registered.
var ErrDuplicateRequest = errors.New("request already registered")

// Defaults for Options.
const (
	DefaultHistoryCapacity  = 1000
	DefaultMetricsWindow    = 60 * time.Minute
	DefaultHealthInterval   = 30 * time.Second
	DefaultCleanupInterval  = 5 * time.Minute
	DefaultStaleAfter       = 5 * time.Minute
	DefaultExpireAfter      = 10 * time.Minute
	DefaultHistoryRetention = 24 * time.Hour
	DefaultMemoryLimit      = 500 * 1024 * 1024
	DefaultErrorRateLimit   = 0.10
)

// Health check names.
const (
	CheckService   = "service_status"
	CheckStale     = "stale_requests"
	CheckMemory    = "memory_usage"
	CheckErrorRate = "error_rate"
)

// RequestMetric is one completed request in the history.
type RequestMetric struct {
	RequestID   string
	Type        ttypes.TTSType
	Duration    time.Duration
	Success     bool
	Cancelled   bool
	CompletedAt time.Time
}

// Options tunes a Manager. Zero fields take the package defaults.
type Options struct {
	HistoryCapacity  int
	MetricsWindow    time.Duration
	HealthInterval   time.Duration
	CleanupInterval  time.Duration
	StaleAfter       time.Duration
	ExpireAfter      time.Duration
	HistoryRetention time.Duration
	MemoryLimit      uint64
	ErrorRateLimit   float64

	// Clock and MemoryProbe are injectable for tests.
	Clock       func() time.Time
	MemoryProbe func() ttypes.ResourceUsage
}

func (o *Options) setDefaults() {
	if o.HistoryCapacity <= 0 {
		o.HistoryCapacity = DefaultHistoryCapacity
	}
	if o.MetricsWindow <= 0 {
		o.MetricsWindow = DefaultMetricsWindow
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = DefaultHealthInterval
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = DefaultCleanupInterval
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.ExpireAfter <= 0 {
		o.ExpireAfter = DefaultExpireAfter
	}
	if o.HistoryRetention <= 0 {
		o.HistoryRetention = DefaultHistoryRetention
	}
	if o.MemoryLimit == 0 {
		o.MemoryLimit = DefaultMemoryLimit
	}
	if o.ErrorRateLimit <= 0 {
		o.ErrorRateLimit = DefaultErrorRateLimit
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.MemoryProbe == nil {
		o.MemoryProbe = readMemory
	}
}

type entry struct {
	mu   sync.Mutex
	info ttypes.ActiveRequestInfo
}

// Manager is the request registry and status owner for one dispatcher.
type Manager struct {
	opts   Options
	logger *log.Logger

	active sync.Map // request id -> *entry

	histMu  sync.Mutex
	history []RequestMetric

	statusMu sync.Mutex
	status   ttypes.ServiceStatus

	stop      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewManager creates a Manager. Background loops start with Start.
func NewManager(opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		opts:   opts,
		logger: log.WithPrefix("state"),
		status: ttypes.ServiceStatus{StartTime: opts.Clock()},
		stop:   make(chan struct{}),
	}
}

// RegisterActiveRequest adds info to the registry. A zero StartTime is set
// to now.
func (m *Manager) RegisterActiveRequest(info ttypes.ActiveRequestInfo) error {
	if info.StartTime.IsZero() {
		info.StartTime = m.opts.Clock()
	}
	if _, loaded := m.active.LoadOrStore(info.RequestID, &entry{info: info}); loaded {
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, info.RequestID)
	}
	return nil
}

// UpdateRequestStatus sets the status and attempt count of an active
// request. It returns false when the id is not registered.
func (m *Manager) UpdateRequestStatus(id string, status ttypes.RequestStatus, attempt int) bool {
	v, ok := m.active.Load(id)
	if !ok {
		return false
	}
	e := v.(*entry)
	e.mu.Lock()
	e.info.Status = status
	e.info.AttemptCount = attempt
	e.mu.Unlock()
	return true
}

// UnregisterActiveRequest removes id and records its outcome. It returns
// false when the id was not registered, for example after forced expiry.
func (m *Manager) UnregisterActiveRequest(id string, success bool) bool {
	return m.unregister(id, success, false)
}

// UnregisterCancelled removes id and records it as cancelled.
func (m *Manager) UnregisterCancelled(id string) bool {
	return m.unregister(id, false, true)
}

func (m *Manager) unregister(id string, success, cancelled bool) bool {
	v, ok := m.active.LoadAndDelete(id)
	if !ok {
		return false
	}
	e := v.(*entry)
	e.mu.Lock()
	info := e.info
	e.mu.Unlock()

	now := m.opts.Clock()
	metric := RequestMetric{
		RequestID:   id,
		Type:        info.TTSType,
		Duration:    now.Sub(info.StartTime),
		Success:     success,
		Cancelled:   cancelled,
		CompletedAt: now,
	}

	m.histMu.Lock()
	m.history = append(m.history, metric)
	if over := len(m.history) - m.opts.HistoryCapacity; over > 0 {
		m.history = slices.Delete(m.history, 0, over)
	}
	m.histMu.Unlock()

	m.statusMu.Lock()
	s := &m.status
	s.TotalProcessed++
	switch {
	case cancelled:
		s.TotalCancelled++
	case success:
		s.TotalSucceeded++
	default:
		s.TotalFailed++
	}
	s.AverageLatency += (metric.Duration - s.AverageLatency) / time.Duration(s.TotalProcessed)
	m.statusMu.Unlock()
	return true
}

// GetActiveRequests returns copies of all registered requests, oldest first.
func (m *Manager) GetActiveRequests() []ttypes.ActiveRequestInfo {
	var out []ttypes.ActiveRequestInfo
	m.active.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		out = append(out, e.info)
		e.mu.Unlock()
		return true
	})
	slices.SortFunc(out, func(a, b ttypes.ActiveRequestInfo) int {
		return a.StartTime.Compare(b.StartTime)
	})
	return out
}

// ActiveCount returns the number of registered requests.
func (m *Manager) ActiveCount() int {
	n := 0
	m.active.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// History returns a copy of the completed-request history.
func (m *Manager) History() []RequestMetric {
	m.histMu.Lock()
	defer m.histMu.Unlock()
	return slices.Clone(m.history)
}

// GetPerformanceMetrics summarizes history inside the metrics window.
// Requests per minute are computed over the window, or over the uptime
// while it is shorter than the window.
func (m *Manager) GetPerformanceMetrics() ttypes.PerformanceMetrics {
	now := m.opts.Clock()
	window := m.opts.MetricsWindow
	cutoff := now.Add(-window)

	m.histMu.Lock()
	var recent []RequestMetric
	for _, r := range m.history {
		if !r.CompletedAt.Before(cutoff) {
			recent = append(recent, r)
		}
	}
	m.histMu.Unlock()

	pm := ttypes.PerformanceMetrics{
		Window:        window,
		TotalRequests: len(recent),
		ByType:        make(map[ttypes.TTSType]ttypes.TypeMetrics),
	}
	if len(recent) == 0 {
		return pm
	}

	span := window
	if up := now.Sub(m.startTime()); up < span {
		span = max(up, time.Minute)
	}
	pm.RequestsPerMinute = float64(len(recent)) / span.Minutes()

	durations := make([]time.Duration, 0, len(recent))
	var total time.Duration
	failures := 0
	typeTotals := make(map[ttypes.TTSType]time.Duration)
	for _, r := range recent {
		durations = append(durations, r.Duration)
		total += r.Duration

		tm := pm.ByType[r.Type]
		tm.Requests++
		if !r.Success && !r.Cancelled {
			failures++
			tm.Failures++
		}
		pm.ByType[r.Type] = tm
		typeTotals[r.Type] += r.Duration
	}
	for t, tm := range pm.ByType {
		tm.AverageLatency = typeTotals[t] / time.Duration(tm.Requests)
		pm.ByType[t] = tm
	}

	slices.Sort(durations)
	pm.AverageLatency = total / time.Duration(len(durations))
	pm.P95Latency = Percentile(durations, 0.95)
	pm.P99Latency = Percentile(durations, 0.99)
	pm.ErrorRate = float64(failures) / float64(len(recent))
	return pm
}

// Percentile returns the nearest-rank percentile p (0..1] of sorted:
// index ceil(n*p)-1 clamped to the slice.
func Percentile(sorted []time.Duration, p float64) time.Duration {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(float64(n)*p)) - 1
	idx = min(max(idx, 0), n-1)
	return sorted[idx]
}

// ResourceUsage reports current process resource usage.
func (m *Manager) ResourceUsage() ttypes.ResourceUsage {
	u := m.opts.MemoryProbe()
	u.ActiveRequests = m.ActiveCount()
	return u
}

// PerformHealthCheck runs the four sub-checks. The aggregate is healthy
// only when every sub-check is.
func (m *Manager) PerformHealthCheck() ttypes.HealthCheckResult {
	now := m.opts.Clock()
	res := ttypes.HealthCheckResult{Healthy: true, CheckedAt: now}
	add := func(name string, healthy bool, msg string) {
		res.Checks = append(res.Checks, ttypes.HealthCheckItem{Name: name, Healthy: healthy, Message: msg})
		res.Healthy = res.Healthy && healthy
	}

	status := m.Status()
	if status.IsAvailable {
		add(CheckService, true, "service available")
	} else {
		msg := "service unavailable"
		if status.LastError != "" {
			msg += ": " + status.LastError
		}
		add(CheckService, false, msg)
	}

	stale := 0
	for _, r := range m.GetActiveRequests() {
		if r.Elapsed(now) > m.opts.StaleAfter {
			stale++
		}
	}
	if stale == 0 {
		add(CheckStale, true, "no stale requests")
	} else {
		add(CheckStale, false, fmt.Sprintf("%d request(s) running longer than %s", stale, m.opts.StaleAfter))
	}

	mem := m.opts.MemoryProbe()
	memMsg := fmt.Sprintf("heap %s of %s limit", humanize.IBytes(mem.HeapAlloc), humanize.IBytes(m.opts.MemoryLimit))
	add(CheckMemory, mem.HeapAlloc < m.opts.MemoryLimit, memMsg)

	pm := m.GetPerformanceMetrics()
	rateMsg := fmt.Sprintf("error rate %.1f%% over %d request(s)", pm.ErrorRate*100, pm.TotalRequests)
	add(CheckErrorRate, pm.ErrorRate < m.opts.ErrorRateLimit, rateMsg)

	return res
}

// RunHealthCheck performs a health check and records the outcome on the
// service status.
func (m *Manager) RunHealthCheck() ttypes.HealthCheckResult {
	res := m.PerformHealthCheck()

	m.statusMu.Lock()
	m.status.IsHealthy = res.Healthy
	m.status.LastHealthCheck = res.CheckedAt
	if res.Healthy {
		m.status.ErrorMessage = ""
	} else {
		var msgs []string
		for _, c := range res.Checks {
			if !c.Healthy {
				msgs = append(msgs, c.Message)
			}
		}
		m.status.ErrorMessage = strings.Join(msgs, "; ")
	}
	m.statusMu.Unlock()

	if !res.Healthy {
		m.logger.Warn("Health check failed", "failing", res.Failing())
	}
	return res
}

// Cleanup evicts active requests older than the expiry age and trims
// history past its retention. It returns the number of evicted requests.
func (m *Manager) Cleanup() int {
	now := m.opts.Clock()
	evicted := 0
	m.active.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		info := e.info
		e.mu.Unlock()
		if info.Elapsed(now) > m.opts.ExpireAfter {
			if m.active.CompareAndDelete(k, v) {
				evicted++
				m.logger.Warn("Forced expiry of active request",
					"id", info.RequestID, "elapsed", info.Elapsed(now).Round(time.Second), "status", info.Status)
			}
		}
		return true
	})

	cutoff := now.Add(-m.opts.HistoryRetention)
	m.histMu.Lock()
	i := 0
	for i < len(m.history) && m.history[i].CompletedAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.history = slices.Delete(m.history, 0, i)
	}
	m.histMu.Unlock()

	return evicted
}

// ResetStatistics clears counters and history. Active requests and
// availability are kept.
func (m *Manager) ResetStatistics() {
	m.histMu.Lock()
	m.history = nil
	m.histMu.Unlock()

	m.statusMu.Lock()
	m.status.TotalProcessed = 0
	m.status.TotalSucceeded = 0
	m.status.TotalFailed = 0
	m.status.TotalCancelled = 0
	m.status.AverageLatency = 0
	m.status.LastError = ""
	m.status.ErrorMessage = ""
	m.statusMu.Unlock()
}

// Status returns a snapshot of the service status.
func (m *Manager) Status() ttypes.ServiceStatus {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	return m.status
}

// SetAvailability records whether the active adapter is usable.
func (m *Manager) SetAvailability(available bool) {
	m.statusMu.Lock()
	m.status.IsAvailable = available
	m.statusMu.Unlock()
}

// SetError records err as the last error. A nil err clears it.
func (m *Manager) SetError(err error) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	if err == nil {
		m.status.LastError = ""
		m.status.ErrorMessage = ""
		return
	}
	m.status.LastError = err.Error()
	m.status.ErrorMessage = err.Error()
}

// SetCurrentType records the configuration type and version in use.
func (m *Manager) SetCurrentType(t ttypes.TTSType, version int64) {
	m.statusMu.Lock()
	m.status.CurrentType = t
	m.status.ConfigVersion = version
	m.statusMu.Unlock()
}

func (m *Manager) startTime() time.Time {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	return m.status.StartTime
}

// Start runs one health check, then launches the health and cleanup loops.
// Calling it again is a no-op.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.RunHealthCheck()
		m.wg.Add(2)
		go m.loop(m.opts.HealthInterval, func() { m.RunHealthCheck() })
		go m.loop(m.opts.CleanupInterval, func() {
			if n := m.Cleanup(); n > 0 {
				m.logger.Info("Cleanup evicted requests", "count", n)
			}
		})
	})
}

// Stop ends the background loops and waits for them to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *Manager) loop(interval time.Duration, fn func()) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-m.stop:
			return
		}
	}
}

func readMemory() ttypes.ResourceUsage {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ttypes.ResourceUsage{
		HeapAlloc:    ms.HeapAlloc,
		Sys:          ms.Sys,
		NumGoroutine: runtime.NumGoroutine(),
	}
}
