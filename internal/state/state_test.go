package state

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/ttsdispatch/internal/ttypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(clock *fakeClock, heap uint64) *Manager {
	return NewManager(Options{
		Clock:       clock.Now,
		MemoryProbe: func() ttypes.ResourceUsage { return ttypes.ResourceUsage{HeapAlloc: heap} },
	})
}

// complete registers id, advances the clock by d and unregisters it.
func complete(t *testing.T, m *Manager, c *fakeClock, id string, d time.Duration, success bool) {
	t.Helper()
	require.NoError(t, m.RegisterActiveRequest(ttypes.ActiveRequestInfo{RequestID: id, TTSType: ttypes.TypeExternal}))
	c.Advance(d)
	require.True(t, m.UnregisterActiveRequest(id, success))
}

func TestPercentile(t *testing.T) {
	ms := func(v ...int) []time.Duration {
		out := make([]time.Duration, len(v))
		for i, x := range v {
			out[i] = time.Duration(x) * time.Millisecond
		}
		return out
	}

	tests := []struct {
		name   string
		sorted []time.Duration
		p      float64
		want   time.Duration
	}{
		{"empty", nil, 0.95, 0},
		{"p95 of five", ms(10, 20, 30, 40, 50), 0.95, 50 * time.Millisecond},
		{"p99 of five", ms(10, 20, 30, 40, 50), 0.99, 50 * time.Millisecond},
		{"p50 of four", ms(10, 20, 30, 40), 0.50, 20 * time.Millisecond},
		{"single", ms(7), 0.99, 7 * time.Millisecond},
		{"p95 of twenty", ms(1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20), 0.95, 19 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Percentile(tt.sorted, tt.p))
		})
	}
}

func TestRegister_DuplicateRejected(t *testing.T) {
	m := newTestManager(newFakeClock(), 0)
	require.NoError(t, m.RegisterActiveRequest(ttypes.ActiveRequestInfo{RequestID: "r1"}))

	err := m.RegisterActiveRequest(ttypes.ActiveRequestInfo{RequestID: "r1"})
	assert.True(t, errors.Is(err, ErrDuplicateRequest))
	assert.Equal(t, 1, m.ActiveCount())
}

func TestUpdateAndUnregister(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(clock, 0)

	require.NoError(t, m.RegisterActiveRequest(ttypes.ActiveRequestInfo{
		RequestID: "r1", TTSType: ttypes.TypeBuiltIn, TextLength: 5,
	}))
	assert.True(t, m.UpdateRequestStatus("r1", ttypes.StatusRetrying, 1))
	assert.False(t, m.UpdateRequestStatus("nope", ttypes.StatusRetrying, 1))

	active := m.GetActiveRequests()
	require.Len(t, active, 1)
	assert.Equal(t, ttypes.StatusRetrying, active[0].Status)
	assert.Equal(t, 1, active[0].AttemptCount)
	assert.Equal(t, clock.Now(), active[0].StartTime)

	clock.Advance(200 * time.Millisecond)
	assert.True(t, m.UnregisterActiveRequest("r1", true))
	assert.False(t, m.UnregisterActiveRequest("r1", true))
	assert.Empty(t, m.GetActiveRequests())

	s := m.Status()
	assert.Equal(t, int64(1), s.TotalProcessed)
	assert.Equal(t, int64(1), s.TotalSucceeded)
	assert.Equal(t, 200*time.Millisecond, s.AverageLatency)

	h := m.History()
	require.Len(t, h, 1)
	assert.Equal(t, ttypes.TypeBuiltIn, h[0].Type)
	assert.True(t, h[0].Success)
}

func TestUnregisterCancelled_CountedSeparately(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(clock, 0)

	require.NoError(t, m.RegisterActiveRequest(ttypes.ActiveRequestInfo{RequestID: "c"}))
	assert.True(t, m.UnregisterCancelled("c"))
	complete(t, m, clock, "f", time.Millisecond, false)

	s := m.Status()
	assert.Equal(t, int64(2), s.TotalProcessed)
	assert.Equal(t, int64(1), s.TotalCancelled)
	assert.Equal(t, int64(1), s.TotalFailed)

	pm := m.GetPerformanceMetrics()
	assert.InDelta(t, 0.5, pm.ErrorRate, 1e-9)
}

func TestHistoryIsBounded(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Options{Clock: clock.Now, HistoryCapacity: 3})
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		complete(t, m, clock, id, time.Millisecond, true)
	}
	h := m.History()
	require.Len(t, h, 3)
	assert.Equal(t, "c", h[0].RequestID)
	assert.Equal(t, "e", h[2].RequestID)
}

func TestGetPerformanceMetrics(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(clock, 0)

	clock.Advance(2 * time.Hour)
	complete(t, m, clock, "old", time.Second, false)
	clock.Advance(61 * time.Minute)

	for i, d := range []int{10, 20, 30, 40, 50} {
		complete(t, m, clock, string(rune('a'+i)), time.Duration(d)*time.Millisecond, i != 4)
	}

	pm := m.GetPerformanceMetrics()
	assert.Equal(t, DefaultMetricsWindow, pm.Window)
	assert.Equal(t, 5, pm.TotalRequests)
	assert.Equal(t, 30*time.Millisecond, pm.AverageLatency)
	assert.Equal(t, 50*time.Millisecond, pm.P95Latency)
	assert.Equal(t, 50*time.Millisecond, pm.P99Latency)
	assert.InDelta(t, 0.2, pm.ErrorRate, 1e-9)
	assert.InDelta(t, 5.0/60.0, pm.RequestsPerMinute, 1e-9)

	ext := pm.ByType[ttypes.TypeExternal]
	assert.Equal(t, 5, ext.Requests)
	assert.Equal(t, 1, ext.Failures)
	assert.Equal(t, 30*time.Millisecond, ext.AverageLatency)
}

func TestGetPerformanceMetrics_Empty(t *testing.T) {
	pm := newTestManager(newFakeClock(), 0).GetPerformanceMetrics()
	assert.Zero(t, pm.TotalRequests)
	assert.Zero(t, pm.ErrorRate)
	assert.Zero(t, pm.P95Latency)
}

func TestPerformHealthCheck(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, m *Manager, c *fakeClock)
		heap    uint64
		failing []string
	}{
		{
			name:  "all healthy",
			setup: func(*testing.T, *Manager, *fakeClock) {},
		},
		{
			name: "service unavailable",
			setup: func(_ *testing.T, m *Manager, _ *fakeClock) {
				m.SetAvailability(false)
			},
			failing: []string{CheckService},
		},
		{
			name: "stale request",
			setup: func(t *testing.T, m *Manager, c *fakeClock) {
				require.NoError(t, m.RegisterActiveRequest(ttypes.ActiveRequestInfo{RequestID: "slow"}))
				c.Advance(5*time.Minute + time.Second)
			},
			failing: []string{CheckStale},
		},
		{
			name:    "memory over limit",
			setup:   func(*testing.T, *Manager, *fakeClock) {},
			heap:    DefaultMemoryLimit,
			failing: []string{CheckMemory},
		},
		{
			name: "error rate at limit",
			setup: func(t *testing.T, m *Manager, c *fakeClock) {
				for i := range 10 {
					complete(t, m, c, string(rune('a'+i)), time.Millisecond, i != 0)
				}
			},
			failing: []string{CheckErrorRate},
		},
		{
			name: "error rate below limit",
			setup: func(t *testing.T, m *Manager, c *fakeClock) {
				for i := range 11 {
					complete(t, m, c, string(rune('a'+i)), time.Millisecond, i != 0)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			m := newTestManager(clock, tt.heap)
			m.SetAvailability(true)
			tt.setup(t, m, clock)

			res := m.PerformHealthCheck()
			assert.Len(t, res.Checks, 4)
			assert.Equal(t, tt.failing, res.Failing())
			assert.Equal(t, len(tt.failing) == 0, res.Healthy)
		})
	}
}

func TestRunHealthCheck_UpdatesStatus(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(clock, 0)

	res := m.RunHealthCheck()
	assert.False(t, res.Healthy)
	s := m.Status()
	assert.False(t, s.IsHealthy)
	assert.Contains(t, s.ErrorMessage, "service unavailable")
	assert.Equal(t, clock.Now(), s.LastHealthCheck)

	m.SetAvailability(true)
	m.RunHealthCheck()
	s = m.Status()
	assert.True(t, s.IsHealthy)
	assert.Empty(t, s.ErrorMessage)
}

func TestCleanup_EvictsOnlyExpired(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(clock, 0)

	require.NoError(t, m.RegisterActiveRequest(ttypes.ActiveRequestInfo{RequestID: "old"}))
	clock.Advance(9 * time.Minute)
	require.NoError(t, m.RegisterActiveRequest(ttypes.ActiveRequestInfo{RequestID: "young"}))
	clock.Advance(time.Minute + time.Second)

	assert.Equal(t, 1, m.Cleanup())
	active := m.GetActiveRequests()
	require.Len(t, active, 1)
	assert.Equal(t, "young", active[0].RequestID)

	s := m.Status()
	assert.Zero(t, s.TotalProcessed, "forced expiry is not an outcome")
	assert.False(t, m.UnregisterActiveRequest("old", true))
}

func TestCleanup_TrimsOldHistory(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(clock, 0)

	complete(t, m, clock, "ancient", time.Millisecond, true)
	clock.Advance(25 * time.Hour)
	complete(t, m, clock, "recent", time.Millisecond, true)

	m.Cleanup()
	h := m.History()
	require.Len(t, h, 1)
	assert.Equal(t, "recent", h[0].RequestID)
}

func TestResetStatistics(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(clock, 0)
	m.SetAvailability(true)
	m.SetCurrentType(ttypes.TypeExternal, 4)
	complete(t, m, clock, "a", time.Millisecond, false)
	m.SetError(errors.New("boom"))

	m.ResetStatistics()
	s := m.Status()
	assert.Zero(t, s.TotalProcessed)
	assert.Zero(t, s.TotalFailed)
	assert.Empty(t, s.LastError)
	assert.Empty(t, m.History())
	assert.True(t, s.IsAvailable)
	assert.Equal(t, ttypes.TypeExternal, s.CurrentType)
	assert.Equal(t, int64(4), s.ConfigVersion)
}

func TestStart_ChecksHealthImmediately(t *testing.T) {
	m := NewManager(Options{HealthInterval: time.Hour, CleanupInterval: time.Hour})
	m.SetAvailability(true)
	m.Start()
	defer m.Stop()

	st := m.Status()
	assert.True(t, st.IsHealthy)
	assert.False(t, st.LastHealthCheck.IsZero())
}

func TestStartStop(t *testing.T) {
	m := NewManager(Options{HealthInterval: 5 * time.Millisecond, CleanupInterval: 5 * time.Millisecond})
	m.Start()
	m.Start()

	assert.Eventually(t, func() bool {
		return !m.Status().LastHealthCheck.IsZero()
	}, time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()
}

func TestConcurrentRegistration(t *testing.T) {
	m := NewManager(Options{})
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('A' + i))
			if err := m.RegisterActiveRequest(ttypes.ActiveRequestInfo{RequestID: id}); err != nil {
				t.Error(err)
				return
			}
			m.UpdateRequestStatus(id, ttypes.StatusProcessing, 0)
			m.UnregisterActiveRequest(id, true)
		}(i)
	}
	wg.Wait()
	assert.Zero(t, m.ActiveCount())
	assert.Equal(t, int64(50), m.Status().TotalProcessed)
}
