package cache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Manager coordinates the memory and disk levels. Disk hits are promoted
// to memory.
type Manager struct {
	memory *MemoryCache
	disk   *DiskCache
	cfg    Config
	logger *log.Logger
	now    func() time.Time

	cleanupStop chan struct{}
	cleanupWg   sync.WaitGroup
	closeOnce   sync.Once

	mu    sync.Mutex
	stats ManagerStats
}

// ManagerStats aggregates both levels.
type ManagerStats struct {
	Hits        int64     `json:"hits"`
	Misses      int64     `json:"misses"`
	MemoryHits  int64     `json:"memory_hits"`
	DiskHits    int64     `json:"disk_hits"`
	Expired     int64     `json:"expired"`
	CleanupRuns int64     `json:"cleanup_runs"`
	LastCleanup time.Time `json:"last_cleanup"`
	Memory      Stats     `json:"memory"`
	Disk        *Stats    `json:"disk,omitempty"`
}

// NewManager creates the cache levels described by cfg and starts the
// cleanup loop when cfg.CleanupInterval is positive.
func NewManager(cfg Config) (*Manager, error) {
	def := DefaultConfig()
	if cfg.MemoryCapacity <= 0 {
		cfg.MemoryCapacity = def.MemoryCapacity
	}
	if cfg.DiskCapacity <= 0 {
		cfg.DiskCapacity = def.DiskCapacity
	}

	m := &Manager{
		memory:      NewMemoryCache(cfg.MemoryCapacity),
		cfg:         cfg,
		logger:      log.WithPrefix("cache"),
		now:         time.Now,
		cleanupStop: make(chan struct{}),
	}
	if cfg.Dir != "" {
		disk, err := NewDiskCache(cfg.Dir, cfg.DiskCapacity, cfg.CompressionLevel)
		if err != nil {
			return nil, fmt.Errorf("unable to open disk cache: %w", err)
		}
		m.disk = disk
	}

	if cfg.CleanupInterval > 0 {
		m.cleanupWg.Add(1)
		go m.cleanupLoop(cfg.CleanupInterval)
	}
	return m, nil
}

// Get returns the entry for key unless it is older than maxAge. A
// non-positive maxAge falls back to the configured MaxAge.
func (m *Manager) Get(key string, maxAge time.Duration) (*Entry, bool) {
	if maxAge <= 0 {
		maxAge = m.cfg.MaxAge
	}
	now := m.now()

	if e, ok := m.memory.Get(key); ok {
		if !e.Expired(now, maxAge) {
			m.count(func(s *ManagerStats) { s.Hits++; s.MemoryHits++ })
			return e, true
		}
		m.memory.Delete(key)
		m.count(func(s *ManagerStats) { s.Expired++ })
	}

	if m.disk != nil {
		if e, ok := m.disk.Get(key); ok {
			if !e.Expired(now, maxAge) {
				_ = m.memory.Put(key, e)
				m.count(func(s *ManagerStats) { s.Hits++; s.DiskHits++ })
				return e, true
			}
			m.disk.Delete(key)
			m.count(func(s *ManagerStats) { s.Expired++ })
		}
	}

	m.count(func(s *ManagerStats) { s.Misses++ })
	return nil, false
}

// Put stores e in every level. Oversized entries are skipped per level.
func (m *Manager) Put(key string, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	stored := &e

	var errs []error
	if err := m.memory.Put(key, stored); err != nil && !errors.Is(err, ErrItemTooLarge) {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	}
	if m.disk != nil {
		if err := m.disk.Put(key, stored); err != nil && !errors.Is(err, ErrItemTooLarge) {
			errs = append(errs, fmt.Errorf("disk: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Delete removes key from every level.
func (m *Manager) Delete(key string) {
	m.memory.Delete(key)
	if m.disk != nil {
		m.disk.Delete(key)
	}
}

// Clear empties every level.
func (m *Manager) Clear() error {
	m.memory.Clear()
	if m.disk != nil {
		return m.disk.Clear()
	}
	return nil
}

// Cleanup prunes entries older than the configured MaxAge.
func (m *Manager) Cleanup() int {
	now := m.now()
	removed := m.memory.Prune(now, m.cfg.MaxAge)
	if m.disk != nil {
		removed += m.disk.Prune(now, m.cfg.MaxAge)
	}
	m.count(func(s *ManagerStats) {
		s.CleanupRuns++
		s.LastCleanup = now
	})
	return removed
}

// Stats returns aggregated counters.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	s := m.stats
	m.mu.Unlock()

	s.Memory = m.memory.Stats()
	if m.disk != nil {
		ds := m.disk.Stats()
		s.Disk = &ds
	}
	return s
}

// Close stops the cleanup loop and persists the disk index.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.cleanupStop)
		m.cleanupWg.Wait()
		if m.disk != nil {
			err = m.disk.Close()
		}
	})
	return err
}

func (m *Manager) count(fn func(*ManagerStats)) {
	m.mu.Lock()
	fn(&m.stats)
	m.mu.Unlock()
}

func (m *Manager) cleanupLoop(interval time.Duration) {
	defer m.cleanupWg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := m.Cleanup(); n > 0 {
				m.logger.Debug("Pruned expired entries", "count", n)
			}
		case <-m.cleanupStop:
			return
		}
	}
}
