package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// ChangeEvent is published to subscribers after every accepted change.
type ChangeEvent struct {
	Old       *TTSConfiguration
	New       *TTSConfiguration
	Reason    string
	Timestamp time.Time
}

// Store owns the active configuration. Readers always receive copies.
type Store struct {
	mu      sync.RWMutex
	current *TTSConfiguration

	// saveMu serialises writes so the newest snapshot lands last.
	saveMu sync.Mutex
	path   string
	codec  codec

	validators []Validator
	logger     *log.Logger

	subMu  sync.RWMutex
	subs   map[int]chan ChangeEvent
	nextID int
}

// Option configures a Store.
type Option func(*Store)

// WithValidator adds a validation rule run after the intrinsic checks.
func WithValidator(v Validator) Option {
	return func(s *Store) {
		s.validators = append(s.validators, v)
	}
}

// WithLogger replaces the store's logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// NewStore creates a store persisted at path and loads it. A missing or
// unreadable document is replaced by Default. The codec is chosen from the
// file extension.
func NewStore(path string, opts ...Option) (*Store, error) {
	c, err := codecFor(path)
	if err != nil {
		return nil, err
	}
	s := newStore(opts...)
	s.path = ExpandPath(path)
	s.codec = c

	if err := s.Reload(); err != nil {
		s.logger.Warn("Using default configuration", "path", s.path, "err", err)
	}
	return s, nil
}

// NewMemoryStore creates a store without durable storage. A nil initial
// configuration is allowed; GetCurrent then returns nil until Update.
func NewMemoryStore(initial *TTSConfiguration, opts ...Option) *Store {
	s := newStore(opts...)
	if initial != nil {
		s.current = initial.Clone()
		s.current.normalize()
	}
	return s
}

func newStore(opts ...Option) *Store {
	s := &Store{
		logger: log.WithPrefix("config"),
		subs:   make(map[int]chan ChangeEvent),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Path returns the storage location, empty for memory stores.
func (s *Store) Path() string {
	return s.path
}

// GetCurrent returns a deep copy of the active configuration.
func (s *Store) GetCurrent() *TTSConfiguration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Validate runs the intrinsic checks followed by every registered validator.
func (s *Store) Validate(cfg *TTSConfiguration) ValidationResult {
	res := Validate(cfg)
	if cfg == nil {
		return res
	}
	for _, v := range s.validators {
		res.Merge(v(cfg.Clone()))
	}
	return res
}

// Update validates and installs cfg. Warnings are logged and do not block
// the update; hard errors leave the previous configuration in place.
// Persistence is best-effort.
func (s *Store) Update(cfg *TTSConfiguration, reason string) bool {
	res := s.Validate(cfg)
	for _, w := range res.Warnings {
		s.logger.Warn("Configuration warning", "warning", w)
	}
	if !res.Valid {
		s.logger.Error("Rejected configuration update", "reason", reason, "err", res.Err())
		return false
	}

	next := cfg.Clone()
	next.normalize()

	s.mu.Lock()
	old := s.current
	if old != nil {
		next.Version = old.Version + 1
	} else {
		next.Version = cfg.Version + 1
	}
	s.current = next
	s.mu.Unlock()

	s.logger.Info("Configuration updated", "reason", reason, "version", next.Version, "type", next.Type)

	if err := s.persist(); err != nil {
		s.logger.Error("Could not persist configuration", "path", s.path, "err", err)
	}

	s.publish(ChangeEvent{
		Old:       old.Clone(),
		New:       next.Clone(),
		Reason:    reason,
		Timestamp: time.Now(),
	})
	return true
}

// Reload re-reads the document. A missing, corrupt or structurally invalid
// document is replaced by Default and rewritten. Read errors other than
// absence keep the current configuration.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}

	loaded, loadErr := s.load()
	if loadErr != nil {
		var pe *fs.PathError
		if errors.As(loadErr, &pe) && !errors.Is(loadErr, fs.ErrNotExist) && s.GetCurrent() != nil {
			s.logger.Error("Could not read configuration, keeping current", "path", s.path, "err", loadErr)
			return loadErr
		}
		s.logger.Warn("Falling back to default configuration", "path", s.path, "err", loadErr)
		loaded = Default()
	}

	s.mu.Lock()
	old := s.current
	if old != nil && old.Equal(loaded) {
		s.mu.Unlock()
		return loadErr
	}
	if old != nil && loaded.Version <= old.Version {
		loaded.Version = old.Version + 1
	}
	s.current = loaded
	s.mu.Unlock()

	reason := "reload"
	if loadErr != nil {
		reason = "defaults"
		if err := s.persist(); err != nil {
			s.logger.Error("Could not persist default configuration", "path", s.path, "err", err)
		}
	}

	if old != nil {
		s.publish(ChangeEvent{
			Old:       old.Clone(),
			New:       loaded.Clone(),
			Reason:    reason,
			Timestamp: time.Now(),
		})
	}
	return loadErr
}

// Save writes cfg to storage without changing the in-memory configuration.
func (s *Store) Save(cfg *TTSConfiguration) error {
	if s.path == "" {
		return nil
	}
	if cfg == nil {
		return errors.New("cannot save nil configuration")
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	return s.write(cfg)
}

// Subscribe registers a listener for change events. Delivery never blocks
// the publisher: events for a full channel are dropped and logged. The
// returned function unsubscribes and closes the channel.
func (s *Store) Subscribe(buffer int) (<-chan ChangeEvent, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan ChangeEvent, buffer)

	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			close(ch)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) publish(ev ChangeEvent) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("Change event dropped: subscriber buffer full", "subscriber", id, "reason", ev.Reason)
		}
	}
}

func (s *Store) load() (*TTSConfiguration, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	cfg := &TTSConfiguration{}
	if err := s.codec.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("corrupt %s document: %w", s.codec.Name(), err)
	}
	if err := Validate(cfg).Err(); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

// persist writes the current snapshot.
func (s *Store) persist() error {
	if s.path == "" {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	cur := s.GetCurrent()
	if cur == nil {
		return nil
	}
	return s.write(cur)
}

// write replaces the document atomically. Callers hold saveMu.
func (s *Store) write(cfg *TTSConfiguration) error {
	data, err := s.codec.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("unable to encode configuration: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("unable create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".dispatch-*")
	if err != nil {
		return fmt.Errorf("unable to create config file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("unable to write config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("unable to write config file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("unable to replace config file: %w", err)
	}
	return nil
}
