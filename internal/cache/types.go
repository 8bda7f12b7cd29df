package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

var (
	// ErrItemTooLarge is returned when an entry exceeds a level's capacity.
	ErrItemTooLarge = errors.New("item too large for cache")

	// ErrCacheCorrupted is returned when stored data cannot be decoded.
	ErrCacheCorrupted = errors.New("cache data corrupted")
)

// Level identifies a cache tier.
type Level int

const (
	LevelMemory Level = iota
	LevelDisk
)

func (l Level) String() string {
	switch l {
	case LevelMemory:
		return "memory"
	case LevelDisk:
		return "disk"
	default:
		return "unknown"
	}
}

// Entry is one cached synthesis result.
type Entry struct {
	Audio      []byte
	Format     string
	DurationMs int64
	CreatedAt  time.Time
}

func (e *Entry) size() int64 { return int64(len(e.Audio)) }

// Expired reports whether e is older than maxAge at now. A non-positive
// maxAge never expires.
func (e *Entry) Expired(now time.Time, maxAge time.Duration) bool {
	return maxAge > 0 && now.Sub(e.CreatedAt) > maxAge
}

// Stats holds per-level counters.
type Stats struct {
	Capacity  int64   `json:"capacity"`
	Size      int64   `json:"size"`
	Items     int64   `json:"items"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

func (s *Stats) finish() {
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
}

// Config sizes the cache levels. An empty Dir disables the disk level.
type Config struct {
	MemoryCapacity   int64
	DiskCapacity     int64
	Dir              string
	CompressionLevel int
	CleanupInterval  time.Duration
	MaxAge           time.Duration
}

// DefaultConfig returns a 64MB memory level and a 512MB disk level with
// hourly cleanup of entries older than a week.
func DefaultConfig() Config {
	return Config{
		MemoryCapacity:   64 * 1024 * 1024,
		DiskCapacity:     512 * 1024 * 1024,
		CompressionLevel: 3,
		CleanupInterval:  time.Hour,
		MaxAge:           7 * 24 * time.Hour,
	}
}

// Key identifies a synthesis result. Params holds every backend parameter
// in effect, so changing any of them selects a different entry.
type Key struct {
	Backend string
	Voice   string
	Speed   float64
	Params  map[string]string
	Text    string
}

// String hashes the key. Text is NFC-normalized and trimmed, backend and
// voice are case-folded, so equivalent requests share an entry.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(strings.ToLower(strings.TrimSpace(k.Backend)))
	b.WriteByte('|')
	b.WriteString(strings.ToLower(strings.TrimSpace(k.Voice)))
	b.WriteByte('|')
	b.WriteString(strconv.FormatFloat(k.Speed, 'f', 2, 64))
	b.WriteByte('|')
	for _, name := range slices.Sorted(maps.Keys(k.Params)) {
		b.WriteString(strconv.Quote(name))
		b.WriteByte('=')
		b.WriteString(strconv.Quote(k.Params[name]))
		b.WriteByte(';')
	}
	b.WriteByte('|')
	b.WriteString(norm.NFC.String(strings.TrimSpace(k.Text)))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}
