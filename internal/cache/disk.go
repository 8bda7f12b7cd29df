package cache

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	indexFile = "cache.index"

	// Payloads below this size are stored raw.
	compressThreshold = 1024
)

// DiskCache is the L2 level: one file per entry under dir plus a gob
// index, with zstd compression when it shrinks the payload.
type DiskCache struct {
	dir      string
	capacity int64
	size     int64

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	index map[string]*diskEntry

	mu    sync.Mutex
	stats Stats
}

type diskEntry struct {
	Key          string
	File         string
	Size         int64
	OriginalSize int64
	Format       string
	DurationMs   int64
	CreatedAt    time.Time
	LastAccess   time.Time
	Compressed   bool
}

// NewDiskCache opens or creates a disk cache in dir. A compression level
// of zero or less stores payloads uncompressed.
func NewDiskCache(dir string, capacity int64, compressionLevel int) (*DiskCache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("unable to create cache directory: %w", err)
	}

	dc := &DiskCache{
		dir:      dir,
		capacity: capacity,
		index:    make(map[string]*diskEntry),
	}

	if compressionLevel > 0 {
		var err error
		dc.encoder, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)))
		if err != nil {
			return nil, fmt.Errorf("unable to create zstd encoder: %w", err)
		}
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create zstd decoder: %w", err)
	}
	dc.decoder = dec

	if err := dc.loadIndex(); err != nil {
		dc.index = make(map[string]*diskEntry)
	}
	for _, e := range dc.index {
		dc.size += e.Size
	}
	return dc, nil
}

// Get reads and decompresses the entry for key. Missing or undecodable
// files are dropped from the index and reported as a miss.
func (dc *DiskCache) Get(key string) (*Entry, bool) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	de, ok := dc.index[key]
	if !ok {
		dc.stats.Misses++
		return nil, false
	}

	data, err := os.ReadFile(de.File)
	if err == nil && de.Compressed {
		data, err = dc.decoder.DecodeAll(data, nil)
	}
	if err != nil {
		dc.drop(key, de)
		dc.stats.Misses++
		return nil, false
	}

	de.LastAccess = time.Now()
	dc.stats.Hits++
	return &Entry{
		Audio:      data,
		Format:     de.Format,
		DurationMs: de.DurationMs,
		CreatedAt:  de.CreatedAt,
	}, true
}

// Put writes e under key, evicting the least recently accessed entries
// when the level is full.
func (dc *DiskCache) Put(key string, e *Entry) error {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	data := e.Audio
	compressed := false
	if dc.encoder != nil && len(data) > compressThreshold {
		if c := dc.encoder.EncodeAll(data, nil); len(c) < len(data) {
			data = c
			compressed = true
		}
	}
	n := int64(len(data))
	if n > dc.capacity {
		return ErrItemTooLarge
	}

	if old, ok := dc.index[key]; ok {
		dc.drop(key, old)
	}
	for dc.size+n > dc.capacity && len(dc.index) > 0 {
		dc.evictOldest()
	}

	file := filepath.Join(dc.dir, key+".cache")
	if err := writeFile(file, data); err != nil {
		return fmt.Errorf("unable to write cache file: %w", err)
	}

	now := time.Now()
	created := e.CreatedAt
	if created.IsZero() {
		created = now
	}
	dc.index[key] = &diskEntry{
		Key:          key,
		File:         file,
		Size:         n,
		OriginalSize: e.size(),
		Format:       e.Format,
		DurationMs:   e.DurationMs,
		CreatedAt:    created,
		LastAccess:   now,
		Compressed:   compressed,
	}
	dc.size += n
	return nil
}

// Delete removes key.
func (dc *DiskCache) Delete(key string) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if de, ok := dc.index[key]; ok {
		dc.drop(key, de)
	}
}

// Clear removes every entry and persists the empty index.
func (dc *DiskCache) Clear() error {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	for key, de := range dc.index {
		dc.drop(key, de)
	}
	return dc.saveIndex()
}

// Prune removes entries created before now-maxAge and returns how many.
func (dc *DiskCache) Prune(now time.Time, maxAge time.Duration) int {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	removed := 0
	for key, de := range dc.index {
		if maxAge > 0 && now.Sub(de.CreatedAt) > maxAge {
			dc.drop(key, de)
			removed++
		}
	}
	return removed
}

// Size returns the bytes stored on disk.
func (dc *DiskCache) Size() int64 {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.size
}

// Stats returns the level's counters.
func (dc *DiskCache) Stats() Stats {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	s := dc.stats
	s.Capacity = dc.capacity
	s.Size = dc.size
	s.Items = int64(len(dc.index))
	s.finish()
	return s
}

// Close persists the index.
func (dc *DiskCache) Close() error {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if dc.encoder != nil {
		_ = dc.encoder.Close()
	}
	dc.decoder.Close()
	return dc.saveIndex()
}

// drop must be called with the lock held.
func (dc *DiskCache) drop(key string, de *diskEntry) {
	_ = os.Remove(de.File)
	delete(dc.index, key)
	dc.size -= de.Size
}

func (dc *DiskCache) evictOldest() {
	entries := make([]*diskEntry, 0, len(dc.index))
	for _, de := range dc.index {
		entries = append(entries, de)
	}
	oldest := slices.MinFunc(entries, func(a, b *diskEntry) int {
		return a.LastAccess.Compare(b.LastAccess)
	})
	dc.drop(oldest.Key, oldest)
	dc.stats.Evictions++
}

func (dc *DiskCache) loadIndex() error {
	f, err := os.Open(filepath.Join(dc.dir, indexFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close() //nolint:errcheck

	if err := gob.NewDecoder(f).Decode(&dc.index); err != nil {
		return fmt.Errorf("%w: %w", ErrCacheCorrupted, err)
	}
	for key, de := range dc.index {
		if _, err := os.Stat(de.File); err != nil {
			delete(dc.index, key)
		}
	}
	return nil
}

func (dc *DiskCache) saveIndex() error {
	path := filepath.Join(dc.dir, indexFile)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	err = gob.NewEncoder(f).Encode(dc.index)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
