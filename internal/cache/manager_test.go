package cache

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestManager(t *testing.T, dir string) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Dir = dir
	cfg.CleanupInterval = 0
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestKey_Normalization(t *testing.T) {
	base := Key{Backend: "openai", Voice: "alloy", Speed: 1, Text: "café"}

	same := []Key{
		{Backend: "OpenAI", Voice: "Alloy", Speed: 1.0, Text: "café"},
		{Backend: " openai", Voice: "alloy", Speed: 1.001, Text: "  café  "},
		{Backend: "openai", Voice: "alloy", Speed: 1, Text: "café"},
	}
	for _, k := range same {
		if k.String() != base.String() {
			t.Errorf("%+v should share a key with %+v", k, base)
		}
	}

	different := []Key{
		{Backend: "url", Voice: "alloy", Speed: 1, Text: "café"},
		{Backend: "openai", Voice: "nova", Speed: 1, Text: "café"},
		{Backend: "openai", Voice: "alloy", Speed: 1.5, Text: "café"},
		{Backend: "openai", Voice: "alloy", Speed: 1, Text: "cafe"},
		{Backend: "openai", Voice: "alloy", Speed: 1, Params: map[string]string{"model": "tts-1-hd"}, Text: "café"},
	}
	for _, k := range different {
		if k.String() == base.String() {
			t.Errorf("%+v should not share a key with %+v", k, base)
		}
	}

	withParams := Key{Backend: "openai", Voice: "alloy", Speed: 1, Params: map[string]string{"model": "tts-1", "format": "mp3"}, Text: "café"}
	sameParams := Key{Backend: "openai", Voice: "alloy", Speed: 1, Params: map[string]string{"format": "mp3", "model": "tts-1"}, Text: "café"}
	if withParams.String() != sameParams.String() {
		t.Errorf("parameter order should not change the key")
	}
	changed := withParams
	changed.Params = map[string]string{"model": "tts-1", "format": "wav"}
	if changed.String() == withParams.String() {
		t.Errorf("a changed parameter value should change the key")
	}

	if len(base.String()) != 32 {
		t.Errorf("key length = %d, want 32", len(base.String()))
	}
}

func TestManager_MemoryOnly(t *testing.T) {
	m := newTestManager(t, "")

	if _, ok := m.Get("k", time.Hour); ok {
		t.Fatal("unexpected hit on empty cache")
	}
	if err := m.Put("k", Entry{Audio: []byte("abc"), Format: "mp3", DurationMs: 1000}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	e, ok := m.Get("k", time.Hour)
	if !ok || string(e.Audio) != "abc" || e.Format != "mp3" {
		t.Fatalf("unexpected entry: %+v ok=%v", e, ok)
	}

	s := m.Stats()
	if s.Hits != 1 || s.Misses != 1 || s.MemoryHits != 1 {
		t.Errorf("unexpected stats: %+v", s)
	}
	if s.Disk != nil {
		t.Error("disk stats reported without a disk level")
	}
}

func TestManager_DiskRoundTripCompressed(t *testing.T) {
	dir := t.TempDir()
	audio := bytes.Repeat([]byte("RIFF....WAVEfmt "), 512)

	m := newTestManager(t, dir)
	if err := m.Put("wav", Entry{Audio: audio, Format: "wav", DurationMs: 4200}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	ds := m.Stats().Disk
	if ds == nil || ds.Items != 1 {
		t.Fatalf("disk stats = %+v", ds)
	}
	if ds.Size >= int64(len(audio)) {
		t.Errorf("disk size %d not smaller than payload %d", ds.Size, len(audio))
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened := newTestManager(t, dir)
	e, ok := reopened.Get("wav", time.Hour)
	if !ok {
		t.Fatal("entry lost across reopen")
	}
	if !bytes.Equal(e.Audio, audio) || e.Format != "wav" || e.DurationMs != 4200 {
		t.Errorf("round trip mismatch: format=%s duration=%d len=%d", e.Format, e.DurationMs, len(e.Audio))
	}
	if s := reopened.Stats(); s.DiskHits != 1 {
		t.Errorf("DiskHits = %d, want 1", s.DiskHits)
	}

	if _, ok := reopened.Get("wav", time.Hour); !ok {
		t.Fatal("promoted entry missing")
	}
	if s := reopened.Stats(); s.MemoryHits != 1 {
		t.Errorf("MemoryHits = %d, want 1 after promotion", s.MemoryHits)
	}
}

func TestManager_ExpiredEntriesMiss(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	now := time.Now()
	m.now = func() time.Time { return now }

	_ = m.Put("k", Entry{Audio: []byte("abc"), CreatedAt: now.Add(-2 * time.Minute)})

	if _, ok := m.Get("k", time.Minute); ok {
		t.Fatal("expired entry served")
	}
	if s := m.Stats(); s.Expired != 2 {
		t.Errorf("Expired = %d, want 2 (memory and disk)", s.Expired)
	}
	if _, ok := m.Get("k", time.Hour); ok {
		t.Error("expired entry should have been deleted")
	}
}

func TestManager_CleanupPrunesBothLevels(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.MaxAge = time.Hour
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close() //nolint:errcheck

	now := time.Now()
	_ = m.Put("old", Entry{Audio: []byte("a"), CreatedAt: now.Add(-2 * time.Hour)})
	_ = m.Put("new", Entry{Audio: []byte("b"), CreatedAt: now})

	if n := m.Cleanup(); n != 2 {
		t.Errorf("Cleanup removed %d, want 2", n)
	}
	if s := m.Stats(); s.CleanupRuns != 1 || s.Memory.Items != 1 || s.Disk.Items != 1 {
		t.Errorf("unexpected stats after cleanup: %+v", s)
	}
}

func TestManager_Clear(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	_ = m.Put("a", Entry{Audio: []byte("1")})
	_ = m.Put("b", Entry{Audio: []byte("2")})

	if err := m.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if _, ok := m.Get("a", 0); ok {
		t.Error("entry survived Clear")
	}

	files, _ := filepath.Glob(filepath.Join(dir, "*.cache"))
	if len(files) != 0 {
		t.Errorf("cache files left behind: %v", files)
	}
}

func TestDiskCache_CorruptFileIsMiss(t *testing.T) {
	dir := t.TempDir()
	dc, err := NewDiskCache(dir, 1<<20, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer dc.Close() //nolint:errcheck

	_ = dc.Put("k", &Entry{Audio: bytes.Repeat([]byte("a"), 4096)})
	if err := os.WriteFile(filepath.Join(dir, "k.cache"), []byte("not zstd"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, ok := dc.Get("k"); ok {
		t.Fatal("corrupt entry served")
	}
	if dc.Size() != 0 {
		t.Errorf("Size = %d after dropping corrupt entry", dc.Size())
	}
}

func TestDiskCache_EvictsLeastRecentlyUsed(t *testing.T) {
	dc, err := NewDiskCache(t.TempDir(), 30, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer dc.Close() //nolint:errcheck

	_ = dc.Put("a", &Entry{Audio: make([]byte, 10)})
	time.Sleep(2 * time.Millisecond)
	_ = dc.Put("b", &Entry{Audio: make([]byte, 10)})
	time.Sleep(2 * time.Millisecond)
	dc.Get("a")
	_ = dc.Put("c", &Entry{Audio: make([]byte, 15)})

	if _, ok := dc.Get("b"); ok {
		t.Error("b should have been evicted")
	}
	if _, ok := dc.Get("a"); !ok {
		t.Error("a was recently used and should remain")
	}
	if err := dc.Put("huge", &Entry{Audio: make([]byte, 31)}); err != ErrItemTooLarge {
		t.Errorf("expected ErrItemTooLarge, got %v", err)
	}
}
