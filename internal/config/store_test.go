package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgnsrekt/ttsdispatch/internal/ttypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStore_MissingFileWritesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch.json")

	s, err := NewStore(path)
	require.NoError(t, err)

	cfg := s.GetCurrent()
	require.NotNil(t, cfg)
	assert.Equal(t, ttypes.TypeExternal, cfg.Type)
	assert.Equal(t, 30000, cfg.TimeoutMs)
	assert.Equal(t, 3, cfg.MaxRetryCount)
	assert.Equal(t, 1000, cfg.RetryDelayMs)

	_, err = os.Stat(path)
	assert.NoError(t, err, "default configuration should be persisted")
}

func TestNewStore_CorruptFileFallsBackAndRewrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	s, err := NewStore(path)
	require.NoError(t, err)
	assert.Equal(t, Default().TimeoutMs, s.GetCurrent().TimeoutMs)

	reread, err := NewStore(path)
	require.NoError(t, err)
	assert.True(t, s.GetCurrent().Equal(reread.GetCurrent()))
}

func TestNewStore_UnsupportedExtension(t *testing.T) {
	_, err := NewStore(filepath.Join(t.TempDir(), "dispatch.ini"))
	assert.Error(t, err)
}

func TestStore_GetCurrentReturnsCopy(t *testing.T) {
	s := NewMemoryStore(Default())

	a := s.GetCurrent()
	a.TimeoutMs = 1
	a.External.Parameters["endpoint"] = "http://mutated"

	b := s.GetCurrent()
	assert.Equal(t, DefaultTimeoutMs, b.TimeoutMs)
	assert.NotContains(t, b.External.Parameters, "endpoint")
}

func TestStore_UpdateBumpsVersionAndNotifies(t *testing.T) {
	s := NewMemoryStore(Default())
	events, unsubscribe := s.Subscribe(1)
	defer unsubscribe()

	next := s.GetCurrent()
	next.MaxRetryCount = 5
	require.True(t, s.Update(next, "test"))

	cur := s.GetCurrent()
	assert.Equal(t, int64(1), cur.Version)
	assert.Equal(t, 5, cur.MaxRetryCount)

	select {
	case ev := <-events:
		assert.Equal(t, "test", ev.Reason)
		assert.Equal(t, 3, ev.Old.MaxRetryCount)
		assert.Equal(t, 5, ev.New.MaxRetryCount)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no change event received")
	}
}

func TestStore_UpdateRejectsMissingNestedSettings(t *testing.T) {
	s := NewMemoryStore(Default())

	tests := []struct {
		name string
		cfg  *TTSConfiguration
	}{
		{"nil", nil},
		{"external without settings", &TTSConfiguration{Type: ttypes.TypeExternal, TimeoutMs: 1000}},
		{"builtin without settings", &TTSConfiguration{Type: ttypes.TypeBuiltIn, TimeoutMs: 1000}},
		{"unknown type", &TTSConfiguration{Type: "carrier-pigeon", External: &ExternalSettings{Backend: "url"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, s.Update(tt.cfg, "bad"))
			assert.True(t, Default().Equal(s.GetCurrent()), "previous configuration must stay active")
		})
	}
}

func TestStore_UpdateAcceptsRangeWarnings(t *testing.T) {
	s := NewMemoryStore(Default())

	next := s.GetCurrent()
	next.TimeoutMs = 10
	next.MaxRetryCount = 50

	res := s.Validate(next)
	assert.True(t, res.Valid)
	assert.Len(t, res.Warnings, 2)
	assert.True(t, s.Update(next, "ranges"))
	assert.Equal(t, 10, s.GetCurrent().TimeoutMs)
}

func TestStore_ExternalValidator(t *testing.T) {
	reject := func(c *TTSConfiguration) ValidationResult {
		res := ValidationResult{Valid: true}
		if c.External != nil && c.External.Backend == "forbidden" {
			res.errorf("backend %q is not allowed", c.External.Backend)
		}
		return res
	}
	s := NewMemoryStore(Default(), WithValidator(reject))

	next := s.GetCurrent()
	next.External.Backend = "forbidden"
	assert.False(t, s.Validate(next).Valid)
	assert.False(t, s.Update(next, "validator"))
	assert.Equal(t, DefaultBackend, s.GetCurrent().External.Backend)
}

func TestStore_PersistRoundTripFormats(t *testing.T) {
	for _, name := range []string{"dispatch.json", "dispatch.yaml", "dispatch.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			s, err := NewStore(path)
			require.NoError(t, err)

			next := s.GetCurrent()
			next.Type = ttypes.TypeBuiltIn
			next.BuiltIn.Voice = "en-us"
			next.External.Parameters["endpoint"] = "http://localhost:8000"
			require.True(t, s.Update(next, "test"))

			reread, err := NewStore(path)
			require.NoError(t, err)
			assert.True(t, s.GetCurrent().Equal(reread.GetCurrent()))
		})
	}
}

func TestStore_SaveDoesNotSwap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch.json")
	s, err := NewStore(path)
	require.NoError(t, err)

	require.True(t, s.Update(Default(), "bump"))
	before := s.GetCurrent().Version
	events, unsubscribe := s.Subscribe(1)
	defer unsubscribe()

	// The saved document carries an older version than the running one.
	other := Default()
	other.MaxRetryCount = 7
	require.NoError(t, s.Save(other))
	assert.Equal(t, DefaultMaxRetryCount, s.GetCurrent().MaxRetryCount)

	require.NoError(t, s.Reload())
	cur := s.GetCurrent()
	assert.Equal(t, 7, cur.MaxRetryCount)
	assert.Equal(t, before+1, cur.Version)

	ev := <-events
	assert.Equal(t, before, ev.Old.Version)
	assert.Equal(t, before+1, ev.New.Version)
}

func TestStore_UnsubscribeClosesChannel(t *testing.T) {
	s := NewMemoryStore(Default())
	events, unsubscribe := s.Subscribe(1)
	unsubscribe()
	unsubscribe()

	_, ok := <-events
	assert.False(t, ok)
	assert.True(t, s.Update(Default(), "after unsubscribe"))
}

func TestStore_NilInitial(t *testing.T) {
	s := NewMemoryStore(nil)
	assert.Nil(t, s.GetCurrent())
}

func TestStore_WatchReloadsOnEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch.json")
	s, err := NewStore(path)
	require.NoError(t, err)

	events, unsubscribe := s.Subscribe(4)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	edited := s.GetCurrent()
	edited.RetryDelayMs = 2500
	data, err := jsonCodec{}.Marshal(edited)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	select {
	case ev := <-events:
		assert.Equal(t, "file-changed", ev.Reason)
		assert.Equal(t, 2500, ev.New.RetryDelayMs)
	case <-time.After(3 * time.Second):
		t.Fatal("file change was not picked up")
	}
	assert.Equal(t, 2500, s.GetCurrent().RetryDelayMs)
}

func TestMarshalAndReadFile(t *testing.T) {
	cfg := Default()
	cfg.TimeoutMs = 4500
	dir := t.TempDir()

	for _, format := range []string{"json", "yaml", "toml"} {
		data, err := Marshal(cfg, format)
		require.NoError(t, err, format)

		path := filepath.Join(dir, "doc."+format)
		require.NoError(t, os.WriteFile(path, data, 0o600))

		back, err := ReadFile(path)
		require.NoError(t, err, format)
		assert.True(t, cfg.Equal(back), format)
	}

	_, err := Marshal(cfg, "ini")
	assert.Error(t, err)
}
