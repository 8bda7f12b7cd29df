package backends

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBackend struct{ name string }

func (s *stubBackend) Name() string { return s.name }
func (s *stubBackend) Synthesize(context.Context, Request) (*Audio, error) {
	return &Audio{Data: []byte("x"), Format: "pcm"}, nil
}
func (s *stubBackend) Ping(context.Context) error { return nil }
func (s *stubBackend) Close() error               { return nil }

func TestRegistry_CreateAndAliases(t *testing.T) {
	r := NewRegistry[Backend]()
	r.Register("Stub", func(params map[string]string) (Backend, error) {
		return &stubBackend{name: params["name"]}, nil
	})
	r.Alias("legacy-stub", "stub")

	b, err := r.Create("STUB", map[string]string{"name": "one"})
	require.NoError(t, err)
	assert.Equal(t, "one", b.Name())

	b, err = r.Create("legacy-stub", map[string]string{"name": "two"})
	require.NoError(t, err)
	assert.Equal(t, "two", b.Name())

	assert.True(t, r.Has(" stub "))
	assert.Equal(t, []string{"stub"}, r.List())
}

func TestRegistry_UnknownSuggests(t *testing.T) {
	r := NewRegistry[Backend]()
	r.Register("openai", func(map[string]string) (Backend, error) { return &stubBackend{}, nil })
	r.Register("voiceclone", func(map[string]string) (Backend, error) { return &stubBackend{}, nil })

	_, err := r.Create("opnai", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownBackend))
	assert.Contains(t, err.Error(), `did you mean "openai"`)

	_, err = r.Create("zzz", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "available: openai, voiceclone")
}

func TestDefaultRegistry_BuiltinKeys(t *testing.T) {
	for _, key := range []string{"url", "openai", "openai-compatible", "diy", "voiceclone", "custom", "free", "free-tier"} {
		assert.True(t, Default.Has(key), "missing backend %q", key)
	}
}

func TestParams(t *testing.T) {
	p := Params{"a": " 1.5 ", "n": "3", "h": "X-Key: abc; Accept:audio/wav;bad", "bad": "x"}

	f, err := p.Float("a", 0)
	require.NoError(t, err)
	assert.Equal(t, 1.5, f)

	n, err := p.Int("n", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = p.Int("bad", 0)
	assert.Error(t, err)

	assert.Equal(t, map[string]string{"X-Key": "abc", "Accept": "audio/wav"}, p.Headers("h"))
	assert.Equal(t, "def", p.String("missing", "def"))

	_, err = p.Required("test", "missing")
	assert.ErrorIs(t, err, ErrMissingParam)
}
