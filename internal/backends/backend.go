// Package backends implements the HTTP speech services the External adapter
// can route to. Each backend registers a constructor under a string key.
package backends

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrUnknownBackend is returned when no constructor is registered for a key.
	ErrUnknownBackend = errors.New("unknown backend")

	// ErrMissingParam is returned when a required parameter is absent.
	ErrMissingParam = errors.New("missing required parameter")

	// ErrEmptyAudio is returned when a service answers without audio.
	ErrEmptyAudio = errors.New("received empty audio")

	// ErrAudioTooLarge is returned when a response exceeds maxAudioSize.
	ErrAudioTooLarge = errors.New("audio response too large")
)

// Request is a single synthesis call.
type Request struct {
	Text  string
	Voice string
	Speed float64
}

// Audio is synthesized audio and its container format (wav, mp3, pcm...).
type Audio struct {
	Data   []byte
	Format string
}

// Backend is a concrete speech service client.
type Backend interface {
	// Name returns the registry key the backend was created under.
	Name() string

	// Synthesize converts text to audio. Implementations honour ctx.
	Synthesize(ctx context.Context, req Request) (*Audio, error)

	// Ping checks that the service is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the backend.
	Close() error
}

// Params wraps a backend parameter map with typed accessors.
type Params map[string]string

// String returns the value for key or def.
func (p Params) String(key, def string) string {
	if v := strings.TrimSpace(p[key]); v != "" {
		return v
	}
	return def
}

// Required returns the value for key or ErrMissingParam.
func (p Params) Required(backend, key string) (string, error) {
	v := strings.TrimSpace(p[key])
	if v == "" {
		return "", fmt.Errorf("%s: %w %q", backend, ErrMissingParam, key)
	}
	return v, nil
}

// Float returns key parsed as a float or def.
func (p Params) Float(key string, def float64) (float64, error) {
	v := strings.TrimSpace(p[key])
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parameter %q: %w", key, err)
	}
	return f, nil
}

// Int returns key parsed as an int or def.
func (p Params) Int(key string, def int) (int, error) {
	v := strings.TrimSpace(p[key])
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parameter %q: %w", key, err)
	}
	return n, nil
}

// Headers parses "k:v;k:v" into a header map.
func (p Params) Headers(key string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(p[key], ";") {
		k, v, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		if k = strings.TrimSpace(k); k != "" {
			out[k] = strings.TrimSpace(v)
		}
	}
	return out
}
