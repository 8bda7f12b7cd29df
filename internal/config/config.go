// Package config owns the dispatch configuration document: its shape,
// validation, persistence and change notification.
package config

import (
	"fmt"
	"maps"
	"reflect"
	"strings"

	"github.com/dgnsrekt/ttsdispatch/internal/ttypes"
)

// Defaults used when no document exists or the stored one is unusable.
const (
	DefaultTimeoutMs     = 30000
	DefaultMaxRetryCount = 3
	DefaultRetryDelayMs  = 1000
	DefaultBackend       = "url"
	DefaultCacheTTL      = 60
)

// TTSConfiguration selects the adapter type and governs timeouts and retries.
type TTSConfiguration struct {
	Type          ttypes.TTSType `json:"type" yaml:"type" toml:"type"`
	TimeoutMs     int            `json:"timeout_ms" yaml:"timeout_ms" toml:"timeout_ms"`
	MaxRetryCount int            `json:"max_retry_count" yaml:"max_retry_count" toml:"max_retry_count"`
	RetryDelayMs  int            `json:"retry_delay_ms" yaml:"retry_delay_ms" toml:"retry_delay_ms"`

	// Caching flags
	EnableCaching   bool `json:"enable_caching" yaml:"enable_caching" toml:"enable_caching"`
	CacheTTLMinutes int  `json:"cache_ttl_minutes" yaml:"cache_ttl_minutes" toml:"cache_ttl_minutes"`

	// Version is bumped by the store on every update.
	Version int64 `json:"version" yaml:"version" toml:"version"`

	External *ExternalSettings `json:"external,omitempty" yaml:"external,omitempty" toml:"external,omitempty"`
	BuiltIn  *BuiltInSettings  `json:"builtin,omitempty" yaml:"builtin,omitempty" toml:"builtin,omitempty"`
}

// ExternalSettings selects an HTTP-backed backend by key and carries its
// free-form parameters.
type ExternalSettings struct {
	Backend    string            `json:"backend" yaml:"backend" toml:"backend"`
	Parameters map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty" toml:"parameters,omitempty"`
}

// BuiltInSettings configures the local speech engine.
type BuiltInSettings struct {
	Voice     string  `json:"voice" yaml:"voice" toml:"voice"`
	Speed     float64 `json:"speed" yaml:"speed" toml:"speed"`
	Pitch     float64 `json:"pitch" yaml:"pitch" toml:"pitch"`
	Volume    float64 `json:"volume" yaml:"volume" toml:"volume"`
	Streaming bool    `json:"streaming" yaml:"streaming" toml:"streaming"`
}

// Default returns the configuration used when storage is missing or corrupt.
func Default() *TTSConfiguration {
	return &TTSConfiguration{
		Type:            ttypes.TypeExternal,
		TimeoutMs:       DefaultTimeoutMs,
		MaxRetryCount:   DefaultMaxRetryCount,
		RetryDelayMs:    DefaultRetryDelayMs,
		EnableCaching:   false,
		CacheTTLMinutes: DefaultCacheTTL,
		External: &ExternalSettings{
			Backend:    DefaultBackend,
			Parameters: map[string]string{},
		},
		BuiltIn: &BuiltInSettings{
			Speed:  1.0,
			Volume: 1.0,
		},
	}
}

// Clone returns a deep copy of c.
func (c *TTSConfiguration) Clone() *TTSConfiguration {
	if c == nil {
		return nil
	}
	out := *c
	if c.External != nil {
		ext := *c.External
		ext.Parameters = maps.Clone(c.External.Parameters)
		out.External = &ext
	}
	if c.BuiltIn != nil {
		bi := *c.BuiltIn
		out.BuiltIn = &bi
	}
	return &out
}

// normalize fills in empty containers so that a document read back from
// storage compares equal to the one written.
func (c *TTSConfiguration) normalize() {
	if c.External != nil && c.External.Parameters == nil {
		c.External.Parameters = map[string]string{}
	}
}

// Equal reports whether two configurations carry the same values.
func (c *TTSConfiguration) Equal(o *TTSConfiguration) bool {
	return reflect.DeepEqual(c, o)
}

// ActiveSettings returns the nested settings block selected by Type, or
// nil if it is missing.
func (c *TTSConfiguration) ActiveSettings() any {
	switch c.Type {
	case ttypes.TypeExternal:
		if c.External != nil {
			return c.External.Clone()
		}
	case ttypes.TypeBuiltIn:
		if c.BuiltIn != nil {
			b := *c.BuiltIn
			return &b
		}
	}
	return nil
}

// Clone returns a deep copy of s.
func (s *ExternalSettings) Clone() *ExternalSettings {
	if s == nil {
		return nil
	}
	out := *s
	out.Parameters = maps.Clone(s.Parameters)
	return &out
}

// Param returns a backend parameter or def when unset.
func (s *ExternalSettings) Param(key, def string) string {
	if s == nil {
		return def
	}
	if v, ok := s.Parameters[key]; ok && v != "" {
		return v
	}
	return def
}

// ValidationResult holds hard errors and soft warnings. A configuration
// with warnings is still accepted.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Merge folds o into r.
func (r *ValidationResult) Merge(o ValidationResult) {
	r.Errors = append(r.Errors, o.Errors...)
	r.Warnings = append(r.Warnings, o.Warnings...)
	r.Valid = len(r.Errors) == 0
}

// Err returns the hard errors as a single error, or nil.
func (r ValidationResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(r.Errors, "; "))
}

func (r *ValidationResult) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Valid = false
}

func (r *ValidationResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validator is an additional validation rule plugged into a Store.
type Validator func(*TTSConfiguration) ValidationResult

// Validate performs the intrinsic structural and range checks.
func Validate(c *TTSConfiguration) ValidationResult {
	res := ValidationResult{Valid: true}
	if c == nil {
		res.errorf("configuration is nil")
		return res
	}

	switch c.Type {
	case ttypes.TypeExternal:
		if c.External == nil {
			res.errorf("type %q requires external settings", c.Type)
		} else if strings.TrimSpace(c.External.Backend) == "" {
			res.warnf("external backend is empty, requests will fail until one is selected")
		}
	case ttypes.TypeBuiltIn:
		if c.BuiltIn == nil {
			res.errorf("type %q requires builtin settings", c.Type)
		}
	default:
		res.errorf("unknown type %q", c.Type)
	}

	if c.TimeoutMs < 1000 || c.TimeoutMs > 300000 {
		res.warnf("timeout_ms should be between 1000 and 300000, got %d", c.TimeoutMs)
	}
	if c.MaxRetryCount < 0 || c.MaxRetryCount > 10 {
		res.warnf("max_retry_count should be between 0 and 10, got %d", c.MaxRetryCount)
	}
	if c.RetryDelayMs < 0 || c.RetryDelayMs > 60000 {
		res.warnf("retry_delay_ms should be between 0 and 60000, got %d", c.RetryDelayMs)
	}
	if c.EnableCaching && c.CacheTTLMinutes <= 0 {
		res.warnf("cache_ttl_minutes should be positive when caching is enabled, got %d", c.CacheTTLMinutes)
	}

	if b := c.BuiltIn; b != nil {
		if b.Speed < 0.1 || b.Speed > 3.0 {
			res.warnf("builtin speed should be between 0.1 and 3.0, got %.2f", b.Speed)
		}
		if b.Pitch < -1.0 || b.Pitch > 1.0 {
			res.warnf("builtin pitch should be between -1.0 and 1.0, got %.2f", b.Pitch)
		}
		if b.Volume < 0 || b.Volume > 2.0 {
			res.warnf("builtin volume should be between 0.0 and 2.0, got %.2f", b.Volume)
		}
	}

	return res
}
