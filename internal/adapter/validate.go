package adapter

import (
	"strings"

	"github.com/dgnsrekt/ttsdispatch/internal/backends"
	"github.com/dgnsrekt/ttsdispatch/internal/config"
)

// BackendValidator returns a config.Validator that warns about backend keys
// the registry cannot build, so a typo surfaces when the configuration is
// saved instead of on the first request.
func BackendValidator(r *backends.Registry[backends.Backend]) config.Validator {
	if r == nil {
		r = backends.Default
	}
	return func(c *config.TTSConfiguration) config.ValidationResult {
		res := config.ValidationResult{Valid: true}
		if c.External == nil || strings.TrimSpace(c.External.Backend) == "" {
			return res
		}
		if !r.Has(c.External.Backend) {
			msg := "unknown external backend " + c.External.Backend
			if s := r.Suggest(c.External.Backend); len(s) > 0 {
				msg += " (did you mean " + s[0] + "?)"
			}
			res.Warnings = append(res.Warnings, msg)
		}
		return res
	}
}
