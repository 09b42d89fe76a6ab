package config

import (
	"fmt"
	"strings"

	"github.com/breeze-rmm/fbcapture/internal/capture/gpu"
	"github.com/breeze-rmm/fbcapture/internal/logging"
)

var log = logging.L("config")

var knownDrivers = map[string]bool{
	"nvfbc": true,
	"sim":   true,
}

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates problems that prevent a capture from starting
// from values that were clamped into range.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

// ValidateTiered checks the config, clamping numeric settings in place.
// Warnings are logged; fatals are left to the caller.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if !knownDrivers[strings.ToLower(c.Driver)] {
		r.Fatals = append(r.Fatals, fmt.Errorf("driver %q is not valid (use nvfbc or sim)", c.Driver))
	}
	if _, err := gpu.ParseResidency(c.Residency); err != nil {
		r.Fatals = append(r.Fatals, fmt.Errorf("residency: %w", err))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Fatals = append(r.Fatals, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}
	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	clamp(&r, "fps", &c.FPS, 1, 240)
	clamp(&r, "grab_timeout_ms", &c.GrabTimeoutMs, 10, 5000)
	clamp(&r, "direct_attempts", &c.DirectAttempts, 1, 10)
	clamp(&r, "max_reinits", &c.MaxReinits, 0, 1000)
	clamp(&r, "sim.outputs", &c.Sim.Outputs, 1, 8)
	clamp(&r, "sim.width", &c.Sim.Width, 16, 8192)
	clamp(&r, "sim.height", &c.Sim.Height, 16, 8192)
	clamp(&r, "sim.not_direct_grabs", &c.Sim.NotDirectGrabs, 0, 1000)

	for _, err := range r.Warnings {
		log.Warn("Config validation", "error", err.Error())
	}
	return r
}

func clamp(r *ValidationResult, key string, v *int, lo, hi int) {
	switch {
	case *v < lo:
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", key, *v, lo))
		*v = lo
	case *v > hi:
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", key, *v, hi))
		*v = hi
	}
}
