package registry

import (
	"errors"
	"time"
)

// Errors
var (
	ErrShutdown = errors.New("registry shut down")
)

// Config configures the Registry.
type Config struct {
	Path          string        // Upgrade path (e.g., /ws)
	HealthPath    string        // Diagnostic path; upgrades and closes immediately
	SweepInterval time.Duration // Interval between liveness sweeps
	WriteTimeout  time.Duration // Write deadline for sends and control frames
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Path:          "/ws",
		HealthPath:    "/ws/health",
		SweepInterval: 30 * time.Second,
		WriteTimeout:  5 * time.Second,
	}
}
