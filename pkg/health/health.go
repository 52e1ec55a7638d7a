package health

import (
	"context"
	"strings"
	"time"
)

// Result represents the outcome of a single probe
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes one external endpoint
type Checker interface {
	Check(ctx context.Context) Result
}

// Config contains common probing configuration
type Config struct {
	// Timeout is the maximum time to wait for a probe to complete
	Timeout time.Duration

	// Retries is the number of consecutive failures before marking unhealthy
	Retries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Timeout: 10 * time.Second,
		Retries: 3,
	}
}

// Status tracks probe history for one dependency
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastResult           Result
	Healthy              bool
}

// NewStatus creates a Status that assumes health until proven otherwise
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update folds a new probe result into the status
func (s *Status) Update(result Result, config Config) {
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= config.Retries {
		s.Healthy = false
	}
}

// SplitEndpoints parses a comma separated bootstrap endpoint list
func SplitEndpoints(endpoints string) []string {
	var out []string
	for _, endpoint := range strings.Split(endpoints, ",") {
		endpoint = strings.TrimSpace(endpoint)
		if endpoint != "" {
			out = append(out, endpoint)
		}
	}
	return out
}
