package health

import (
	"context"
	"time"
)

// Result is the outcome of one probe
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes a host through one of its paths
type Checker interface {
	Check(ctx context.Context) Result
}

// Config controls probing
type Config struct {
	Interval time.Duration
	Timeout  time.Duration

	// Retries is the number of consecutive failed probes that take an
	// online host down
	Retries int

	// Successes is the number of consecutive good probes that bring a down
	// host back
	Successes int
}

// DefaultConfig returns the probe defaults
func DefaultConfig() Config {
	return Config{
		Interval:  10 * time.Second,
		Timeout:   5 * time.Second,
		Retries:   3,
		Successes: 2,
	}
}

// Status is the probe history of one host. A host starts out healthy.
type Status struct {
	Healthy   bool
	Failures  int
	Successes int
	Last      Result
}

func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update folds r into the status and reports whether Healthy flipped
func (s *Status) Update(r Result, cfg Config) bool {
	was := s.Healthy
	s.Last = r

	if r.Healthy {
		s.Successes++
		s.Failures = 0
		if s.Successes >= cfg.Successes {
			s.Healthy = true
		}
	} else {
		s.Failures++
		s.Successes = 0
		if s.Failures >= cfg.Retries {
			s.Healthy = false
		}
	}
	return s.Healthy != was
}
