// Package connwatch tracks reconnect attempts for services that are
// driven from the cooperative poll loop (the MQTT broker, the release
// server). A Schedule never sleeps or spawns goroutines: the caller asks
// Due(now) on every poll and reports the outcome of each attempt.
//
// The default schedule is a fixed cooldown window. A Multiplier above 1
// grows the window after each failure up to MaxDelay; the window is never
// shorter than Interval, so "no attempt within the cooldown" holds either
// way.
package connwatch

import (
	"log/slog"
	"sync"
	"time"
)

// BackoffConfig controls the spacing between attempts.
type BackoffConfig struct {
	// Interval is the minimum time between two attempts (default: 5s).
	Interval time.Duration

	// Multiplier scales the window after each failed attempt
	// (default: 1, a fixed cooldown).
	Multiplier float64

	// MaxDelay caps window growth (default: Interval).
	MaxDelay time.Duration
}

// DefaultBackoffConfig returns a fixed five-second cooldown.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Interval:   5 * time.Second,
		Multiplier: 1,
		MaxDelay:   5 * time.Second,
	}
}

// ServiceStatus is the health status of a tracked service, suitable for
// JSON serialization in /api/info.
type ServiceStatus struct {
	Name        string    `json:"name"`
	Ready       bool      `json:"ready"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt"`
	LastError   string    `json:"last_error,omitempty"`
}

// Schedule gates reconnect attempts for one service. Methods are safe
// for concurrent use so that Status may be read from HTTP handlers while
// the poll loop drives the schedule.
type Schedule struct {
	name   string
	cfg    BackoffConfig
	logger *slog.Logger

	mu          sync.Mutex
	window      time.Duration
	lastAttempt time.Time
	gated       bool
	inFlight    bool
	ready       bool
	attempts    int
	lastErr     error
}

// NewSchedule returns a schedule with no attempt yet made; the first
// Due call returns true. Zero-value config fields take defaults.
//
// Panics if name is empty.
func NewSchedule(name string, cfg BackoffConfig, logger *slog.Logger) *Schedule {
	if name == "" {
		panic("connwatch: schedule name must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultBackoffConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.MaxDelay < cfg.Interval {
		cfg.MaxDelay = cfg.Interval
	}
	return &Schedule{
		name:   name,
		cfg:    cfg,
		logger: logger,
		window: cfg.Interval,
	}
}

// Name returns the service name.
func (s *Schedule) Name() string {
	return s.name
}

// Due reports whether an attempt may start at now: no attempt is in
// flight, the service is not ready, and the cooldown window since the
// last attempt (or drop) has elapsed.
func (s *Schedule) Due(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight || s.ready {
		return false
	}
	return !s.gated || now.Sub(s.lastAttempt) >= s.window
}

// Begin records the start of an attempt at now.
func (s *Schedule) Begin(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = true
	s.gated = true
	s.lastAttempt = now
	s.attempts++
	s.logger.Debug("connection attempt",
		"service", s.name,
		"attempt", s.attempts,
	)
}

// Succeeded marks the in-flight attempt as successful and resets the
// window.
func (s *Schedule) Succeeded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false
	s.ready = true
	s.lastErr = nil
	s.window = s.cfg.Interval
	s.logger.Info("service connected",
		"service", s.name,
		"after_attempts", s.attempts,
	)
	s.attempts = 0
}

// Failed marks the in-flight attempt as failed. The next attempt is
// allowed once the (possibly grown) window has passed since Begin.
func (s *Schedule) Failed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false
	s.ready = false
	s.lastErr = err
	s.logger.Info("connection attempt failed",
		"service", s.name,
		"attempt", s.attempts,
		"next_delay", s.window.String(),
		"error", err,
	)
	s.window = time.Duration(float64(s.window) * s.cfg.Multiplier)
	if s.window > s.cfg.MaxDelay {
		s.window = s.cfg.MaxDelay
	}
}

// Dropped marks an established connection as lost at now. The cooldown
// window restarts at now, so no attempt is due for a full window.
func (s *Schedule) Dropped(now time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return
	}
	s.ready = false
	s.gated = true
	s.lastAttempt = now
	s.lastErr = err
	s.window = s.cfg.Interval
	s.logger.Info("service became unreachable",
		"service", s.name,
		"error", err,
	)
}

// IsReady reports whether the service is currently connected.
func (s *Schedule) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Status returns the current health status.
func (s *Schedule) Status() ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := ServiceStatus{
		Name:        s.name,
		Ready:       s.ready,
		Attempts:    s.attempts,
		LastAttempt: s.lastAttempt,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Manager collects schedules so their status can be reported together.
type Manager struct {
	mu        sync.RWMutex
	schedules map[string]*Schedule
	logger    *slog.Logger
}

// NewManager creates a schedule manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		schedules: make(map[string]*Schedule),
		logger:    logger,
	}
}

// Track creates and registers a schedule. Registering a name twice
// replaces the earlier schedule.
func (m *Manager) Track(name string, cfg BackoffConfig) *Schedule {
	s := NewSchedule(name, cfg, m.logger)
	m.mu.Lock()
	m.schedules[name] = s
	m.mu.Unlock()
	return s
}

// Status returns the health status of all tracked services.
func (m *Manager) Status() map[string]ServiceStatus {
	if m == nil {
		return map[string]ServiceStatus{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.schedules))
	for name, s := range m.schedules {
		status[name] = s.Status()
	}
	return status
}
