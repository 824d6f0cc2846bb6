package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRestart ends a session that should be started again at once.
var ErrRestart = errors.New("supervisor: restart requested")

// RequestRestart returns an ErrRestart carrying reason.
func RequestRestart(reason string) error {
	return fmt.Errorf("%w: %s", ErrRestart, reason)
}

// Status represents the current state of the supervised session.
type Status string

const (
	StatusStopped    Status = "stopped"
	StatusRunning    Status = "running"
	StatusRestarting Status = "restarting"
	StatusFailed     Status = "failed"
)

// Config holds configuration for a Supervisor.
type Config struct {
	// Name is a human-readable identifier for logging.
	Name string

	// RestartDelay is the wait before the first restart after a failure.
	RestartDelay time.Duration

	// MaxRestartDelay caps the doubling backoff.
	MaxRestartDelay time.Duration

	// StableThreshold is how long a session must run before the failure
	// count and backoff reset.
	StableThreshold time.Duration

	// MaxRestartAttempts limits consecutive failed restarts. 0 means unlimited.
	MaxRestartAttempts int

	// OnRestart is called before each restart with the reason.
	OnRestart func(attempt int, reason error)
}

// Session is one run of the device session.
type Session func(ctx context.Context) error

// Logger defines the logging interface for the supervisor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Supervisor runs a Session and restarts it.
type Supervisor struct {
	config Config
	logger Logger

	mu           sync.RWMutex
	status       Status
	restartCount int
	failures     int
	lastError    error
	startTime    time.Time
}

// New creates a supervisor with the given configuration.
func New(cfg Config) *Supervisor {
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = 5 * time.Second
	}
	if cfg.MaxRestartDelay == 0 {
		cfg.MaxRestartDelay = 5 * time.Minute
	}
	if cfg.StableThreshold == 0 {
		cfg.StableThreshold = 2 * time.Minute
	}

	return &Supervisor{
		config: cfg,
		logger: noopLogger{},
		status: StatusStopped,
	}
}

// SetLogger sets the logger for the supervisor.
func (s *Supervisor) SetLogger(logger Logger) {
	s.logger = logger
}

// Run runs session until ctx ends, the session returns nil, or failed
// restarts exceed MaxRestartAttempts.
func (s *Supervisor) Run(ctx context.Context, session Session) error {
	delay := s.config.RestartDelay

	for {
		started := time.Now()
		s.mu.Lock()
		s.status = StatusRunning
		s.startTime = started
		s.mu.Unlock()

		s.logger.Info("session starting", "name", s.config.Name)
		err := session(ctx)
		ran := time.Since(started)

		if ctx.Err() != nil || err == nil {
			s.setStatus(StatusStopped)
			s.logger.Info("session stopped", "name", s.config.Name)
			return nil
		}

		s.mu.Lock()
		s.lastError = err
		s.restartCount++
		attempt := s.restartCount
		s.mu.Unlock()

		wait := time.Duration(0)
		if errors.Is(err, ErrRestart) {
			s.logger.Info("session restart requested", "name", s.config.Name, "reason", err)
		} else {
			if ran >= s.config.StableThreshold {
				s.resetFailures()
				delay = s.config.RestartDelay
			}

			s.mu.Lock()
			s.failures++
			failures := s.failures
			s.status = StatusFailed
			s.mu.Unlock()

			s.logger.Warn("session failed", "name", s.config.Name, "error", err, "ran", ran)

			if s.config.MaxRestartAttempts > 0 && failures > s.config.MaxRestartAttempts {
				s.logger.Error("max restart attempts reached",
					"name", s.config.Name,
					"attempts", failures,
				)
				return fmt.Errorf("%s: giving up after %d failed restarts: %w", s.config.Name, failures-1, err)
			}

			wait = delay
			delay *= 2
			if delay > s.config.MaxRestartDelay {
				delay = s.config.MaxRestartDelay
			}
		}

		s.setStatus(StatusRestarting)
		if s.config.OnRestart != nil {
			s.config.OnRestart(attempt, err)
		}

		if wait > 0 {
			s.logger.Info("restarting session", "name", s.config.Name, "attempt", attempt, "delay", wait)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				s.setStatus(StatusStopped)
				s.logger.Info("context cancelled, not restarting", "name", s.config.Name)
				return nil
			case <-timer.C:
			}
		}
	}
}

func (s *Supervisor) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Supervisor) resetFailures() {
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
}

// Status returns the current status.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// RestartCount returns how many times the session has been restarted.
func (s *Supervisor) RestartCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restartCount
}

// LastError returns the error that ended the most recent session.
func (s *Supervisor) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// Uptime returns how long the current session has been running.
func (s *Supervisor) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusRunning {
		return 0
	}
	return time.Since(s.startTime)
}
