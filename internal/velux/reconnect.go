package velux

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

// ErrMaxReconnectAttempts is returned when the attempt budget is used up.
var ErrMaxReconnectAttempts = errors.New("velux: maximum reconnection attempts reached")

// ReconnectConfig holds the session reconnect backoff.
type ReconnectConfig struct {
	// InitialDelay is the wait before the first attempt.
	InitialDelay time.Duration
	// MaxDelay caps the wait between attempts.
	MaxDelay time.Duration
	// BackoffFactor multiplies the wait after each attempt.
	BackoffFactor float64
	// MaxAttempts bounds consecutive failed attempts (0 = unlimited).
	MaxAttempts int
}

// DefaultReconnectConfig returns the default backoff: 5s doubling up to 5m.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay:  5 * time.Second,
		MaxDelay:      5 * time.Minute,
		BackoffFactor: 2.0,
	}
}

// ReconnectManager paces reconnect attempts with exponential backoff.
type ReconnectManager struct {
	config      ReconnectConfig
	mu          sync.Mutex
	attempts    int
	currentWait time.Duration
	timer       *time.Timer
	cancelWait  context.CancelFunc
}

// NewReconnectManager creates a ReconnectManager.
func NewReconnectManager(config ReconnectConfig) *ReconnectManager {
	if config.BackoffFactor < 1 {
		config.BackoffFactor = 1
	}
	if config.MaxDelay < config.InitialDelay {
		config.MaxDelay = config.InitialDelay
	}
	return &ReconnectManager{
		config:      config,
		currentWait: config.InitialDelay,
	}
}

// Reset restores the initial delay. Call after a successful connection.
func (r *ReconnectManager) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = 0
	r.currentWait = r.config.InitialDelay
	r.stopLocked()
}

// Stop aborts a pending wait.
func (r *ReconnectManager) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *ReconnectManager) stopLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.cancelWait != nil {
		r.cancelWait()
		r.cancelWait = nil
	}
}

// ShouldReconnect reports whether the attempt budget allows another attempt.
func (r *ReconnectManager) ShouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config.MaxAttempts == 0 || r.attempts < r.config.MaxAttempts
}

// Attempts returns the number of attempts since the last Reset.
func (r *ReconnectManager) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// CurrentDelay returns the wait before the next attempt.
func (r *ReconnectManager) CurrentDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentWait
}

// Wait blocks for the current backoff delay and advances it. It returns the
// context error if ctx ends or Stop is called first, and
// ErrMaxReconnectAttempts once the budget is used up.
func (r *ReconnectManager) Wait(ctx context.Context) error {
	r.mu.Lock()
	if r.config.MaxAttempts > 0 && r.attempts >= r.config.MaxAttempts {
		r.mu.Unlock()
		return ErrMaxReconnectAttempts
	}

	r.attempts++
	wait := r.currentWait
	next := time.Duration(float64(r.currentWait) * r.config.BackoffFactor)
	if next > r.config.MaxDelay {
		next = r.config.MaxDelay
	}
	r.currentWait = next

	r.stopLocked()
	waitCtx, cancel := context.WithCancel(ctx)
	timer := time.NewTimer(wait)
	r.cancelWait = cancel
	r.timer = timer
	r.mu.Unlock()

	defer cancel()
	select {
	case <-timer.C:
		return nil
	case <-waitCtx.Done():
		timer.Stop()
		return waitCtx.Err()
	}
}

// CalculateBackoff returns the delay before attempt n (1-based) without
// touching any manager state.
func CalculateBackoff(attempt int, config ReconnectConfig) time.Duration {
	if attempt <= 1 {
		return config.InitialDelay
	}
	delay := float64(config.InitialDelay) * math.Pow(config.BackoffFactor, float64(attempt-1))
	if delay > float64(config.MaxDelay) {
		return config.MaxDelay
	}
	return time.Duration(delay)
}
