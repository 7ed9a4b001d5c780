package session

import (
	"sync"
	"time"
)

// SessionDuration is the fixed length of a session window.
const SessionDuration = 8 * time.Hour

// SessionTimer tracks the wall-clock session window. It is armed only by a
// successful login or restore.
type SessionTimer struct {
	mu        sync.RWMutex
	duration  time.Duration
	startedAt time.Time
	running   bool
}

// NewSessionTimer creates a stopped timer. A non-positive duration selects
// SessionDuration.
func NewSessionTimer(duration time.Duration) *SessionTimer {
	if duration <= 0 {
		duration = SessionDuration
	}
	return &SessionTimer{duration: duration}
}

// Start arms the timer from startedAt.
func (t *SessionTimer) Start(startedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startedAt = startedAt
	t.running = true
}

// Stop disarms the timer.
func (t *SessionTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startedAt = time.Time{}
	t.running = false
}

// StartedAt returns the start of the window and whether the timer is armed.
func (t *SessionTimer) StartedAt() (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.startedAt, t.running
}

// Duration returns the window length.
func (t *SessionTimer) Duration() time.Duration {
	return t.duration
}

// Remaining returns the time left in the window at now, never negative. A
// stopped timer has no time left.
func (t *SessionTimer) Remaining(now time.Time) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.running {
		return 0
	}
	left := t.startedAt.Add(t.duration).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Expired reports whether an armed timer has run out at now.
func (t *SessionTimer) Expired(now time.Time) bool {
	t.mu.RLock()
	running := t.running
	t.mu.RUnlock()
	return running && t.Remaining(now) <= 0
}

// ExpiresAt returns the end of the window, zero when stopped.
func (t *SessionTimer) ExpiresAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.running {
		return time.Time{}
	}
	return t.startedAt.Add(t.duration)
}
