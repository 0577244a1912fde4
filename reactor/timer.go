package reactor

import (
	"sync/atomic"
	"time"
)

// Timer is a one-shot timer handle. An armed timer bounds how long the
// loop's RunOnce blocks; a due timer (zero or negative delay included) fires
// on the very next pass.
type Timer struct {
	loop   *Loop
	cb     func()
	when   time.Time
	active bool
	closed atomic.Bool
}

// NewTimer registers a new, unarmed timer with the loop.
func NewTimer(l *Loop) (*Timer, error) {
	if l.closed.Load() {
		return nil, ErrLoopClosed
	}
	t := &Timer{loop: l}
	l.mu.Lock()
	l.timers = append(l.timers, t)
	l.mu.Unlock()
	return t, nil
}

// Start arms the timer to fire cb after delay. Re-arming an armed timer
// replaces its deadline and callback. Loop goroutine only.
func (t *Timer) Start(delay time.Duration, cb func()) error {
	if t.closed.Load() {
		return ErrHandleClosed
	}
	if delay < 0 {
		delay = 0
	}
	t.loop.mu.Lock()
	t.cb = cb
	t.when = time.Now().Add(delay)
	t.active = true
	t.loop.mu.Unlock()
	return nil
}

// Stop disarms the timer. Stopping an unarmed timer is a no-op. Loop
// goroutine only.
func (t *Timer) Stop() error {
	if t.closed.Load() {
		return ErrHandleClosed
	}
	t.loop.mu.Lock()
	t.active = false
	t.loop.mu.Unlock()
	return nil
}

// Close disarms and unregisters the timer. Loop goroutine only.
func (t *Timer) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return ErrHandleClosed
	}
	t.loop.removeTimer(t)
	return nil
}
