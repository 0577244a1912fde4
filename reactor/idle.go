package reactor

import "sync/atomic"

// Idle is an idle handle. While started, the loop's RunOnce polls without
// blocking and invokes the callback once per pass, after timers.
type Idle struct {
	loop   *Loop
	cb     func()
	active bool
	closed atomic.Bool
}

// NewIdle registers a new, stopped idle handle with the loop.
func NewIdle(l *Loop) (*Idle, error) {
	if l.closed.Load() {
		return nil, ErrLoopClosed
	}
	h := &Idle{loop: l}
	l.mu.Lock()
	l.idles = append(l.idles, h)
	l.mu.Unlock()
	return h, nil
}

// Start activates the handle with the given callback. Loop goroutine only.
func (h *Idle) Start(cb func()) error {
	if h.closed.Load() {
		return ErrHandleClosed
	}
	h.loop.mu.Lock()
	h.cb = cb
	h.active = true
	h.loop.mu.Unlock()
	return nil
}

// Stop deactivates the handle. Loop goroutine only.
func (h *Idle) Stop() error {
	if h.closed.Load() {
		return ErrHandleClosed
	}
	h.loop.mu.Lock()
	h.active = false
	h.loop.mu.Unlock()
	return nil
}

// Close deactivates and unregisters the handle. Loop goroutine only.
func (h *Idle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return ErrHandleClosed
	}
	h.loop.removeIdle(h)
	return nil
}
