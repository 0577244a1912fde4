package reactor

import (
	"log"
	"sync/atomic"
)

// Async is an edge-triggered wake-up handle. Send may be called from any
// goroutine and interrupts a blocking RunOnce on the handle's loop.
type Async struct {
	loop    *Loop
	cb      func()
	pending atomic.Uint32
	closed  atomic.Bool
}

// NewAsync registers a new async handle with the loop. cb runs on the loop's
// driving goroutine during RunOnce; it may be nil when the wake-up itself is
// the event.
func NewAsync(l *Loop, cb func()) (*Async, error) {
	if l.closed.Load() {
		return nil, ErrLoopClosed
	}
	a := &Async{loop: l, cb: cb}
	l.mu.Lock()
	l.asyncs = append(l.asyncs, a)
	l.mu.Unlock()
	return a, nil
}

// Send signals the handle. The signal is edge-triggered: sends that arrive
// before the loop wakes coalesce into at most one callback invocation.
func (a *Async) Send() error {
	if a.closed.Load() {
		return ErrHandleClosed
	}
	if !a.pending.CompareAndSwap(0, 1) {
		return nil
	}
	if err := a.loop.wake(); err != nil {
		a.pending.Store(0)
		return err
	}
	return nil
}

// Close unregisters the handle. Loop goroutine only; pending signals that
// were not yet dispatched are dropped.
func (a *Async) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return ErrHandleClosed
	}
	a.loop.removeAsync(a)
	return nil
}

// safeInvoke runs a handle callback with panic recovery, so a misbehaving
// callback cannot tear down the loop.
func safeInvoke(fn func()) {
	if fn == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: reactor: handle callback panicked: %v", r)
		}
	}()

	fn()
}
