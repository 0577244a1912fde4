package reactor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// Standard errors.
var (
	// ErrLoopClosed is returned when operations are attempted on a closed loop.
	ErrLoopClosed = errors.New("reactor: loop is closed")

	// ErrHandleClosed is returned when operations are attempted on a closed handle.
	ErrHandleClosed = errors.New("reactor: handle is closed")
)

var loopIDCounter atomic.Uint64

// Loop is a minimal event reactor. It owns one wake descriptor and a set of
// registered handles, and dispatches their callbacks from RunOnce.
type Loop struct {
	// Prevent copying
	_ [0]func()

	logger *logiface.Logger[logiface.Event]

	// Wake-up mechanism
	wakeReadFd  int
	wakeWriteFd int
	wakeBuf     [8]byte
	wakePending atomic.Uint32

	// Handle registry. Mutated only on the driving goroutine, but Send-side
	// snapshots happen concurrently, hence the mutex.
	mu     sync.Mutex
	asyncs []*Async
	idles  []*Idle
	timers []*Timer

	closed atomic.Bool

	id uint64
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithLogger attaches a structured logger to the loop. A nil logger
// disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return func(l *Loop) {
		l.logger = logger
	}
}

// NewLoop creates a loop and its wake descriptor.
//
// The caller owns the loop and must release the descriptor with Close, on
// the loop's driving goroutine, once no foreign goroutine can still Send to
// a handle bound to it.
func NewLoop(opts ...LoopOption) (*Loop, error) {
	wakeFd, wakeWriteFd, err := createWakeFd(0, wakeCloexec|wakeNonblock)
	if err != nil {
		return nil, fmt.Errorf("reactor: creating wake descriptor: %w", err)
	}

	l := &Loop{
		id:          loopIDCounter.Add(1),
		wakeReadFd:  wakeFd,
		wakeWriteFd: wakeWriteFd,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}

	l.logger.Trace().Int("loop", int(l.id)).Log("reactor loop created")
	return l, nil
}

// Close releases the wake descriptor. Live handles bound to the loop become
// inert; Send on them reports ErrLoopClosed.
func (l *Loop) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return ErrLoopClosed
	}
	l.logger.Trace().Int("loop", int(l.id)).Log("reactor loop closed")
	_ = unix.Close(l.wakeReadFd)
	if l.wakeWriteFd != l.wakeReadFd {
		_ = unix.Close(l.wakeWriteFd)
	}
	return nil
}

// RunOnce blocks until at least one event occurs (an async signal, a due
// timer, or immediately when an idle handle is active), then dispatches the
// corresponding callbacks and returns.
func (l *Loop) RunOnce() error {
	if l.closed.Load() {
		return ErrLoopClosed
	}

	timeout := l.pollTimeout()
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(time.Duration(timeout) * time.Millisecond)
	}

	for {
		fds := []unix.PollFd{{Fd: int32(l.wakeReadFd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, timeout)
		if err == unix.EINTR {
			if timeout > 0 {
				remaining := time.Until(deadline)
				if remaining <= 0 {
					break
				}
				timeout = int((remaining + time.Millisecond - 1) / time.Millisecond)
			}
			continue
		}
		if err != nil {
			l.logger.Err().Int("loop", int(l.id)).Err(err).Log("poll failed")
			return fmt.Errorf("reactor: poll failed: %w", err)
		}
		if n > 0 && fds[0].Revents&unix.POLLIN != 0 {
			l.drainWake()
		}
		break
	}

	l.dispatchAsyncs()
	l.runDueTimers()
	l.runIdles()
	return nil
}

// pollTimeout determines how long RunOnce may block, in milliseconds.
// -1 means block indefinitely.
func (l *Loop) pollTimeout() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, idle := range l.idles {
		if idle.active {
			return 0
		}
	}

	timeout := -1
	now := time.Now()
	for _, t := range l.timers {
		if !t.active {
			continue
		}
		delay := t.when.Sub(now)
		if delay <= 0 {
			return 0
		}
		// Ceiling rounding, so the poll never wakes before the deadline.
		ms := int((delay + time.Millisecond - 1) / time.Millisecond)
		if timeout < 0 || ms < timeout {
			timeout = ms
		}
	}
	return timeout
}

// wake writes to the wake descriptor, coalescing concurrent writers.
// Safe to call from any goroutine.
func (l *Loop) wake() error {
	if l.closed.Load() {
		return ErrLoopClosed
	}
	if !l.wakePending.CompareAndSwap(0, 1) {
		// A write is already in flight; the descriptor is readable and the
		// next poll returns without blocking.
		return nil
	}

	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	if _, err := unix.Write(l.wakeWriteFd, buf); err != nil {
		// Expected when a late Send races Close (EBADF, EPIPE). Reset so a
		// retry against a live loop can write again.
		l.wakePending.Store(0)
		return fmt.Errorf("reactor: wake write failed: %w", err)
	}
	return nil
}

// drainWake empties the wake descriptor and re-arms write coalescing.
func (l *Loop) drainWake() {
	for {
		if _, err := unix.Read(l.wakeReadFd, l.wakeBuf[:]); err != nil {
			break
		}
	}
	l.wakePending.Store(0)
}

// dispatchAsyncs invokes the callback of every async handle signalled since
// the last pass.
func (l *Loop) dispatchAsyncs() {
	l.mu.Lock()
	signalled := make([]*Async, 0, len(l.asyncs))
	for _, a := range l.asyncs {
		if a.pending.CompareAndSwap(1, 0) {
			signalled = append(signalled, a)
		}
	}
	l.mu.Unlock()

	for _, a := range signalled {
		safeInvoke(a.cb)
	}
}

// runDueTimers fires every armed timer whose deadline has passed. Timers are
// one-shot: each is disarmed before its callback runs.
func (l *Loop) runDueTimers() {
	now := time.Now()

	l.mu.Lock()
	due := make([]*Timer, 0, len(l.timers))
	for _, t := range l.timers {
		if t.active && !t.when.After(now) {
			t.active = false
			due = append(due, t)
		}
	}
	l.mu.Unlock()

	for _, t := range due {
		safeInvoke(t.cb)
	}
}

// runIdles fires every started idle handle once.
func (l *Loop) runIdles() {
	l.mu.Lock()
	active := make([]*Idle, 0, len(l.idles))
	for _, idle := range l.idles {
		if idle.active {
			active = append(active, idle)
		}
	}
	l.mu.Unlock()

	for _, idle := range active {
		safeInvoke(idle.cb)
	}
}

func (l *Loop) removeAsync(a *Async) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, v := range l.asyncs {
		if v == a {
			l.asyncs = append(l.asyncs[:i], l.asyncs[i+1:]...)
			return
		}
	}
}

func (l *Loop) removeIdle(h *Idle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, v := range l.idles {
		if v == h {
			l.idles = append(l.idles[:i], l.idles[i+1:]...)
			return
		}
	}
}

func (l *Loop) removeTimer(t *Timer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, v := range l.timers {
		if v == t {
			l.timers = append(l.timers[:i], l.timers[i+1:]...)
			return
		}
	}
}
