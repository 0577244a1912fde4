package pump

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/petermattis/goid"

	"github.com/lauer3912/uvpump/reactor"
)

// Standard errors.
var (
	// ErrQuitOutsideRun is returned when Run is entered while the pump's
	// keep-running flag is already false, i.e. Quit was called outside of
	// any active Run. This is API misuse, not a recoverable condition.
	ErrQuitOutsideRun = errors.New("pump: Quit was called outside of Run")

	// ErrPumpClosed is returned when Run is called on a closed pump.
	ErrPumpClosed = errors.New("pump: pump is closed")
)

// MessagePump alternates between delegate callbacks, reactor polling, and
// scripting-runtime microtask flushes. Create one with New, drive it with
// Run, and release its root wake-up handle with Close.
type MessagePump struct {
	// Prevent copying
	_ [0]func()

	// loop is the nesting-level-1 reactor loop. Borrowed from the caller;
	// never closed by the pump. Deeper nesting levels create and own their
	// own loops for the duration of the nested Run.
	loop *reactor.Loop

	runtime ScriptRuntime
	logger  *logiface.Logger[logiface.Event]

	// rootWakeup is the one native resource the pump owns; created at
	// construction, destroyed exactly once by Close.
	rootWakeup *reactor.Async

	// activeWakeup is the ScheduleWork target at the current nesting depth.
	// Foreign goroutines may observe a stale-but-valid handle during a
	// nesting transition; handles are closed only after the corresponding
	// Run has unwound, so a late Send degrades to a harmless error.
	activeWakeup atomic.Pointer[reactor.Async]

	// keepRunning is true while a Run invocation should keep looping. Quit
	// stores false; Run resets it to true on exit so a subsequent Run is
	// always valid.
	keepRunning atomic.Bool

	// runGoroutine is the goid of the goroutine inside the outermost Run,
	// or 0 when no Run is active.
	runGoroutine atomic.Int64

	// nestingLevel and delayedWorkTime belong to the pump goroutine.
	nestingLevel    int
	delayedWorkTime time.Time

	closed atomic.Bool
}

// Option configures a MessagePump.
type Option func(*MessagePump)

// WithScriptRuntime attaches the scripting runtime whose pending microtasks
// the pump flushes after each unit of delegate work. Optional; without it
// no flushing occurs.
func WithScriptRuntime(rt ScriptRuntime) Option {
	return func(p *MessagePump) {
		p.runtime = rt
	}
}

// WithLogger attaches a structured logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(p *MessagePump) {
		p.logger = logger
	}
}

// New creates a pump bound to the given reactor loop, which serves nesting
// level 1 and stays owned by the caller. Creation allocates the pump's root
// wake-up handle on that loop.
func New(loop *reactor.Loop, opts ...Option) (*MessagePump, error) {
	p := &MessagePump{loop: loop}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	wakeup, err := reactor.NewAsync(loop, nil)
	if err != nil {
		return nil, fmt.Errorf("pump: creating root wake-up handle: %w", err)
	}
	p.rootWakeup = wakeup
	p.activeWakeup.Store(wakeup)
	p.keepRunning.Store(true)
	return p, nil
}

// Run loops over the delegate in strict priority order (immediate work,
// then delayed, then idle), blocking on the reactor when none is pending,
// until Quit is observed. It occupies the calling goroutine and may be
// re-entered from within a delegate callback; each nested invocation runs
// on a fresh reactor loop with its own wake-up handle.
//
// Run returns ErrQuitOutsideRun if Quit was called while no Run was active,
// and propagates reactor failures (nested loop allocation, polling) as-is.
// After a normal return the pump is immediately runnable again.
func (p *MessagePump) Run(d Delegate) error {
	if p.closed.Load() {
		return ErrPumpClosed
	}

	p.nestingLevel++
	defer func() { p.nestingLevel-- }()

	if !p.keepRunning.Load() {
		return ErrQuitOutsideRun
	}

	if p.nestingLevel == 1 {
		p.runGoroutine.Store(goid.Get())
		defer p.runGoroutine.Store(0)
	}

	p.logger.Trace().Int("nesting", p.nestingLevel).Log("run loop entered")
	defer func() {
		p.logger.Trace().Int("nesting", p.nestingLevel).Log("run loop exited")
	}()

	// Nested runs poll a private loop so outer-loop events stay paused
	// until this level unwinds.
	loop := p.loop
	if p.nestingLevel > 1 {
		nested, err := reactor.NewLoop()
		if err != nil {
			return fmt.Errorf("pump: creating nested reactor loop: %w", err)
		}
		wakeup, err := reactor.NewAsync(nested, nil)
		if err != nil {
			_ = nested.Close()
			return fmt.Errorf("pump: creating nested wake-up handle: %w", err)
		}
		prev := p.activeWakeup.Swap(wakeup)
		defer func() {
			// Restore the outer handle before destroying the nested pair,
			// so foreign ScheduleWork calls never target a dead handle.
			p.activeWakeup.Store(prev)
			_ = wakeup.Close()
			_ = nested.Close()
		}()
		loop = nested
	}

	delayTimer, err := reactor.NewTimer(loop)
	if err != nil {
		return fmt.Errorf("pump: creating delay timer: %w", err)
	}
	defer func() { _ = delayTimer.Close() }()

	for {
		if d.DoWork() {
			if !p.keepRunning.Load() {
				break
			}
			p.flushMicrotasks()
			continue
		}
		if !p.keepRunning.Load() {
			break
		}

		if d.DoDelayedWork(&p.delayedWorkTime) {
			if !p.keepRunning.Load() {
				break
			}
			p.flushMicrotasks()
			continue
		}
		if !p.keepRunning.Load() {
			break
		}

		if d.DoIdleWork() {
			if !p.keepRunning.Load() {
				break
			}
			p.flushMicrotasks()
			continue
		}
		if !p.keepRunning.Load() {
			break
		}

		// No work anywhere: block until the reactor reports an event or the
		// delayed-work deadline comes due.
		if p.delayedWorkTime.IsZero() {
			if err := loop.RunOnce(); err != nil {
				return err
			}
		} else if delay := time.Until(p.delayedWorkTime); delay > 0 {
			// The wake itself is the event; the timer callback has nothing
			// left to do.
			if err := delayTimer.Start(delay, nil); err != nil {
				return err
			}
			err := loop.RunOnce()
			_ = delayTimer.Stop()
			if err != nil {
				return err
			}
		} else {
			// The deadline is already in the past. Clear it so the next
			// iteration picks it up as immediate delayed work instead of
			// arming a zero-length timer.
			p.delayedWorkTime = time.Time{}
		}
	}

	p.keepRunning.Store(true)
	return nil
}

// Quit ends the innermost active Run. It does not cancel pending delayed
// work; the recorded deadline simply becomes irrelevant until the next Run.
// Safe from any goroutine, but a foreign-goroutine Quit must be followed by
// ScheduleWork, or a pump blocked on the reactor will not observe it.
func (p *MessagePump) Quit() {
	p.keepRunning.Store(false)
}

// ScheduleWork signals the active wake-up handle so a blocked Run re-polls
// the delegate. Safe from any goroutine; calls made before the pump wakes
// coalesce into a single wake-up.
func (p *MessagePump) ScheduleWork() {
	wakeup := p.activeWakeup.Load()
	if wakeup == nil {
		return
	}
	if err := wakeup.Send(); err != nil {
		// A send racing a nested-run teardown or Close targets a handle
		// that is already gone; the outer loop re-polls on its own.
		p.logger.Debug().Err(err).Log("schedule work signal dropped")
	}
}

// ScheduleDelayedWork records when the delegate should next be asked for
// delayed work. Pump goroutine only: the deadline takes effect on the next
// blocking step, with no wake-up needed, precisely because the caller is
// already on that goroutine. Calling it from any other goroutine while the
// pump runs panics.
func (p *MessagePump) ScheduleDelayedWork(t time.Time) {
	if gid := p.runGoroutine.Load(); gid != 0 && gid != goid.Get() {
		panic("pump: ScheduleDelayedWork called from a goroutine other than the one running Run")
	}
	p.delayedWorkTime = t
}

// NestingLevel reports the current depth of re-entrant Run calls. Only
// meaningful on the pump goroutine.
func (p *MessagePump) NestingLevel() int {
	return p.nestingLevel
}

// Close destroys the pump's root wake-up handle. Must be called on the
// owning goroutine, after Run has returned; the borrowed reactor loop is
// left untouched.
func (p *MessagePump) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrPumpClosed
	}
	return p.rootWakeup.Close()
}

func (p *MessagePump) flushMicrotasks() {
	if p.runtime != nil && p.runtime.HasActiveContext() {
		p.runtime.FlushPendingMicrotasks()
	}
}
