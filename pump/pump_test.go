package pump_test

import (
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/require"

	"github.com/lauer3912/uvpump/pump"
	"github.com/lauer3912/uvpump/reactor"
)

// funcDelegate scripts delegate behavior per test. Nil callbacks report no
// work.
type funcDelegate struct {
	work    func() bool
	delayed func(*time.Time) bool
	idle    func() bool
}

func (d *funcDelegate) DoWork() bool {
	if d.work != nil {
		return d.work()
	}
	return false
}

func (d *funcDelegate) DoDelayedWork(next *time.Time) bool {
	if d.delayed != nil {
		return d.delayed(next)
	}
	return false
}

func (d *funcDelegate) DoIdleWork() bool {
	if d.idle != nil {
		return d.idle()
	}
	return false
}

// stubRuntime is a ScriptRuntime test double.
type stubRuntime struct {
	active  bool
	flushes int
	onFlush func()
}

func (s *stubRuntime) HasActiveContext() bool { return s.active }

func (s *stubRuntime) FlushPendingMicrotasks() {
	s.flushes++
	if s.onFlush != nil {
		s.onFlush()
	}
}

func newTestPump(t *testing.T, opts ...pump.Option) *pump.MessagePump {
	t.Helper()
	loop, err := reactor.NewLoop()
	require.NoError(t, err)
	t.Cleanup(func() { _ = loop.Close() })

	p, err := pump.New(loop, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// runAsync runs the pump on a separate goroutine for tests that drive it
// from outside. The channel yields Run's error.
func runAsync(p *pump.MessagePump, d pump.Delegate) <-chan error {
	done := make(chan error, 1)
	go func() { done <- p.Run(d) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRun_WorkPriorityOrder(t *testing.T) {
	p := newTestPump(t)

	var seq []string
	workCalls, delayedCalls, idleCalls := 0, 0, 0
	d := &funcDelegate{
		work: func() bool {
			seq = append(seq, "work")
			workCalls++
			return workCalls == 1
		},
		delayed: func(next *time.Time) bool {
			seq = append(seq, "delayed")
			delayedCalls++
			return delayedCalls == 1
		},
		idle: func() bool {
			seq = append(seq, "idle")
			idleCalls++
			if idleCalls == 1 {
				return true
			}
			p.Quit()
			return false
		},
	}

	require.NoError(t, p.Run(d))

	// A unit of work at any level restarts the iteration from DoWork;
	// delayed work is only attempted when DoWork is dry, idle work only
	// when both are.
	require.Equal(t, []string{
		"work",
		"work", "delayed",
		"work", "delayed", "idle",
		"work", "delayed", "idle",
	}, seq)
}

func TestRun_QuitDuringWorkStopsImmediately(t *testing.T) {
	rt := &stubRuntime{active: true}
	p := newTestPump(t, pump.WithScriptRuntime(rt))

	workCalls, delayedCalls := 0, 0
	d := &funcDelegate{
		work: func() bool {
			workCalls++
			p.Quit()
			return true
		},
		delayed: func(next *time.Time) bool {
			delayedCalls++
			return false
		},
	}

	require.NoError(t, p.Run(d))
	require.Equal(t, 1, workCalls, "no further delegate call after Quit is observed")
	require.Zero(t, delayedCalls)
	require.Zero(t, rt.flushes, "microtask flush is skipped once Quit is observed")
}

func TestRun_ReusableAfterQuit(t *testing.T) {
	p := newTestPump(t)

	runs := 0
	d := &funcDelegate{
		work: func() bool {
			runs++
			p.Quit()
			return false
		},
	}

	require.NoError(t, p.Run(d))
	require.NoError(t, p.Run(d), "keepRunning must reset when Run returns")
	require.Equal(t, 2, runs)
}

func TestRun_QuitOutsideRunIsMisuse(t *testing.T) {
	p := newTestPump(t)

	p.Quit()
	err := p.Run(&funcDelegate{})
	require.ErrorIs(t, err, pump.ErrQuitOutsideRun)
}

func TestRun_AfterClose(t *testing.T) {
	loop, err := reactor.NewLoop()
	require.NoError(t, err)
	t.Cleanup(func() { _ = loop.Close() })

	p, err := pump.New(loop)
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.ErrorIs(t, p.Close(), pump.ErrPumpClosed)
	require.ErrorIs(t, p.Run(&funcDelegate{}), pump.ErrPumpClosed)
}

func TestRun_FlushesMicrotasksAfterEachUnitOfWork(t *testing.T) {
	var seq []string
	rt := &stubRuntime{active: true, onFlush: func() { seq = append(seq, "flush") }}
	p := newTestPump(t, pump.WithScriptRuntime(rt))

	workCalls, delayedCalls, idleCalls := 0, 0, 0
	d := &funcDelegate{
		work: func() bool {
			workCalls++
			if workCalls == 1 {
				seq = append(seq, "work")
				return true
			}
			return false
		},
		delayed: func(next *time.Time) bool {
			delayedCalls++
			if delayedCalls == 1 {
				seq = append(seq, "delayed")
				return true
			}
			return false
		},
		idle: func() bool {
			idleCalls++
			if idleCalls == 1 {
				seq = append(seq, "idle")
				return true
			}
			p.Quit()
			return false
		},
	}

	require.NoError(t, p.Run(d))
	require.Equal(t, []string{"work", "flush", "delayed", "flush", "idle", "flush"}, seq)
	require.Equal(t, 3, rt.flushes)
}

func TestWithLogger(t *testing.T) {
	events := 0
	logger := logiface.New[logiface.Event](
		logiface.WithLevel[logiface.Event](logiface.LevelTrace),
		logiface.WithWriter[logiface.Event](logiface.NewWriterFunc(func(event logiface.Event) error {
			events++
			return nil
		})),
	)

	p := newTestPump(t, pump.WithLogger(logger))

	d := &funcDelegate{
		work: func() bool {
			p.Quit()
			return false
		},
	}
	require.NoError(t, p.Run(d))
	require.GreaterOrEqual(t, events, 2, "Run must trace its entry and exit")
}

func TestRun_NoFlushWithoutActiveContext(t *testing.T) {
	rt := &stubRuntime{active: false}
	p := newTestPump(t, pump.WithScriptRuntime(rt))

	workCalls := 0
	d := &funcDelegate{
		work: func() bool {
			workCalls++
			if workCalls < 3 {
				return true
			}
			p.Quit()
			return false
		},
	}

	require.NoError(t, p.Run(d))
	require.Zero(t, rt.flushes)
}
