package pump

import "time"

// Delegate is the abstract task source the pump polls. The pump owns no
// task storage of its own; queue management belongs entirely to the
// delegate.
//
// All three methods must return quickly; they are called on the pump
// goroutine and a method that blocks starves the loop. The bool result
// means "did real work, poll me again before yielding".
type Delegate interface {
	// DoWork performs one unit of immediate work, if any is pending.
	DoWork() bool

	// DoDelayedWork performs one unit of delayed work whose deadline has
	// passed, if any, and writes the next pending deadline (or the zero
	// Time when none remains) through nextDelayedWorkTime. The pump uses
	// that value to bound how long it blocks.
	DoDelayedWork(nextDelayedWorkTime *time.Time) bool

	// DoIdleWork performs one unit of idle work. Called only when no
	// immediate or delayed work was performed this iteration.
	DoIdleWork() bool
}

// ScriptRuntime is the pump's view of an embedded scripting runtime with a
// pending-microtask queue. After any unit of delegate work the pump flushes
// one round of microtasks, bounding the latency of runtime-internal
// callbacks.
type ScriptRuntime interface {
	// HasActiveContext reports whether a runtime context exists to flush
	// against.
	HasActiveContext() bool

	// FlushPendingMicrotasks drains one round of the pending-microtask
	// queue: the tasks queued when the flush starts. Tasks queued by a
	// running microtask wait for the next round.
	FlushPendingMicrotasks()
}
