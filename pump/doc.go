// Package pump implements a message pump: the glue that lets an
// application's cooperative task [Delegate] drive, and be driven by, a
// [reactor.Loop], while keeping an embedded scripting runtime's microtask
// queue serviced.
//
// # Work priority
//
// Each iteration of [MessagePump.Run] polls the delegate in strict order:
// immediate work, then delayed work, then idle work. The first step that
// reports work restarts the iteration, after flushing one round of pending
// scripting microtasks. Only when all three report no work does the pump
// block on the reactor, indefinitely or until the recorded delayed-work
// deadline.
//
// # Reentrancy
//
// Run may be re-entered from within a delegate callback (a nested modal
// loop). Each nested level runs on the same goroutine with a freshly
// created reactor loop and wake-up handle, so outer-loop events stay paused
// until the nested Run returns and the outer handle is restored.
//
// # Threading
//
// Everything except [MessagePump.ScheduleWork] and [MessagePump.Quit]
// belongs to the goroutine that calls Run. ScheduleWork is safe from any
// goroutine and coalesces; Quit from a foreign goroutine must be paired
// with ScheduleWork so a blocked pump observes it.
package pump
