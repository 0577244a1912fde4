// Package reactor implements a small event reactor: a [Loop]
// that blocks in RunOnce until something happens, plus the three handle
// types a message pump needs to drive it.
//
// # Handles
//
//   - [Async]: an edge-triggered wake-up signal. [Async.Send] is the only
//     operation in this package that is safe to call from any goroutine; it
//     interrupts a blocking [Loop.RunOnce]. Multiple sends before the loop
//     wakes coalesce into a single callback invocation.
//   - [Timer]: a one-shot timer. An armed timer bounds how long RunOnce may
//     block; due timers fire on the same pass, including zero and negative
//     delays.
//   - [Idle]: while started, forces RunOnce to poll without blocking and
//     fires once per pass.
//
// # Threading
//
// A loop is driven by a single goroutine. Handle creation, start/stop, and
// RunOnce all belong to that goroutine; only [Async.Send] may be called from
// elsewhere. Sends that race loop teardown fail gracefully with
// [ErrLoopClosed] rather than signalling a dead descriptor.
//
// The loop waits on a single wake descriptor (an eventfd on Linux, a
// self-pipe on Darwin) with poll(2). It is not an I/O readiness engine;
// arbitrary file descriptors cannot be registered.
package reactor
