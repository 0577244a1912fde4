// Package gojapump binds a [goja] JavaScript runtime to the message pump's
// scripting-runtime contract.
//
// A [Runtime] owns the pending-microtask queue for one goja VM. Code queues
// microtasks either from Go, via [Runtime.QueueMicrotask], or from
// JavaScript through the queueMicrotask global installed by [Runtime.Bind].
// The pump drains the queue one round at a time through
// [Runtime.FlushPendingMicrotasks] after each unit of delegate work.
//
//	vm := goja.New()
//	rt, err := gojapump.New(vm)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := rt.Bind(); err != nil {
//	    log.Fatal(err)
//	}
//
//	p, err := pump.New(loop, pump.WithScriptRuntime(rt))
//
// The goja runtime is not thread-safe; after binding, it must only be used
// from the pump goroutine (typically inside delegate callbacks).
//
// [goja]: https://github.com/dop251/goja
package gojapump

import (
	"fmt"
	"log"
	"sync"

	"github.com/dop251/goja"

	"github.com/lauer3912/uvpump/pump"
)

// Runtime adapts a goja VM to [pump.ScriptRuntime].
type Runtime struct {
	vm *goja.Runtime

	mu      sync.Mutex
	pending []func()
}

var _ pump.ScriptRuntime = (*Runtime)(nil)

// New creates an adapter for the given VM.
func New(vm *goja.Runtime) (*Runtime, error) {
	if vm == nil {
		return nil, fmt.Errorf("gojapump: vm cannot be nil")
	}
	return &Runtime{vm: vm}, nil
}

// VM returns the wrapped goja runtime.
func (r *Runtime) VM() *goja.Runtime {
	return r.vm
}

// Bind installs the queueMicrotask(callback) global in the VM's global
// scope. Must be called before executing JavaScript that queues microtasks.
func (r *Runtime) Bind() error {
	return r.vm.Set("queueMicrotask", r.queueMicrotask)
}

// queueMicrotask binding for goja.
func (r *Runtime) queueMicrotask(call goja.FunctionCall) goja.Value {
	fn := call.Argument(0)
	if fn.Export() == nil {
		panic(r.vm.NewTypeError("queueMicrotask requires a function as first argument"))
	}

	fnCallable, ok := goja.AssertFunction(fn)
	if !ok {
		panic(r.vm.NewTypeError("queueMicrotask requires a function as first argument"))
	}

	r.QueueMicrotask(func() {
		_, _ = fnCallable(goja.Undefined())
	})

	return goja.Undefined()
}

// QueueMicrotask appends fn to the pending-microtask queue. The callback
// runs on whichever goroutine flushes, so with a message pump attached it
// runs on the pump goroutine.
func (r *Runtime) QueueMicrotask(fn func()) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.pending = append(r.pending, fn)
	r.mu.Unlock()
}

// HasActiveContext reports whether a runtime context exists to flush
// against.
func (r *Runtime) HasActiveContext() bool {
	return r != nil && r.vm != nil
}

// FlushPendingMicrotasks drains one round of the queue: exactly the tasks
// pending on entry, in FIFO order. Tasks queued by a running microtask wait
// for the next round.
func (r *Runtime) FlushPendingMicrotasks() {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, fn := range batch {
		runMicrotask(fn)
	}
}

// PendingMicrotasks reports how many microtasks are queued.
func (r *Runtime) PendingMicrotasks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// runMicrotask executes a microtask with panic recovery, so one failing
// task cannot abort the round or unwind the pump.
func runMicrotask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: gojapump: microtask panicked: %v", r)
		}
	}()

	fn()
}
