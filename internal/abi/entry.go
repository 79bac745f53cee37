// Package abi is the seam between the runtime and the code it runs.
//
// Task bodies and their handlers cross this boundary as a function paired
// with an opaque data value. Bodies receive a Runtime, the explicit
// execution context for every runtime call they make. Command buffers cross
// it as an ordered slice of tagged Entry values whose layout is fixed.
package abi

// TaskFunc is the entry point of a task body.
type TaskFunc func(rt Runtime, data any)

// HandlerFunc is an abort or cleanup handler.
type HandlerFunc func(data any)

// EntryPoint pairs a task body with its opaque data.
type EntryPoint struct {
	Fn   TaskFunc
	Data any
}

// Invoke runs the body on the calling goroutine.
func (e EntryPoint) Invoke(rt Runtime) {
	if e.Fn != nil {
		e.Fn(rt, e.Data)
	}
}

// Handler pairs an abort or cleanup function with its opaque data.
type Handler struct {
	Fn   HandlerFunc
	Data any
}

// Invoke runs the handler if one is set.
func (h Handler) Invoke() {
	if h.Fn != nil {
		h.Fn(h.Data)
	}
}

// SpawnDescriptor describes a task to spawn.
type SpawnDescriptor struct {
	Label     string
	Priority  int // Higher runs first
	Entry     EntryPoint
	OnAbort   Handler // Runs when the task is aborted or never spawned
	OnCleanup Handler // Runs after completion or abort, always last
}

// Func wraps a plain closure as an EntryPoint.
func Func(fn func(rt Runtime)) EntryPoint {
	return EntryPoint{Fn: func(rt Runtime, _ any) { fn(rt) }}
}
