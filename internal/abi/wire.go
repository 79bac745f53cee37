package abi

import "fmt"

// EntryType is the discriminant of a wire entry. The numeric values are
// part of the boundary and never change.
type EntryType uint32

const (
	EntrySpawnTask         EntryType = 0 // Spawn: descriptor
	EntryWaitBarrier       EntryType = 1 // no payload
	EntryWaitCommandBuffer EntryType = 2 // Buffer: handle
	EntrySetWorker         EntryType = 3 // Worker: id
	EntryEnableAllWorkers  EntryType = 4 // no payload
	EntrySetStackSize      EntryType = 5 // StackSize: bytes, 0 unsets
)

func (t EntryType) String() string {
	switch t {
	case EntrySpawnTask:
		return "spawn-task"
	case EntryWaitBarrier:
		return "wait-barrier"
	case EntryWaitCommandBuffer:
		return "wait-command-buffer"
	case EntrySetWorker:
		return "set-worker"
	case EntryEnableAllWorkers:
		return "enable-all-workers"
	case EntrySetStackSize:
		return "set-stack-size"
	default:
		return fmt.Sprintf("entry(%d)", uint32(t))
	}
}

// Entry is one element of a command buffer on the wire. Only the field
// selected by Type is read.
type Entry struct {
	Type      EntryType
	Spawn     *SpawnDescriptor
	Buffer    *BufferHandle
	Worker    int
	StackSize uint64
}

// AbortHandler runs when a command buffer aborts. index is the position of
// the command that caused the abort.
type AbortHandler struct {
	Fn   func(data any, index int)
	Data any
}

// Invoke runs the handler if one is set.
func (h AbortHandler) Invoke(index int) {
	if h.Fn != nil {
		h.Fn(h.Data, index)
	}
}

// BufferDescriptor is a command buffer as submitted to a worker group.
type BufferDescriptor struct {
	Label      string
	Entries    []Entry
	OnComplete Handler      // Runs once after every command succeeded
	OnAbort    AbortHandler // Runs once if the buffer aborts
	OnCleanup  Handler      // Runs once after OnComplete or OnAbort
}
