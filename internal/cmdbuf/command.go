// Package cmdbuf implements command buffers: ordered scripts that spawn
// tasks, wait for them at barriers, wait for other buffers and pick the
// worker and stack size of the tasks they spawn.
package cmdbuf

import (
	"github.com/aristath/taskrt/internal/abi"
)

// Kind is the type of a decoded command.
type Kind int

const (
	SpawnTask Kind = iota
	WaitBarrier
	WaitCommandBuffer
	SetWorker
	EnableAllWorkers
	SetStackSize
	Unknown
)

func (k Kind) String() string {
	switch k {
	case SpawnTask:
		return "spawn-task"
	case WaitBarrier:
		return "wait-barrier"
	case WaitCommandBuffer:
		return "wait-command-buffer"
	case SetWorker:
		return "set-worker"
	case EnableAllWorkers:
		return "enable-all-workers"
	case SetStackSize:
		return "set-stack-size"
	}
	return "unknown"
}

// Command is one decoded step of a buffer.
type Command struct {
	Kind      Kind
	Spawn     *abi.SpawnDescriptor // SpawnTask
	Buffer    *abi.BufferHandle    // WaitCommandBuffer
	Worker    int                  // SetWorker
	StackSize uint64               // SetStackSize, 0 restores the default
}

// Decode converts wire entries into commands. Entries with an unknown type
// or a missing payload decode as Unknown and abort the buffer when reached.
func Decode(entries []abi.Entry) []Command {
	cmds := make([]Command, len(entries))
	for i, e := range entries {
		cmds[i] = decodeEntry(e)
	}
	return cmds
}

func decodeEntry(e abi.Entry) Command {
	switch e.Type {
	case abi.EntrySpawnTask:
		if e.Spawn == nil {
			break
		}
		return Command{Kind: SpawnTask, Spawn: e.Spawn}
	case abi.EntryWaitBarrier:
		return Command{Kind: WaitBarrier}
	case abi.EntryWaitCommandBuffer:
		if e.Buffer == nil {
			break
		}
		return Command{Kind: WaitCommandBuffer, Buffer: e.Buffer}
	case abi.EntrySetWorker:
		return Command{Kind: SetWorker, Worker: e.Worker}
	case abi.EntryEnableAllWorkers:
		return Command{Kind: EnableAllWorkers}
	case abi.EntrySetStackSize:
		return Command{Kind: SetStackSize, StackSize: e.StackSize}
	}
	return Command{Kind: Unknown}
}

// Builder assembles the wire entries of a buffer.
type Builder struct {
	desc abi.BufferDescriptor
}

// NewBuilder starts a buffer with the given label.
func NewBuilder(label string) *Builder {
	return &Builder{desc: abi.BufferDescriptor{Label: label}}
}

func (b *Builder) add(e abi.Entry) *Builder {
	b.desc.Entries = append(b.desc.Entries, e)
	return b
}

// Spawn appends a SpawnTask entry.
func (b *Builder) Spawn(spec abi.SpawnDescriptor) *Builder {
	return b.add(abi.Entry{Type: abi.EntrySpawnTask, Spawn: &spec})
}

// SpawnFunc appends a SpawnTask entry running fn.
func (b *Builder) SpawnFunc(label string, priority int, fn func(rt abi.Runtime)) *Builder {
	return b.Spawn(abi.SpawnDescriptor{Label: label, Priority: priority, Entry: abi.Func(fn)})
}

// Barrier appends a WaitBarrier entry.
func (b *Builder) Barrier() *Builder {
	return b.add(abi.Entry{Type: abi.EntryWaitBarrier})
}

// WaitFor appends a WaitCommandBuffer entry.
func (b *Builder) WaitFor(h *abi.BufferHandle) *Builder {
	return b.add(abi.Entry{Type: abi.EntryWaitCommandBuffer, Buffer: h})
}

// Worker appends a SetWorker entry.
func (b *Builder) Worker(id int) *Builder {
	return b.add(abi.Entry{Type: abi.EntrySetWorker, Worker: id})
}

// AnyWorker appends an EnableAllWorkers entry.
func (b *Builder) AnyWorker() *Builder {
	return b.add(abi.Entry{Type: abi.EntryEnableAllWorkers})
}

// StackSize appends a SetStackSize entry. Zero restores the default.
func (b *Builder) StackSize(size uint64) *Builder {
	return b.add(abi.Entry{Type: abi.EntrySetStackSize, StackSize: size})
}

// OnComplete sets the completion handler.
func (b *Builder) OnComplete(fn func()) *Builder {
	b.desc.OnComplete = abi.Handler{Fn: func(any) { fn() }}
	return b
}

// OnAbort sets the abort handler.
func (b *Builder) OnAbort(fn func(index int)) *Builder {
	b.desc.OnAbort = abi.AbortHandler{Fn: func(_ any, index int) { fn(index) }}
	return b
}

// OnCleanup sets the cleanup handler.
func (b *Builder) OnCleanup(fn func()) *Builder {
	b.desc.OnCleanup = abi.Handler{Fn: func(any) { fn() }}
	return b
}

// Build returns the descriptor.
func (b *Builder) Build() abi.BufferDescriptor {
	return b.desc
}
