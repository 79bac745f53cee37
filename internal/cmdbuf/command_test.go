package cmdbuf

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/aristath/taskrt/internal/abi"
)

func TestDecode(t *testing.T) {
	spec := &abi.SpawnDescriptor{Label: "t"}
	handle := abi.NewBufferHandle(uuid.New(), "h")

	tests := []struct {
		name  string
		entry abi.Entry
		want  Command
	}{
		{name: "spawn", entry: abi.Entry{Type: abi.EntrySpawnTask, Spawn: spec}, want: Command{Kind: SpawnTask, Spawn: spec}},
		{name: "spawn without descriptor", entry: abi.Entry{Type: abi.EntrySpawnTask}, want: Command{Kind: Unknown}},
		{name: "barrier", entry: abi.Entry{Type: abi.EntryWaitBarrier}, want: Command{Kind: WaitBarrier}},
		{name: "wait buffer", entry: abi.Entry{Type: abi.EntryWaitCommandBuffer, Buffer: handle}, want: Command{Kind: WaitCommandBuffer, Buffer: handle}},
		{name: "wait without handle", entry: abi.Entry{Type: abi.EntryWaitCommandBuffer}, want: Command{Kind: Unknown}},
		{name: "set worker", entry: abi.Entry{Type: abi.EntrySetWorker, Worker: 3}, want: Command{Kind: SetWorker, Worker: 3}},
		{name: "enable all", entry: abi.Entry{Type: abi.EntryEnableAllWorkers}, want: Command{Kind: EnableAllWorkers}},
		{name: "stack size", entry: abi.Entry{Type: abi.EntrySetStackSize, StackSize: 4096}, want: Command{Kind: SetStackSize, StackSize: 4096}},
		{name: "unset stack size", entry: abi.Entry{Type: abi.EntrySetStackSize}, want: Command{Kind: SetStackSize}},
		{name: "unknown type", entry: abi.Entry{Type: 99}, want: Command{Kind: Unknown}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decode([]abi.Entry{tt.entry})
			assert.Equal(t, []Command{tt.want}, got)
		})
	}
}

func TestBuilderEntries(t *testing.T) {
	desc := NewBuilder("b").
		SpawnFunc("x", 1, func(abi.Runtime) {}).
		Barrier().
		Worker(0).
		AnyWorker().
		StackSize(8192).
		Build()

	types := make([]abi.EntryType, len(desc.Entries))
	for i, e := range desc.Entries {
		types[i] = e.Type
	}
	assert.Equal(t, []abi.EntryType{
		abi.EntrySpawnTask,
		abi.EntryWaitBarrier,
		abi.EntrySetWorker,
		abi.EntryEnableAllWorkers,
		abi.EntrySetStackSize,
	}, types)
	assert.Equal(t, "b", desc.Label)
	assert.Equal(t, 1, desc.Entries[0].Spawn.Priority)
}
