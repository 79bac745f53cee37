package tasksync_test

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskrt/internal/abi"
	"github.com/aristath/taskrt/internal/cmdbuf"
	"github.com/aristath/taskrt/internal/tasksync"
)

func TestRWMutexTry(t *testing.T) {
	g := newGroup(t, 1, 0)

	var rw tasksync.RWMutex
	var got []bool
	desc := cmdbuf.NewBuilder("try").
		SpawnFunc("try", 0, func(rt abi.Runtime) {
			got = append(got, rw.TryRLock(), rw.TryRLock(), rw.TryLock())
			rw.RUnlock(rt)
			rw.RUnlock(rt)
			got = append(got, rw.TryLock(), rw.TryRLock(), rw.TryLock())
			rw.Unlock(rt)
		}).
		Build()
	require.False(t, await(t, submit(t, g, desc)))
	assert.Equal(t, []bool{true, true, false, true, false, false}, got)
	assert.False(t, rw.Locked())
	assert.Zero(t, rw.Readers())
}

func TestRWMutexReadersShare(t *testing.T) {
	g := newGroup(t, 1, 0)

	var (
		rw      tasksync.RWMutex
		inside  atomic.Int32
		writeOK atomic.Bool
	)
	b := cmdbuf.NewBuilder("share")
	for i := 0; i < 3; i++ {
		b.SpawnFunc(fmt.Sprintf("r%d", i), 0, func(rt abi.Runtime) {
			rw.RLock(rt)
			inside.Add(1)
			for inside.Load() < 3 {
				rt.Yield()
			}
			if rw.TryLock() {
				writeOK.Store(true)
			}
			rt.Yield()
			rw.RUnlock(rt)
		})
	}
	require.False(t, await(t, submit(t, g, b.Build())))
	assert.False(t, writeOK.Load(), "writer got in while readers held the lock")
	assert.Zero(t, rw.Readers())
	assert.Zero(t, pseudoTasks(t, g))
}

func TestRWMutexExclusion(t *testing.T) {
	tests := []struct {
		name      string
		spinLimit int
		fair      bool
	}{
		{"park immediately", 0, false},
		{"spin then park", 4, false},
		{"fair unlock", 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGroup(t, 4, tt.spinLimit)

			var (
				rw         tasksync.RWMutex
				readersIn  atomic.Int32
				writersIn  atomic.Int32
				violations atomic.Int32
				reads      atomic.Int32
				writes     int
			)
			b := cmdbuf.NewBuilder("rw")
			for i := 0; i < 6; i++ {
				b.SpawnFunc(fmt.Sprintf("reader%d", i), 0, func(rt abi.Runtime) {
					for j := 0; j < 20; j++ {
						rw.RLock(rt)
						readersIn.Add(1)
						if writersIn.Load() != 0 {
							violations.Add(1)
						}
						reads.Add(1)
						rt.Yield()
						readersIn.Add(-1)
						if tt.fair {
							rw.RUnlockFair(rt)
						} else {
							rw.RUnlock(rt)
						}
					}
				})
			}
			for i := 0; i < 3; i++ {
				b.SpawnFunc(fmt.Sprintf("writer%d", i), 0, func(rt abi.Runtime) {
					for j := 0; j < 20; j++ {
						rw.Lock(rt)
						if writersIn.Add(1) != 1 || readersIn.Load() != 0 {
							violations.Add(1)
						}
						writes++
						rt.Yield()
						writersIn.Add(-1)
						if tt.fair {
							rw.UnlockFair(rt)
						} else {
							rw.Unlock(rt)
						}
					}
				})
			}
			require.False(t, await(t, submit(t, g, b.Build())))
			assert.Zero(t, violations.Load())
			assert.EqualValues(t, 6*20, reads.Load())
			assert.Equal(t, 3*20, writes)
			assert.False(t, rw.Locked())
			assert.Zero(t, rw.Readers())
			assert.Zero(t, pseudoTasks(t, g), "pseudo task outlived its waiters")
		})
	}
}

func TestRWMutexAdmissionOrder(t *testing.T) {
	tests := []struct {
		name string
		fair bool
		want []string
	}{
		{"unlock admits every queued reader", false, []string{"r1", "r2", "w1"}},
		{"fair unlock stops at the first writer", true, []string{"r1", "w1", "r2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGroup(t, 1, 0)

			var (
				rw    tasksync.RWMutex
				order []string
			)
			b := cmdbuf.NewBuilder("order").
				SpawnFunc("owner", 10, func(rt abi.Runtime) {
					rw.Lock(rt)
					waitForWaiters(rt, &rw, 3)
					if tt.fair {
						rw.UnlockFair(rt)
					} else {
						rw.Unlock(rt)
					}
				})
			for i, name := range []string{"r1", "w1", "r2"} {
				writer := name[0] == 'w'
				b.SpawnFunc(name, 0, func(rt abi.Runtime) {
					for !rw.Locked() {
						rt.Yield()
					}
					waitForWaiters(rt, &rw, i)
					if writer {
						rw.Lock(rt)
					} else {
						rw.RLock(rt)
					}
					order = append(order, name)
					switch {
					case writer && tt.fair:
						rw.UnlockFair(rt)
					case writer:
						rw.Unlock(rt)
					case tt.fair:
						rw.RUnlockFair(rt)
					default:
						rw.RUnlock(rt)
					}
				})
			}
			require.False(t, await(t, submit(t, g, b.Build())))
			assert.Equal(t, tt.want, order)
			assert.False(t, rw.Locked())
			assert.Zero(t, pseudoTasks(t, g))
		})
	}
}

func TestRWMutexQueuedWriterBlocksNewReaders(t *testing.T) {
	g := newGroup(t, 1, 0)

	var (
		rw        tasksync.RWMutex
		order     []string
		readAgain bool
	)
	desc := cmdbuf.NewBuilder("writer-first").
		SpawnFunc("reader", 10, func(rt abi.Runtime) {
			rw.RLock(rt)
			waitForWaiters(rt, &rw, 1)
			readAgain = rw.TryRLock()
			order = append(order, "reader")
			rw.RUnlock(rt)
		}).
		SpawnFunc("writer", 0, func(rt abi.Runtime) {
			for rw.Readers() == 0 {
				rt.Yield()
			}
			rw.Lock(rt)
			order = append(order, "writer")
			rw.Unlock(rt)
		}).
		Build()
	require.False(t, await(t, submit(t, g, desc)))
	assert.False(t, readAgain, "reader overtook a queued writer")
	assert.Equal(t, []string{"reader", "writer"}, order)
}

func TestRWMutexUnlockUnheldAborts(t *testing.T) {
	tests := []struct {
		name   string
		unlock func(rw *tasksync.RWMutex, rt abi.Runtime)
	}{
		{"unlock", (*tasksync.RWMutex).Unlock},
		{"read unlock", (*tasksync.RWMutex).RUnlock},
		{"read unlock while written", func(rw *tasksync.RWMutex, rt abi.Runtime) {
			rw.Lock(rt)
			rw.RUnlock(rt)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGroup(t, 1, 0)

			var rw tasksync.RWMutex
			desc := cmdbuf.NewBuilder("bad").
				SpawnFunc("bad", 0, func(rt abi.Runtime) { tt.unlock(&rw, rt) }).
				Build()
			assert.True(t, await(t, submit(t, g, desc)))
		})
	}
}
