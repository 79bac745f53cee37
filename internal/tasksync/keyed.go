package tasksync

import (
	"slices"
	"sync"

	"github.com/aristath/taskrt/internal/abi"
)

// KeyedMutex hands out one task Mutex per key, so tasks touching different
// keys proceed concurrently while tasks on the same key serialize.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*Mutex
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*Mutex)}
}

func (k *KeyedMutex) get(key string) *Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.locks[key]
	if !ok {
		m = &Mutex{}
		k.locks[key] = m
	}
	return m
}

// Lock acquires the mutex of key.
func (k *KeyedMutex) Lock(rt abi.Runtime, key string) {
	k.get(key).Lock(rt)
}

// Unlock releases the mutex of key. Unlocking a key that was never locked
// is a no-op.
func (k *KeyedMutex) Unlock(rt abi.Runtime, key string) {
	k.mu.Lock()
	m, ok := k.locks[key]
	k.mu.Unlock()
	if ok {
		m.Unlock(rt)
	}
}

// LockAll acquires every key in sorted order, so concurrent LockAll calls
// over overlapping sets cannot deadlock. Duplicate keys are locked once.
func (k *KeyedMutex) LockAll(rt abi.Runtime, keys []string) {
	for _, key := range sortedKeys(keys) {
		k.Lock(rt, key)
	}
}

// UnlockAll releases every key in reverse sorted order.
func (k *KeyedMutex) UnlockAll(rt abi.Runtime, keys []string) {
	sorted := sortedKeys(keys)
	for i := len(sorted) - 1; i >= 0; i-- {
		k.Unlock(rt, sorted[i])
	}
}

// Len returns how many keys have a mutex.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func sortedKeys(keys []string) []string {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	return slices.Compact(sorted)
}
