package abi

// LocalKey names one task-local value of type T. Every task sees its own
// copy, created on first use by the key's init function and dropped when
// the task ends. Keys compare by identity, so share one key per value,
// usually in a package variable.
type LocalKey[T any] struct {
	init func() T
	drop func(T)
}

// NewLocalKey creates a key. init builds a task's first value and may be
// nil for the zero value. drop, if set, runs on the value left in the task
// when it ends.
func NewLocalKey[T any](init func() T, drop func(T)) *LocalKey[T] {
	return &LocalKey[T]{init: init, drop: drop}
}

func (k *LocalKey[T]) slot(rt Runtime, create bool) *T {
	l := rt.Locals()
	if v, ok := l.values[k]; ok {
		return v.(*T)
	}
	if !create {
		return nil
	}
	p := new(T)
	if k.init != nil {
		*p = k.init()
	}
	l.put(k, p, k.dropper(p))
	return p
}

func (k *LocalKey[T]) dropper(p *T) func() {
	if k.drop == nil {
		return nil
	}
	return func() { k.drop(*p) }
}

// With calls fn with the task's value, creating it if needed. Changes made
// through the pointer stay in the task.
func (k *LocalKey[T]) With(rt Runtime, fn func(v *T)) {
	fn(k.slot(rt, true))
}

// Get returns the task's value, creating it if needed.
func (k *LocalKey[T]) Get(rt Runtime) T {
	return *k.slot(rt, true)
}

// Set stores v without running init.
func (k *LocalKey[T]) Set(rt Runtime, v T) {
	if p := k.slot(rt, false); p != nil {
		*p = v
		return
	}
	p := &v
	rt.Locals().put(k, p, k.dropper(p))
}

// Replace stores v and returns the previous value, creating it first if
// needed.
func (k *LocalKey[T]) Replace(rt Runtime, v T) T {
	p := k.slot(rt, true)
	old := *p
	*p = v
	return old
}

// Take removes the task's value and returns it without dropping it. ok is
// false if the task has no value for k.
func (k *LocalKey[T]) Take(rt Runtime) (v T, ok bool) {
	p := k.slot(rt, false)
	if p == nil {
		return v, false
	}
	rt.Locals().remove(k)
	return *p, true
}

// Locals is the task-local storage of one task. The zero value is empty.
// It belongs to the task and must only be used from its body.
type Locals struct {
	values map[any]any
	drops  map[any]func()
	order  []any
}

func (l *Locals) put(key, value any, drop func()) {
	if l.values == nil {
		l.values = make(map[any]any)
		l.drops = make(map[any]func())
	}
	l.values[key] = value
	if drop != nil {
		l.drops[key] = drop
	}
	l.order = append(l.order, key)
}

func (l *Locals) remove(key any) {
	delete(l.values, key)
	delete(l.drops, key)
	for i, k := range l.order {
		if k == key {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// Len returns how many values are stored.
func (l *Locals) Len() int { return len(l.values) }

// Release drops every value, newest first, and empties l. A panicking drop
// does not stop the others; the first panic value is returned.
func (l *Locals) Release() (panicked any) {
	for i := len(l.order) - 1; i >= 0; i-- {
		drop := l.drops[l.order[i]]
		if drop == nil {
			continue
		}
		if r := runDrop(drop); r != nil && panicked == nil {
			panicked = r
		}
	}
	*l = Locals{}
	return panicked
}

func runDrop(drop func()) (r any) {
	defer func() { r = recover() }()
	drop()
	return nil
}
