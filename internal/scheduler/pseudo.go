package scheduler

import (
	"fmt"

	"github.com/aristath/taskrt/internal/errs"
)

// RegisterOrFetchPseudo returns the pseudo task keyed by key, registering a
// new one if needed. Pseudo tasks never run; they only hold waiters for a
// synchronization primitive. They stay Blocked for their whole life.
func (c *Core) RegisterOrFetchPseudo(key any) Handle {
	if h, ok := c.pseudo[key]; ok {
		return h
	}
	t := &Task{
		Label:  fmt.Sprintf("pseudo(%T)", key),
		Worker: AnyWorker,
		pseudo: true,
		key:    key,
		status: StatusBlocked,
		deps:   map[Handle]struct{}{},
	}
	h, err := c.handles.alloc(t)
	if err != nil {
		errs.Invariant(errs.ErrResourceExhausted, "pseudo task for %T: %v", key, err)
	}
	t.handle = h
	t.registered = true
	c.pseudo[key] = h
	return h
}

// LookupPseudo returns the pseudo task keyed by key, if any.
func (c *Core) LookupPseudo(key any) (Handle, bool) {
	h, ok := c.pseudo[key]
	return h, ok
}

// UnregisterPseudoIfEmpty removes the pseudo task keyed by key once it has
// no waiters left. It reports whether the task was removed.
func (c *Core) UnregisterPseudoIfEmpty(key any) bool {
	h, ok := c.pseudo[key]
	if !ok {
		return false
	}
	t := c.mustTask(h, "unregister pseudo")
	if t.waiters.Len() > 0 {
		return false
	}
	c.handles.release(h)
	t.registered = false
	delete(c.pseudo, key)
	return true
}
