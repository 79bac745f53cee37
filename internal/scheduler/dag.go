package scheduler

import (
	"fmt"

	"github.com/gammazero/toposort"

	"github.com/aristath/taskrt/internal/errs"
)

// reaches reports whether to is reachable from from by following
// dependency edges. A new edge to->from would close a cycle exactly when
// this holds.
func (c *Core) reaches(from, to *Task) bool {
	if from == to {
		return true
	}
	seen := map[Handle]bool{from.handle: true}
	stack := []*Task{from}
	for len(stack) > 0 {
		t := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for d := range t.deps {
			if d == to.handle {
				return true
			}
			if seen[d] {
				continue
			}
			seen[d] = true
			if dt, ok := c.lookup(d); ok {
				stack = append(stack, dt)
			}
		}
	}
	return false
}

// Validate checks the whole wait graph. It returns the registered handles
// in dependency order, or an error wrapping ErrDeadlock if the graph has a
// cycle and ErrNotFound if an edge points at an unregistered task.
func (c *Core) Validate() ([]Handle, error) {
	var edges []toposort.Edge
	count := 0
	for _, e := range c.handles.entries {
		t := e.task
		if t == nil {
			continue
		}
		count++
		if len(t.deps) == 0 {
			edges = append(edges, toposort.Edge{nil, t.handle})
			continue
		}
		for d := range t.deps {
			if _, ok := c.lookup(d); !ok {
				return nil, fmt.Errorf("task %q depends on %s: %w", t.Label, d, errs.ErrNotFound)
			}
			edges = append(edges, toposort.Edge{d, t.handle})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("wait graph: %v: %w", err, errs.ErrDeadlock)
	}

	order := make([]Handle, 0, count)
	for _, v := range sorted {
		if v != nil {
			order = append(order, v.(Handle))
		}
	}
	if len(order) != count {
		return nil, fmt.Errorf("wait graph: sorted %d of %d tasks: %w", len(order), count, errs.ErrInternal)
	}
	return order, nil
}
