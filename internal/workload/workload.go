// Package workload generates demonstration and benchmark command buffers.
//
// Each workload submits a batch of buffers to a worker group, waits for all
// of them and then checks an invariant its tasks maintained (a counter kept
// under a task mutex, the order of chained buffers, barrier generations).
// The CLI runs them; tests use them as end-to-end checks of the runtime.
package workload

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/taskrt/internal/abi"
	"github.com/aristath/taskrt/internal/errs"
)

// Kind names a workload.
type Kind string

const (
	Contention Kind = "contention" // Many tasks serializing on shared mutexes
	Pipeline   Kind = "pipeline"   // Chained buffers of producer/consumer stages
	Fanout     Kind = "fanout"     // Wide buffers meeting at barriers
)

// Kinds returns every workload kind in a stable order.
func Kinds() []Kind {
	return []Kind{Contention, Fanout, Pipeline}
}

// ParseKind resolves a workload name.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !slices.Contains(Kinds(), k) {
		return "", fmt.Errorf("workload %q: %w", s, errs.ErrInvalidArgument)
	}
	return k, nil
}

// Submitter accepts command buffers. *worker.Group implements it.
type Submitter interface {
	Submit(desc abi.BufferDescriptor) (*abi.BufferHandle, error)
}

// Options sizes a workload run.
type Options struct {
	Buffers int           // Buffers submitted (default 4)
	Tasks   int           // Tasks or items per buffer (default 16)
	Rounds  int           // Critical sections per contention task (default 8)
	Work    time.Duration // Simulated work per task, spent sleeping
	Logger  zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.Buffers <= 0 {
		o.Buffers = 4
	}
	if o.Tasks <= 0 {
		o.Tasks = 16
	}
	if o.Rounds <= 0 {
		o.Rounds = 8
	}
	return o
}

// Result summarizes a finished run.
type Result struct {
	Kind     Kind
	Buffers  int
	Aborted  int    // Buffers that resolved as aborted
	Ops      uint64 // Workload-specific operation count
	Elapsed  time.Duration
	Verified bool
}

// workload builds and submits buffers, then checks its invariant once every
// buffer resolved.
type workload interface {
	submit(s Submitter) ([]*abi.BufferHandle, error)
	verify() (ops uint64, err error)
}

func build(kind Kind, opts Options) (workload, error) {
	switch kind {
	case Contention:
		return newContention(opts), nil
	case Pipeline:
		return newPipeline(opts), nil
	case Fanout:
		return newFanout(opts), nil
	}
	return nil, fmt.Errorf("workload %q: %w", kind, errs.ErrInvalidArgument)
}

// Run submits the workload to s and waits until every buffer resolved or ctx
// ends. Verification only runs when no buffer aborted.
func Run(ctx context.Context, s Submitter, kind Kind, opts Options) (Result, error) {
	opts = opts.withDefaults()
	w, err := build(kind, opts)
	if err != nil {
		return Result{}, err
	}
	log := opts.Logger.With().Str("workload", string(kind)).Logger()

	start := time.Now()
	handles, err := w.submit(s)
	if err != nil {
		return Result{}, fmt.Errorf("submitting %s workload: %w", kind, err)
	}
	log.Debug().Int("buffers", len(handles)).Msg("workload submitted")

	res := Result{Kind: kind, Buffers: len(handles)}
	for _, h := range handles {
		aborted, err := h.Wait(ctx)
		if err != nil {
			return res, fmt.Errorf("waiting for %s: %w", h, err)
		}
		if aborted {
			res.Aborted++
			log.Warn().Stringer("buffer", h).Msg("buffer aborted")
		}
	}
	res.Elapsed = time.Since(start)

	if res.Aborted > 0 {
		return res, nil
	}
	res.Ops, err = w.verify()
	if err != nil {
		return res, fmt.Errorf("%s workload: %w", kind, err)
	}
	res.Verified = true
	log.Debug().Uint64("ops", res.Ops).Dur("elapsed", res.Elapsed).Msg("workload verified")
	return res, nil
}

// submitAll submits descriptors in order.
func submitAll(s Submitter, descs []abi.BufferDescriptor) ([]*abi.BufferHandle, error) {
	handles := make([]*abi.BufferHandle, 0, len(descs))
	for _, d := range descs {
		h, err := s.Submit(d)
		if err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

func mismatch(what string, got, want uint64) error {
	return fmt.Errorf("%s = %d, want %d: %w", what, got, want, errs.ErrInternal)
}
