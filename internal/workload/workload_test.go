package workload_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskrt/internal/abi"
	"github.com/aristath/taskrt/internal/config"
	"github.com/aristath/taskrt/internal/errs"
	"github.com/aristath/taskrt/internal/worker"
	"github.com/aristath/taskrt/internal/workload"
)

func newGroup(t *testing.T, workers int) *worker.Group {
	t.Helper()
	g, err := worker.New(context.Background(), worker.Options{
		Group: config.WorkerGroupConfig{
			Name:    "workload",
			Stacks:  []config.StackConfig{{MinSize: 64 << 10, ResidencyTarget: 32, MaxResidency: 512}},
			Workers: &workers,
		},
		Scheduler: config.SchedulerConfig{
			Tick:           time.Millisecond,
			SpinLimit:      4,
			FairUnlockSpan: 200 * time.Microsecond,
		},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, g.Close(ctx))
	})
	return g
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    workload.Kind
		wantErr bool
	}{
		{name: "contention", in: "contention", want: workload.Contention},
		{name: "pipeline", in: "pipeline", want: workload.Pipeline},
		{name: "fanout", in: "fanout", want: workload.Fanout},
		{name: "unknown", in: "mapreduce", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := workload.ParseKind(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, errs.ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRun(t *testing.T) {
	tests := []struct {
		name    string
		kind    workload.Kind
		workers int
		opts    workload.Options
		wantOps uint64
	}{
		{
			name:    "contention single worker",
			kind:    workload.Contention,
			workers: 1,
			opts:    workload.Options{Buffers: 2, Tasks: 4, Rounds: 4},
			wantOps: 2 * 4 * 4 * 2,
		},
		{
			name:    "contention parallel",
			kind:    workload.Contention,
			workers: 4,
			opts:    workload.Options{Buffers: 3, Tasks: 8, Rounds: 6},
			wantOps: 3 * 8 * 6 * 2,
		},
		{
			name:    "pipeline",
			kind:    workload.Pipeline,
			workers: 2,
			opts:    workload.Options{Buffers: 4, Tasks: 10},
			wantOps: 4 * 10 * 2,
		},
		{
			name:    "fanout",
			kind:    workload.Fanout,
			workers: 3,
			opts:    workload.Options{Buffers: 3, Tasks: 12, Work: 100 * time.Microsecond},
			wantOps: 3 * 12 * 2,
		},
		{
			name:    "defaults",
			kind:    workload.Fanout,
			workers: 2,
			wantOps: 4 * 16 * 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGroup(t, tt.workers)
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()

			res, err := workload.Run(ctx, g, tt.kind, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, res.Kind)
			assert.Zero(t, res.Aborted)
			assert.True(t, res.Verified)
			assert.Equal(t, tt.wantOps, res.Ops)
			assert.Positive(t, res.Elapsed)
		})
	}
}

func TestRunUnknownKind(t *testing.T) {
	_, err := workload.Run(context.Background(), nil, workload.Kind("nope"), workload.Options{})
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

type closedSubmitter struct{}

func (closedSubmitter) Submit(abi.BufferDescriptor) (*abi.BufferHandle, error) {
	return nil, errs.ErrClosed
}

func TestRunSubmitFailure(t *testing.T) {
	_, err := workload.Run(context.Background(), closedSubmitter{}, workload.Pipeline, workload.Options{})
	assert.ErrorIs(t, err, errs.ErrClosed)
}

func TestRunContextCancelled(t *testing.T) {
	g := newGroup(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := workload.Run(ctx, g, workload.Fanout, workload.Options{Buffers: 1, Tasks: 2, Work: 50 * time.Millisecond})
	assert.ErrorIs(t, err, context.Canceled)
}
