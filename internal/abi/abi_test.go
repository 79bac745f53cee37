package abi

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskrt/internal/errs"
)

func TestBufferHandleCompletesOnce(t *testing.T) {
	h := NewBufferHandle(uuid.New(), "build")

	done, aborted := h.Completed()
	assert.False(t, done)
	assert.False(t, aborted)

	require.NoError(t, h.MarkCompleted(true))
	done, aborted = h.Completed()
	assert.True(t, done)
	assert.True(t, aborted)

	err := h.MarkCompleted(false)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	_, aborted = h.Completed()
	assert.True(t, aborted, "second call must not change the outcome")
}

func TestBufferHandleWait(t *testing.T) {
	h := NewBufferHandle(uuid.New(), "")

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = h.MarkCompleted(false)
	}()

	aborted, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, aborted)
}

func TestBufferHandleWaitContext(t *testing.T) {
	h := NewBufferHandle(uuid.New(), "")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandlerInvokeNil(t *testing.T) {
	assert.NotPanics(t, func() { Handler{}.Invoke() })
}

func TestHandlerInvokePassesData(t *testing.T) {
	var got any
	Handler{Fn: func(d any) { got = d }, Data: 42}.Invoke()
	assert.Equal(t, 42, got)
}

func TestEntryTypeString(t *testing.T) {
	assert.Equal(t, "wait-barrier", EntryWaitBarrier.String())
	assert.Equal(t, "entry(99)", EntryType(99).String())
}
