package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/taskrt/internal/events"
)

// failingStore rejects every write.
type failingStore struct {
	mu    sync.Mutex
	calls int
}

func (s *failingStore) ApplyBatch(ctx context.Context, batch []events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return errors.New("database is locked")
}

func (s *failingStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *failingStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	return nil, nil
}

func (s *failingStore) GetRun(ctx context.Context, id uuid.UUID) (RunRecord, error) {
	return RunRecord{}, nil
}

func (s *failingStore) ListBuffers(ctx context.Context, runID uuid.UUID) ([]BufferRecord, error) {
	return nil, nil
}

func (s *failingStore) ListTasks(ctx context.Context, bufferID uuid.UUID) ([]TaskRecord, error) {
	return nil, nil
}

func (s *failingStore) Close() error { return nil }

// runJournal starts j and returns a function that closes the bus and waits
// for Run to return.
func runJournal(t *testing.T, j *Journal, bus *events.EventBus) func() {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- j.Run(context.Background())
	}()
	return func() {
		bus.Close()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Run returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("journal did not stop after the bus closed")
		}
	}
}

func TestJournalWritesBusEvents(t *testing.T) {
	store := testStore(t)
	bus := events.NewEventBus()
	j := NewJournal(store, bus, JournalOptions{
		BatchSize:     4,
		FlushInterval: 10 * time.Millisecond,
		Logger:        zerolog.Nop(),
	})
	stop := runJournal(t, j, bus)

	group, buffer := uuid.New(), uuid.New()
	batch := lifecycle(group, buffer, time.Unix(1700000000, 0))
	for i, ev := range batch {
		bus.Publish(ev)
		if i == 3 {
			// Stats samples are never journaled.
			bus.Publish(events.GroupStatsEvent{Group: group, Name: "default"})
		}
	}
	stop()

	if got := j.Written(); got != uint64(len(batch)) {
		t.Errorf("Written() = %d, want %d", got, len(batch))
	}
	if got := j.Dropped(); got != 0 {
		t.Errorf("Dropped() = %d, want 0", got)
	}
	if got := j.Missed(); got != 0 {
		t.Errorf("Missed() = %d, want 0", got)
	}

	run, err := store.GetRun(context.Background(), group)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.StoppedAt.IsZero() || run.Buffers != 1 {
		t.Errorf("run = %+v", run)
	}
	tasks, err := store.ListTasks(context.Background(), buffer)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Errorf("expected 2 tasks, got %d", len(tasks))
	}
}

func TestJournalDropsWhenStoreFails(t *testing.T) {
	store := &failingStore{}
	bus := events.NewEventBus()
	j := NewJournal(store, bus, JournalOptions{
		BatchSize:     2,
		FlushInterval: time.Hour,
		Retry: RetryConfig{
			InitialInterval:     time.Millisecond,
			MaxInterval:         5 * time.Millisecond,
			MaxElapsedTime:      time.Second,
			Multiplier:          2.0,
			RandomizationFactor: 0.1,
		},
		Breaker: BreakerConfig{ConsecutiveFailures: 2, Timeout: time.Minute},
		Logger:  zerolog.Nop(),
	})
	stop := runJournal(t, j, bus)

	batch := lifecycle(uuid.New(), uuid.New(), time.Now())[:4]
	for _, ev := range batch {
		bus.Publish(ev)
	}
	stop()

	if got := j.Dropped(); got != uint64(len(batch)) {
		t.Errorf("Dropped() = %d, want %d", got, len(batch))
	}
	if got := j.Written(); got != 0 {
		t.Errorf("Written() = %d, want 0", got)
	}
	// The breaker opens after two failed attempts; later batches never reach the store.
	if got := store.Calls(); got != 2 {
		t.Errorf("store saw %d writes, want 2", got)
	}
}

func TestJournalDefaults(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	j := NewJournal(&failingStore{}, bus, JournalOptions{Logger: zerolog.Nop()})

	if j.opts.BatchSize != 64 {
		t.Errorf("BatchSize = %d, want 64", j.opts.BatchSize)
	}
	if j.opts.FlushInterval != 250*time.Millisecond {
		t.Errorf("FlushInterval = %v, want 250ms", j.opts.FlushInterval)
	}
	if j.opts.Retry != DefaultRetryConfig() {
		t.Errorf("Retry = %+v, want defaults", j.opts.Retry)
	}
	if j.opts.Breaker != DefaultBreakerConfig() {
		t.Errorf("Breaker = %+v, want defaults", j.opts.Breaker)
	}
}

func TestJournalCountsMissedEvents(t *testing.T) {
	bus := events.NewEventBus()
	j := NewJournal(testStore(t), bus, JournalOptions{BatchSize: 1, Logger: zerolog.Nop()})

	// The subscription buffers 16 events until Run starts reading.
	for i := 0; i < 20; i++ {
		bus.Publish(events.GroupStatsEvent{Group: uuid.New(), Name: "default"})
	}
	runJournal(t, j, bus)()

	if got := j.Missed(); got != 4 {
		t.Errorf("Missed() = %d, want 4", got)
	}
	if got := j.Written(); got != 0 {
		t.Errorf("Written() = %d, want 0 (stats samples are not journaled)", got)
	}
}

func TestJournalStopsOnCancel(t *testing.T) {
	store := testStore(t)
	bus := events.NewEventBus()
	defer bus.Close()
	j := NewJournal(store, bus, JournalOptions{FlushInterval: time.Hour, Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	group := uuid.New()
	ev := lifecycle(group, uuid.New(), time.Now())[0]
	bus.Publish(ev)
	// Wait until Run has taken the event off the subscription.
	deadline := time.Now().Add(5 * time.Second)
	for len(j.sub.Events()) > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("journal did not stop after cancel")
	}
	if _, ok := <-j.sub.Events(); ok {
		t.Error("subscription still open after Run returned")
	}
	if _, err := store.GetRun(context.Background(), group); err != nil {
		t.Errorf("pending batch was not flushed: %v", err)
	}
}
