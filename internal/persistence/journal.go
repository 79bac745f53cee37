package persistence

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/aristath/taskrt/internal/events"
	"github.com/aristath/taskrt/internal/logging"
)

// JournalOptions configures a Journal.
type JournalOptions struct {
	BatchSize     int           // Events per write (default 64)
	FlushInterval time.Duration // Longest time an event waits in a batch (default 250ms)
	Retry         RetryConfig
	Breaker       BreakerConfig
	Logger        zerolog.Logger
}

// Journal copies lifecycle events from the event bus into a Store. Writes
// are batched, retried with backoff and dropped while the circuit breaker
// is open; the journal never slows down the groups that publish.
type Journal struct {
	store   Store
	sub     *events.Subscription
	opts    JournalOptions
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
	warn    *logging.Limited

	written atomic.Uint64
	dropped atomic.Uint64
}

// NewJournal subscribes to every topic of bus. Call Run to start writing.
func NewJournal(store Store, bus *events.EventBus, opts JournalOptions) *Journal {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 250 * time.Millisecond
	}
	if opts.Retry == (RetryConfig{}) {
		opts.Retry = DefaultRetryConfig()
	}
	if opts.Breaker == (BreakerConfig{}) {
		opts.Breaker = DefaultBreakerConfig()
	}
	log := logging.Component(opts.Logger, "journal")
	return &Journal{
		store:   store,
		sub:     bus.Subscribe(events.AllTopics, opts.BatchSize*16),
		opts:    opts,
		breaker: newBreaker("journal", opts.Breaker, log),
		log:     log,
		warn:    logging.NewLimited(log, nil),
	}
}

// Run writes events until the bus is closed or ctx ends, then flushes what
// it still holds. Ending ctx unsubscribes the journal.
func (j *Journal) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]events.Event, 0, j.opts.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		j.write(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-j.sub.Events():
			if !ok {
				flush(ctx)
				return nil
			}
			if !journaled(ev) {
				continue
			}
			batch = append(batch, ev)
			if len(batch) >= j.opts.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			j.sub.Close()
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.opts.Retry.MaxElapsedTime)
			flush(final)
			cancel()
			return nil
		}
	}
}

func (j *Journal) write(ctx context.Context, batch []events.Event) {
	err := writeWithRetry(ctx, j.breaker, j.opts.Retry, func(ctx context.Context) error {
		return j.store.ApplyBatch(ctx, batch)
	})
	if err != nil {
		j.dropped.Add(uint64(len(batch)))
		j.warn.Warn("write").Err(err).Int("events", len(batch)).Msg("journal batch dropped")
		return
	}
	j.written.Add(uint64(len(batch)))
}

// journaled filters out the periodic stats samples.
func journaled(ev events.Event) bool {
	_, stats := ev.(events.GroupStatsEvent)
	return !stats
}

// Written returns how many events were stored.
func (j *Journal) Written() uint64 { return j.written.Load() }

// Dropped returns how many events were discarded after failed writes.
func (j *Journal) Dropped() uint64 { return j.dropped.Load() }

// Missed returns how many events the bus could not deliver to the journal
// because its buffer was full.
func (j *Journal) Missed() uint64 { return j.sub.Dropped() }
