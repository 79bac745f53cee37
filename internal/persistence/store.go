// Package persistence journals worker group lifecycles to SQLite.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/taskrt/internal/events"
)

// BufferStatus is the journaled outcome of a command buffer.
type BufferStatus int

const (
	BufferRunning BufferStatus = iota
	BufferCompleted
	BufferAborted
)

func (s BufferStatus) String() string {
	switch s {
	case BufferRunning:
		return "running"
	case BufferCompleted:
		return "completed"
	case BufferAborted:
		return "aborted"
	}
	return "unknown"
}

// TaskStatus is the journaled outcome of a task.
type TaskStatus int

const (
	TaskSpawned TaskStatus = iota
	TaskFinished
	TaskAborted
)

func (s TaskStatus) String() string {
	switch s {
	case TaskSpawned:
		return "spawned"
	case TaskFinished:
		return "finished"
	case TaskAborted:
		return "aborted"
	}
	return "unknown"
}

// RunRecord is one worker group lifetime.
type RunRecord struct {
	ID        uuid.UUID
	Group     string
	Workers   int
	Stacks    []uint64
	StartedAt time.Time
	StoppedAt time.Time // Zero while the group runs
	Finished  uint64
	Aborted   uint64
	Buffers   int
	Exhausted uint64 // Stack exhaustion events summed over all classes
}

// BufferRecord is one submitted command buffer.
type BufferRecord struct {
	ID          uuid.UUID
	RunID       uuid.UUID
	Label       string
	Commands    int
	Spawned     int
	Status      BufferStatus
	SubmittedAt time.Time
	CompletedAt time.Time
	Duration    time.Duration
}

// TaskRecord is one spawned task.
type TaskRecord struct {
	BufferID   uuid.UUID
	Handle     string
	Label      string
	Priority   int
	Worker     int
	StackSize  uint64
	Status     TaskStatus
	Panic      string
	SpawnedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// Store defines the journal persistence interface.
type Store interface {
	// ApplyBatch records a batch of lifecycle events in one transaction.
	// Applying the same events twice leaves the same rows.
	ApplyBatch(ctx context.Context, batch []events.Event) error

	// Queries
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
	GetRun(ctx context.Context, id uuid.UUID) (RunRecord, error)
	ListBuffers(ctx context.Context, runID uuid.UUID) ([]BufferRecord, error)
	ListTasks(ctx context.Context, bufferID uuid.UUID) ([]TaskRecord, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing. Each store
// gets its own named database shared by its connections.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Allow 2 connections: the journal writer and a concurrent reader.
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n sql.NullInt64) time.Time {
	if !n.Valid || n.Int64 == 0 {
		return time.Time{}
	}
	return time.Unix(0, n.Int64)
}

func timeDuration(n sql.NullInt64) time.Duration {
	if !n.Valid {
		return 0
	}
	return time.Duration(n.Int64)
}
