package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/aristath/taskrt/internal/errs"
	"github.com/aristath/taskrt/internal/events"
)

// ApplyBatch records a batch of lifecycle events in one transaction.
// Every statement is an upsert, so events that arrive out of order or twice
// still converge on one row per run, buffer and task.
func (s *SQLiteStore) ApplyBatch(ctx context.Context, batch []events.Event) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, ev := range batch {
		if err := applyEvent(ctx, tx, ev); err != nil {
			return fmt.Errorf("failed to apply %s: %w", ev.EventType(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func applyEvent(ctx context.Context, tx *sql.Tx, ev events.Event) error {
	var err error
	switch e := ev.(type) {
	case events.GroupStartedEvent:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO runs (id, group_name, workers, stacks, started_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				group_name = excluded.group_name,
				workers = excluded.workers,
				stacks = excluded.stacks,
				started_at = excluded.started_at
		`, e.Group.String(), e.Name, e.Workers, joinSizes(e.Stacks), nanos(e.Timestamp))

	case events.GroupStoppedEvent:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO runs (id, group_name, stopped_at, finished, aborted)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				stopped_at = excluded.stopped_at,
				finished = excluded.finished,
				aborted = excluded.aborted
		`, e.Group.String(), e.Name, nanos(e.Timestamp), int64(e.Finished), int64(e.Aborted))

	case events.BufferSubmittedEvent:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO buffers (id, run_id, label, commands, status, submitted_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				label = excluded.label,
				commands = excluded.commands,
				submitted_at = excluded.submitted_at
		`, e.Buffer.String(), e.Group.String(), e.Label, e.Commands, BufferRunning, nanos(e.Timestamp))

	case events.BufferCompletedEvent:
		status := BufferCompleted
		if e.Aborted {
			status = BufferAborted
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO buffers (id, run_id, label, spawned, status, completed_at, duration_ns)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				spawned = excluded.spawned,
				status = excluded.status,
				completed_at = excluded.completed_at,
				duration_ns = excluded.duration_ns
		`, e.Buffer.String(), e.Group.String(), e.Label, e.Spawned, status, nanos(e.Timestamp), int64(e.Duration))

	case events.TaskSpawnedEvent:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (buffer_id, handle, run_id, label, priority, worker, stack_size, status, spawned_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(buffer_id, handle) DO UPDATE SET
				label = excluded.label,
				priority = excluded.priority,
				worker = excluded.worker,
				stack_size = excluded.stack_size,
				spawned_at = excluded.spawned_at
		`, e.Buffer.String(), e.Task, e.Group.String(), e.Label, e.Priority, e.Worker, int64(e.StackSize), TaskSpawned, nanos(e.Timestamp))

	case events.TaskFinishedEvent:
		status := TaskFinished
		if e.Aborted {
			status = TaskAborted
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (buffer_id, handle, run_id, label, status, panic, finished_at, duration_ns)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(buffer_id, handle) DO UPDATE SET
				status = excluded.status,
				panic = excluded.panic,
				finished_at = excluded.finished_at,
				duration_ns = excluded.duration_ns
		`, e.Buffer.String(), e.Task, e.Group.String(), e.Label, status, e.Panic, nanos(e.Timestamp), int64(e.Duration))

	case events.StackExhaustedEvent:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stack_exhaustion (run_id, size, count, at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(run_id, size, at) DO UPDATE SET count = excluded.count
		`, e.Group.String(), int64(e.Size), int64(e.Count), nanos(e.Timestamp))
	}
	return err
}

const runColumns = `
	r.id, r.group_name, r.workers, r.stacks, r.started_at, r.stopped_at, r.finished, r.aborted,
	(SELECT COUNT(*) FROM buffers b WHERE b.run_id = r.id),
	(SELECT COALESCE(SUM(x.count), 0) FROM stack_exhaustion x WHERE x.run_id = r.id)
`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var (
		rec              RunRecord
		id, stacks       string
		started, stopped sql.NullInt64
		finished         int64
		aborted          int64
		exhausted        int64
	)
	if err := row.Scan(&id, &rec.Group, &rec.Workers, &stacks, &started, &stopped, &finished, &aborted, &rec.Buffers, &exhausted); err != nil {
		return RunRecord{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return RunRecord{}, fmt.Errorf("run id %q: %w", id, err)
	}
	rec.ID = parsed
	rec.Stacks = splitSizes(stacks)
	rec.StartedAt = fromNanos(started)
	rec.StoppedAt = fromNanos(stopped)
	rec.Finished = uint64(finished)
	rec.Aborted = uint64(aborted)
	rec.Exhausted = uint64(exhausted)
	return rec, nil
}

// ListRuns returns the most recently started runs first. limit <= 0 means
// no limit.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+`
		FROM runs r
		ORDER BY r.started_at DESC, r.id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// GetRun returns one run.
func (s *SQLiteStore) GetRun(ctx context.Context, id uuid.UUID) (RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+`
		FROM runs r
		WHERE r.id = ?
	`, id.String())
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("run %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("failed to query run: %w", err)
	}
	return rec, nil
}

// ListBuffers returns the buffers of a run in submission order.
func (s *SQLiteStore) ListBuffers(ctx context.Context, runID uuid.UUID) ([]BufferRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, label, commands, spawned, status, submitted_at, completed_at, duration_ns
		FROM buffers
		WHERE run_id = ?
		ORDER BY submitted_at, id
	`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query buffers: %w", err)
	}
	defer rows.Close()

	var out []BufferRecord
	for rows.Next() {
		var (
			rec                  BufferRecord
			id, run              string
			submitted, completed sql.NullInt64
			duration             sql.NullInt64
		)
		if err := rows.Scan(&id, &run, &rec.Label, &rec.Commands, &rec.Spawned, &rec.Status, &submitted, &completed, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan buffer: %w", err)
		}
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("buffer id %q: %w", id, err)
		}
		if rec.RunID, err = uuid.Parse(run); err != nil {
			return nil, fmt.Errorf("run id %q: %w", run, err)
		}
		rec.SubmittedAt = fromNanos(submitted)
		rec.CompletedAt = fromNanos(completed)
		rec.Duration = timeDuration(duration)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating buffers: %w", err)
	}
	return out, nil
}

// ListTasks returns the tasks of a buffer in spawn order.
func (s *SQLiteStore) ListTasks(ctx context.Context, bufferID uuid.UUID) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT handle, label, priority, worker, stack_size, status, panic, spawned_at, finished_at, duration_ns
		FROM tasks
		WHERE buffer_id = ?
		ORDER BY spawned_at, handle
	`, bufferID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var (
			rec               TaskRecord
			stackSize         int64
			spawned, finished sql.NullInt64
			duration          sql.NullInt64
		)
		if err := rows.Scan(&rec.Handle, &rec.Label, &rec.Priority, &rec.Worker, &stackSize, &rec.Status, &rec.Panic, &spawned, &finished, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		rec.BufferID = bufferID
		rec.StackSize = uint64(stackSize)
		rec.SpawnedAt = fromNanos(spawned)
		rec.FinishedAt = fromNanos(finished)
		rec.Duration = timeDuration(duration)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return out, nil
}

func joinSizes(sizes []uint64) string {
	parts := make([]string, len(sizes))
	for i, s := range sizes {
		parts[i] = strconv.FormatUint(s, 10)
	}
	return strings.Join(parts, ",")
}

func splitSizes(s string) []uint64 {
	if s == "" {
		return nil
	}
	var out []uint64
	for _, part := range strings.Split(s, ",") {
		if v, err := strconv.ParseUint(part, 10, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}
