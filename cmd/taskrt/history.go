package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aristath/taskrt/internal/persistence"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		limit     int
		path      string
		runID     string
		withTasks bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List journaled runs",
		Long: `List the worker group runs recorded in the journal, newest first.
With --run, print the buffers of one run; add --tasks to include their tasks.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if path == "" {
				path = a.cfg.Journal.Path
			}
			store, err := persistence.NewSQLiteStore(ctx, path)
			if err != nil {
				return fmt.Errorf("opening journal %s: %w", path, err)
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if runID == "" {
				return printRuns(ctx, out, store, limit)
			}
			id, err := uuid.Parse(runID)
			if err != nil {
				return fmt.Errorf("run id %q: %w", runID, err)
			}
			return printRun(ctx, out, store, id, withTasks)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum runs to list (0 for all)")
	cmd.Flags().StringVar(&path, "journal", "", "journal file (default journal.path from config)")
	cmd.Flags().StringVar(&runID, "run", "", "show the buffers of this run")
	cmd.Flags().BoolVar(&withTasks, "tasks", false, "with --run, also list each buffer's tasks")
	return cmd
}

func printRuns(ctx context.Context, w io.Writer, store persistence.Store, limit int) error {
	runs, err := store.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return nil
	}

	fmt.Fprintf(w, "%-36s  %-12s %-16s %10s %10s %8s %9s\n", "RUN", "GROUP", "STARTED", "DURATION", "FINISHED", "ABORTED", "EXHAUSTED")
	fmt.Fprintln(w, strings.Repeat("─", 110))
	for _, r := range runs {
		duration := "running"
		if !r.StoppedAt.IsZero() {
			duration = r.StoppedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%-36s  %-12s %-16s %10s %10s %8s %9s\n",
			r.ID, r.Group, humanize.Time(r.StartedAt), duration,
			humanize.Comma(int64(r.Finished)), humanize.Comma(int64(r.Aborted)), humanize.Comma(int64(r.Exhausted)))
	}
	return nil
}

func printRun(ctx context.Context, w io.Writer, store persistence.Store, id uuid.UUID, withTasks bool) error {
	run, err := store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	sizes := make([]string, len(run.Stacks))
	for i, s := range run.Stacks {
		sizes[i] = humanize.IBytes(s)
	}
	fmt.Fprintf(w, "Run:     %s\n", run.ID)
	fmt.Fprintf(w, "Group:   %s (%d workers)\n", run.Group, run.Workers)
	fmt.Fprintf(w, "Stacks:  %s\n", strings.Join(sizes, ", "))
	fmt.Fprintf(w, "Started: %s\n", run.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Buffers: %d\n\n", run.Buffers)

	buffers, err := store.ListBuffers(ctx, id)
	if err != nil {
		return err
	}
	for _, b := range buffers {
		fmt.Fprintf(w, "%-10s %-24s %3d commands %4d tasks  %s\n",
			b.Status, b.Label, b.Commands, b.Spawned, b.Duration.Round(time.Microsecond))
		if !withTasks {
			continue
		}
		tasks, err := store.ListTasks(ctx, b.ID)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			line := fmt.Sprintf("    %-9s %-24s prio %2d  %s", t.Status, t.Label, t.Priority, t.Duration.Round(time.Microsecond))
			if t.Panic != "" {
				line += "  panic: " + t.Panic
			}
			fmt.Fprintln(w, line)
		}
	}
	return nil
}
