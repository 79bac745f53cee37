package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskrt/internal/config"
	"github.com/aristath/taskrt/internal/events"
	"github.com/aristath/taskrt/internal/persistence"
	"github.com/aristath/taskrt/internal/tui"
	"github.com/aristath/taskrt/internal/worker"
	"github.com/aristath/taskrt/internal/workload"
)

// shutdownTimeout bounds how long groups get to drain on exit.
const shutdownTimeout = 10 * time.Second

type runOptions struct {
	groups        []string
	workload      string
	buffers       int
	tasks         int
	rounds        int
	work          time.Duration
	journal       string
	statsInterval time.Duration
	monitor       bool
	repeat        bool // Resubmit the workload until interrupted
}

func addRunFlags(cmd *cobra.Command, o *runOptions) {
	f := cmd.Flags()
	f.StringSliceVarP(&o.groups, "group", "g", []string{config.DefaultGroupName}, "worker groups to run the workload on")
	f.StringVarP(&o.workload, "workload", "w", string(workload.Contention), "workload: contention, pipeline or fanout")
	f.IntVar(&o.buffers, "buffers", 4, "command buffers per group")
	f.IntVar(&o.tasks, "tasks", 16, "tasks (or items) per buffer")
	f.IntVar(&o.rounds, "rounds", 8, "critical sections per contention task")
	f.DurationVar(&o.work, "work", 0, "simulated work per task")
	f.StringVar(&o.journal, "journal", "", "journal runs to this SQLite file (enables the journal)")
	f.DurationVar(&o.statsInterval, "stats-interval", 250*time.Millisecond, "period of group stats samples")
}

func newRunCmd(a *app) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a workload and print a summary",
		Long: `Start the selected worker groups, submit a workload to each and wait
for every command buffer. The workload checks its own invariants once all
buffers resolved; a failed check is reported as an error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, o)
		},
	}
	addRunFlags(cmd, o)
	cmd.Flags().BoolVar(&o.monitor, "monitor", false, "show the live monitor while running")
	return cmd
}

func newMonitorCmd(a *app) *cobra.Command {
	o := &runOptions{monitor: true, repeat: true}
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run a workload repeatedly under the live monitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, o)
		},
	}
	addRunFlags(cmd, o)
	return cmd
}

// groupResult is the accumulated outcome of one group.
type groupResult struct {
	group    string
	result   workload.Result
	runs     int
	executed uint64
	stolen   uint64
}

func (a *app) run(cmd *cobra.Command, o *runOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	kind, err := workload.ParseKind(o.workload)
	if err != nil {
		return err
	}
	configs := make([]config.WorkerGroupConfig, 0, len(o.groups))
	for _, name := range o.groups {
		g, err := a.group(name)
		if err != nil {
			return err
		}
		configs = append(configs, g)
	}

	// The monitor owns the terminal; logs would tear its frames.
	log := a.log
	if o.monitor {
		log = zerolog.Nop()
	}

	bus := events.NewEventBus()
	defer bus.Close()

	stopJournal, err := a.startJournal(bus, o, log)
	if err != nil {
		return err
	}
	defer stopJournal()

	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	var (
		program *tea.Program
		tuiDone chan error
	)
	if o.monitor {
		// Subscribe before any group starts so the monitor sees GroupStarted.
		program = tea.NewProgram(tui.New(bus, a.cfg, a.globalPath, a.projectPath), tea.WithAltScreen())
		tuiDone = make(chan error, 1)
		go func() {
			_, err := program.Run()
			cancelWork()
			tuiDone <- err
		}()
	}

	registry := worker.NewRegistry()
	groups := make([]*worker.Group, 0, len(configs))
	defer func() {
		closeGroups(groups, log)
	}()
	for _, gcfg := range configs {
		g, err := worker.New(ctx, worker.Options{
			Group:         gcfg,
			Scheduler:     a.cfg.Scheduler,
			Logger:        log,
			Bus:           bus,
			Registry:      registry,
			StatsInterval: o.statsInterval,
		})
		if err != nil {
			if program != nil {
				program.Quit()
				<-tuiDone
			}
			return fmt.Errorf("starting group %q: %w", gcfg.Name, err)
		}
		groups = append(groups, g)
	}

	opts := workload.Options{
		Buffers: o.buffers,
		Tasks:   o.tasks,
		Rounds:  o.rounds,
		Work:    o.work,
		Logger:  log,
	}
	results, runErr := drive(workCtx, groups, kind, opts, o.repeat)

	if program != nil {
		// Without repeat, keep the final state on screen until the user quits.
		if err := stopMonitor(ctx, program, tuiDone, !o.repeat && runErr == nil); err != nil {
			log.Error().Err(err).Msg("monitor exited with error")
		}
	}

	// Worker counters are only reported for queryable groups.
	statsCtx := context.WithoutCancel(ctx)
	for _, g := range registry.Groups() {
		for i := range results {
			if results[i].group == g.Name() {
				collectWorkerStats(statsCtx, g, &results[i])
			}
		}
	}
	printResults(cmd.OutOrStdout(), results)

	// Quitting the monitor cancels the workload.
	if o.monitor && errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

func stopMonitor(ctx context.Context, program *tea.Program, done <-chan error, wait bool) error {
	if wait {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
		}
	}
	program.Quit()
	return <-done
}

// drive runs the workload on every group concurrently. With repeat set it
// resubmits until ctx ends.
func drive(ctx context.Context, groups []*worker.Group, kind workload.Kind, opts workload.Options, repeat bool) ([]groupResult, error) {
	results := make([]groupResult, len(groups))

	eg, ctx := errgroup.WithContext(ctx)
	for i, g := range groups {
		results[i].group = g.Name()
		eg.Go(func() error {
			acc := &results[i]
			for {
				res, err := workload.Run(ctx, g, kind, opts)
				if err != nil {
					return fmt.Errorf("group %q: %w", g.Name(), err)
				}
				acc.add(res)
				if !repeat {
					return nil
				}
			}
		})
	}
	return results, eg.Wait()
}

func (r *groupResult) add(res workload.Result) {
	r.runs++
	if r.runs == 1 {
		r.result = res
		return
	}
	r.result.Buffers += res.Buffers
	r.result.Aborted += res.Aborted
	r.result.Ops += res.Ops
	r.result.Elapsed += res.Elapsed
	r.result.Verified = r.result.Verified && res.Verified
}

func collectWorkerStats(ctx context.Context, g *worker.Group, r *groupResult) {
	stats, err := g.Stats(ctx)
	if err != nil {
		return
	}
	for _, w := range stats.Workers {
		r.executed += w.Executed
		r.stolen += w.Stolen
	}
}

func printResults(w io.Writer, results []groupResult) {
	for _, r := range results {
		if r.runs == 0 {
			fmt.Fprintf(w, "%s: no completed runs\n", r.group)
			continue
		}
		res := r.result
		status := "verified"
		if !res.Verified {
			status = "not verified"
		}
		fmt.Fprintf(w, "%s: %s x%d, %s buffers (%d aborted), %s ops in %s, %s\n",
			r.group, res.Kind, r.runs, humanize.Comma(int64(res.Buffers)), res.Aborted,
			humanize.Comma(int64(res.Ops)), res.Elapsed.Round(time.Microsecond), status)
		if r.executed > 0 {
			fmt.Fprintf(w, "  executed %s task slices, %s stolen\n",
				humanize.Comma(int64(r.executed)), humanize.Comma(int64(r.stolen)))
		}
	}
}

func closeGroups(groups []*worker.Group, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, g := range groups {
		if err := g.Close(ctx); err != nil {
			log.Error().Err(err).Str("group", g.Name()).Msg("group did not shut down cleanly")
		}
	}
}

// startJournal opens the journal store when enabled. The returned func
// waits for the journal to drain the closed bus and closes the store.
func (a *app) startJournal(bus *events.EventBus, o *runOptions, log zerolog.Logger) (func(), error) {
	jcfg := a.cfg.Journal
	if o.journal != "" {
		jcfg.Enabled = true
		jcfg.Path = o.journal
	}
	if !jcfg.Enabled {
		return func() {}, nil
	}

	store, err := persistence.NewSQLiteStore(context.Background(), jcfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening journal %s: %w", jcfg.Path, err)
	}
	j := persistence.NewJournal(store, bus, persistence.JournalOptions{
		BatchSize:     jcfg.BatchSize,
		FlushInterval: jcfg.FlushInterval,
		Logger:        log,
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = j.Run(context.Background())
	}()

	return func() {
		bus.Close()
		<-done
		if n := j.Dropped(); n > 0 {
			log.Warn().Uint64("events", n).Msg("journal dropped events")
		}
		if n := j.Missed(); n > 0 {
			log.Warn().Uint64("events", n).Msg("journal fell behind the event bus")
		}
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("closing journal")
		}
	}, nil
}
