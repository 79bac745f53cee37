package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aristath/taskrt/internal/config"
	"github.com/aristath/taskrt/internal/worker"
)

func newStacksCmd(a *app) *cobra.Command {
	var names []string
	cmd := &cobra.Command{
		Use:   "stacks",
		Short: "Print the stack classes of the configured worker groups",
		Long: `Start each worker group briefly and print its stack classes: size,
free slots after preallocation, residency limits and which class serves
tasks that request no stack size (marked *).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			groups := a.cfg.Groups
			if len(names) > 0 {
				groups = groups[:0:0]
				for _, name := range names {
					g, err := a.group(name)
					if err != nil {
						return err
					}
					groups = append(groups, g)
				}
			}
			for _, g := range groups {
				if err := a.printStacks(cmd.Context(), cmd.OutOrStdout(), g); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&names, "group", "g", nil, "groups to print (default all)")
	return cmd
}

func (a *app) printStacks(ctx context.Context, w io.Writer, gcfg config.WorkerGroupConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	g, err := worker.New(ctx, worker.Options{
		Group:     gcfg,
		Scheduler: a.cfg.Scheduler,
		Logger:    a.log,
	})
	if err != nil {
		return fmt.Errorf("starting group %q: %w", gcfg.Name, err)
	}
	defer closeGroups([]*worker.Group{g}, a.log)

	stats, err := g.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "GROUP %s (%d workers)\n", g.Name(), g.Workers())
	fmt.Fprintln(w, strings.Repeat("─", 60))
	fmt.Fprintf(w, "%-10s %-8s %9s %9s %9s  %s\n", "SIZE", "DEFAULT", "FREE", "TARGET", "MAX", "GUARD")
	def := g.DefaultStackSize()
	for _, s := range stats.Stacks {
		mark := ""
		if s.Size == def {
			mark = "*"
		}
		limit := "unlimited"
		if s.MaxResidency > 0 {
			limit = humanize.Comma(int64(s.MaxResidency))
		}
		guard := "no"
		if s.OverflowProtection {
			guard = "yes"
		}
		fmt.Fprintf(w, "%-10s %-8s %9d %9d %9s  %s\n",
			humanize.IBytes(s.Size), mark, s.Free, s.ResidencyTarget, limit, guard)
	}
	fmt.Fprintln(w)
	return nil
}
