package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aristath/taskrt/internal/config"
	"github.com/aristath/taskrt/internal/errs"
	"github.com/aristath/taskrt/internal/logging"
)

// app carries state shared by every subcommand.
type app struct {
	configPath string // Project config override
	logLevel   string

	cfg         *config.Config
	globalPath  string
	projectPath string
	log         zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "taskrt",
		Short: "Cooperative M:N task runtime",
		Long: `taskrt runs command buffers of stackful tasks on worker groups.

Use it to drive the bundled workloads, watch a group live, inspect its
stack classes and browse the run journal.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "project config file (default .taskrt/config.json)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log.level (trace, debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(a),
		newMonitorCmd(a),
		newStacksCmd(a),
		newHistoryCmd(a),
	)
	return root
}

// load reads configuration and builds the logger.
func (a *app) load(cmd *cobra.Command) error {
	global, project, err := config.DefaultPaths()
	if err != nil {
		return err
	}
	if a.configPath != "" {
		project = a.configPath
	}
	cfg, err := config.Load(global, project)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}

	log, err := logging.New(cmd.ErrOrStderr(), cfg.Log)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.globalPath = global
	a.projectPath = project
	a.log = log
	return nil
}

// group returns the named group config.
func (a *app) group(name string) (config.WorkerGroupConfig, error) {
	g, ok := a.cfg.Group(name)
	if !ok {
		return config.WorkerGroupConfig{}, fmt.Errorf("worker group %q: %w", name, errs.ErrNotFound)
	}
	return g, nil
}
