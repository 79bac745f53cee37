package config

import "time"

// StackConfig describes one stack size class of a worker group.
type StackConfig struct {
	MinSize            uint64 `json:"min_size" mapstructure:"min_size"`                       // Smallest stack (bytes) served by this class
	Preallocated       int    `json:"preallocated" mapstructure:"preallocated"`               // Slots created when the group starts
	ResidencyTarget    int    `json:"residency_target" mapstructure:"residency_target"`       // Free slots kept around after release
	MaxResidency       int    `json:"max_residency" mapstructure:"max_residency"`             // Hard cap on live slots (0 = unlimited)
	OverflowProtection bool   `json:"overflow_protection" mapstructure:"overflow_protection"` // Request guard pages for this class
}

// WorkerGroupConfig is consumed when a worker group is constructed.
type WorkerGroupConfig struct {
	Name         string        `json:"name" mapstructure:"name"`
	Stacks       []StackConfig `json:"stacks" mapstructure:"stacks"`
	DefaultStack int           `json:"default_stack" mapstructure:"default_stack"` // Index into Stacks
	Workers      *int          `json:"workers,omitempty" mapstructure:"workers"`   // nil = one per logical CPU
	Queryable    bool          `json:"queryable" mapstructure:"queryable"`         // Visible through the group registry
	LockThreads  bool          `json:"lock_threads" mapstructure:"lock_threads"`   // Pin each worker to an OS thread
}

// SchedulerConfig tunes the scheduler and event loop.
type SchedulerConfig struct {
	MaxTasks        int           `json:"max_tasks" mapstructure:"max_tasks"`               // Handle space per group
	Tick            time.Duration `json:"tick" mapstructure:"tick"`                         // Upper bound on event loop sleep
	RetryInitial    time.Duration `json:"retry_initial" mapstructure:"retry_initial"`       // First stack-allocation retry delay
	RetryMax        time.Duration `json:"retry_max" mapstructure:"retry_max"`               // Largest stack-allocation retry delay
	FairUnlockSpan  time.Duration `json:"fair_unlock_span" mapstructure:"fair_unlock_span"` // Upper bound of the random fair-unlock window
	SpinLimit       int           `json:"spin_limit" mapstructure:"spin_limit"`             // Yields before a contended lock parks
	ValidateOnWait  bool          `json:"validate_on_wait" mapstructure:"validate_on_wait"` // Run the full graph check after each new edge
	InboxBufferSize int           `json:"inbox_buffer_size" mapstructure:"inbox_buffer_size"`
}

// LogConfig selects log level and output format.
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // trace, debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // console or json
}

// JournalConfig controls the SQLite lifecycle journal.
type JournalConfig struct {
	Enabled       bool          `json:"enabled" mapstructure:"enabled"`
	Path          string        `json:"path" mapstructure:"path"`
	BatchSize     int           `json:"batch_size" mapstructure:"batch_size"`
	FlushInterval time.Duration `json:"flush_interval" mapstructure:"flush_interval"`
}

// Config is the top-level configuration.
type Config struct {
	Groups    []WorkerGroupConfig `json:"groups" mapstructure:"groups"`
	Scheduler SchedulerConfig     `json:"scheduler" mapstructure:"scheduler"`
	Log       LogConfig           `json:"log" mapstructure:"log"`
	Journal   JournalConfig       `json:"journal" mapstructure:"journal"`
}

// Group returns the group config with the given name.
func (c *Config) Group(name string) (WorkerGroupConfig, bool) {
	for _, g := range c.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return WorkerGroupConfig{}, false
}
