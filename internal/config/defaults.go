package config

import "time"

// DefaultGroupName is the name of the worker group created by DefaultConfig.
const DefaultGroupName = "default"

// DefaultStacks returns the stack classes used when a group configures none.
func DefaultStacks() []StackConfig {
	return []StackConfig{
		{MinSize: 64 << 10, Preallocated: 16, ResidencyTarget: 64, MaxResidency: 1024},
		{MinSize: 512 << 10, Preallocated: 2, ResidencyTarget: 8, MaxResidency: 128},
		{MinSize: 4 << 20, Preallocated: 0, ResidencyTarget: 1, MaxResidency: 16, OverflowProtection: true},
	}
}

// DefaultConfig returns the built-in configuration: one queryable group with
// a worker per logical CPU and the default stack classes.
func DefaultConfig() *Config {
	return &Config{
		Groups: []WorkerGroupConfig{
			{
				Name:         DefaultGroupName,
				Stacks:       DefaultStacks(),
				DefaultStack: 0,
				Queryable:    true,
			},
		},
		Scheduler: SchedulerConfig{
			MaxTasks:        1 << 20,
			Tick:            5 * time.Millisecond,
			RetryInitial:    50 * time.Microsecond,
			RetryMax:        5 * time.Millisecond,
			FairUnlockSpan:  time.Millisecond,
			SpinLimit:       10,
			InboxBufferSize: 1024,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Journal: JournalConfig{
			Enabled:       false,
			Path:          ".taskrt/journal.db",
			BatchSize:     64,
			FlushInterval: 250 * time.Millisecond,
		},
	}
}
