package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/aristath/taskrt/internal/errs"
)

// EnvPrefix prefixes environment overrides, e.g. TASKRT_LOG_LEVEL.
const EnvPrefix = "TASKRT"

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): environment, project config,
// global config, defaults. Missing files are not errors; malformed files
// return an error. Any format viper understands (json, yaml, toml) is accepted.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.taskrt/config.json
// Project: .taskrt/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	globalPath, projectPath, err := DefaultPaths()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, projectPath)
}

// DefaultPaths returns the conventional global and project config paths.
func DefaultPaths() (string, string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".taskrt", "config.json"), filepath.Join(".taskrt", "config.json"), nil
}

// mergeConfigFile reads a config file and merges it into the base config.
// Groups are merged by name; a group without stacks gets DefaultStacks.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("json")
	}
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded Config
	if err := v.Unmarshal(&loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	for _, g := range loaded.Groups {
		if len(g.Stacks) == 0 {
			g.Stacks = DefaultStacks()
		}
		mergeGroup(base, g)
	}

	mergeScalars(v, base)
	return nil
}

func mergeGroup(base *Config, g WorkerGroupConfig) {
	for i := range base.Groups {
		if base.Groups[i].Name == g.Name {
			base.Groups[i] = g
			return
		}
	}
	base.Groups = append(base.Groups, g)
}

// mergeScalars copies every non-group key the source actually sets.
func mergeScalars(v *viper.Viper, base *Config) {
	s := &base.Scheduler
	if v.IsSet("scheduler.max_tasks") {
		s.MaxTasks = v.GetInt("scheduler.max_tasks")
	}
	if v.IsSet("scheduler.tick") {
		s.Tick = v.GetDuration("scheduler.tick")
	}
	if v.IsSet("scheduler.retry_initial") {
		s.RetryInitial = v.GetDuration("scheduler.retry_initial")
	}
	if v.IsSet("scheduler.retry_max") {
		s.RetryMax = v.GetDuration("scheduler.retry_max")
	}
	if v.IsSet("scheduler.fair_unlock_span") {
		s.FairUnlockSpan = v.GetDuration("scheduler.fair_unlock_span")
	}
	if v.IsSet("scheduler.spin_limit") {
		s.SpinLimit = v.GetInt("scheduler.spin_limit")
	}
	if v.IsSet("scheduler.validate_on_wait") {
		s.ValidateOnWait = v.GetBool("scheduler.validate_on_wait")
	}
	if v.IsSet("scheduler.inbox_buffer_size") {
		s.InboxBufferSize = v.GetInt("scheduler.inbox_buffer_size")
	}

	if v.IsSet("log.level") {
		base.Log.Level = v.GetString("log.level")
	}
	if v.IsSet("log.format") {
		base.Log.Format = v.GetString("log.format")
	}

	j := &base.Journal
	if v.IsSet("journal.enabled") {
		j.Enabled = v.GetBool("journal.enabled")
	}
	if v.IsSet("journal.path") {
		j.Path = v.GetString("journal.path")
	}
	if v.IsSet("journal.batch_size") {
		j.BatchSize = v.GetInt("journal.batch_size")
	}
	if v.IsSet("journal.flush_interval") {
		j.FlushInterval = v.GetDuration("journal.flush_interval")
	}
}

// applyEnv applies TASKRT_* overrides for scalar settings.
func applyEnv(base *Config) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range []string{
		"scheduler.max_tasks", "scheduler.tick", "scheduler.retry_initial", "scheduler.retry_max",
		"scheduler.fair_unlock_span", "scheduler.spin_limit", "scheduler.validate_on_wait",
		"scheduler.inbox_buffer_size",
		"log.level", "log.format",
		"journal.enabled", "journal.path", "journal.batch_size", "journal.flush_interval",
	} {
		_ = v.BindEnv(key)
	}
	mergeScalars(v, base)
}

// Validate checks every group and the scheduler settings.
func (c *Config) Validate() error {
	if len(c.Groups) == 0 {
		return fmt.Errorf("config: no worker groups: %w", errs.ErrInvalidArgument)
	}
	seen := make(map[string]bool, len(c.Groups))
	for i := range c.Groups {
		g := &c.Groups[i]
		if err := g.Validate(); err != nil {
			return err
		}
		if seen[g.Name] {
			return fmt.Errorf("config: group %q: %w", g.Name, errs.ErrAlreadyExists)
		}
		seen[g.Name] = true
	}
	if c.Scheduler.MaxTasks <= 0 {
		return fmt.Errorf("config: scheduler.max_tasks must be positive: %w", errs.ErrInvalidArgument)
	}
	if c.Scheduler.Tick <= 0 {
		return fmt.Errorf("config: scheduler.tick must be positive: %w", errs.ErrInvalidArgument)
	}
	return nil
}

// Validate checks a single group description.
func (g *WorkerGroupConfig) Validate() error {
	if g.Name == "" {
		return fmt.Errorf("config: group name is empty: %w", errs.ErrInvalidArgument)
	}
	if len(g.Stacks) == 0 {
		return fmt.Errorf("config: group %q has no stacks: %w", g.Name, errs.ErrInvalidArgument)
	}
	if g.DefaultStack < 0 || g.DefaultStack >= len(g.Stacks) {
		return fmt.Errorf("config: group %q default stack %d out of range: %w", g.Name, g.DefaultStack, errs.ErrInvalidArgument)
	}
	if g.Workers != nil && *g.Workers <= 0 {
		return fmt.Errorf("config: group %q worker count %d: %w", g.Name, *g.Workers, errs.ErrInvalidArgument)
	}
	for i, s := range g.Stacks {
		if s.MinSize == 0 {
			return fmt.Errorf("config: group %q stack %d has zero size: %w", g.Name, i, errs.ErrInvalidArgument)
		}
		if s.MaxResidency > 0 && (s.Preallocated > s.MaxResidency || s.ResidencyTarget > s.MaxResidency) {
			return fmt.Errorf("config: group %q stack %d residency exceeds max %d: %w", g.Name, i, s.MaxResidency, errs.ErrInvalidArgument)
		}
		if s.Preallocated < 0 || s.ResidencyTarget < 0 || s.MaxResidency < 0 {
			return fmt.Errorf("config: group %q stack %d has negative residency: %w", g.Name, i, errs.ErrInvalidArgument)
		}
	}
	return nil
}
