package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskrt/internal/errs"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name         string
		global       string
		project      string
		expectGroups int
		checkGroup   string
		expectStacks int
		expectTick   time.Duration
		expectLevel  string
	}{
		{
			name:         "no config files returns defaults",
			expectGroups: 1,
			checkGroup:   DefaultGroupName,
			expectStacks: 3,
			expectTick:   5 * time.Millisecond,
			expectLevel:  "info",
		},
		{
			name:         "global adds a group with default stacks",
			global:       `{"groups":[{"name":"io","workers":2}]}`,
			expectGroups: 2,
			checkGroup:   "io",
			expectStacks: 3,
			expectTick:   5 * time.Millisecond,
			expectLevel:  "info",
		},
		{
			name:         "project overrides a group by name",
			project:      `{"groups":[{"name":"default","stacks":[{"min_size":8192,"max_residency":4}]}]}`,
			expectGroups: 1,
			checkGroup:   DefaultGroupName,
			expectStacks: 1,
			expectTick:   5 * time.Millisecond,
			expectLevel:  "info",
		},
		{
			name:         "project scalar wins over global",
			global:       `{"scheduler":{"tick":"10ms"},"log":{"level":"debug"}}`,
			project:      `{"scheduler":{"tick":"2ms"}}`,
			expectGroups: 1,
			checkGroup:   DefaultGroupName,
			expectStacks: 3,
			expectTick:   2 * time.Millisecond,
			expectLevel:  "debug",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()

			globalPath := ""
			if tt.global != "" {
				globalPath = writeFile(t, tmpDir, "global.json", tt.global)
			}
			projectPath := ""
			if tt.project != "" {
				projectPath = writeFile(t, tmpDir, "project.json", tt.project)
			}

			cfg, err := Load(globalPath, projectPath)
			require.NoError(t, err)

			assert.Len(t, cfg.Groups, tt.expectGroups)
			g, ok := cfg.Group(tt.checkGroup)
			require.True(t, ok, "group %q not found", tt.checkGroup)
			assert.Len(t, g.Stacks, tt.expectStacks)
			assert.Equal(t, tt.expectTick, cfg.Scheduler.Tick)
			assert.Equal(t, tt.expectLevel, cfg.Log.Level)
		})
	}
}

func TestLoad_WorkerCount(t *testing.T) {
	tmpDir := t.TempDir()
	path := writeFile(t, tmpDir, "global.json", `{"groups":[{"name":"io","workers":3,"queryable":true}]}`)

	cfg, err := Load(path, "")
	require.NoError(t, err)

	g, ok := cfg.Group("io")
	require.True(t, ok)
	require.NotNil(t, g.Workers)
	assert.Equal(t, 3, *g.Workers)
	assert.True(t, g.Queryable)

	def, _ := cfg.Group(DefaultGroupName)
	assert.Nil(t, def.Workers, "default group should size itself from the CPU count")
}

func TestLoad_YAML(t *testing.T) {
	tmpDir := t.TempDir()
	path := writeFile(t, tmpDir, "config.yaml", "log:\n  format: json\njournal:\n  enabled: true\n  batch_size: 8\n")

	cfg, err := Load("", path)
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Journal.Enabled)
	assert.Equal(t, 8, cfg.Journal.BatchSize)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("TASKRT_LOG_LEVEL", "warn")
	t.Setenv("TASKRT_SCHEDULER_SPIN_LIMIT", "4")

	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 4, cfg.Scheduler.SpinLimit)
}

func TestLoad_MalformedJSON(t *testing.T) {
	tmpDir := t.TempDir()
	globalPath := writeFile(t, tmpDir, "global.json", "{invalid json")

	_, err := Load(globalPath, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading global config")
}

func TestLoad_MissingFilesNotError(t *testing.T) {
	cfg, err := Load("/nonexistent/global.json", "/nonexistent/project.json")
	require.NoError(t, err)
	assert.Len(t, cfg.Groups, 1)
}

func TestLoad_InvalidGroupRejected(t *testing.T) {
	tmpDir := t.TempDir()
	path := writeFile(t, tmpDir, "global.json", `{"groups":[{"name":"bad","default_stack":5}]}`)

	_, err := Load(path, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestWorkerGroupValidate(t *testing.T) {
	zero := 0
	tests := []struct {
		name    string
		group   WorkerGroupConfig
		wantErr bool
	}{
		{name: "valid", group: WorkerGroupConfig{Name: "g", Stacks: DefaultStacks()}},
		{name: "empty name", group: WorkerGroupConfig{Stacks: DefaultStacks()}, wantErr: true},
		{name: "no stacks", group: WorkerGroupConfig{Name: "g"}, wantErr: true},
		{name: "zero workers", group: WorkerGroupConfig{Name: "g", Stacks: DefaultStacks(), Workers: &zero}, wantErr: true},
		{name: "zero size", group: WorkerGroupConfig{Name: "g", Stacks: []StackConfig{{MinSize: 0}}}, wantErr: true},
		{
			name:    "preallocated above max",
			group:   WorkerGroupConfig{Name: "g", Stacks: []StackConfig{{MinSize: 4096, Preallocated: 4, MaxResidency: 2}}},
			wantErr: true,
		},
		{
			name:  "unlimited residency",
			group: WorkerGroupConfig{Name: "g", Stacks: []StackConfig{{MinSize: 4096, Preallocated: 4, ResidencyTarget: 8}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.group.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, errs.ErrInvalidArgument)
				return
			}
			assert.NoError(t, err)
		})
	}
}
