package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskrt/internal/config"
	"github.com/aristath/taskrt/internal/errs"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, config.LogConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)

	sched := Component(log, "scheduler")
	sched.Debug().Int("tasks", 3).Msg("pass")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "scheduler", entry["component"])
	assert.Equal(t, "debug", entry["level"])
	assert.EqualValues(t, 3, entry["tasks"])
}

func TestNewLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, config.LogConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)

	log.Info().Msg("hidden")
	log.Warn().Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, config.LogConfig{Level: "info", Format: "console"})
	require.NoError(t, err)

	log.Info().Str("group", "default").Msg("started")
	assert.Contains(t, buf.String(), "started")
	assert.Contains(t, buf.String(), "group=default")
}

func TestNewInvalidLevel(t *testing.T) {
	_, err := New(&bytes.Buffer{}, config.LogConfig{Level: "loud"})
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestLimitedPerCategory(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, config.LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)

	lim := NewLimited(log, map[time.Duration]int{time.Hour: 2})
	for i := 0; i < 5; i++ {
		lim.Warn("stack:65536").Int("attempt", i).Msg("exhausted")
	}
	lim.Warn("stack:4194304").Msg("exhausted")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 3)
}
