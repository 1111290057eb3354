package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "atlas", c.TemporalTaskQueue)
	assert.Equal(t, "assistant_api", c.DefaultStrategy)
	assert.Equal(t, 0.7, c.Temperature)
	assert.Equal(t, 10*time.Second, c.PollInterval)
	assert.Equal(t, 30*time.Second, c.LockTTL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ATLAS_DEFAULT_STRATEGY", "json_schema")
	t.Setenv("ATLAS_LOCK_WAIT", "250ms")
	t.Setenv("ATLAS_S3_PATH_STYLE", "true")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "json_schema", c.DefaultStrategy)
	assert.Equal(t, 250*time.Millisecond, c.LockWait)
	assert.True(t, c.S3PathStyle)
}

func TestLoadRejectsNonPositivePollBudget(t *testing.T) {
	t.Setenv("ATLAS_MAX_POLL_ITERATIONS", "0")
	_, err := Load()
	require.Error(t, err)
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger(Config{LogLevel: "loud", LogFormat: "console"})
	require.Error(t, err)
}
