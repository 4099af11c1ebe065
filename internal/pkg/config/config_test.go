package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vreid/arbiter/internal/pkg/bits"
	"github.com/vreid/arbiter/internal/pkg/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "arbiter.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.Protocol.CommitDuration)
	assert.Equal(t, 5*time.Minute, cfg.Protocol.RevealDuration)
	assert.Equal(t, 30*time.Minute, cfg.Protocol.MatchDuration)
	assert.Equal(t, 3, cfg.Protocol.EngineAttempts)
	assert.Equal(t, bits.Field{Offset: 0, Width: 64}, cfg.Protocol.ScoreField)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 5*time.Second, cfg.Keeper.Interval)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
protocol:
  commit_duration: 1m
  engine_attempts: 5
  score_field:
    offset: 64
    width: 32
log:
  format: logfmt
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cfg.Protocol.CommitDuration)
	assert.Equal(t, 5*time.Minute, cfg.Protocol.RevealDuration)
	assert.Equal(t, 5, cfg.Protocol.EngineAttempts)
	assert.Equal(t, bits.Field{Offset: 64, Width: 32}, cfg.Protocol.ScoreField)
	assert.Equal(t, "logfmt", cfg.Log.Format)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ARBITER_PROTOCOL__ENGINE_ATTEMPTS", "7")
	t.Setenv("ARBITER_KEEPER__INTERVAL", "250ms")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Protocol.EngineAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Keeper.Interval)
}

func TestLoadInvalid(t *testing.T) {
	path := writeConfig(t, `
protocol:
  engine_attempts: 0
`)

	_, err := config.Load(path)
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
}
