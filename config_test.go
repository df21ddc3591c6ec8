package main

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, k := range knownEnvKeys {
		t.Setenv(k, "")
	}
	cfg := loadConfigFromEnv()
	assert.Equal(t, 8080, cfg.Port)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, 20, cfg.HourlyActionBudget)
	assert.Equal(t, 5, cfg.MaxActionsPerCycle)
	assert.Equal(t, 15*time.Minute, cfg.LoopInterval)
	assert.Equal(t, 8*time.Hour, cfg.DeepCeiling)
	assert.Equal(t, 60*time.Minute, cfg.DeepCooldown)
	assert.Equal(t, "EXTREME", cfg.ShockSevereLevel)
	assert.Equal(t, "paper", cfg.BrokerKind)
	assert.Empty(t, cfg.SignalFeeds)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("HOURLY_ACTION_BUDGET", "12")
	t.Setenv("MAX_ACTIONS_PER_CYCLE", "-3")
	t.Setenv("DRY_RUN", "no")
	t.Setenv("LOOP_INTERVAL", "90")
	t.Setenv("DEEP_CEILING", "6h30m")
	t.Setenv("LOSS_STREAK_WINDOW", "45")
	t.Setenv("SHOCK_SEVERE_LEVEL", "high")
	t.Setenv("BROKER", "REST")
	t.Setenv("SIGNAL_FEEDS", "regime=http://a/regime, shock=http://b/shock")

	cfg := loadConfigFromEnv()
	assert.Equal(t, 12, cfg.HourlyActionBudget)
	assert.Zero(t, cfg.MaxActionsPerCycle, "negative caps clamp to zero")
	assert.False(t, cfg.DryRun)
	assert.Equal(t, 90*time.Second, cfg.LoopInterval)
	assert.Equal(t, 6*time.Hour+30*time.Minute, cfg.DeepCeiling)
	assert.Equal(t, 45*time.Minute, cfg.LossStreakWindow)
	assert.Equal(t, "HIGH", cfg.ShockSevereLevel)
	assert.Equal(t, "rest", cfg.BrokerKind)
	assert.Equal(t, map[string]string{"regime": "http://a/regime", "shock": "http://b/shock"}, cfg.SignalFeeds)
}

func TestParseFeedList(t *testing.T) {
	assert.Equal(t, map[string]string{"a": "http://x", "c": "http://y?q=1"},
		parseFeedList(" a = http://x ,=http://nope, b=, ,c=http://y?q=1"))
	assert.Empty(t, parseFeedList(""))
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("OV_TEST_INT", "x7")
	assert.Equal(t, 3, getEnvInt("OV_TEST_INT", 3))
	t.Setenv("OV_TEST_FLOAT", " 2.5 ")
	assert.Equal(t, 2.5, getEnvFloat("OV_TEST_FLOAT", 0))
	t.Setenv("OV_TEST_BOOL", "maybe")
	assert.True(t, getEnvBool("OV_TEST_BOOL", true))
	t.Setenv("OV_TEST_BOOL", "Y")
	assert.True(t, getEnvBool("OV_TEST_BOOL", false))
	t.Setenv("OV_TEST_DUR", "soon")
	assert.Equal(t, time.Minute, getEnvDuration("OV_TEST_DUR", time.Minute, time.Second))
	t.Setenv("OV_TEST_DUR", "1.5")
	assert.Equal(t, 90*time.Minute, getEnvDuration("OV_TEST_DUR", 0, time.Hour))
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overseer.env")
	require.NoError(t, os.WriteFile(path, []byte(`
# overseer
export FAST_MODEL="small-model"
DEEP_MODEL=big-model # the expensive one
HOURLY_ACTION_BUDGET=9
NOT_OURS=1
`), 0o600))
	t.Setenv("FAST_MODEL", "")
	t.Setenv("DEEP_MODEL", "")
	t.Setenv("HOURLY_ACTION_BUDGET", "30")
	t.Setenv("NOT_OURS", "")

	got, n, err := loadEnvFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)
	assert.Equal(t, 2, n)

	assert.Equal(t, "small-model", os.Getenv("FAST_MODEL"))
	assert.Equal(t, "big-model", os.Getenv("DEEP_MODEL"))
	assert.Equal(t, "30", os.Getenv("HOURLY_ACTION_BUDGET"), "exported values win over the file")
	assert.Empty(t, os.Getenv("NOT_OURS"), "unknown keys are never set")
}

func TestLoadEnvFileMissing(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "none.env")
	got, n, err := loadEnvFile(missing)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Equal(t, missing, got)
	assert.Zero(t, n)
}
