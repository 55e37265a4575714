package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/broadcastd/internal/config"
)

func validConfig() *config.Config {
	return &config.Config{
		Addr:                  ":8080",
		MaxConnections:        1500,
		CPURejectThreshold:    75,
		CPUPauseThreshold:     80,
		SchedulerLockAtLeast:  50 * time.Second,
		SchedulerLockAtMost:   58 * time.Second,
		RelayLockAtLeast:      1 * time.Second,
		RelayLockAtMost:       10 * time.Second,
		InboxCacheSize:        200,
		InboxCleanupThreshold: 220,
		LogLevel:              "info",
		LogFormat:             "json",
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsMissingAddr(t *testing.T) {
	cfg := validConfig()
	cfg.Addr = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroMaxConnections(t *testing.T) {
	cfg := validConfig()
	cfg.MaxConnections = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsOutOfRangeCPUThresholds(t *testing.T) {
	cfg := validConfig()
	cfg.CPURejectThreshold = 150
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.CPUPauseThreshold = -1
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsPauseBelowReject(t *testing.T) {
	cfg := validConfig()
	cfg.CPURejectThreshold = 80
	cfg.CPUPauseThreshold = 75
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsSchedulerLockOrdering(t *testing.T) {
	cfg := validConfig()
	cfg.SchedulerLockAtMost = cfg.SchedulerLockAtLeast
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsRelayLockOrdering(t *testing.T) {
	cfg := validConfig()
	cfg.RelayLockAtMost = cfg.RelayLockAtLeast - time.Millisecond
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsInboxThresholdBelowSize(t *testing.T) {
	cfg := validConfig()
	cfg.InboxCleanupThreshold = cfg.InboxCacheSize - 1
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "verbose"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownLogFormat(t *testing.T) {
	cfg := validConfig()
	cfg.LogFormat = "xml"
	assert.Error(t, cfg.Validate())
}

func TestLoadAppliesDefaultsFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://test/db")
	t.Setenv("REDIS_ADDR", "localhost:6399")

	cfg, err := config.Load(nil)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 1500, cfg.MaxConnections)
	assert.Equal(t, 100, cfg.OutboxDrainBatchSize)
	assert.Equal(t, 30*time.Minute, cfg.SchedulerPrefetchWindow)
	assert.Equal(t, "postgres://test/db", cfg.DatabaseURL)
}
