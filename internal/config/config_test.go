package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "memory://")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 30*time.Second, cfg.DepartmentSweepInterval)
	assert.Equal(t, 60*time.Second, cfg.AISweepInterval)
	assert.Equal(t, 120*time.Second, cfg.AIDeadline)
	assert.Equal(t, 24*time.Hour, cfg.AIFallbackDisable)
	assert.True(t, cfg.MasterAIEnabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokerList())
}

func TestValidateRejectsMissingDatabase(t *testing.T) {
	cfg := Config{DepartmentSweepInterval: time.Second, AISweepInterval: time.Second, AIDeadline: time.Second}
	require.Error(t, cfg.Validate())

	cfg.DatabaseURL = "memory://"
	cfg.AISweepInterval = 0
	require.Error(t, cfg.Validate())
}
