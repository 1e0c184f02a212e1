package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uniassist/pipeline/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "uniassist:timeline:", cfg.Broker.StreamPrefix)
	assert.Equal(t, "uniassist:timeline:all", cfg.Broker.GlobalKey)
	assert.Equal(t, "ua-delivery", cfg.Broker.ConsumerGroup)
	assert.Equal(t, domain.DefaultMaxAttempts, cfg.Outbox.MaxAttempts)
	assert.False(t, cfg.Features.SyncPublishOnAdmit)
}

func TestLoadRejectsIdleConnsAboveOpenConnsFromEnv(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_MAX_OPEN_CONNS", "5")
	t.Setenv("DB_MAX_IDLE_CONNS", "10")
	t.Setenv("OUTBOX_BATCH_SIZE", "25")
	t.Setenv("ADMISSION_SYNC_PUBLISH", "true")

	cfg, err := Load()
	require.Error(t, err) // max idle > max open must fail validation
	assert.Nil(t, cfg)
}

func TestValidateRejectsInvalidBackoff(t *testing.T) {
	cfg := &Config{
		Database: DatabaseConfig{MaxOpenConns: 1},
		Outbox: OutboxConfig{
			MaxAttempts: 1,
			BatchSize:   1,
			BackoffBase: 0,
			BackoffCap:  -1,
		},
		Broker: BrokerConfig{StreamPrefix: "x"},
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestSessionKey(t *testing.T) {
	b := BrokerConfig{StreamPrefix: "uniassist:timeline:"}
	assert.Equal(t, "uniassist:timeline:s1", b.SessionKey("s1"))
}
