package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 24*time.Hour, cfg.SyncInterval)
	assert.Equal(t, 30, cfg.QuarantineDays)
	assert.Equal(t, 10*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, "norpreg", cfg.ConsentPartCode)
	assert.Equal(t, 30*24*time.Hour, cfg.QuarantinePeriod())
	assert.Len(t, cfg.AuthScopes, 2)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SYNC_INTERVAL", "6h")
	t.Setenv("QUARANTINE_DAYS", "14")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("POSTGRES_CONN_TTL", "5m")
	t.Setenv("MAX_BODY_BYTES", "2048")
	t.Setenv("LEASE_TTL", "not-a-duration")

	cfg := Load()

	assert.Equal(t, 6*time.Hour, cfg.SyncInterval)
	assert.Equal(t, 14, cfg.QuarantineDays)
	assert.True(t, cfg.KafkaEnabled)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 5*time.Minute, cfg.PostgresConnTTL)
	assert.Equal(t, int64(2048), cfg.MaxBodyBytes)
	assert.Equal(t, 2*time.Hour, cfg.LeaseTTL)
}

func TestValidateReportsMissingSettings(t *testing.T) {
	cfg := Load()
	cfg.EncryptionKey = ""
	cfg.AuthClientID = ""
	cfg.RedcapAPIURL = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENCRYPTION_KEY")
	assert.Contains(t, err.Error(), "REDCAP_API_URL")

	cfg.EncryptionKey = "0123456789abcdef"
	cfg.AuthClientID = "client"
	cfg.AuthPrivateKeyPath = "/keys/client.pem"
	cfg.RedcapAPIURL = "https://redcap.example/api/"
	assert.NoError(t, cfg.Validate())

	cfg.APITokenSecret = "short"
	assert.ErrorContains(t, cfg.Validate(), "API_TOKEN_SECRET")
}
