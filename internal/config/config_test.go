package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"HTTP_ADDR", "STORAGE_DRIVER", "REDIS_ADDR", "KAFKA_BROKERS", "ORDER_EXPIRY", "MAX_QUANTITY_PER_ORDER", "LOG_FORMAT"} {
		t.Setenv(k, "")
	}

	cfg := Load()
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "mysql", cfg.StorageDriver)
	assert.Contains(t, cfg.MySQLDSN, "parseTime=true")
	assert.Empty(t, cfg.RedisAddr)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, 15*time.Minute, cfg.OrderExpiry)
	assert.Equal(t, 10, cfg.MaxQuantityPerOrder)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "Postgres")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("ORDER_EXPIRY", "30m")
	t.Setenv("MAX_QUANTITY_PER_ORDER", "4")
	t.Setenv("RESTOCK_CLAMP", "yes")
	t.Setenv("SWEEP_BATCH_SIZE", "not-a-number")

	cfg := Load()
	assert.Equal(t, "postgres", cfg.StorageDriver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 30*time.Minute, cfg.OrderExpiry)
	assert.Equal(t, 4, cfg.MaxQuantityPerOrder)
	assert.True(t, cfg.RestockClamp)
	assert.Equal(t, 100, cfg.SweepBatchSize)
}

func TestValidate(t *testing.T) {
	cfg := Load()
	cfg.StorageDriver = "sqlite"
	cfg.OrderExpiry = 0
	cfg.MaxQuantityPerOrder = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORAGE_DRIVER")
	assert.Contains(t, err.Error(), "ORDER_EXPIRY")
	assert.Contains(t, err.Error(), "MAX_QUANTITY_PER_ORDER")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{ServiceName: "tickets", LogLevel: "warn", LogFormat: "json"}
	logger := cfg.NewLogger(&buf)

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"service":"tickets"`)
}
