package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configKeys = []string{
	"CART_SERVICE_NAME", "CART_HTTP_ADDR", "CART_GRPC_ADDR", "CART_DB_PATH", "CART_SEED",
	"CART_RELEASE_DELAY", "CART_RELEASE_BACKEND", "RABBITMQ_URL", "EVENTS_EXCHANGE",
	"EVENTS_ENABLED", "RABBITMQ_PREFETCH", "Q_CART_RELEASE_DELAY", "Q_CART_RELEASE",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "REDIS_RELEASE_KEY", "REDIS_POLL_INTERVAL",
	"CART_CACHE_SIZE", "CORS_ALLOWED_ORIGINS", "CART_TRUST_UID_COOKIE", "LOG_LEVEL", "LOG_PRETTY",
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, k := range configKeys {
		t.Setenv(k, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "cart", cfg.ServiceName)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 30*time.Minute, cfg.ReleaseDelay)
	assert.Equal(t, BackendMemory, cfg.ReleaseBackend)
	assert.Equal(t, "cart.release.delay", cfg.QReleaseDelay)
	assert.Equal(t, "cart.release", cfg.QRelease)
	assert.Equal(t, 10, cfg.RabbitPrefetch)
	assert.Equal(t, time.Second, cfg.RedisPollInterval)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.False(t, cfg.PublishEvents)
	assert.False(t, cfg.TrustUIDCookie)
	assert.True(t, cfg.LogPretty)
}

func TestLoadConfigOverrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CART_RELEASE_DELAY", "1800")
	t.Setenv("CART_RELEASE_BACKEND", "Redis")
	t.Setenv("REDIS_POLL_INTERVAL", "250ms")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("EVENTS_ENABLED", "true")
	t.Setenv("CART_TRUST_UID_COOKIE", "true")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://localhost:3000, https://shop.example.com")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.ReleaseDelay)
	assert.Equal(t, BackendRedis, cfg.ReleaseBackend)
	assert.Equal(t, 250*time.Millisecond, cfg.RedisPollInterval)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.True(t, cfg.PublishEvents)
	assert.True(t, cfg.TrustUIDCookie)
	assert.Equal(t, []string{"http://localhost:3000", "https://shop.example.com"}, cfg.CORSOrigins)

	t.Setenv("CART_RELEASE_DELAY", "45s")
	cfg, err = LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.ReleaseDelay)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"CART_RELEASE_BACKEND", "kafka"},
		{"CART_RELEASE_DELAY", "0"},
		{"CART_RELEASE_DELAY", "soon"},
		{"CART_CACHE_SIZE", "0"},
		{"CART_SEED", "maybe"},
		{"REDIS_DB", "x"},
	}
	for _, tc := range tests {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			clearConfigEnv(t)
			t.Setenv(tc.key, tc.value)
			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.key)
		})
	}
}
