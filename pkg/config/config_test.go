package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadVDRDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "DATABASE_URL", "LOG_LEVEL", "VDG_URLS", "VDR_BEARER_SIGNING_KEY", "VDG_NOTIFY_TIMEOUT"} {
		t.Setenv(k, "")
	}
	cfg := LoadVDR()
	assert.Equal(t, "8080", cfg.Port)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Nil(t, cfg.GatewayURLs)
	assert.Empty(t, cfg.BearerSigningKey)
	assert.Equal(t, 5*time.Second, cfg.NotifyTimeout)
}

func TestLoadVDRFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://x")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("VDG_URLS", "http://a.example, http://b.example,")
	t.Setenv("VDR_BEARER_SIGNING_KEY", "secret")
	t.Setenv("VDG_NOTIFY_TIMEOUT", "2s")

	cfg := LoadVDR()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "postgres://x", cfg.DatabaseURL)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.GatewayURLs)
	assert.Equal(t, "secret", cfg.BearerSigningKey)
	assert.Equal(t, 2*time.Second, cfg.NotifyTimeout)
}

func TestLoadVDRInvalidDurationFallsBackToDefault(t *testing.T) {
	t.Setenv("VDG_NOTIFY_TIMEOUT", "not-a-duration")
	cfg := LoadVDR()
	assert.Equal(t, 5*time.Second, cfg.NotifyTimeout)
}

func TestLoadResolverDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "VDR_BASE_URL", "LOG_LEVEL", "RESOLVER_FETCH_STRATEGY", "RESOLVER_FETCH_CONCURRENCY", "REDIS_URL"} {
		t.Setenv(k, "")
	}
	cfg := LoadResolver()
	assert.Equal(t, "8081", cfg.Port)
	assert.Equal(t, "http://localhost:8080", cfg.VDRBaseURL)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "parallel", cfg.FetchStrategy)
	assert.Equal(t, 256, cfg.FetchConcurrency)
	assert.Empty(t, cfg.RedisURL)
}

func TestLoadResolverFromEnv(t *testing.T) {
	t.Setenv("PORT", "9091")
	t.Setenv("VDR_BASE_URL", "http://vdr.example")
	t.Setenv("RESOLVER_FETCH_STRATEGY", "serial")
	t.Setenv("RESOLVER_FETCH_CONCURRENCY", "16")
	t.Setenv("REDIS_URL", "redis://localhost:6379")

	cfg := LoadResolver()
	assert.Equal(t, "9091", cfg.Port)
	assert.Equal(t, "http://vdr.example", cfg.VDRBaseURL)
	assert.Equal(t, "serial", cfg.FetchStrategy)
	assert.Equal(t, 16, cfg.FetchConcurrency)
	assert.Equal(t, "redis://localhost:6379", cfg.RedisURL)
}

func TestLoadResolverInvalidConcurrencyFallsBackToDefault(t *testing.T) {
	t.Setenv("RESOLVER_FETCH_CONCURRENCY", "not-an-int")
	cfg := LoadResolver()
	assert.Equal(t, 256, cfg.FetchConcurrency)
}
