// Package config provides environment-variable driven configuration for
// the cmd/vdr and cmd/resolverd binaries: os.Getenv with defaults, no
// flag parsing beyond what main does itself.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// VDRConfig configures the cmd/vdr binary (spec §4.8).
type VDRConfig struct {
	Port string
	// DatabaseURL selects the Postgres-backed KV adapter when set;
	// otherwise the in-memory reference implementation is used (spec
	// Non-goals: concrete storage backends stay optional/secondary).
	DatabaseURL string
	LogLevel    string
	// GatewayURLs are the VDG base URLs the VDR fans out update
	// notifications to (spec §4.8 step 4, §6 "gateway notification").
	GatewayURLs []string
	// BearerSigningKey, if set, requires a valid bearer token on
	// mutation endpoints (POST/PUT), HMAC-signed with this key.
	BearerSigningKey string
	// NotifyTimeout bounds each fire-and-forget gateway POST.
	NotifyTimeout time.Duration
}

// LoadVDR loads VDRConfig from the environment.
func LoadVDR() *VDRConfig {
	return &VDRConfig{
		Port:             getEnv("PORT", "8080"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		LogLevel:         getEnv("LOG_LEVEL", "INFO"),
		GatewayURLs:      splitNonEmpty(os.Getenv("VDG_URLS"), ","),
		BearerSigningKey: os.Getenv("VDR_BEARER_SIGNING_KEY"),
		NotifyTimeout:    getDuration("VDG_NOTIFY_TIMEOUT", 5*time.Second),
	}
}

// ResolverConfig configures the cmd/resolverd binary (spec §4.7).
type ResolverConfig struct {
	Port string
	// VDRBaseURL is the upstream VDR (or VDG) this resolver fetches
	// missing documents from.
	VDRBaseURL string
	LogLevel   string
	// FetchStrategy selects the gap-filling pattern: "serial",
	// "parallel", or "batch" (spec §4.7 step 5).
	FetchStrategy string
	// FetchConcurrency bounds in-flight predecessor requests for the
	// parallel strategy (spec §5: "default bound on the order of 256").
	FetchConcurrency int
	// RedisURL, if set, backs the resolver's verified cache with a
	// shared github.com/redis/go-redis/v9 store instead of an
	// in-process one, so multiple resolvers behind one VDG share a
	// scope of agreement (spec §1(c)).
	RedisURL string
}

// LoadResolver loads ResolverConfig from the environment.
func LoadResolver() *ResolverConfig {
	return &ResolverConfig{
		Port:             getEnv("PORT", "8081"),
		VDRBaseURL:       getEnv("VDR_BASE_URL", "http://localhost:8080"),
		LogLevel:         getEnv("LOG_LEVEL", "INFO"),
		FetchStrategy:    getEnv("RESOLVER_FETCH_STRATEGY", "parallel"),
		FetchConcurrency: getInt("RESOLVER_FETCH_CONCURRENCY", 256),
		RedisURL:         os.Getenv("REDIS_URL"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
