package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, BackendRedis, cfg.CounterStoreBackend)
	assert.Nil(t, cfg.AuthURLs)
	assert.False(t, cfg.AuthCacheDenied4xx)
}

func TestLoadConfigParsesAuthURLs(t *testing.T) {
	t.Setenv("AUTH_URLS", "http://a:8000/authorize, http://b:8000/authorize")
	cfg := LoadConfig()
	assert.Equal(t, []string{"http://a:8000/authorize", "http://b:8000/authorize"}, cfg.AuthURLs)
}

func TestLoadConfigInvalidIntFallsBack(t *testing.T) {
	t.Setenv("THREAD_POOL_SIZE", "not-a-number")
	cfg := LoadConfig()
	assert.Equal(t, 50, cfg.ThreadPoolSize)
}

func TestGetEnvFallback(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VULCAN_KEY")
	assert.Equal(t, "fallback", getEnv("NONEXISTENT_VULCAN_KEY", "fallback"))
}
