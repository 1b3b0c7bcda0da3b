package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// CounterStoreBackend selects which counterstore.Store implementation
// cmd/server wires up; the counter store is treated as opaque per §6, so
// swapping backends never touches rateengine or lifecycle.
type CounterStoreBackend string

const (
	BackendRedis    CounterStoreBackend = "redis"
	BackendDynamoDB CounterStoreBackend = "dynamodb"
)

type Config struct {
	HTTPPort string

	AuthURLs           []string
	AuthTimeout        time.Duration
	AuthRealm          string
	AuthCacheDenied4xx bool

	CounterStoreBackend     CounterStoreBackend
	CounterStoreAddr        string
	CounterStorePassword    string
	CounterStorePoolSize    int
	CounterStoreMaxConns    int
	CounterStoreCallTimeout time.Duration

	AWSRegion         string
	DynamoDBTableName string

	// BucketSize is the legacy bucket_size option, parsed so existing
	// deployment configs still load. Nothing reads it: the rate engine
	// always buckets by each rate's period.
	BucketSize int

	ThreadPoolSize int

	AdminAPIKey string
}

func LoadConfig() *Config {
	authTimeout, err := time.ParseDuration(getEnv("AUTH_TIMEOUT", "2s"))
	if err != nil {
		authTimeout = 2 * time.Second
	}

	callTimeout, err := time.ParseDuration(getEnv("COUNTER_STORE_CALL_TIMEOUT", "1s"))
	if err != nil {
		callTimeout = time.Second
	}

	return &Config{
		HTTPPort: getEnv("HTTP_PORT", "8080"),

		AuthURLs:           splitCSV(getEnv("AUTH_URLS", "")),
		AuthTimeout:        authTimeout,
		AuthRealm:          getEnv("AUTH_REALM", "vulcan"),
		AuthCacheDenied4xx: getBool("AUTH_CACHE_DENIED_4XX", false),

		CounterStoreBackend:     CounterStoreBackend(getEnv("COUNTER_STORE_BACKEND", string(BackendRedis))),
		CounterStoreAddr:        getEnv("COUNTER_STORE_ADDR", "localhost:6379"),
		CounterStorePassword:    getEnv("COUNTER_STORE_PASSWORD", ""),
		CounterStorePoolSize:    getInt("COUNTER_STORE_POOL_SIZE", 10),
		CounterStoreMaxConns:    getInt("COUNTER_STORE_MAX_CONNECTIONS_PER_NODE", 10),
		CounterStoreCallTimeout: callTimeout,

		AWSRegion:         getEnv("AWS_REGION", "us-east-1"),
		DynamoDBTableName: getEnv("DYNAMODB_TABLE_NAME", "VulcanCounters"),

		BucketSize: getInt("BUCKET_SIZE", 1),

		ThreadPoolSize: getInt("THREAD_POOL_SIZE", 50),

		AdminAPIKey: getEnv("ADMIN_API_KEY", ""),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getBool(key string, fallback bool) bool {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
