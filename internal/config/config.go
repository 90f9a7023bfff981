package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	MinBatchSize = 1
	MaxBatchSize = 500
)

// Config holds all configuration for both the API server and the worker.
type Config struct {
	Port            string
	DatabaseURL     string
	RedisURL        string
	MetricsPort     string
	LogLevel        string
	LogFormat       string
	NumExecutors    int
	BatchSize       int
	PollInterval    time.Duration
	ReclaimInterval time.Duration
	Destinations    []Destination
}

// Destination describes one delivery target and its pipeline tuning. Every
// retry/lease knob is per destination, not global.
type Destination struct {
	Name               string  `json:"name"`
	Kind               string  `json:"kind"` // "http" or "amqp"
	URL                string  `json:"url"`
	SecretKey          string  `json:"secret_key,omitempty"`
	Exchange           string  `json:"exchange,omitempty"`
	RoutingKey         string  `json:"routing_key,omitempty"`
	TimeoutSeconds     int     `json:"timeout_seconds"`
	LeaseSeconds       int     `json:"lease_seconds"`
	MaxAttempts        int     `json:"max_attempts"`
	BackoffBaseSeconds float64 `json:"backoff_base_seconds"`
	BackoffCapSeconds  float64 `json:"backoff_cap_seconds"`
	// Pointer so an omitted jitter_seconds falls back to the default while
	// an explicit 0 disables jitter.
	JitterSeconds      *float64 `json:"jitter_seconds,omitempty"`
	RateLimitPerSecond int      `json:"rate_limit_per_second"`
}

// Timeout bounds the sink call so a stuck delivery cannot outlive its lease.
func (d Destination) Timeout() time.Duration {
	if d.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// LeaseDuration is how long a claim on an outbox row stays exclusive.
func (d Destination) LeaseDuration() time.Duration {
	if d.LeaseSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(d.LeaseSeconds) * time.Second
}

// Load reads configuration from environment variables, with a .env file as
// fallback, and the destination list from DESTINATIONS_FILE.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dbURL := getEnv("DATABASE_URL", "")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	redisURL := getEnv("REDIS_URL", "")
	if redisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	batchSize := getEnvInt("BATCH_SIZE", 50)
	if batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	} else if batchSize < MinBatchSize {
		batchSize = MinBatchSize
	}

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		DatabaseURL:     dbURL,
		RedisURL:        redisURL,
		MetricsPort:     getEnv("METRICS_PORT", "9091"),
		LogLevel:        getEnv("LOG_LEVEL", "INFO"),
		LogFormat:       getEnv("LOG_FORMAT", "JSON"),
		NumExecutors:    getEnvInt("NUM_EXECUTORS", 10),
		BatchSize:       batchSize,
		PollInterval:    time.Duration(getEnvInt("POLL_INTERVAL_MS", 1000)) * time.Millisecond,
		ReclaimInterval: time.Duration(getEnvInt("RECLAIM_INTERVAL_SEC", 15)) * time.Second,
	}

	destFile := getEnv("DESTINATIONS_FILE", "destinations.json")
	dests, err := LoadDestinations(destFile)
	if err != nil {
		return nil, fmt.Errorf("loading destinations: %w", err)
	}
	cfg.Destinations = dests

	return cfg, nil
}

// LoadDestinations parses the destination list from a JSON file and
// validates each entry.
func LoadDestinations(path string) ([]Destination, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var dests []Destination
	if err := json.Unmarshal(data, &dests); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(dests))
	for i, d := range dests {
		if d.Name == "" {
			return nil, fmt.Errorf("destination %d: name is required", i)
		}
		if _, dup := seen[d.Name]; dup {
			return nil, fmt.Errorf("destination %q: duplicate name", d.Name)
		}
		seen[d.Name] = struct{}{}

		switch d.Kind {
		case "http":
			if d.URL == "" {
				return nil, fmt.Errorf("destination %q: url is required for http", d.Name)
			}
		case "amqp":
			if d.URL == "" || d.Exchange == "" {
				return nil, fmt.Errorf("destination %q: url and exchange are required for amqp", d.Name)
			}
		default:
			return nil, fmt.Errorf("destination %q: unknown kind %q", d.Name, d.Kind)
		}
	}

	return dests, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}
