// Package config reads the process configuration of the docflow binary from
// the environment.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	StateDir string
	IDField  string
	LogLevel slog.Level
	Kafka    KafkaConfig
	Store    StoreConfig
}

type KafkaConfig struct {
	Brokers       []string
	OverflowTopic string
	Group         string
	// Helper runs the plan as a helper: only steps behind an overflow
	// boundary execute, fed from the overflow topic.
	Helper bool
}

// Enabled reports whether an overflow channel is configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0 && k.OverflowTopic != ""
}

type StoreConfig struct {
	Retries uint64
	Backoff time.Duration
}

// Load reads an optional .env file from the working directory, then the
// environment. Variables already set in the environment win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		StateDir: getEnv("DOCFLOW_STATE_DIR", "./docflow-state"),
		IDField:  getEnv("DOCFLOW_ID_FIELD", "id"),
		LogLevel: getEnvLevel("DOCFLOW_LOG_LEVEL", slog.LevelInfo),
		Kafka: KafkaConfig{
			Brokers:       getEnvList("DOCFLOW_KAFKA_BROKERS"),
			OverflowTopic: getEnv("DOCFLOW_OVERFLOW_TOPIC", ""),
			Group:         getEnv("DOCFLOW_HELPER_GROUP", "docflow-helper"),
			Helper:        getEnvBool("DOCFLOW_HELPER", false),
		},
		Store: StoreConfig{
			Retries: uint64(getEnvInt("DOCFLOW_STORE_RETRIES", 5)),
			Backoff: getEnvDuration("DOCFLOW_STORE_BACKOFF", 500*time.Millisecond),
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	if v := os.Getenv(key); v != "" {
		var l slog.Level
		if err := l.UnmarshalText([]byte(v)); err == nil {
			return l
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
