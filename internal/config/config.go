package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr               string
	DatabaseURL        string
	HealthCheckURL     string
	HealthCheckTimeout time.Duration
	KafkaBrokers       []string
	KafkaTopic         string
	RedisAddr          string
	SnapshotBucket     string
	SnapshotPrefix     string
	AdvanceInterval    time.Duration
	PolicyFile         string
}

const (
	defaultAddr                   = ":8072"
	defaultKafkaTopic             = "modelfleet.alerts"
	defaultHealthTimeoutSeconds   = 5
	defaultAdvanceIntervalSeconds = 2
)

func Load() (Config, error) {
	cfg := Config{
		Addr:               getEnv("MODELFLEET_ADDR", defaultAddr),
		DatabaseURL:        firstNonEmpty(os.Getenv("MODELFLEET_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		HealthCheckURL:     os.Getenv("MODELFLEET_HEALTHCHECK_URL"),
		HealthCheckTimeout: secondsEnv("MODELFLEET_HEALTHCHECK_TIMEOUT_SECONDS", defaultHealthTimeoutSeconds),
		KafkaBrokers:       splitList(os.Getenv("MODELFLEET_KAFKA_BROKERS")),
		KafkaTopic:         getEnv("MODELFLEET_KAFKA_TOPIC", defaultKafkaTopic),
		RedisAddr:          os.Getenv("MODELFLEET_REDIS_ADDR"),
		SnapshotBucket:     os.Getenv("MODELFLEET_SNAPSHOT_BUCKET"),
		SnapshotPrefix:     os.Getenv("MODELFLEET_SNAPSHOT_PREFIX"),
		AdvanceInterval:    secondsEnv("MODELFLEET_ADVANCE_INTERVAL_SECONDS", defaultAdvanceIntervalSeconds),
		PolicyFile:         os.Getenv("MODELFLEET_POLICY_FILE"),
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func secondsEnv(key string, fallback int) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return time.Duration(fallback) * time.Second
}

func splitList(raw string) []string {
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
