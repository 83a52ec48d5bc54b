// Package config loads process configuration from the environment:
// plain os.Getenv with manual parsing and hard defaults, no
// configuration framework.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the process's environment-driven settings.
type Config struct {
	DatabaseURL          string
	DuckDBPath           string
	ServiceToken         string
	LongPollTimeout      time.Duration
	CursorEpoch          time.Time
	CursorIntervalSeconds time.Duration
	ProducerStateTTL     time.Duration
	SSEHeartbeatInterval time.Duration
	MaxWaitersPerStream  int64
	MaxAppendBytes       int64
	SweepCronSchedule    string
}

// FromEnv applies hard defaults, overridden by whichever of these
// variables are set:
//
//	DATABASE_URL             (default: "", selects the embedded duckdb dev path)
//	DUCKDB_PATH              (default: ":memory:")
//	STREAM_SERVICE_TOKEN     (default: "", disables bearer-token auth)
//	LONG_POLL_TIMEOUT        (default: 30s)
//	CURSOR_EPOCH             (default: 2024-10-09T00:00:00Z, RFC3339)
//	CURSOR_INTERVAL_SECONDS  (default: 20)
//	PRODUCER_STATE_TTL       (default: 168h, i.e. 7 days)
//	SSE_HEARTBEAT_INTERVAL   (default: 15s)
//	MAX_WAITERS_PER_STREAM   (default: 10000)
//	MAX_APPEND_BYTES         (default: 1048576)
//	SWEEP_CRON_SCHEDULE      (default: "@every 1m")
func FromEnv() Config {
	return Config{
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		DuckDBPath:            getString("DUCKDB_PATH", ":memory:"),
		ServiceToken:          os.Getenv("STREAM_SERVICE_TOKEN"),
		LongPollTimeout:       getDuration("LONG_POLL_TIMEOUT", 30*time.Second),
		CursorEpoch:           getTime("CURSOR_EPOCH", time.Date(2024, 10, 9, 0, 0, 0, 0, time.UTC)),
		CursorIntervalSeconds: time.Duration(getInt64("CURSOR_INTERVAL_SECONDS", 20)) * time.Second,
		ProducerStateTTL:      getDuration("PRODUCER_STATE_TTL", 7*24*time.Hour),
		SSEHeartbeatInterval:  getDuration("SSE_HEARTBEAT_INTERVAL", 15*time.Second),
		MaxWaitersPerStream:   getInt64("MAX_WAITERS_PER_STREAM", 10000),
		MaxAppendBytes:        getInt64("MAX_APPEND_BYTES", 1<<20),
		SweepCronSchedule:     getString("SWEEP_CRON_SCHEDULE", "@every 1m"),
	}
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
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

func getTime(key string, def time.Time) time.Time {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return def
	}
	return t
}
