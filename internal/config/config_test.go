package config

import (
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()
	if cfg.LongPollTimeout != 30*time.Second {
		t.Errorf("expected default long poll timeout 30s, got %s", cfg.LongPollTimeout)
	}
	if cfg.CursorIntervalSeconds != 20*time.Second {
		t.Errorf("expected default cursor interval 20s, got %s", cfg.CursorIntervalSeconds)
	}
	if cfg.MaxAppendBytes != 1<<20 {
		t.Errorf("expected default max append bytes 1MiB, got %d", cfg.MaxAppendBytes)
	}
	if !cfg.CursorEpoch.Equal(time.Date(2024, 10, 9, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected default cursor epoch: %v", cfg.CursorEpoch)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("LONG_POLL_TIMEOUT", "5s")
	t.Setenv("MAX_WAITERS_PER_STREAM", "7")
	t.Setenv("STREAM_SERVICE_TOKEN", "shh")

	cfg := FromEnv()
	if cfg.LongPollTimeout != 5*time.Second {
		t.Errorf("expected overridden long poll timeout 5s, got %s", cfg.LongPollTimeout)
	}
	if cfg.MaxWaitersPerStream != 7 {
		t.Errorf("expected overridden waiter cap 7, got %d", cfg.MaxWaitersPerStream)
	}
	if cfg.ServiceToken != "shh" {
		t.Errorf("expected overridden service token, got %q", cfg.ServiceToken)
	}
}
