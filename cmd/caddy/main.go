package main

import (
	"fmt"
	"os"

	caddycmd "github.com/caddyserver/caddy/v2/cmd"

	// Import standard modules
	_ "github.com/caddyserver/caddy/v2/modules/standard"

	// Import our durable stream module
	_ "github.com/durablelog/dstream"

	"github.com/durablelog/dstream/internal/config"
)

const devCaddyfileTemplate = `{
	admin off
	auto_https off
}

:4437 {
	route /v1/stream/* {
		durable_streams {
			database_url %s
			duckdb_path %s
			service_token %s
			long_poll_timeout %s
			sse_heartbeat_interval %s
			producer_state_ttl %s
			max_waiters_per_stream %d
			max_append_bytes %d
			cursor_interval_seconds %d
			sweep_cron_schedule "%s"
		}
	}
}
`

func main() {
	// Check for dev mode
	if len(os.Args) > 1 && os.Args[1] == "dev" {
		runDevMode()
		return
	}

	caddycmd.Main()
}

func runDevMode() {
	cfg := config.FromEnv()

	fmt.Println("🚀 Starting Durable Stream Server development server...")
	fmt.Println("📍 Server running at: http://localhost:4437")
	fmt.Println("📝 Endpoint: http://localhost:4437/v1/stream/*")
	if cfg.DatabaseURL == "" {
		fmt.Printf("💾 Storage: embedded duckdb at %s\n", cfg.DuckDBPath)
	} else {
		fmt.Println("💾 Storage: external database (DATABASE_URL set)")
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	caddyfile := fmt.Sprintf(devCaddyfileTemplate,
		quoteOrEmpty(cfg.DatabaseURL),
		quoteOrEmpty(cfg.DuckDBPath),
		quoteOrEmpty(cfg.ServiceToken),
		cfg.LongPollTimeout,
		cfg.SSEHeartbeatInterval,
		cfg.ProducerStateTTL,
		cfg.MaxWaitersPerStream,
		cfg.MaxAppendBytes,
		int(cfg.CursorIntervalSeconds.Seconds()),
		cfg.SweepCronSchedule,
	)

	// Write the dev Caddyfile to a temp location.
	tmpfile, err := os.CreateTemp("", "Caddyfile.*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating temp Caddyfile: %v\n", err)
		os.Exit(1)
	}
	defer os.Remove(tmpfile.Name())

	if _, err := tmpfile.Write([]byte(caddyfile)); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing temp Caddyfile: %v\n", err)
		os.Exit(1)
	}
	if err := tmpfile.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing temp Caddyfile: %v\n", err)
		os.Exit(1)
	}

	// Replace args with 'run --config <tempfile>'
	os.Args = []string{os.Args[0], "run", "--config", tmpfile.Name()}

	// Run Caddy
	caddycmd.Main()
}

func quoteOrEmpty(s string) string {
	if s == "" {
		return `""`
	}
	return s
}
