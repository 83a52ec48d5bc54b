package store

import "fmt"

// schemaStatements returns the DDL for the three tables (durable_streams,
// durable_stream_chunks, durable_stream_producers), adapted to d's
// column types. Timestamps are stored as Unix seconds (BIGINT) rather
// than a native timestamp type so the same statements work unmodified
// across postgres, mysql and duckdb.
func schemaStatements(d dialect) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS durable_streams (
	id TEXT PRIMARY KEY,
	path TEXT NOT NULL UNIQUE,
	content_type TEXT NOT NULL,
	write_seq BIGINT NOT NULL DEFAULT 0,
	total_bytes BIGINT NOT NULL DEFAULT 0,
	ttl_seconds BIGINT,
	expires_at BIGINT,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	deleted_at BIGINT
)`),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS durable_stream_chunks (
	stream_id TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	byte_offset BIGINT NOT NULL,
	data %s NOT NULL,
	size INTEGER NOT NULL,
	is_json_boundary %s NOT NULL DEFAULT FALSE,
	created_at BIGINT NOT NULL,
	PRIMARY KEY (stream_id, sequence)
)`, d.blobType, d.boolType),
		`CREATE INDEX IF NOT EXISTS durable_stream_chunks_offset_idx ON durable_stream_chunks (stream_id, byte_offset)`,
		`CREATE TABLE IF NOT EXISTS durable_stream_producers (
	stream_id TEXT NOT NULL,
	producer_id TEXT NOT NULL,
	epoch BIGINT NOT NULL,
	last_seq BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (stream_id, producer_id)
)`,
	}
}
