package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb"

	"github.com/durablelog/dstream/internal/producer"
)

// SQLStore is the relational Store implementation: a durable_streams
// table of stream metadata and a durable_stream_chunks table of
// append-only chunks, fronted by a pluggable dialect selected from
// DATABASE_URL (postgres via jackc/pgx, mysql via go-sql-driver/mysql,
// or an embedded duckdb file for zero-config dev/test use).
//
// Concurrent appends to one stream are serialized two ways: a
// SELECT ... FOR UPDATE on the stream row inside the transaction for
// dialects that support it (postgres, mysql), and — because duckdb is
// a single-process, single-writer engine with no row locking — an
// in-process per-stream mutex that every dialect also takes, so a
// cluster of server processes gets real cross-process serialization
// while a single process never pays for more than one extra mutex.
type SQLStore struct {
	db      *sql.DB
	dialect dialect

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// OpenSQLStore opens (creating tables if necessary) the store behind
// databaseURL. duckdbDefaultPath is used only when databaseURL is
// empty, selecting where the embedded dev/test database file lives
// (":memory:" is valid and is the default).
func OpenSQLStore(ctx context.Context, databaseURL, duckdbDefaultPath string) (*SQLStore, error) {
	d, dsn, err := parseDatabaseURL(databaseURL, duckdbDefaultPath)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", d.name, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", d.name, err)
	}
	if d.name == "duckdb" {
		// duckdb's Go driver does not support concurrent writer
		// connections against one file; cap the pool at one so
		// database/sql serializes instead of erroring.
		db.SetMaxOpenConns(1)
	}

	s := &SQLStore{db: db, dialect: d, locks: make(map[string]*sync.Mutex)}
	for _, stmt := range schemaStatements(d) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: migrate %s: %w", d.name, err)
		}
	}
	return s, nil
}

func (s *SQLStore) lockFor(streamID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[streamID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[streamID] = l
	}
	return l
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func nullableInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullableUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func fromNullableUnix(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0).UTC()
	return &t
}

func fromNullableInt64(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func (s *SQLStore) CreateStream(ctx context.Context, path, contentType string, ttlSeconds *int64, expiresAt *time.Time) (*Stream, bool, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	now := time.Now()
	if ttlSeconds != nil && expiresAt == nil {
		t := now.Add(time.Duration(*ttlSeconds) * time.Second)
		expiresAt = &t
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	existing, err := s.selectStreamByPathTx(ctx, tx, path)
	if err != nil && err != ErrNotFound {
		return nil, false, err
	}
	if err == nil {
		if !existing.IsExpired(now) {
			if ContentTypeMatches(existing.ContentType, contentType) {
				if err := tx.Commit(); err != nil {
					return nil, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
				}
				return existing, false, nil
			}
			return nil, false, ErrStreamConflict
		}
		// Expired: recreate in place under the same path.
		if _, err := tx.ExecContext(ctx, `DELETE FROM durable_stream_chunks WHERE stream_id = `+s.dialect.placeholder(1), existing.ID); err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM durable_streams WHERE id = `+s.dialect.placeholder(1), existing.ID); err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	id := uuid.NewString()
	ph := s.dialect.placeholder
	insert := fmt.Sprintf(`INSERT INTO durable_streams
		(id, path, content_type, write_seq, total_bytes, ttl_seconds, expires_at, created_at, updated_at, deleted_at)
		VALUES (%s, %s, %s, 0, 0, %s, %s, %s, %s, NULL)`,
		ph(1), ph(2), ph(3), ph(4), ph(5), ph(6), ph(7))
	if _, err := tx.ExecContext(ctx, insert,
		id, path, contentType, nullableInt64(ttlSeconds), nullableUnix(expiresAt), now.Unix(), now.Unix(),
	); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return &Stream{
		ID:          id,
		Path:        path,
		ContentType: contentType,
		TTLSeconds:  ttlSeconds,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, true, nil
}

type sqlExecutor interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) selectStreamByPathTx(ctx context.Context, q sqlExecutor, path string) (*Stream, error) {
	row := q.QueryRowContext(ctx, `SELECT id, path, content_type, write_seq, total_bytes, ttl_seconds, expires_at, created_at, updated_at, deleted_at
		FROM durable_streams WHERE path = `+s.dialect.placeholder(1), path)
	return scanStream(row)
}

func scanStream(row *sql.Row) (*Stream, error) {
	var st Stream
	var ttl, expiresAt, deletedAt sql.NullInt64
	var createdAt, updatedAt int64
	if err := row.Scan(&st.ID, &st.Path, &st.ContentType, &st.WriteSeq, &st.TotalBytes, &ttl, &expiresAt, &createdAt, &updatedAt, &deletedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	st.TTLSeconds = fromNullableInt64(ttl)
	st.ExpiresAt = fromNullableUnix(expiresAt)
	st.CreatedAt = time.Unix(createdAt, 0).UTC()
	st.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	st.DeletedAt = fromNullableUnix(deletedAt)
	return &st, nil
}

func (s *SQLStore) GetStream(ctx context.Context, path string) (*Stream, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, path, content_type, write_seq, total_bytes, ttl_seconds, expires_at, created_at, updated_at, deleted_at
		FROM durable_streams WHERE path = `+s.dialect.placeholder(1), path)
	st, err := scanStream(row)
	if err != nil {
		return nil, err
	}
	if st.IsExpired(time.Now()) {
		return nil, ErrNotFound
	}
	return st, nil
}

func (s *SQLStore) AppendChunk(ctx context.Context, streamID string, in AppendInput) (AppendOutcome, error) {
	lock := s.lockFor(streamID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendOutcome{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	ph := s.dialect.placeholder
	row := tx.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT write_seq, total_bytes, expires_at, deleted_at FROM durable_streams WHERE id = %s`+s.dialect.forUpdate(),
		ph(1)), streamID)

	var writeSeq, totalBytes int64
	var expiresAt, deletedAt sql.NullInt64
	if err := row.Scan(&writeSeq, &totalBytes, &expiresAt, &deletedAt); err != nil {
		if err == sql.ErrNoRows {
			return AppendOutcome{}, ErrNotFound
		}
		return AppendOutcome{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	st := Stream{WriteSeq: uint64(writeSeq), TotalBytes: uint64(totalBytes), ExpiresAt: fromNullableUnix(expiresAt), DeletedAt: fromNullableUnix(deletedAt)}
	if st.IsExpired(time.Now()) {
		return AppendOutcome{}, ErrNotFound
	}

	if in.Producer != nil {
		stored, err := s.selectProducerTx(ctx, tx, streamID, in.Producer.ProducerID)
		if err != nil {
			return AppendOutcome{}, err
		}
		newState, err := producer.Decide(stored, in.Producer.Epoch, in.Producer.Seq)
		if err != nil {
			return AppendOutcome{}, err
		}
		if err := s.upsertProducerTx(ctx, tx, streamID, in.Producer.ProducerID, newState); err != nil {
			return AppendOutcome{}, err
		}
	}

	seq := uint64(writeSeq) + 1
	offset := uint64(totalBytes)
	size := len(in.Data)
	now := time.Now()

	insertChunk := fmt.Sprintf(`INSERT INTO durable_stream_chunks
		(stream_id, sequence, byte_offset, data, size, is_json_boundary, created_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s)`,
		ph(1), ph(2), ph(3), ph(4), ph(5), ph(6), ph(7))
	if _, err := tx.ExecContext(ctx, insertChunk, streamID, seq, offset, in.Data, size, in.IsJSONBoundary, now.Unix()); err != nil {
		return AppendOutcome{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	newTotal := offset + uint64(size)
	updateStream := fmt.Sprintf(`UPDATE durable_streams SET write_seq = %s, total_bytes = %s, updated_at = %s WHERE id = %s`,
		ph(1), ph(2), ph(3), ph(4))
	if _, err := tx.ExecContext(ctx, updateStream, seq, newTotal, now.Unix(), streamID); err != nil {
		return AppendOutcome{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return AppendOutcome{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return AppendOutcome{Sequence: seq, ByteOffset: offset, Size: size, TotalBytes: newTotal}, nil
}

func (s *SQLStore) selectProducerTx(ctx context.Context, tx *sql.Tx, streamID, producerID string) (producer.State, error) {
	ph := s.dialect.placeholder
	row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT epoch, last_seq FROM durable_stream_producers WHERE stream_id = %s AND producer_id = %s`, ph(1), ph(2)), streamID, producerID)
	var st producer.State
	if err := row.Scan(&st.Epoch, &st.LastSeq); err != nil {
		if err == sql.ErrNoRows {
			return producer.State{}, nil
		}
		return producer.State{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return st, nil
}

func (s *SQLStore) upsertProducerTx(ctx context.Context, tx *sql.Tx, streamID, producerID string, st producer.State) error {
	ph := s.dialect.placeholder
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM durable_stream_producers WHERE stream_id = %s AND producer_id = %s`, ph(1), ph(2)), streamID, producerID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	insert := fmt.Sprintf(`INSERT INTO durable_stream_producers (stream_id, producer_id, epoch, last_seq, updated_at) VALUES (%s, %s, %s, %s, %s)`,
		ph(1), ph(2), ph(3), ph(4), ph(5))
	if _, err := tx.ExecContext(ctx, insert, streamID, producerID, st.Epoch, st.LastSeq, time.Now().Unix()); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *SQLStore) ReadRange(ctx context.Context, streamID string, fromOffset uint64, maxBytes int) ([]Chunk, error) {
	ph := s.dialect.placeholder

	var totalBytes int64
	row := s.db.QueryRowContext(ctx, `SELECT total_bytes FROM durable_streams WHERE id = `+ph(1), streamID)
	if err := row.Scan(&totalBytes); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if fromOffset > uint64(totalBytes) {
		return nil, ErrInvalidOffset
	}

	query := fmt.Sprintf(`SELECT sequence, byte_offset, data, size, is_json_boundary, created_at
		FROM durable_stream_chunks WHERE stream_id = %s AND byte_offset >= %s ORDER BY byte_offset ASC`, ph(1), ph(2))
	rows, err := s.db.QueryContext(ctx, query, streamID, fromOffset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []Chunk
	var used int
	for rows.Next() {
		var c Chunk
		var createdAt int64
		if err := rows.Scan(&c.Sequence, &c.ByteOffset, &c.Data, &c.Size, &c.IsJSONBoundary, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		c.StreamID = streamID
		c.CreatedAt = time.Unix(createdAt, 0).UTC()
		if used+c.Size > maxBytes && len(out) > 0 {
			break
		}
		out = append(out, c)
		used += c.Size
		if used >= maxBytes {
			break
		}
	}
	return out, rows.Err()
}

func (s *SQLStore) Truncate(ctx context.Context, streamID string, throughOffset uint64) error {
	ph := s.dialect.placeholder
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM durable_stream_chunks WHERE stream_id = %s AND byte_offset + size <= %s`, ph(1), ph(2)),
		streamID, throughOffset)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *SQLStore) DeleteStream(ctx context.Context, path string) error {
	ph := s.dialect.placeholder
	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE durable_streams SET deleted_at = %s, updated_at = %s WHERE path = %s AND deleted_at IS NULL`, ph(1), ph(2), ph(3)), now, now, path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	ph := s.dialect.placeholder
	nowUnix := now.Unix()

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id FROM durable_streams WHERE deleted_at IS NOT NULL OR (expires_at IS NOT NULL AND expires_at <= %s)`, ph(1)), nowUnix)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM durable_stream_chunks WHERE stream_id = `+ph(1), id); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM durable_stream_producers WHERE stream_id = `+ph(1), id); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM durable_streams WHERE id = `+ph(1), id); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	return len(ids), nil
}

// EvictExpiredProducers removes producer-state rows untouched since
// before cutoff, the table-backed counterpart to producer.Cache's TTL
// eviction: idle producer-state rows are garbage-collected after a
// configured idle TTL.
func (s *SQLStore) EvictExpiredProducers(ctx context.Context, cutoff time.Time) (int, error) {
	ph := s.dialect.placeholder
	res, err := s.db.ExecContext(ctx, `DELETE FROM durable_stream_producers WHERE updated_at < `+ph(1), cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return int(n), nil
}
