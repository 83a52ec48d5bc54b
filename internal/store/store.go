// Package store implements the stream store: the persistence model for
// streams and their append-only chunks, and the invariants that keep
// reads consistent with in-flight writes.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations. The HTTP edge maps
// these to status codes with errors.Is.
var (
	ErrNotFound            = errors.New("store: stream not found")
	ErrStreamConflict      = errors.New("store: stream exists with a different content type")
	ErrContentTypeMismatch = errors.New("store: content type does not match stream")
	ErrInvalidOffset       = errors.New("store: offset past end of stream")
	ErrEmptyBody           = errors.New("store: empty body not allowed")
	ErrInvalidJSON         = errors.New("store: body is not a single JSON value")
	ErrStoreUnavailable    = errors.New("store: unavailable")
)

// Stream is the metadata record for one durable stream.
type Stream struct {
	ID          string
	Path        string
	ContentType string
	WriteSeq    uint64
	TotalBytes  uint64
	TTLSeconds  *int64
	ExpiresAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// IsExpired reports whether the stream should be treated as deleted
// because its TTL or explicit expiry has passed.
func (s *Stream) IsExpired(now time.Time) bool {
	if s.DeletedAt != nil {
		return true
	}
	if s.ExpiresAt != nil && now.After(*s.ExpiresAt) {
		return true
	}
	return false
}

// Chunk is one append-only unit of a stream.
type Chunk struct {
	StreamID       string
	Sequence       uint64
	ByteOffset     uint64
	Data           []byte
	Size           int
	IsJSONBoundary bool
	CreatedAt      time.Time
}

// ProducerHeaders carries the optional idempotent-producer coordinates
// for one append. A nil *ProducerHeaders on AppendInput means the
// caller supplied none, and producer checks are skipped entirely.
type ProducerHeaders struct {
	ProducerID string
	Epoch      int64
	Seq        int64
}

// AppendInput carries everything the append path has already validated
// (content-type match, JSON-boundary detection) by the time it reaches
// the store.
type AppendInput struct {
	Data           []byte
	IsJSONBoundary bool
	Producer       *ProducerHeaders
}

// AppendOutcome is returned on a successful append.
type AppendOutcome struct {
	Sequence   uint64
	ByteOffset uint64
	Size       int
	TotalBytes uint64
}

// Store is the persistence interface for the stream store.
// Implementations must make AppendChunk atomic: the read of the current
// writeSeq/totalBytes, the chunk insert, the stream row update, and any
// producer-state update happen in one transaction, serialized per stream
// by a row-level (or, for single-process embedded backends, in-process)
// lock.
type Store interface {
	// CreateStream creates a stream, or returns the existing one if its
	// config (content type) matches — ErrStreamConflict otherwise.
	CreateStream(ctx context.Context, path, contentType string, ttlSeconds *int64, expiresAt *time.Time) (stream *Stream, created bool, err error)

	// GetStream returns a stream's metadata. Expired or soft-deleted
	// streams are reported as ErrNotFound, never resurrected.
	GetStream(ctx context.Context, path string) (*Stream, error)

	// AppendChunk atomically assigns the next sequence/byteOffset, writes
	// the chunk, and advances the stream's counters. Producer validation
	// errors (producer.ErrStaleEpoch, producer.ErrSequenceConflict,
	// producer.ErrSequenceGap) are returned unwrapped so callers can
	// errors.Is against them.
	AppendChunk(ctx context.Context, streamID string, in AppendInput) (AppendOutcome, error)

	// ReadRange returns chunks with byteOffset >= fromOffset, stopping
	// before cumulative size would exceed maxBytes. Chunks are never
	// split, so the first chunk is returned whole even when it alone is
	// larger than maxBytes. ErrInvalidOffset if fromOffset is past the
	// stream's current totalBytes.
	ReadRange(ctx context.Context, streamID string, fromOffset uint64, maxBytes int) ([]Chunk, error)

	// Truncate deletes chunks whose end offset (byteOffset+size) is <=
	// throughOffset. It never rewrites the offsets of remaining chunks.
	Truncate(ctx context.Context, streamID string, throughOffset uint64) error

	// DeleteStream soft-deletes a stream; subsequent reads/appends see
	// ErrNotFound. SQLStore removes the chunks physically on the next
	// sweep; MemoryStore drops the stream and its chunks at once.
	DeleteStream(ctx context.Context, path string) error

	// SweepExpired removes expired (and, in SQLStore, soft-deleted)
	// streams together with their chunks and their producer state, and
	// returns how many streams it removed. Idle producer state of live
	// streams is not touched here. Idempotent.
	SweepExpired(ctx context.Context, now time.Time) (streamsRemoved int, err error)

	// Close releases any resources (DB handles, file descriptors) held
	// by the store.
	Close() error
}

// ContentTypeMatches compares two content types, ignoring parameters
// (e.g. charset) and case.
func ContentTypeMatches(a, b string) bool {
	if a == "" {
		a = "application/octet-stream"
	}
	if b == "" {
		b = "application/octet-stream"
	}
	return equalFold(mediaType(a), mediaType(b))
}

// IsJSONContentType reports whether ct is application/json, ignoring
// parameters and case.
func IsJSONContentType(ct string) bool {
	return equalFold(mediaType(ct), "application/json")
}

func mediaType(ct string) string {
	for i := 0; i < len(ct); i++ {
		if ct[i] == ';' {
			return ct[:i]
		}
	}
	return ct
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
