// Package readsvc implements the read path: an offset-based range read
// that can optionally long-poll when the store has nothing new yet,
// plus the chunk-framing rules used by every format except SSE (see
// pump.go for that).
package readsvc

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/durablelog/dstream/internal/cursor"
	"github.com/durablelog/dstream/internal/store"
	"github.com/durablelog/dstream/internal/waiter"
)

// ErrBadFormat is returned for an unrecognized format= value, or a
// json-array/ndjson request against a non-JSON stream.
var ErrBadFormat = errors.New("readsvc: format not valid for this stream's content type")

// DefaultMaxBytes bounds a single read when the caller doesn't supply
// maxBytes.
const DefaultMaxBytes = 1 << 20

// Service implements the range-read/long-poll logic shared by every
// response format.
type Service struct {
	store           store.Store
	waiters         *waiter.Registry
	cursors         cursor.Codec
	longPollTimeout time.Duration
}

// New builds a Service. longPollTimeout bounds how long a wait=true
// read blocks with nothing new before returning 204.
func New(st store.Store, registry *waiter.Registry, codec cursor.Codec, longPollTimeout time.Duration) *Service {
	return &Service{store: st, waiters: registry, cursors: codec, longPollTimeout: longPollTimeout}
}

// Options carries one read request's query parameters, already parsed.
type Options struct {
	Cursor   string
	Wait     bool
	MaxBytes int
}

// Result is what the HTTP edge needs to render a response.
type Result struct {
	Stream     *store.Stream
	Chunks     []store.Chunk
	NextCursor string
	Empty      bool
}

// Read resolves the cursor, range-reads the store, and falls back to a
// long-poll wait when nothing new is available and the caller asked to
// wait. Auth happens at the HTTP edge before this is called.
func (s *Service) Read(ctx context.Context, path string, opts Options) (Result, error) {
	st, err := s.store.GetStream(ctx, path)
	if err != nil {
		return Result{}, err
	}

	pos, err := s.cursors.Decode(opts.Cursor)
	if err != nil {
		return Result{}, cursor.ErrMalformed
	}
	fromOffset := pos.ByteOffset

	if fromOffset > st.TotalBytes {
		return Result{}, store.ErrInvalidOffset
	}

	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	chunks, err := s.store.ReadRange(ctx, st.ID, fromOffset, maxBytes)
	if err != nil {
		return Result{}, err
	}
	if len(chunks) > 0 {
		return Result{Stream: st, Chunks: chunks, NextCursor: s.nextCursor(chunks, fromOffset)}, nil
	}

	if !opts.Wait {
		return Result{Stream: st, Empty: true, NextCursor: opts.Cursor}, nil
	}

	return s.longPollWait(ctx, st, fromOffset, maxBytes, opts.Cursor)
}

// longPollWait subscribes, waits for a notification or the deadline,
// re-queries on every wake, and keeps waiting (rather than returning
// early) if a wake produced nothing new.
func (s *Service) longPollWait(ctx context.Context, st *store.Stream, fromOffset uint64, maxBytes int, echoCursor string) (Result, error) {
	w, err := s.waiters.Subscribe(st.ID)
	if err != nil {
		return Result{}, err
	}
	defer s.waiters.Unsubscribe(w)

	deadline := time.Now().Add(s.longPollTimeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Result{Stream: st, Empty: true, NextCursor: echoCursor}, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{}, ctx.Err()
		case <-timer.C:
			return Result{Stream: st, Empty: true, NextCursor: echoCursor}, nil
		case <-w.Wake():
			timer.Stop()
			chunks, err := s.store.ReadRange(ctx, st.ID, fromOffset, maxBytes)
			if err != nil {
				return Result{}, err
			}
			if len(chunks) > 0 {
				return Result{Stream: st, Chunks: chunks, NextCursor: s.nextCursor(chunks, fromOffset)}, nil
			}
			// Spurious wakeup (or another stream event entirely):
			// keep waiting until the deadline.
		}
	}
}

func (s *Service) nextCursor(chunks []store.Chunk, fromOffset uint64) string {
	last := chunks[len(chunks)-1]
	end := last.ByteOffset + uint64(last.Size)
	return s.cursors.Encode(end, time.Now())
}

// Format renders chunks in the requested wire format. format "sse" is
// handled by pump.go, not here.
func Format(format string, contentType string, chunks []store.Chunk) ([]byte, error) {
	switch format {
	case "", "raw":
		var buf bytes.Buffer
		for _, c := range chunks {
			buf.Write(c.Data)
		}
		return buf.Bytes(), nil
	case "json-array":
		if !store.IsJSONContentType(contentType) {
			return nil, ErrBadFormat
		}
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, c := range chunks {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.Write(bytes.TrimSpace(c.Data))
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case "ndjson":
		if !store.IsJSONContentType(contentType) {
			return nil, ErrBadFormat
		}
		var buf bytes.Buffer
		for _, c := range chunks {
			buf.Write(bytes.TrimSpace(c.Data))
			buf.WriteByte('\n')
		}
		return buf.Bytes(), nil
	default:
		return nil, ErrBadFormat
	}
}
