package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/durablelog/dstream/internal/producer"
)

// MemoryStore is a dependency-free, in-process Store implementation. It
// is not a production backend — there's no in-memory equivalent for
// multi-process deployments — but it gives the services above the
// store a fast, hermetic target for unit tests.
type MemoryStore struct {
	mu      sync.RWMutex
	byPath  map[string]*memStream
	byID    map[string]*memStream
	prodMu  sync.Mutex
	prodSt  map[producer.Key]producer.State
}

type memStream struct {
	stream Stream
	chunks []Chunk
	mu     sync.Mutex // serializes appends to this stream, standing in for the row lock
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byPath: make(map[string]*memStream),
		byID:   make(map[string]*memStream),
		prodSt: make(map[producer.Key]producer.State),
	}
}

func (s *MemoryStore) CreateStream(ctx context.Context, path, contentType string, ttlSeconds *int64, expiresAt *time.Time) (*Stream, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.byPath[path]; ok {
		if !existing.stream.IsExpired(now) {
			if ContentTypeMatches(existing.stream.ContentType, contentType) {
				cp := existing.stream
				return &cp, false, nil
			}
			return nil, false, ErrStreamConflict
		}
		// Expired: fall through and recreate in place.
		delete(s.byID, existing.stream.ID)
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}

	// Resolve a TTL into an absolute expiry at creation time: the stored
	// expiresAt is always absolute, and a stream past expiresAt is
	// treated as deleted.
	if ttlSeconds != nil && expiresAt == nil {
		t := now.Add(time.Duration(*ttlSeconds) * time.Second)
		expiresAt = &t
	}

	ms := &memStream{stream: Stream{
		ID:          uuid.NewString(),
		Path:        path,
		ContentType: contentType,
		TTLSeconds:  ttlSeconds,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}}
	s.byPath[path] = ms
	s.byID[ms.stream.ID] = ms

	cp := ms.stream
	return &cp, true, nil
}

func (s *MemoryStore) GetStream(ctx context.Context, path string) (*Stream, error) {
	s.mu.RLock()
	ms, ok := s.byPath[path]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.stream.IsExpired(time.Now()) {
		return nil, ErrNotFound
	}
	cp := ms.stream
	return &cp, nil
}

func (s *MemoryStore) lookupByID(streamID string) (*memStream, error) {
	s.mu.RLock()
	ms, ok := s.byID[streamID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return ms, nil
}

func (s *MemoryStore) AppendChunk(ctx context.Context, streamID string, in AppendInput) (AppendOutcome, error) {
	ms, err := s.lookupByID(streamID)
	if err != nil {
		return AppendOutcome{}, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.stream.IsExpired(time.Now()) {
		return AppendOutcome{}, ErrNotFound
	}

	key := producer.Key{StreamID: streamID}
	if in.Producer != nil {
		key.ProducerID = in.Producer.ProducerID

		s.prodMu.Lock()
		stored := s.prodSt[key]
		s.prodMu.Unlock()

		newState, err := producer.Decide(stored, in.Producer.Epoch, in.Producer.Seq)
		if err != nil {
			return AppendOutcome{}, err
		}

		// Commit chunk + producer state together, as the single
		// in-process lock on ms.mu already serializes this whole
		// method — the moral equivalent of one DB transaction.
		outcome := s.appendLocked(ms, in)

		s.prodMu.Lock()
		s.prodSt[key] = newState
		s.prodMu.Unlock()

		return outcome, nil
	}

	return s.appendLocked(ms, in), nil
}

// appendLocked must be called with ms.mu held.
func (s *MemoryStore) appendLocked(ms *memStream, in AppendInput) AppendOutcome {
	chunk := Chunk{
		StreamID:       ms.stream.ID,
		Sequence:       ms.stream.WriteSeq + 1,
		ByteOffset:     ms.stream.TotalBytes,
		Data:           append([]byte(nil), in.Data...),
		Size:           len(in.Data),
		IsJSONBoundary: in.IsJSONBoundary,
		CreatedAt:      time.Now(),
	}
	ms.chunks = append(ms.chunks, chunk)
	ms.stream.WriteSeq = chunk.Sequence
	ms.stream.TotalBytes = chunk.ByteOffset + uint64(chunk.Size)
	ms.stream.UpdatedAt = chunk.CreatedAt

	return AppendOutcome{
		Sequence:   chunk.Sequence,
		ByteOffset: chunk.ByteOffset,
		Size:       chunk.Size,
		TotalBytes: ms.stream.TotalBytes,
	}
}

func (s *MemoryStore) ReadRange(ctx context.Context, streamID string, fromOffset uint64, maxBytes int) ([]Chunk, error) {
	ms, err := s.lookupByID(streamID)
	if err != nil {
		return nil, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if fromOffset > ms.stream.TotalBytes {
		return nil, ErrInvalidOffset
	}

	var out []Chunk
	var used int
	for _, c := range ms.chunks {
		if c.ByteOffset < fromOffset {
			continue
		}
		if used+c.Size > maxBytes && len(out) > 0 {
			break
		}
		cp := c
		cp.Data = append([]byte(nil), c.Data...)
		out = append(out, cp)
		used += c.Size
		if used >= maxBytes {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Truncate(ctx context.Context, streamID string, throughOffset uint64) error {
	ms, err := s.lookupByID(streamID)
	if err != nil {
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	kept := ms.chunks[:0:0]
	for _, c := range ms.chunks {
		if c.ByteOffset+uint64(c.Size) <= throughOffset {
			continue
		}
		kept = append(kept, c)
	}
	ms.chunks = kept
	return nil
}

func (s *MemoryStore) DeleteStream(ctx context.Context, path string) error {
	s.mu.Lock()
	ms, ok := s.byPath[path]
	if ok {
		delete(s.byPath, path)
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	now := time.Now()
	ms.mu.Lock()
	ms.stream.DeletedAt = &now
	ms.mu.Unlock()

	s.mu.Lock()
	delete(s.byID, ms.stream.ID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	removedIDs := make(map[string]struct{})
	for path, ms := range s.byPath {
		ms.mu.Lock()
		expired := ms.stream.IsExpired(now)
		ms.mu.Unlock()
		if expired {
			delete(s.byPath, path)
			delete(s.byID, ms.stream.ID)
			removedIDs[ms.stream.ID] = struct{}{}
			removed++
		}
	}

	if removed > 0 {
		s.prodMu.Lock()
		for key := range s.prodSt {
			if _, ok := removedIDs[key.StreamID]; ok {
				delete(s.prodSt, key)
			}
		}
		s.prodMu.Unlock()
	}
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }
