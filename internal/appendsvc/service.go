// Package appendsvc implements the append path: content-type
// enforcement, JSON-boundary validation, the idempotent producer check,
// and waking any long-poll/SSE readers once a chunk is durably
// committed.
package appendsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/durablelog/dstream/internal/producer"
	"github.com/durablelog/dstream/internal/store"
	"github.com/durablelog/dstream/internal/waiter"
)

// ErrBodyTooLarge is returned when the request body exceeds the
// configured MaxAppendBytes.
var ErrBodyTooLarge = errors.New("appendsvc: body exceeds maximum append size")

// Service wires a store.Store to the waiter registry so every
// committed append fans out a wakeup, without the store package itself
// knowing about long-poll/SSE readers.
type Service struct {
	store          store.Store
	waiters        *waiter.Registry
	producerCache  *producer.Cache
	maxAppendBytes int64
}

// New builds a Service over st, waking waiters through registry. It has
// no producer cache until WithProducerCache attaches one; without it,
// producer checks are made only by the store.
func New(st store.Store, registry *waiter.Registry, maxAppendBytes int64) *Service {
	return &Service{store: st, waiters: registry, maxAppendBytes: maxAppendBytes}
}

// WithProducerCache attaches a bounded, TTL-evicting front for
// producer-state checks. The store remains authoritative and still
// validates every producer append in its own transaction: a cache hit
// only lets a stale, duplicate or out-of-order write fail fast, before
// a transaction is opened.
func (s *Service) WithProducerCache(cache *producer.Cache) *Service {
	s.producerCache = cache
	return s
}

// Input carries one append request's body and headers as already
// decoded by the HTTP edge.
type Input struct {
	ContentType string
	Body        []byte
	Producer    *store.ProducerHeaders
}

// Append validates in against the stream named by path and, if valid,
// commits it through the store and notifies any waiters.
func (s *Service) Append(ctx context.Context, path string, in Input) (store.AppendOutcome, error) {
	if s.maxAppendBytes > 0 && int64(len(in.Body)) > s.maxAppendBytes {
		return store.AppendOutcome{}, ErrBodyTooLarge
	}

	st, err := s.store.GetStream(ctx, path)
	if err != nil {
		return store.AppendOutcome{}, err
	}

	if in.ContentType != "" && !store.ContentTypeMatches(st.ContentType, in.ContentType) {
		return store.AppendOutcome{}, store.ErrContentTypeMismatch
	}

	if len(in.Body) == 0 {
		return store.AppendOutcome{}, store.ErrEmptyBody
	}

	isJSONBoundary := store.IsJSONContentType(st.ContentType)
	if isJSONBoundary {
		if err := validateSingleJSONValue(in.Body); err != nil {
			return store.AppendOutcome{}, err
		}
	}

	var cacheKey producer.Key
	if in.Producer != nil && s.producerCache != nil {
		cacheKey = producer.Key{StreamID: st.ID, ProducerID: in.Producer.ProducerID}
		if cached, ok := s.producerCache.Get(cacheKey); ok {
			if _, err := producer.Decide(cached, in.Producer.Epoch, in.Producer.Seq); err != nil {
				return store.AppendOutcome{}, err
			}
		}
	}

	outcome, err := s.store.AppendChunk(ctx, st.ID, store.AppendInput{
		Data:           in.Body,
		IsJSONBoundary: isJSONBoundary,
		Producer:       in.Producer,
	})
	if err != nil {
		if in.Producer != nil && s.producerCache != nil {
			s.producerCache.Invalidate(cacheKey)
		}
		return store.AppendOutcome{}, err
	}

	if in.Producer != nil && s.producerCache != nil {
		s.producerCache.Set(cacheKey, producer.State{Epoch: in.Producer.Epoch, LastSeq: in.Producer.Seq})
	}

	s.waiters.Notify(st.ID, outcome.TotalBytes)
	return outcome, nil
}

// validateSingleJSONValue enforces that JSON streams accept exactly one
// JSON value per append, never a bare concatenated fragment: decoding
// must consume the whole body and produce exactly one token stream.
func validateSingleJSONValue(body []byte) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidJSON, err)
	}
	if dec.More() {
		return store.ErrInvalidJSON
	}
	return nil
}
