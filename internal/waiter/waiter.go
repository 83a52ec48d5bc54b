// Package waiter implements the process-local registry of goroutines
// blocked on new bytes for a stream. It never blocks the append path:
// Notify is non-blocking, and the registry holds only weak, ephemeral
// references — a process restart drops every waiter, by design; the
// registry is never persisted.
package waiter

import (
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrSaturated is returned by Subscribe when a stream already has
// MaxPerStream waiters registered.
var ErrSaturated = errors.New("waiter: too many waiters for this stream")

// Waiter is a one-shot subscription. Wake() carries the stream's
// totalBytes at the moment of wake; spurious wakeups are permitted, so
// callers must always re-query the store rather than trust the payload.
type Waiter struct {
	streamID string
	wake     chan uint64
}

// Wake returns the channel on which Notify delivers the totalBytes it
// observed. The channel buffers one value; a Notify that finds it full
// is dropped, and a waiter that keeps its subscription can receive
// again after draining it. The channel is never closed.
func (w *Waiter) Wake() <-chan uint64 {
	return w.wake
}

type perStream struct {
	mu   sync.Mutex
	sem  *semaphore.Weighted
	subs map[*Waiter]struct{}
}

// Registry is the per-process map[streamID] -> set of waiters.
type Registry struct {
	maxPerStream int64

	mu      sync.Mutex
	streams map[string]*perStream
}

// NewRegistry builds a Registry capping each stream at maxPerStream
// concurrent waiters. A maxPerStream <= 0 means unbounded.
func NewRegistry(maxPerStream int64) *Registry {
	return &Registry{
		maxPerStream: maxPerStream,
		streams:      make(map[string]*perStream),
	}
}

func (r *Registry) streamState(streamID string) *perStream {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.streams[streamID]
	if !ok {
		var sem *semaphore.Weighted
		if r.maxPerStream > 0 {
			sem = semaphore.NewWeighted(r.maxPerStream)
		}
		st = &perStream{sem: sem, subs: make(map[*Waiter]struct{})}
		r.streams[streamID] = st
	}
	return st
}

// Subscribe registers a new waiter for streamID. It returns ErrSaturated
// immediately (rather than blocking) if the stream is already at its
// waiter cap, so healthy streams aren't starved by one noisy one.
func (r *Registry) Subscribe(streamID string) (*Waiter, error) {
	st := r.streamState(streamID)

	if st.sem != nil && !st.sem.TryAcquire(1) {
		return nil, ErrSaturated
	}

	w := &Waiter{streamID: streamID, wake: make(chan uint64, 1)}

	st.mu.Lock()
	st.subs[w] = struct{}{}
	st.mu.Unlock()

	return w, nil
}

// Unsubscribe releases a waiter's slot. It is mandatory to call this on
// timeout or cancellation to avoid leaking waiter-cap slots.
func (r *Registry) Unsubscribe(w *Waiter) {
	r.mu.Lock()
	st, ok := r.streams[w.streamID]
	r.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	_, present := st.subs[w]
	delete(st.subs, w)
	st.mu.Unlock()

	if present && st.sem != nil {
		st.sem.Release(1)
	}
}

// Notify wakes every current waiter on streamID with the stream's new
// totalBytes. It never blocks: a waiter that isn't ready to receive
// (its buffered slot is already full) is simply skipped, since waiters
// always re-query the store rather than trust the notification payload.
func (r *Registry) Notify(streamID string, newTotalBytes uint64) {
	r.mu.Lock()
	st, ok := r.streams[streamID]
	r.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for w := range st.subs {
		select {
		case w.wake <- newTotalBytes:
		default:
		}
	}
}
