package readsvc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/durablelog/dstream/internal/store"
)

// ErrSSENotSupported is returned when format=sse is requested for a
// stream whose content type isn't application/json or text/*.
var ErrSSENotSupported = errors.New("readsvc: sse not supported for this content type")

// SupportsSSE reports whether contentType can be streamed as SSE.
// Callers must check this before writing any response headers: once
// the SSE headers and a 200 are on the wire there's no way to signal
// ErrSSENotSupported to the client.
func SupportsSSE(contentType string) bool {
	return store.IsJSONContentType(contentType) || strings.HasPrefix(contentType, "text/")
}

// Flusher is satisfied by http.ResponseWriter and lets the pump push
// each event to the client as soon as it's written.
type Flusher interface {
	Flush()
}

// Pump drives one SSE connection: emit → wait → notify → emit, using
// the same waiter-registry subscription long-poll reads use.
type Pump struct {
	svc               *Service
	heartbeatInterval time.Duration
}

// NewPump builds a Pump over svc, sending a keepalive comment every
// heartbeatInterval of idle time.
func NewPump(svc *Service, heartbeatInterval time.Duration) *Pump {
	return &Pump{svc: svc, heartbeatInterval: heartbeatInterval}
}

// RunWithHeartbeat streams st starting at startCursor (the encoded
// Last-Event-ID or query cursor, whichever the caller resolved; it is
// decoded here) to w
// until ctx is cancelled (client disconnect) or an unrecoverable store
// error occurs. heartbeatInterval, if positive, overrides the Pump's
// configured keepalive interval for this connection only.
//
// Callers must have already checked SupportsSSE(st.ContentType) and
// written the SSE response headers; RunWithHeartbeat only re-checks it
// to return ErrSSENotSupported defensively; by the time it's called,
// that error can no longer be surfaced as a clean HTTP status.
func (p *Pump) RunWithHeartbeat(ctx context.Context, w *bufio.Writer, flush Flusher, st *store.Stream, startCursor string, heartbeatInterval time.Duration) error {
	if !SupportsSSE(st.ContentType) {
		return ErrSSENotSupported
	}

	pos, err := p.svc.cursors.Decode(startCursor)
	if err != nil {
		return err
	}
	offset := pos.ByteOffset

	eventType := "message"
	if store.IsJSONContentType(st.ContentType) {
		eventType = "json"
	}

	if heartbeatInterval <= 0 {
		heartbeatInterval = p.heartbeatInterval
	}
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		chunks, err := p.svc.store.ReadRange(ctx, st.ID, offset, DefaultMaxBytes)
		if err != nil {
			return err
		}

		if len(chunks) > 0 {
			for _, c := range chunks {
				end := c.ByteOffset + uint64(c.Size)
				id := p.svc.cursors.Encode(end, time.Now())
				if err := writeSSEEvent(w, id, eventType, c.Data); err != nil {
					return err
				}
				offset = end
			}
			flush.Flush()
			continue
		}

		waiterHandle, err := p.svc.waiters.Subscribe(st.ID)
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			p.svc.waiters.Unsubscribe(waiterHandle)
			return nil
		case <-waiterHandle.Wake():
			p.svc.waiters.Unsubscribe(waiterHandle)
			continue
		case <-heartbeat.C:
			p.svc.waiters.Unsubscribe(waiterHandle)
			if _, err := w.WriteString(": keepalive\n\n"); err != nil {
				return err
			}
			flush.Flush()
			continue
		}
	}
}

func writeSSEEvent(w *bufio.Writer, id, event string, data []byte) error {
	if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\n", id, event); err != nil {
		return err
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}
	_, err := w.WriteString("\n")
	return err
}
