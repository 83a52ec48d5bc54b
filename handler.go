package durablestreams

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/durablelog/dstream/internal/appendsvc"
	"github.com/durablelog/dstream/internal/auth"
	"github.com/durablelog/dstream/internal/cursor"
	"github.com/durablelog/dstream/internal/producer"
	"github.com/durablelog/dstream/internal/readsvc"
	"github.com/durablelog/dstream/internal/store"
	"github.com/durablelog/dstream/internal/waiter"
)

// Response header names.
const (
	HeaderStreamCursor     = "X-Stream-Cursor"
	HeaderStreamWriteSeq   = "X-Stream-Write-Seq"
	HeaderStreamTotalBytes = "X-Stream-Total-Bytes"
	HeaderProducerID       = "X-Producer-Id"
	HeaderProducerEpoch    = "X-Producer-Epoch"
	HeaderProducerSeq      = "X-Producer-Seq"
)

// ServeHTTP implements caddyhttp.MiddlewareHandler, decoding HTTP into
// calls on the core services and decoding their results back into a
// response. The core services never see an *http.Request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Stream-TTL, Stream-Expires-At, If-None-Match, "+HeaderProducerID+", "+HeaderProducerEpoch+", "+HeaderProducerSeq)
	w.Header().Set("Access-Control-Expose-Headers", HeaderStreamCursor+", "+HeaderStreamWriteSeq+", "+HeaderStreamTotalBytes+", ETag")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	if err := h.validator.Check(r); err != nil {
		h.writeError(w, newHTTPError(http.StatusUnauthorized, "unauthorized"))
		return nil
	}

	path := r.URL.Path

	h.logger.Debug("handling request",
		zap.String("method", r.Method),
		zap.String("path", path),
		zap.String("query", r.URL.RawQuery))

	var err error
	switch {
	case r.Method == http.MethodPut:
		err = h.handleCreate(w, r, path)
	case r.Method == http.MethodHead:
		err = h.handleHead(w, r, path)
	case r.Method == http.MethodGet:
		err = h.handleRead(w, r, path)
	case r.Method == http.MethodPost && strings.HasSuffix(path, ":truncate"):
		err = h.handleTruncate(w, r, strings.TrimSuffix(path, ":truncate"))
	case r.Method == http.MethodPost:
		err = h.handleAppend(w, r, path)
	case r.Method == http.MethodDelete:
		err = h.handleDelete(w, r, path)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil
	}

	if err != nil {
		h.writeError(w, err)
	}
	return nil
}

// handleCreate handles PUT /{path}: create a stream, or a no-op
// returning the existing metadata if an identical stream already
// exists.
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, path string) error {
	contentType := r.Header.Get("Content-Type")

	var ttlSeconds *int64
	if ttlStr := r.Header.Get("Stream-TTL"); ttlStr != "" {
		ttl, err := parseTTL(ttlStr)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, err.Error())
		}
		ttlSeconds = &ttl
	}

	var expiresAt *time.Time
	if expiresAtStr := r.Header.Get("Stream-Expires-At"); expiresAtStr != "" {
		t, err := time.Parse(time.RFC3339, expiresAtStr)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "invalid Stream-Expires-At format")
		}
		expiresAt = &t
	}

	st, created, err := h.store.CreateStream(r.Context(), path, contentType, ttlSeconds, expiresAt)
	if err != nil {
		return translateStoreErr(err)
	}

	w.Header().Set("Content-Type", st.ContentType)
	w.Header().Set(HeaderStreamWriteSeq, strconv.FormatUint(st.WriteSeq, 10))
	w.Header().Set(HeaderStreamTotalBytes, strconv.FormatUint(st.TotalBytes, 10))

	if created {
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	return nil
}

// handleHead handles HEAD /{path}: stream metadata without a body.
func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request, path string) error {
	st, err := h.store.GetStream(r.Context(), path)
	if err != nil {
		return translateStoreErr(err)
	}

	w.Header().Set("Content-Type", st.ContentType)
	w.Header().Set(HeaderStreamWriteSeq, strconv.FormatUint(st.WriteSeq, 10))
	w.Header().Set(HeaderStreamTotalBytes, strconv.FormatUint(st.TotalBytes, 10))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	return nil
}

// handleRead handles GET /{path}: range read, optionally long-polling
// or upgrading to SSE.
func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request, path string) error {
	query := r.URL.Query()
	cur := query.Get("cursor")
	wait := query.Get("wait") == "true"
	format := query.Get("format")

	maxBytes := 0
	if mb := query.Get("maxBytes"); mb != "" {
		n, err := strconv.Atoi(mb)
		if err != nil || n < 0 {
			return newHTTPError(http.StatusBadRequest, "invalid maxBytes")
		}
		maxBytes = n
	}

	if format == "sse" {
		return h.handleSSE(w, r, path, cur, query.Get("heartbeat"))
	}

	res, err := h.reader.Read(r.Context(), path, readsvc.Options{Cursor: cur, Wait: wait, MaxBytes: maxBytes})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return translateStoreErr(err)
	}

	w.Header().Set("Content-Type", res.Stream.ContentType)
	w.Header().Set(HeaderStreamCursor, res.NextCursor)
	w.Header().Set(HeaderStreamWriteSeq, strconv.FormatUint(res.Stream.WriteSeq, 10))
	w.Header().Set(HeaderStreamTotalBytes, strconv.FormatUint(res.Stream.TotalBytes, 10))

	if res.Empty {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	etag := fmt.Sprintf(`"%s"`, res.NextCursor)
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	body, err := readsvc.Format(format, res.Stream.ContentType, res.Chunks)
	if err != nil {
		return newHTTPError(http.StatusBadRequest, err.Error())
	}

	w.WriteHeader(http.StatusOK)
	w.Write(body)
	return nil
}

// handleSSE handles GET /{path}?format=sse: a live tail. Last-Event-ID
// overrides the query cursor on reconnect. heartbeatOverride, if set,
// is the `heartbeat` query parameter (seconds) and replaces the
// handler's configured SSEHeartbeatInterval for this connection only.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request, path string, queryCursor, heartbeatOverride string) error {
	st, err := h.store.GetStream(r.Context(), path)
	if err != nil {
		return translateStoreErr(err)
	}

	if !readsvc.SupportsSSE(st.ContentType) {
		return translateStoreErr(readsvc.ErrSSENotSupported)
	}

	heartbeatInterval := time.Duration(0)
	if heartbeatOverride != "" {
		secs, err := strconv.Atoi(heartbeatOverride)
		if err != nil || secs <= 0 {
			return newHTTPError(http.StatusBadRequest, "invalid heartbeat")
		}
		heartbeatInterval = time.Duration(secs) * time.Second
	}

	startCursor := queryCursor
	if lastEventID := r.Header.Get("Last-Event-ID"); lastEventID != "" {
		startCursor = lastEventID
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	httpFlusher, ok := w.(http.Flusher)
	if !ok {
		return newHTTPError(http.StatusInternalServerError, "streaming not supported")
	}

	bufWriter := bufio.NewWriter(w)
	fw := flushWriter{buf: bufWriter, http: httpFlusher}
	w.WriteHeader(http.StatusOK)
	httpFlusher.Flush()

	err = h.pump.RunWithHeartbeat(r.Context(), bufWriter, fw, st, startCursor, heartbeatInterval)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if errors.Is(err, readsvc.ErrSSENotSupported) {
			// Headers are already sent; nothing more to do than stop.
			h.logger.Warn("sse not supported for stream", zap.String("path", path), zap.Error(err))
			return nil
		}
		h.logger.Warn("sse pump ended with error", zap.String("path", path), zap.Error(err))
	}
	return nil
}

// flushWriter flushes the bufio.Writer before the underlying HTTP
// flush, so buffered SSE bytes actually reach the connection.
type flushWriter struct {
	buf  *bufio.Writer
	http http.Flusher
}

func (fw flushWriter) Flush() {
	fw.buf.Flush()
	fw.http.Flush()
}

// handleAppend handles POST /{path}: append a chunk to a stream.
func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request, path string) error {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return newHTTPError(http.StatusBadRequest, "Content-Type header is required")
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "failed to read body")
	}

	var producerHeaders *store.ProducerHeaders
	if producerID := r.Header.Get(HeaderProducerID); producerID != "" {
		epoch, err := parseInt64Header(r, HeaderProducerEpoch)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "invalid "+HeaderProducerEpoch)
		}
		seq, err := parseInt64Header(r, HeaderProducerSeq)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "invalid "+HeaderProducerSeq)
		}
		producerHeaders = &store.ProducerHeaders{ProducerID: producerID, Epoch: epoch, Seq: seq}
	}

	if _, err := h.store.GetStream(r.Context(), path); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			if !h.AutoCreateOnAppend {
				return newHTTPError(http.StatusNotFound, "stream not found")
			}
			if _, _, err := h.store.CreateStream(r.Context(), path, contentType, nil, nil); err != nil {
				return translateStoreErr(err)
			}
		} else {
			return translateStoreErr(err)
		}
	}

	outcome, err := h.appender.Append(r.Context(), path, appendsvc.Input{
		ContentType: contentType,
		Body:        body,
		Producer:    producerHeaders,
	})
	if err != nil {
		return translateStoreErr(err)
	}

	w.Header().Set(HeaderStreamWriteSeq, strconv.FormatUint(outcome.Sequence, 10))
	w.Header().Set(HeaderStreamTotalBytes, strconv.FormatUint(outcome.TotalBytes, 10))
	w.Header().Set(HeaderStreamCursor, h.cursors.Encode(outcome.TotalBytes, time.Now()))
	w.WriteHeader(http.StatusAccepted)
	return nil
}

// handleDelete handles DELETE /{path}: soft-delete the stream.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, path string) error {
	if err := h.store.DeleteStream(r.Context(), path); err != nil {
		return translateStoreErr(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// handleTruncate handles POST /{path}:truncate: admin-only, trims
// chunks whose end-offset is at or before the cursor given in the
// `through` query parameter.
func (h *Handler) handleTruncate(w http.ResponseWriter, r *http.Request, path string) error {
	throughCursor := r.URL.Query().Get("through")
	if throughCursor == "" {
		return newHTTPError(http.StatusBadRequest, "through cursor is required")
	}

	pos, err := h.cursors.Decode(throughCursor)
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "invalid through cursor")
	}

	st, err := h.store.GetStream(r.Context(), path)
	if err != nil {
		return translateStoreErr(err)
	}

	if err := h.store.Truncate(r.Context(), st.ID, pos.ByteOffset); err != nil {
		return translateStoreErr(err)
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

func parseInt64Header(r *http.Request, name string) (int64, error) {
	v := r.Header.Get(name)
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

// translateStoreErr maps the core's typed errors to HTTP status codes.
// Anything unrecognized is treated as an internal error.
func translateStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return newHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrStreamConflict):
		return newHTTPError(http.StatusConflict, "stream exists with a different content type")
	case errors.Is(err, store.ErrContentTypeMismatch):
		return newHTTPError(http.StatusConflict, "content type mismatch")
	case errors.Is(err, store.ErrInvalidOffset):
		return newHTTPError(http.StatusBadRequest, "offset past end of stream")
	case errors.Is(err, store.ErrEmptyBody):
		return newHTTPError(http.StatusBadRequest, "empty body not allowed")
	case errors.Is(err, store.ErrInvalidJSON):
		return newHTTPError(http.StatusBadRequest, "body is not a single JSON value")
	case errors.Is(err, cursor.ErrMalformed):
		return newHTTPError(http.StatusBadRequest, "malformed cursor")
	case errors.Is(err, appendsvc.ErrBodyTooLarge):
		return newHTTPError(http.StatusRequestEntityTooLarge, "body exceeds maximum append size")
	case errors.Is(err, readsvc.ErrBadFormat):
		return newHTTPError(http.StatusBadRequest, "format not valid for this stream's content type")
	case errors.Is(err, readsvc.ErrSSENotSupported):
		return newHTTPError(http.StatusBadRequest, "sse not supported for this content type")
	case errors.Is(err, auth.ErrUnauthorized):
		return newHTTPError(http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, waiter.ErrSaturated):
		return newHTTPError(http.StatusTooManyRequests, "too many waiters for this stream")
	case errors.Is(err, producer.ErrStaleEpoch):
		return newHTTPError(http.StatusConflict, "producer epoch is stale")
	case errors.Is(err, producer.ErrSequenceConflict):
		return newHTTPError(http.StatusConflict, "producer sequence already accepted")
	case errors.Is(err, producer.ErrSequenceGap):
		return newHTTPError(http.StatusConflict, "producer sequence ahead of expected")
	case errors.Is(err, store.ErrStoreUnavailable):
		return newHTTPError(http.StatusServiceUnavailable, "store unavailable")
	default:
		return err
	}
}

type httpError struct {
	status  int
	message string
}

func (e *httpError) Error() string {
	return e.message
}

func newHTTPError(status int, message string) *httpError {
	return &httpError{status: status, message: message}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		http.Error(w, httpErr.message, httpErr.status)
		return
	}

	h.logger.Error("internal error", zap.Error(err))
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

var ttlRegex = regexp.MustCompile(`^[1-9][0-9]*$|^0$`)

// parseTTL parses a TTL header: a non-negative integer without
// leading zeros (except "0" itself), no sign, no floats.
func parseTTL(s string) (int64, error) {
	if !ttlRegex.MatchString(s) {
		return 0, fmt.Errorf("invalid TTL format: must be a non-negative integer without leading zeros")
	}
	return strconv.ParseInt(s, 10, 64)
}
