package durablestreams

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/durablelog/dstream/internal/appendsvc"
	"github.com/durablelog/dstream/internal/auth"
	"github.com/durablelog/dstream/internal/cursor"
	"github.com/durablelog/dstream/internal/readsvc"
	"github.com/durablelog/dstream/internal/store"
	"github.com/durablelog/dstream/internal/waiter"
)

// newTestHandler builds a Handler wired over a MemoryStore, bypassing
// Provision (which needs a caddy.Context) the way a unit test of the
// core services does.
func newTestHandler(t *testing.T, longPollTimeout time.Duration) *Handler {
	t.Helper()
	st := store.NewMemoryStore()
	waiters := waiter.NewRegistry(0)
	codec := cursor.New(cursor.DefaultEpoch, cursor.DefaultInterval)

	h := &Handler{
		AutoCreateOnAppend: false,
		MaxAppendBytes:     1 << 20,
	}
	h.logger = zap.NewNop()
	h.validator = auth.New("")
	h.store = st
	h.cursors = codec
	h.waiters = waiters
	h.appender = appendsvc.New(st, waiters, h.MaxAppendBytes)
	h.reader = readsvc.New(st, waiters, codec, longPollTimeout)
	h.pump = readsvc.NewPump(h.reader, 50*time.Millisecond)
	return h
}

func newTestServer(h *Handler) *httptest.Server {
	return httptest.NewServer(caddyhttp.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		return h.ServeHTTP(w, r, caddyhttp.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
			return nil
		}))
	}))
}

// Scenario 1: create, append, then read back the appended chunk.
func TestCreateAppendRead(t *testing.T) {
	h := newTestHandler(t, time.Second)
	srv := newTestServer(h)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/s1", nil)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/s1", "application/json", strings.NewReader(`{"v":1}`))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/s1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"v":1}` {
		t.Errorf("unexpected body: %s", body)
	}
	if resp.Header.Get(HeaderStreamCursor) == "" {
		t.Error("expected a next cursor header")
	}
}

// Scenario 2: a long-poll read that's blocked at the time of the
// request wakes as soon as a concurrent append commits.
func TestLongPollWakesOnConcurrentAppend(t *testing.T) {
	h := newTestHandler(t, 2*time.Second)
	srv := newTestServer(h)
	defer srv.Close()

	mustCreate(t, srv.URL, "/s2", "text/plain")

	done := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Get(srv.URL + "/s2?wait=true")
		if err != nil {
			t.Errorf("long-poll read: %v", err)
			return
		}
		done <- resp
	}()

	time.Sleep(100 * time.Millisecond)
	resp, err := http.Post(srv.URL+"/s2", "text/plain", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	resp.Body.Close()

	select {
	case resp := <-done:
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200 after wake, got %d", resp.StatusCode)
		}
		body, _ := io.ReadAll(resp.Body)
		if string(body) != "hello" {
			t.Errorf("unexpected body: %s", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("long-poll never woke")
	}
}

// Scenario 3: appending with a content type that doesn't match the
// stream's declared type is a conflict, not a silent coercion.
func TestAppendContentTypeConflict(t *testing.T) {
	h := newTestHandler(t, time.Second)
	srv := newTestServer(h)
	defer srv.Close()

	mustCreate(t, srv.URL, "/s3", "application/json")

	resp, err := http.Post(srv.URL+"/s3", "text/plain", strings.NewReader("not json"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

// Scenario 4: a retried append from the same producer at the same
// epoch/sequence is rejected as a conflict, and exactly one chunk is
// ever accepted.
func TestProducerRetryRejectedExactlyOnceAccepted(t *testing.T) {
	h := newTestHandler(t, time.Second)
	srv := newTestServer(h)
	defer srv.Close()

	mustCreate(t, srv.URL, "/s4", "application/json")

	doAppend := func() int {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/s4", strings.NewReader(`{"v":1}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderProducerID, "p1")
		req.Header.Set(HeaderProducerEpoch, "1")
		req.Header.Set(HeaderProducerSeq, "1")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		defer resp.Body.Close()
		return resp.StatusCode
	}

	if status := doAppend(); status != http.StatusAccepted {
		t.Fatalf("expected first append to be 202, got %d", status)
	}
	if status := doAppend(); status != http.StatusConflict {
		t.Fatalf("expected retried append to be 409, got %d", status)
	}

	resp, err := http.Get(srv.URL + "/s4")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"v":1}` {
		t.Errorf("expected exactly one chunk accepted, got body %q", body)
	}
}

// Scenario 5: an SSE client resumes from Last-Event-ID without
// replaying chunks it already saw.
func TestSSEResumeFromLastEventID(t *testing.T) {
	h := newTestHandler(t, time.Second)
	srv := newTestServer(h)
	defer srv.Close()

	mustCreate(t, srv.URL, "/s5", "text/plain")
	resp, _ := http.Post(srv.URL+"/s5", "text/plain", strings.NewReader("first"))
	resp.Body.Close()

	firstCursor := h.cursors.Encode(5, time.Now())

	resp, _ = http.Post(srv.URL+"/s5", "text/plain", strings.NewReader("second"))
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/s5?format=sse", nil)
	req.Header.Set("Last-Event-ID", firstCursor)

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("sse request: %v", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 4096)
	n, _ := resp.Body.Read(buf)
	got := string(buf[:n])
	if !strings.Contains(got, "second") {
		t.Errorf("expected resumed stream to contain the chunk after the cursor, got %q", got)
	}
	if strings.Contains(got, "data: first") {
		t.Errorf("did not expect resumed stream to replay the already-seen chunk, got %q", got)
	}
}

// A stream whose content type is neither JSON nor text/* must fail
// format=sse with a real 400, not a 200 with an empty event stream.
func TestSSERejectsUnsupportedContentTypeBeforeHeaders(t *testing.T) {
	h := newTestHandler(t, time.Second)
	srv := newTestServer(h)
	defer srv.Close()

	mustCreate(t, srv.URL, "/s9", "application/octet-stream")

	resp, err := http.Get(srv.URL + "/s9?format=sse")
	if err != nil {
		t.Fatalf("sse request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unsupported content type, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct == "text/event-stream" {
		t.Errorf("expected SSE headers not to have been written, got Content-Type %q", ct)
	}
}

// Scenario 6: a long-poll read against an idle stream times out with a
// 204, not an error, at roughly the configured timeout.
func TestLongPollTimeoutReturns204(t *testing.T) {
	h := newTestHandler(t, 300*time.Millisecond)
	srv := newTestServer(h)
	defer srv.Close()

	mustCreate(t, srv.URL, "/s6", "text/plain")

	start := time.Now()
	resp, err := http.Get(srv.URL + "/s6?wait=true")
	if err != nil {
		t.Fatalf("long-poll read: %v", err)
	}
	defer resp.Body.Close()
	elapsed := time.Since(start)

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 on timeout, got %d", resp.StatusCode)
	}
	if elapsed > 1200*time.Millisecond {
		t.Fatalf("expected timeout near 300ms, took %s", elapsed)
	}
}

// A `heartbeat` query override replaces the handler's configured SSE
// keepalive interval for that connection only.
func TestSSEHeartbeatQueryOverride(t *testing.T) {
	h := newTestHandler(t, time.Second)
	srv := newTestServer(h)
	defer srv.Close()

	mustCreate(t, srv.URL, "/s7", "text/plain")

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/s7?format=sse&heartbeat=1", nil)
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("sse request: %v", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 256)
	n, _ := resp.Body.Read(buf)
	if !strings.Contains(string(buf[:n]), "keepalive") {
		t.Errorf("expected a keepalive comment within the overridden heartbeat interval, got %q", string(buf[:n]))
	}
}

func TestSSEHeartbeatQueryRejectsInvalidValue(t *testing.T) {
	h := newTestHandler(t, time.Second)
	srv := newTestServer(h)
	defer srv.Close()

	mustCreate(t, srv.URL, "/s8", "text/plain")

	resp, err := http.Get(srv.URL + "/s8?format=sse&heartbeat=notaninteger")
	if err != nil {
		t.Fatalf("sse request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for an invalid heartbeat override, got %d", resp.StatusCode)
	}
}

func mustCreate(t *testing.T, baseURL, path, contentType string) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPut, baseURL+path, nil)
	req.Header.Set("Content-Type", contentType)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create %s: expected 201, got %d", path, resp.StatusCode)
	}
}

func TestUnauthorizedWhenTokenRequired(t *testing.T) {
	h := newTestHandler(t, time.Second)
	h.validator = auth.New("secret")
	srv := newTestServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/anything")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestTruncateRemovesChunksThroughCursor(t *testing.T) {
	h := newTestHandler(t, time.Second)
	srv := newTestServer(h)
	defer srv.Close()

	mustCreate(t, srv.URL, "/s7", "text/plain")
	resp, _ := http.Post(srv.URL+"/s7", "text/plain", strings.NewReader("abc"))
	resp.Body.Close()
	resp, _ = http.Post(srv.URL+"/s7", "text/plain", strings.NewReader("def"))
	resp.Body.Close()

	through := h.cursors.Encode(3, time.Now())
	req, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/s7:truncate?through=%s", srv.URL, through), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/s7")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "def" {
		t.Errorf("expected truncated read to start after the cursor, got %q", body)
	}
}
