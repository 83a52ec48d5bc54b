package readsvc

import (
	"context"
	"testing"
	"time"

	"github.com/durablelog/dstream/internal/appendsvc"
	"github.com/durablelog/dstream/internal/cursor"
	"github.com/durablelog/dstream/internal/store"
	"github.com/durablelog/dstream/internal/waiter"
)

func newHarness(t *testing.T, longPollTimeout time.Duration) (*Service, *appendsvc.Service, *store.MemoryStore, string) {
	t.Helper()
	st := store.NewMemoryStore()
	registry := waiter.NewRegistry(0)
	stream, _, err := st.CreateStream(context.Background(), "/a", "application/json", nil, nil)
	if err != nil {
		t.Fatalf("create stream: %v", err)
	}
	codec := cursor.New(cursor.DefaultEpoch, cursor.DefaultInterval)
	return New(st, registry, codec, longPollTimeout), appendsvc.New(st, registry, 0), st, stream.Path
}

func TestReadEmptyNoWaitReturns204Shape(t *testing.T) {
	svc, _, _, path := newHarness(t, time.Second)
	res, err := svc.Read(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !res.Empty {
		t.Fatalf("expected empty result on fresh stream")
	}
}

func TestReadReturnsAppendedChunk(t *testing.T) {
	svc, appender, _, path := newHarness(t, time.Second)
	if _, err := appender.Append(context.Background(), path, appendsvc.Input{ContentType: "application/json", Body: []byte(`{"v":1}`)}); err != nil {
		t.Fatalf("append: %v", err)
	}

	res, err := svc.Read(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if res.Empty || len(res.Chunks) != 1 {
		t.Fatalf("expected one chunk, got empty=%v chunks=%d", res.Empty, len(res.Chunks))
	}
	body, err := Format("raw", "application/json", res.Chunks)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if string(body) != `{"v":1}` {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestReadInvalidOffset(t *testing.T) {
	svc, _, _, path := newHarness(t, time.Second)
	big := cursor.New(cursor.DefaultEpoch, cursor.DefaultInterval).Encode(999999, time.Now())
	if _, err := svc.Read(context.Background(), path, Options{Cursor: big}); err != store.ErrInvalidOffset {
		t.Fatalf("expected ErrInvalidOffset, got %v", err)
	}
}

func TestLongPollWakesOnAppend(t *testing.T) {
	svc, appender, _, path := newHarness(t, 2*time.Second)

	done := make(chan Result, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := svc.Read(context.Background(), path, Options{Wait: true})
		if err != nil {
			errCh <- err
			return
		}
		done <- res
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := appender.Append(context.Background(), path, appendsvc.Input{ContentType: "application/json", Body: []byte(`{"v":2}`)}); err != nil {
		t.Fatalf("append: %v", err)
	}

	select {
	case res := <-done:
		if res.Empty {
			t.Fatal("expected non-empty result after append woke the long-poll")
		}
	case err := <-errCh:
		t.Fatalf("read error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("long-poll never woke")
	}
}

func TestLongPollTimesOutWithoutAppend(t *testing.T) {
	svc, _, _, path := newHarness(t, 100*time.Millisecond)

	start := time.Now()
	res, err := svc.Read(context.Background(), path, Options{Wait: true})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !res.Empty {
		t.Fatal("expected empty result on long-poll timeout")
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("expected timeout near 100ms, took %s", elapsed)
	}
}

func TestFormatJSONArrayRejectsNonJSONStream(t *testing.T) {
	if _, err := Format("json-array", "text/plain", nil); err != ErrBadFormat {
		t.Fatalf("expected ErrBadFormat, got %v", err)
	}
}

func TestFormatNdjsonJoinsChunksWithNewlines(t *testing.T) {
	chunks := []store.Chunk{{Data: []byte(`{"a":1}`)}, {Data: []byte(`{"b":2}`)}}
	body, err := Format("ndjson", "application/json", chunks)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	want := "{\"a\":1}\n{\"b\":2}\n"
	if string(body) != want {
		t.Errorf("expected %q, got %q", want, body)
	}
}
