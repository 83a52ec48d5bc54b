package cursor

import (
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := New(DefaultEpoch, DefaultInterval)
	now := DefaultEpoch.Add(90 * time.Second)

	tests := []struct {
		name       string
		byteOffset uint64
	}{
		{"zero offset", 0},
		{"small offset", 11},
		{"large offset", 1234567890},
		{"max uint64-ish", 18446744073709000000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := c.Encode(tt.byteOffset, now)
			pos, err := c.Decode(s)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if pos.ByteOffset != tt.byteOffset {
				t.Errorf("expected byte offset %d, got %d", tt.byteOffset, pos.ByteOffset)
			}
		})
	}
}

func TestDecodeEmptyIsZero(t *testing.T) {
	c := New(DefaultEpoch, DefaultInterval)
	pos, err := c.Decode("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos.ByteOffset != 0 || pos.TimeBucket != 0 {
		t.Errorf("expected zero position, got %+v", pos)
	}
}

func TestDecodeMalformed(t *testing.T) {
	c := New(DefaultEpoch, DefaultInterval)
	for _, s := range []string{"not-base64!!", "AAAA", "####"} {
		if _, err := c.Decode(s); err != ErrMalformed {
			t.Errorf("input %q: expected ErrMalformed, got %v", s, err)
		}
	}
}

func TestEncodeDeterministicWithinBucket(t *testing.T) {
	c := New(DefaultEpoch, DefaultInterval)
	t1 := DefaultEpoch.Add(5 * time.Second)
	t2 := DefaultEpoch.Add(15 * time.Second) // same 20s bucket

	if c.Encode(42, t1) != c.Encode(42, t2) {
		t.Errorf("expected same cursor within one time bucket")
	}

	t3 := DefaultEpoch.Add(25 * time.Second) // next bucket
	if c.Encode(42, t1) == c.Encode(42, t3) {
		t.Errorf("expected different cursor across time buckets")
	}
}

func TestByteOffsetOrderingWithinBucket(t *testing.T) {
	c := New(DefaultEpoch, DefaultInterval)
	now := DefaultEpoch.Add(time.Second)

	a := c.Encode(10, now)
	b := c.Encode(20, now)

	if !(a < b) {
		t.Errorf("expected lexicographic ordering a < b within same bucket, got a=%q b=%q", a, b)
	}
}

func TestBeforeEpochClampsToZeroBucket(t *testing.T) {
	c := New(DefaultEpoch, DefaultInterval)
	before := DefaultEpoch.Add(-time.Hour)
	pos, err := c.Decode(c.Encode(7, before))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos.TimeBucket != 0 {
		t.Errorf("expected clamped bucket 0, got %d", pos.TimeBucket)
	}
}
