// Package cursor implements the opaque, monotonic resume token: a
// base64url-encoded pair of (time bucket, byte offset).
//
// Embedding a coarse time bucket alongside the byte offset keeps cursors
// diagnosable in logs without exposing a microsecond clock, and gives CDNs
// and long-poll clients a value that changes even when the underlying byte
// offset does not.
package cursor

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"time"
)

// ErrMalformed is returned when a cursor string cannot be decoded.
var ErrMalformed = errors.New("cursor: malformed")

// DefaultEpoch is the reference instant time buckets are counted from.
var DefaultEpoch = time.Date(2024, 10, 9, 0, 0, 0, 0, time.UTC)

// DefaultInterval is the width of one time bucket.
const DefaultInterval = 20 * time.Second

// Codec encodes and decodes cursors for a fixed epoch/interval pair.
// The zero value is not usable; construct with New.
type Codec struct {
	epoch    time.Time
	interval time.Duration
}

// New returns a Codec quantizing time into buckets of width interval,
// counted from epoch. A zero interval falls back to DefaultInterval, and
// a zero epoch falls back to DefaultEpoch.
func New(epoch time.Time, interval time.Duration) Codec {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if epoch.IsZero() {
		epoch = DefaultEpoch
	}
	return Codec{epoch: epoch, interval: interval}
}

// timeBucket returns floor((t - epoch) / interval) as a uint64. Instants
// before the epoch clamp to bucket 0 rather than underflowing.
func (c Codec) timeBucket(t time.Time) uint64 {
	d := t.Sub(c.epoch)
	if d < 0 {
		return 0
	}
	return uint64(d / c.interval)
}

// Encode returns the opaque cursor for byteOffset observed at now.
// Deterministic given (byteOffset, the time bucket containing now).
func (c Codec) Encode(byteOffset uint64, now time.Time) string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], c.timeBucket(now))
	binary.BigEndian.PutUint64(buf[8:16], byteOffset)
	return base64.RawURLEncoding.EncodeToString(buf[:])
}

// Position is the decoded contents of a cursor.
type Position struct {
	TimeBucket uint64
	ByteOffset uint64
}

// Decode reverses Encode. An empty string decodes to the zero Position
// (byte offset 0): an absent cursor means the start of the stream.
func (c Codec) Decode(s string) (Position, error) {
	if s == "" {
		return Position{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Position{}, ErrMalformed
	}
	if len(raw) != 16 {
		return Position{}, ErrMalformed
	}
	return Position{
		TimeBucket: binary.BigEndian.Uint64(raw[0:8]),
		ByteOffset: binary.BigEndian.Uint64(raw[8:16]),
	}, nil
}
