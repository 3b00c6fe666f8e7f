// Package codec encodes cache entries: a JSON payload plus expiry and access
// bookkeeping, gzip-compressed when the payload is large enough to benefit.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
)

const (
	// DefaultThreshold is the payload size above which compression is attempted.
	DefaultThreshold = 1024
	// DefaultLevel is the gzip level used when none is configured.
	DefaultLevel = gzip.DefaultCompression
)

// Entry is the unit stored by every tier.
type Entry struct {
	Payload        []byte    `json:"payload"`
	IsCompressed   bool      `json:"isCompressed"`
	Size           int       `json:"size"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	AccessCount    int64     `json:"accessCount"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
}

// Expired reports whether the entry must no longer be served at now.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Remaining returns the TTL left at now, never negative.
func (e *Entry) Remaining(now time.Time) time.Duration {
	if d := e.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Touch records a successful read.
func (e *Entry) Touch(now time.Time) {
	e.AccessCount++
	e.LastAccessedAt = now
}

// Clone returns a copy that shares no mutable state with e.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	return &c
}

// Codec builds and reads entries.
type Codec struct {
	threshold int
	level     int
}

// New creates a codec. threshold <= 0 disables compression.
func New(threshold, level int) *Codec {
	if level == 0 {
		level = DefaultLevel
	}
	return &Codec{threshold: threshold, level: level}
}

// Encode wraps payload in an entry expiring ttl after now. Payloads above the
// threshold are compressed when that makes them smaller; any compression
// failure stores the payload as-is.
func (c *Codec) Encode(payload []byte, now time.Time, ttl time.Duration) *Entry {
	e := &Entry{
		Payload:        payload,
		Size:           len(payload),
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		LastAccessedAt: now,
	}
	if c.threshold <= 0 || len(payload) <= c.threshold {
		return e
	}
	compressed, err := c.compress(payload)
	if err != nil || len(compressed) >= len(payload) {
		return e
	}
	e.Payload = compressed
	e.IsCompressed = true
	return e
}

// Decode returns the original payload of e.
func (c *Codec) Decode(e *Entry) ([]byte, error) {
	if !e.IsCompressed {
		return e.Payload, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(e.Payload))
	if err != nil {
		return nil, fmt.Errorf("open compressed payload: %w", err)
	}
	defer r.Close()

	out := bytes.NewBuffer(make([]byte, 0, e.Size))
	if _, err := io.Copy(out, r); err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return out.Bytes(), nil
}

func (c *Codec) compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Marshal serializes an entry for a raw store.
func Marshal(e *Entry) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses an entry written by Marshal.
func Unmarshal(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.ExpiresAt.IsZero() {
		return nil, fmt.Errorf("entry has no expiry")
	}
	return &e, nil
}
