package ratelimit

import (
	"bytes"
	"io"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		bytesPerSecond int64
		expectNil      bool
	}{
		{"Valid rate", 1024, false},
		{"Zero rate (unlimited)", 0, true},
		{"Negative rate (unlimited)", -1, true},
		{"Very low rate", 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := New(tt.bytesPerSecond)
			if tt.expectNil != (limiter == nil) {
				t.Errorf("New(%d) nil = %v, want %v", tt.bytesPerSecond, limiter == nil, tt.expectNil)
			}
		})
	}
}

func TestNilLimiterPassesThrough(t *testing.T) {
	r := bytes.NewReader([]byte("data"))
	if NewReader(r, nil) != io.Reader(r) {
		t.Error("expected original reader for nil limiter")
	}
	var buf bytes.Buffer
	if NewWriter(&buf, nil) != io.Writer(&buf) {
		t.Error("expected original writer for nil limiter")
	}

	var rl *Limiter
	rl.take(100) // must not panic
}

func TestReaderCopiesEverything(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 20*1024)
	limited := NewReader(bytes.NewReader(data), New(1024*1024))

	got, err := io.ReadAll(limited)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("read %d bytes, want %d", len(got), len(data))
	}
}

func TestWriterThrottles(t *testing.T) {
	// Burst covers the first 4KB; the next 2KB must wait ~0.5s.
	limiter := New(4 * 1024)
	var buf bytes.Buffer
	w := NewWriter(&buf, limiter)

	start := time.Now()
	n, err := w.Write(bytes.Repeat([]byte("y"), 6*1024))
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 6*1024 || buf.Len() != 6*1024 {
		t.Fatalf("wrote %d (buffer %d), want %d", n, buf.Len(), 6*1024)
	}
	if elapsed < 300*time.Millisecond {
		t.Errorf("write finished in %v, expected throttling", elapsed)
	}
}
