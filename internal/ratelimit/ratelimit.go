// Package ratelimit throttles data-channel streams to a fixed number of
// bytes per second.
//
// The client wraps every RETR/STOR/APPE stream with a Reader or Writer from
// this package when a bandwidth limit is configured.
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket shared by all streams of one client. Its burst
// is one second worth of data.
type Limiter struct {
	bucket *rate.Limiter
}

// New returns a limiter for bytesPerSecond, or nil (unlimited) when the
// rate is not positive. A nil *Limiter is valid and never blocks.
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := int(bytesPerSecond)
	return &Limiter{bucket: rate.NewLimiter(rate.Limit(bytesPerSecond), burst)}
}

// take blocks until n bytes may pass. Requests larger than the burst are
// split so that WaitN never rejects them.
func (rl *Limiter) take(n int) {
	if rl == nil || n <= 0 {
		return
	}
	burst := rl.bucket.Burst()
	for n > 0 {
		chunk := min(n, burst)
		// WaitN only fails on context cancellation or chunk > burst,
		// neither of which can happen here.
		_ = rl.bucket.WaitN(context.Background(), chunk)
		n -= chunk
	}
}

type reader struct {
	r       io.Reader
	limiter *Limiter
}

// NewReader returns r throttled by limiter. A nil limiter returns r as is.
func NewReader(r io.Reader, limiter *Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &reader{r: r, limiter: limiter}
}

func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	const maxChunk = 8 * 1024
	if len(p) > maxChunk {
		p = p[:maxChunk]
	}
	n, err := r.r.Read(p)
	r.limiter.take(n)
	return n, err
}

type writer struct {
	w       io.Writer
	limiter *Limiter
}

// NewWriter returns w throttled by limiter. A nil limiter returns w as is.
func NewWriter(w io.Writer, limiter *Limiter) io.Writer {
	if limiter == nil {
		return w
	}
	return &writer{w: w, limiter: limiter}
}

func (w *writer) Write(p []byte) (int, error) {
	const maxChunk = 64 * 1024

	written := 0
	for written < len(p) {
		end := min(written+maxChunk, len(p))
		w.limiter.take(end - written)
		n, err := w.w.Write(p[written:end])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
