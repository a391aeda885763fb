package provider

import (
	"context"
	"io"
	"sync"
	"time"
)

// ProgressInterval is the minimum spacing between progress callbacks.
const ProgressInterval = 5 * time.Second

// Throttle wraps fn so it fires at most once per interval. The first call
// always passes through. A nil fn yields a no-op.
func Throttle(fn ProgressFunc, interval time.Duration) ProgressFunc {
	if fn == nil {
		return func(float64) {}
	}
	var (
		mu   sync.Mutex
		last time.Time
	)
	return func(fraction float64) {
		mu.Lock()
		now := time.Now()
		if !last.IsZero() && now.Sub(last) < interval {
			mu.Unlock()
			return
		}
		last = now
		mu.Unlock()
		fn(fraction)
	}
}

// ProgressReader reports the fraction of Total read through it.
type ProgressReader struct {
	R          io.Reader
	Total      int64
	OnProgress ProgressFunc

	read int64
}

// NewProgressReader wraps r and reports through a throttled callback.
func NewProgressReader(r io.Reader, total int64, fn ProgressFunc) *ProgressReader {
	return &ProgressReader{R: r, Total: total, OnProgress: Throttle(fn, ProgressInterval)}
}

func (p *ProgressReader) Read(b []byte) (int, error) {
	n, err := p.R.Read(b)
	if n > 0 {
		p.read += int64(n)
		if p.Total > 0 && p.OnProgress != nil {
			p.OnProgress(float64(p.read) / float64(p.Total))
		}
	}
	return n, err
}

// BytesRead returns the number of bytes consumed so far.
func (p *ProgressReader) BytesRead() int64 {
	return p.read
}

// NewContextReader returns a reader that fails with ctx.Err() once ctx is done.
func NewContextReader(ctx context.Context, r io.Reader) io.Reader {
	return &contextReader{ctx: ctx, r: r}
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(b []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(b)
}
