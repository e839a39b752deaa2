// storage/ratelimit.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

///////////////////////////////////////////////////////////////////////////
// Bandwidth-limited stores

// Reads and writes are broken up into pieces no larger than this so that
// a single call never has to wait for more than one burst.
const maxRateChunk = 64 * 1024

// Limited wraps a Store so that the total bandwidth used by all of the
// objects being written (or read) at once stays under the given number of
// bytes per second. Zero means unlimited.
type Limited struct {
	Store
	up, down *rate.Limiter
}

func NewLimited(s Store, uploadBytesPerSecond, downloadBytesPerSecond int) Store {
	if uploadBytesPerSecond <= 0 && downloadBytesPerSecond <= 0 {
		return s
	}
	return &Limited{
		Store: s,
		up:    newLimiter(uploadBytesPerSecond),
		down:  newLimiter(downloadBytesPerSecond),
	}
}

func newLimiter(bytesPerSecond int) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := bytesPerSecond
	if burst < maxRateChunk {
		burst = maxRateChunk
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}

func (l *Limited) String() string {
	return "rate limited " + l.Store.String()
}

func (l *Limited) Create(ctx context.Context, key string) (Writer, error) {
	w, err := l.Store.Create(ctx, key)
	if err != nil || l.up == nil {
		return w, err
	}
	return &limitedWriter{ctx: ctx, Writer: w, lim: l.up}, nil
}

func (l *Limited) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := l.Store.Open(ctx, key)
	if err != nil || l.down == nil {
		return r, err
	}
	return readerAndCloser{&limitedReader{ctx: ctx, r: r, lim: l.down}, r}, nil
}

type limitedWriter struct {
	ctx context.Context
	Writer
	lim *rate.Limiter
}

func (w *limitedWriter) Write(b []byte) (int, error) {
	written := 0
	for len(b) > 0 {
		n := len(b)
		if n > maxRateChunk {
			n = maxRateChunk
		}
		if err := w.lim.WaitN(w.ctx, n); err != nil {
			return written, err
		}
		m, err := w.Writer.Write(b[:n])
		written += m
		if err != nil {
			return written, err
		}
		b = b[n:]
	}
	return written, nil
}

type limitedReader struct {
	ctx context.Context
	r   io.Reader
	lim *rate.Limiter
}

func (lr *limitedReader) Read(dst []byte) (int, error) {
	if len(dst) > maxRateChunk {
		dst = dst[:maxRateChunk]
	}
	// Reserve the whole buffer up front; most reads fill it.
	if err := lr.lim.WaitN(lr.ctx, len(dst)); err != nil {
		return 0, err
	}
	return lr.r.Read(dst)
}
