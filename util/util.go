// util/util.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

///////////////////////////////////////////////////////////////////////////
// CountingReader / CountingWriter

// CountingReader wraps an io.Reader and keeps track of how many bytes have
// passed through it. It's safe to call Count while another goroutine is
// reading.
type CountingReader struct {
	R     io.Reader
	start time.Time
	n     atomic.Int64
}

func (r *CountingReader) Read(buf []byte) (int, error) {
	if r.start.IsZero() {
		r.start = time.Now()
	}
	n, err := r.R.Read(buf)
	r.n.Add(int64(n))
	return n, err
}

func (r *CountingReader) Count() int64 {
	return r.n.Load()
}

// Rate returns a human-readable summary of the bytes read so far and the
// rate of reading them.
func (r *CountingReader) Rate() string {
	return fmtRate(r.n.Load(), r.start)
}

func (r *CountingReader) Close() error {
	if rc, ok := r.R.(io.ReadCloser); ok {
		return rc.Close()
	}
	return nil
}

// CountingWriter is the io.Writer counterpart of CountingReader.
type CountingWriter struct {
	W     io.Writer
	start time.Time
	n     atomic.Int64
}

func (w *CountingWriter) Write(buf []byte) (int, error) {
	if w.start.IsZero() {
		w.start = time.Now()
	}
	n, err := w.W.Write(buf)
	w.n.Add(int64(n))
	return n, err
}

func (w *CountingWriter) Count() int64 {
	return w.n.Load()
}

func (w *CountingWriter) Rate() string {
	return fmtRate(w.n.Load(), w.start)
}

func fmtRate(n int64, start time.Time) string {
	if start.IsZero() {
		return FmtBytes(n)
	}
	delta := time.Since(start).Seconds()
	if delta <= 0 {
		return FmtBytes(n)
	}
	return FmtBytes(n) + " [" + FmtBytes(int64(float64(n)/delta)) + "/s]"
}

///////////////////////////////////////////////////////////////////////////
// Utility Functions

func FmtBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

// FmtCount formats a record count with thousands separators.
func FmtCount(n int) string {
	return humanize.Comma(int64(n))
}

///////////////////////////////////////////////////////////////////////////
// Progress symbols

var (
	glyphs = []rune("⚀∅⚁®⚂©⚃℗⚄❀☀☁☂♩❖♫★☆☉☘☢✪♔♕♖♗♘⚑")
	// ANSI foreground colors: red, blue, green, yellow.
	colors = []string{"31", "34", "32", "33"}
)

// Symbol returns the display token for the index'th concurrent task, so
// that interleaved progress output from many tasks can be told apart.
// The mapping is fixed; equal indices always get equal symbols.
func Symbol(index int) string {
	n := len(glyphs) * len(colors)
	i := index % n
	if i < 0 {
		i += n
	}
	g, c := glyphs[i/len(colors)], colors[i%len(colors)]
	return "\x1b[" + c + "m" + string(g) + "\x1b[0m"
}
