// storage/compressed.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

///////////////////////////////////////////////////////////////////////////
// zstd streams

// Snapshots are compressed with zstd at the default level, which gives a
// good ratio for JSON without costing much CPU.
var encoderOptions = []zstd.EOption{
	zstd.WithEncoderLevel(zstd.SpeedDefault),
	// A single stream per snapshot; the window is the only state kept
	// in memory besides the pending block.
	zstd.WithEncoderConcurrency(1),
}

// Compressor is an io.WriteCloser that compresses everything written to
// it into the underlying Writer. Closing the Compressor flushes the
// compressed stream and then closes the Writer, making the object
// visible; Abort discards it.
type Compressor struct {
	zw *zstd.Encoder
	w  Writer
}

func NewCompressor(w Writer) (*Compressor, error) {
	zw, err := zstd.NewWriter(w, encoderOptions...)
	if err != nil {
		return nil, err
	}
	return &Compressor{zw: zw, w: w}, nil
}

func (c *Compressor) Write(b []byte) (int, error) {
	return c.zw.Write(b)
}

func (c *Compressor) Close() error {
	if err := c.zw.Close(); err != nil {
		c.w.Abort(err)
		return err
	}
	return c.w.Close()
}

func (c *Compressor) Abort(err error) {
	c.zw.Reset(io.Discard)
	c.w.Abort(err)
}

// NewDecompressor returns a reader that decompresses the zstd stream
// read from r. Closing it closes r as well.
func NewDecompressor(r io.ReadCloser) (io.ReadCloser, error) {
	zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		r.Close()
		return nil, err
	}
	return &decompressor{zr: zr, r: r}, nil
}

type decompressor struct {
	zr *zstd.Decoder
	r  io.Closer
}

func (d *decompressor) Read(b []byte) (int, error) {
	return d.zr.Read(b)
}

func (d *decompressor) Close() error {
	d.zr.Close()
	return d.r.Close()
}
