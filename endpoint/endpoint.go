// endpoint/endpoint.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package endpoint names Snapshot streams by URL so that they can be
// copied between local files and object stores.
package endpoint

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	"github.com/mmp/azbk/storage"
	"github.com/mmp/azbk/transfer"
	u "github.com/mmp/azbk/util"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// Endpoint is a single Snapshot: a zstd-compressed stream of JSON
// records. Supported URLs are
//
//	file:///path/to/snapshot.zst
//	s3://bucket/key
//	gs://bucket/key
type Endpoint struct {
	Scheme string
	Bucket string
	Key    string

	raw   string
	store storage.Store
}

func Parse(raw string) (*Endpoint, error) {
	pu, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Annotatef(err, "invalid data URL %s", raw)
	}
	e := &Endpoint{Scheme: pu.Scheme, raw: raw}
	switch pu.Scheme {
	case "file":
		if pu.Host != "" {
			return nil, errors.NotValidf("%s: file URLs cannot have hostnames (use file:///)", raw)
		}
		if !strings.HasSuffix(pu.Path, ".zst") {
			return nil, errors.NotValidf("%s: pathname must end with .zst", raw)
		}
		e.Bucket, e.Key = filepath.Split(filepath.FromSlash(pu.Path))
	case "s3", "gs":
		e.Bucket, e.Key = pu.Host, strings.TrimPrefix(pu.Path, "/")
		if e.Bucket == "" || e.Key == "" {
			return nil, errors.NotValidf("%s: bucket and key required", raw)
		}
	default:
		return nil, fmt.Errorf("invalid data URL %s", raw)
	}
	return e, nil
}

func (e *Endpoint) String() string {
	return e.raw
}

// Connect sets up access to the store holding the Snapshot. region is
// only used for S3.
func (e *Endpoint) Connect(ctx context.Context, region string) error {
	var err error
	switch e.Scheme {
	case "file":
		e.store, err = storage.NewDisk(e.Bucket, false)
	case "s3":
		e.store, err = storage.NewS3(ctx, storage.S3Options{Bucket: e.Bucket, Region: region})
	case "gs":
		e.store, err = storage.NewGCS(ctx, storage.GCSOptions{BucketName: e.Bucket})
	default:
		err = fmt.Errorf("invalid data URL %s", e.raw)
	}
	return errors.Annotatef(err, "%s", e.raw)
}

// Use sets the store directly, instead of Connect.
func (e *Endpoint) Use(s storage.Store) {
	e.store = s
}

type Reader struct {
	*transfer.RecordReader
	rc io.ReadCloser
}

func (r *Reader) Close() error {
	return r.rc.Close()
}

func (e *Endpoint) Reader(ctx context.Context) (*Reader, error) {
	if e.store == nil {
		return nil, errors.Errorf("%s: not connected", e.raw)
	}
	obj, err := e.store.Open(ctx, e.Key)
	if err != nil {
		return nil, errors.Annotatef(err, "%s", e.raw)
	}
	d, err := storage.NewDecompressor(obj)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Reader{RecordReader: transfer.NewRecordReader(d), rc: d}, nil
}

// Writer writes records to an endpoint; they only appear there once
// Close returns successfully.
type Writer struct {
	*transfer.RecordWriter
	c *storage.Compressor
}

func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		w.c.Abort(err)
		return err
	}
	return w.c.Close()
}

func (w *Writer) Abort(err error) {
	w.c.Abort(err)
}

func (e *Endpoint) Writer(ctx context.Context) (*Writer, error) {
	if e.store == nil {
		return nil, errors.Errorf("%s: not connected", e.raw)
	}
	sw, err := e.store.Create(ctx, e.Key)
	if err != nil {
		return nil, errors.Annotatef(err, "%s", e.raw)
	}
	c, err := storage.NewCompressor(sw)
	if err != nil {
		sw.Abort(err)
		return nil, errors.Trace(err)
	}
	return &Writer{RecordWriter: transfer.NewRecordWriter(c), c: c}, nil
}

// Copy copies every record from src to dst and returns how many there
// were. dst is left unchanged if anything fails.
func Copy(ctx context.Context, src, dst *Endpoint) (int, error) {
	r, err := src.Reader(ctx)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	w, err := dst.Writer(ctx)
	if err != nil {
		return 0, err
	}

	for {
		if err := ctx.Err(); err != nil {
			w.Abort(err)
			return w.Count(), err
		}
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err == nil {
			err = w.WriteRaw(rec)
		}
		if err != nil {
			w.Abort(err)
			return w.Count(), errors.Annotatef(err, "%s -> %s", src, dst)
		}
	}
	if err := w.Close(); err != nil {
		return w.Count(), errors.Annotatef(err, "%s", dst)
	}
	log.Verbose("%s -> %s: %s records", src, dst, u.FmtCount(w.Count()))
	return w.Count(), nil
}
