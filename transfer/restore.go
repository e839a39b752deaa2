// transfer/restore.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package transfer

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mmp/azbk/azstore"
	"github.com/mmp/azbk/catalog"
	"github.com/mmp/azbk/metrics"
	"github.com/mmp/azbk/storage"
	u "github.com/mmp/azbk/util"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInsertConcurrency = 16
	DefaultHeartbeat         = 1000
)

// Request asks for the Snapshot of Source ("account/name") to be restored
// into Target, which is Source if empty.
type Request struct {
	Kind   azstore.Kind
	Source string
	Target string
}

func (r Request) String() string {
	if r.Target == "" || r.Target == r.Source {
		return string(r.Kind) + " " + r.Source
	}
	return fmt.Sprintf("%s %s -> %s", r.Kind, r.Source, r.Target)
}

// Restore recreates collections from their Snapshots. Destinations must
// be missing or empty.
type Restore struct {
	Client  azstore.Client
	Store   storage.Store
	Metrics metrics.Sink
	// Maximum number of table inserts or blob uploads in flight for a
	// single collection.
	InsertConcurrency int
	// A progress message is logged after this many records.
	Heartbeat int
}

func (r *Restore) sink() metrics.Sink {
	if r.Metrics == nil {
		return metrics.Nop{}
	}
	return r.Metrics
}

func (r *Restore) Run(ctx context.Context, req Request) error {
	name := "restore." + string(req.Kind)
	var n int
	err := r.sink().Timer(name, func() error {
		var err error
		n, err = r.run(ctx, req)
		return err
	})
	r.sink().Count(name+".items", n)

	var conflict *RestoreConflictError
	var integrity *IntegrityError
	if err == nil || errors.As(err, &conflict) || errors.As(err, &integrity) {
		return err
	}
	return &TransferError{Op: "restore", Item: req.String(), Err: err}
}

func (r *Restore) run(ctx context.Context, req Request) (int, error) {
	start := time.Now()
	srcAccount, srcName, err := catalog.ParseQualified(req.Source)
	if err != nil {
		return 0, err
	}
	target := req.Target
	if target == "" {
		target = req.Source
	}
	dstAccount, dstName, err := catalog.ParseQualified(target)
	if err != nil {
		return 0, err
	}
	ts := azstore.NewTokenSource(r.Client, dstAccount, req.Kind, dstName, azstore.ReadWrite)

	// The destination is checked before the Snapshot is even opened so
	// that a conflict leaves everything untouched.
	var replay func(ctx context.Context, rr *RecordReader) (int, error)
	switch req.Kind {
	case azstore.KindTable:
		tbl, err := r.Client.Table(dstAccount, dstName, ts)
		if err != nil {
			return 0, err
		}
		if err := r.prepare(ctx, req.Source, target, tbl.Create, func() (bool, error) {
			rows, _, err := tbl.QueryPage(ctx, azstore.Cursor{}, 1)
			return len(rows) > 0, err
		}); err != nil {
			return 0, err
		}
		replay = func(ctx context.Context, rr *RecordReader) (int, error) {
			return r.insertRows(ctx, tbl, target, rr)
		}

	case azstore.KindContainer:
		ctr, err := r.Client.Container(dstAccount, dstName, ts)
		if err != nil {
			return 0, err
		}
		if err := r.prepare(ctx, req.Source, target, ctr.Create, func() (bool, error) {
			names, _, err := ctr.ListPage(ctx, azstore.Cursor{}, 1)
			return len(names) > 0, err
		}); err != nil {
			return 0, err
		}
		replay = func(ctx context.Context, rr *RecordReader) (int, error) {
			return r.putBlobs(ctx, ctr, dstAccount, dstName, rr)
		}

	default:
		return 0, azstore.ErrUnknownKind(req.Kind)
	}

	key := storage.Key(srcAccount, string(req.Kind), srcName)
	obj, err := r.Store.Open(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	cr := &u.CountingReader{R: obj}
	d, err := storage.NewDecompressor(cr)
	if err != nil {
		return 0, err
	}
	defer d.Close()

	n, err := replay(ctx, NewRecordReader(d))
	if err != nil {
		return n, err
	}
	log.Verbose("%s: restored %s records from %s (%s) in %s", target, u.FmtCount(n), key,
		u.FmtBytes(cr.Count()), time.Since(start).Round(time.Millisecond))
	return n, nil
}

// prepare creates the destination. If it already exists, it must be empty.
func (r *Restore) prepare(ctx context.Context, source, target string, create func(context.Context) error,
	nonEmpty func() (bool, error)) error {
	err := create(ctx)
	if err == nil {
		log.Debug("%s: created", target)
		return nil
	}
	if err != azstore.ErrAlreadyExists {
		return err
	}
	full, err := nonEmpty()
	if err != nil {
		return err
	}
	if full {
		return &RestoreConflictError{Source: source, Target: target}
	}
	log.Verbose("%s: exists but is empty; restoring into it", target)
	return nil
}

func (r *Restore) heartbeat() int {
	if r.Heartbeat <= 0 {
		return DefaultHeartbeat
	}
	return r.Heartbeat
}

func (r *Restore) insertConcurrency() int {
	if r.InsertConcurrency <= 0 {
		return DefaultInsertConcurrency
	}
	return r.InsertConcurrency
}

// insertRows inserts rows concurrently; it returns once every insert has
// finished, and with the first error if any of them failed.
func (r *Restore) insertRows(ctx context.Context, tbl azstore.Table, target string,
	rr *RecordReader) (int, error) {
	return r.writeAll(ctx, rr, func(ctx context.Context, rec []byte, line int) error {
		return tbl.Insert(ctx, azstore.Row(rec))
	}, func(n int) {
		log.Verbose("%s: %s rows", target, u.FmtCount(n))
	})
}

// putBlobs uploads blobs concurrently, checking each one's MD5 against
// the one recorded in the Snapshot.
func (r *Restore) putBlobs(ctx context.Context, ctr azstore.Container, account, container string,
	rr *RecordReader) (int, error) {
	return r.writeAll(ctx, rr, func(ctx context.Context, rec []byte, line int) error {
		var br BlobRecord
		if err := json.Unmarshal(rec, &br); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		want := br.Info.ContentMD5
		if len(want) == 0 {
			sum := md5.Sum(br.Info.Content)
			want = sum[:]
		}

		got, err := ctr.Put(ctx, br.Name, br.Info)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, want) {
			return &IntegrityError{Account: account, Container: container, Blob: br.Name}
		}
		return nil
	}, func(n int) {
		log.Verbose("%s/%s: %s blobs", account, container, u.FmtCount(n))
	})
}

// writeAll calls write for each record, with up to insertConcurrency calls
// in flight. It returns the number of records started and the first
// error.
func (r *Restore) writeAll(ctx context.Context, rr *RecordReader,
	write func(ctx context.Context, rec []byte, line int) error, progress func(n int)) (int, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.insertConcurrency())

	n := 0
	var readErr error
	for gctx.Err() == nil {
		rec, err := rr.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			readErr = err
			break
		}
		line := rr.Line()
		g.Go(func() error {
			return write(gctx, rec, line)
		})
		n++
		if n%r.heartbeat() == 0 {
			progress(n)
		}
	}

	if err := g.Wait(); err != nil {
		return n, err
	}
	if readErr != nil {
		return n, readErr
	}
	// The loop also stops if ctx is cancelled while every write that was
	// started succeeded.
	return n, ctx.Err()
}
