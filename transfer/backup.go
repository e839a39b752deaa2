// transfer/backup.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package transfer moves collections between storage accounts and
// Snapshots: each Snapshot is one zstd-compressed object holding a JSON
// record per line, one for each row or blob of the collection.
package transfer

import (
	"context"
	"crypto/md5"
	"time"

	"github.com/mmp/azbk/azstore"
	"github.com/mmp/azbk/catalog"
	"github.com/mmp/azbk/metrics"
	"github.com/mmp/azbk/storage"
	u "github.com/mmp/azbk/util"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// DefaultPageSize is the largest page the table service returns.
const DefaultPageSize = 1000

// Backup writes Snapshots of collections to a Store.
type Backup struct {
	Client  azstore.Client
	Store   storage.Store
	Metrics metrics.Sink
	// Rows or blob names requested per page; DefaultPageSize if zero.
	PageSize int
}

func (b *Backup) sink() metrics.Sink {
	if b.Metrics == nil {
		return metrics.Nop{}
	}
	return b.Metrics
}

func (b *Backup) pageSize() int {
	if b.PageSize <= 0 {
		return DefaultPageSize
	}
	return b.PageSize
}

// Run writes the Snapshot of a single collection. If anything goes wrong,
// the upload is abandoned and whatever Snapshot was previously stored
// under the item's key is left as it was.
func (b *Backup) Run(ctx context.Context, item catalog.WorkItem) error {
	name := "backup." + string(item.Kind)
	var n int
	err := b.sink().Timer(name, func() error {
		var err error
		n, err = b.run(ctx, item)
		return err
	})
	if err != nil {
		return &TransferError{Op: "backup", Item: item.String(), Err: err}
	}
	b.sink().Count(name+".items", n)
	return nil
}

func (b *Backup) run(ctx context.Context, item catalog.WorkItem) (int, error) {
	start := time.Now()
	key := storage.Key(item.Account, string(item.Kind), item.Name)
	ts := azstore.NewTokenSource(b.Client, item.Account, item.Kind, item.Name, azstore.ReadOnly)

	w, err := b.Store.Create(ctx, key)
	if err != nil {
		return 0, err
	}
	c, err := storage.NewCompressor(w)
	if err != nil {
		w.Abort(err)
		return 0, err
	}
	cw := &u.CountingWriter{W: c}
	rw := NewRecordWriter(cw)

	switch item.Kind {
	case azstore.KindTable:
		err = b.tableRows(ctx, ts, item, rw)
	case azstore.KindContainer:
		err = b.blobs(ctx, ts, item, rw)
	default:
		err = azstore.ErrUnknownKind(item.Kind)
	}
	if err == nil {
		err = rw.Flush()
	}
	if err != nil {
		c.Abort(err)
		return rw.Count(), err
	}
	if err := c.Close(); err != nil {
		return rw.Count(), err
	}

	log.Verbose("%s: %s records, %s uncompressed in %s", key, u.FmtCount(rw.Count()),
		cw.Rate(), time.Since(start).Round(time.Millisecond))
	return rw.Count(), nil
}

func (b *Backup) tableRows(ctx context.Context, ts *azstore.TokenSource, item catalog.WorkItem,
	rw *RecordWriter) error {
	tbl, err := b.Client.Table(item.Account, item.Name, ts)
	if err != nil {
		return err
	}
	var cur azstore.Cursor
	for page := 1; ; page++ {
		rows, next, err := tbl.QueryPage(ctx, cur, b.pageSize())
		if err != nil {
			return err
		}
		for _, r := range rows {
			if err := rw.WriteRaw(r); err != nil {
				return err
			}
		}
		log.Debug("%s: page %d, %d rows", item, page, len(rows))
		if !next.More() {
			return nil
		}
		cur = next
	}
}

func (b *Backup) blobs(ctx context.Context, ts *azstore.TokenSource, item catalog.WorkItem,
	rw *RecordWriter) error {
	ctr, err := b.Client.Container(item.Account, item.Name, ts)
	if err != nil {
		return err
	}
	var cur azstore.Cursor
	for page := 1; ; page++ {
		names, next, err := ctr.ListPage(ctx, cur, b.pageSize())
		if err != nil {
			return err
		}
		for _, name := range names {
			info, err := ctr.Fetch(ctx, name)
			if err != nil {
				return err
			}
			if len(info.ContentMD5) == 0 {
				sum := md5.Sum(info.Content)
				info.ContentMD5 = sum[:]
			}
			if err := rw.Write(BlobRecord{Name: name, Info: info}); err != nil {
				return err
			}
		}
		log.Debug("%s: page %d, %d blobs", item, page, len(names))
		if !next.More() {
			return nil
		}
		cur = next
	}
}
