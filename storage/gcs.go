// storage/gcs.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"sort"
	"sync"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// Snapshots are read rarely; nearline keeps them cheap while still
// allowing quick restores.
const defaultGCSStorageClass = "NEARLINE"

// Upload along the way rather than buffering large chunks in memory.
const gcsChunkSize = 256 * 1024

type GCSOptions struct {
	BucketName string
	// Optional. Uses defaultGCSStorageClass if not specified.
	StorageClass string
}

// gcsStore implements the Store interface to store snapshots in Google
// Cloud Storage.
type gcsStore struct {
	client       *gcs.Client
	bucket       *gcs.BucketHandle
	name         string
	storageClass string
}

func NewGCS(ctx context.Context, options GCSOptions) (Store, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	g := &gcsStore{
		client:       client,
		bucket:       client.Bucket(options.BucketName),
		name:         options.BucketName,
		storageClass: options.StorageClass,
	}
	if g.storageClass == "" {
		g.storageClass = defaultGCSStorageClass
	}
	if _, err := g.bucket.Attrs(ctx); err != nil {
		return nil, fmt.Errorf("gs://%s: %w", options.BucketName, err)
	}
	return g, nil
}

func (g *gcsStore) String() string {
	return "gs://" + g.name
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// The object is first streamed to a temporary name; only once GCS agrees
// on the CRC of what we sent is it copied to its final name.
func (g *gcsStore) Create(ctx context.Context, key string) (Writer, error) {
	tmpName := key + tmpSuffix
	ctx, cancel := context.WithCancel(ctx)
	w := g.bucket.Object(tmpName).NewWriter(ctx)
	w.ChunkSize = gcsChunkSize
	w.ContentType = "application/octet-stream"

	log.Debug("%s: starting upload", key)
	return &gcsWriter{
		g:      g,
		ctx:    ctx,
		cancel: cancel,
		key:    key,
		tmp:    tmpName,
		w:      w,
		crc:    crc32.New(castagnoliTable),
	}, nil
}

func (g *gcsStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := g.bucket.Object(key).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	return r, err
}

func (g *gcsStore) List(ctx context.Context, prefix string) ([]Object, error) {
	var objs []Object
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		if isTempKey(obj.Name) {
			continue
		}
		objs = append(objs, Object{Key: obj.Name, Size: obj.Size, Modified: obj.Updated})
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].Key < objs[j].Key })
	return objs, nil
}

type gcsWriter struct {
	g      *gcsStore
	ctx    context.Context
	cancel context.CancelFunc
	key    string
	tmp    string
	w      *gcs.Writer
	crc    hash.Hash32

	once sync.Once
	err  error
}

func (gw *gcsWriter) Write(b []byte) (int, error) {
	n, err := gw.w.Write(b)
	gw.crc.Write(b[:n])
	return n, err
}

func (gw *gcsWriter) Close() error {
	gw.once.Do(func() {
		defer gw.cancel()
		gw.err = gw.commit()
	})
	return gw.err
}

func (gw *gcsWriter) commit() error {
	if err := gw.w.Close(); err != nil {
		return err
	}
	tmpObj := gw.g.bucket.Object(gw.tmp)
	defer tmpObj.Delete(context.WithoutCancel(gw.ctx))

	// Double-check that the CRC we compute locally is the same as what GCS
	// thinks it is.
	if local, remote := gw.crc.Sum32(), gw.w.Attrs().CRC32C; local != remote {
		return fmt.Errorf("%s: CRC32 checksum mismatch. Local: %d, GCS: %d", gw.tmp,
			local, remote)
	}

	// Make the final object by copying from the temporary one.
	copier := gw.g.bucket.Object(gw.key).CopierFrom(tmpObj)
	copier.StorageClass = gw.g.storageClass
	copier.ContentType = "application/octet-stream"
	if _, err := copier.Run(gw.ctx); err != nil {
		return err
	}
	log.Debug("%s: finished upload", gw.key)
	return nil
}

func (gw *gcsWriter) Abort(err error) {
	gw.once.Do(func() {
		log.Debug("%s: aborting upload: %v", gw.key, err)
		// Cancelling the context before Close keeps the writer from
		// creating the object at all.
		gw.cancel()
		gw.w.Close()
		gw.err = err
	})
}
