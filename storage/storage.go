// storage/storage.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"path"
	"strings"
	"time"

	u "github.com/mmp/azbk/util"
	"golang.org/x/crypto/sha3"
)

var (
	ErrNotFound     = errors.New("object not found")
	ErrWriterClosed = errors.New("writer already closed")
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Hashing

// HashSize is the number of bytes in the hash values returned by
// HashBytes.
const HashSize = 32

// Hash encodes a fixed-size secure hash of a collection of bytes.
type Hash [HashSize]byte

// HashBytes computes the SHAKE256 hash of the given byte slice.
func HashBytes(b []byte) Hash {
	var h Hash
	sha3.ShakeSum256(h[:], b)
	return h
}

// String returns the given Hash as a hexidecimal-encoded string.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

///////////////////////////////////////////////////////////////////////////
// Snapshot keys

// Key returns the object name under which the snapshot of the given
// collection is stored. Reruns always produce the same key, so a new
// snapshot replaces the previous one wholesale.
func Key(account, kind, name string) string {
	return path.Join(account, kind, name)
}

///////////////////////////////////////////////////////////////////////////
// Interface to object stores

// Object describes a stored snapshot.
type Object struct {
	Key      string
	Size     int64
	Modified time.Time
}

// Writer streams the contents of a single object to a Store. Nothing is
// visible under the object's key until Close returns successfully; a
// writer that is aborted (or whose Close fails) leaves any previous
// object with the same key untouched.
type Writer interface {
	io.Writer

	// Close finishes the upload and makes the object visible.
	Close() error

	// Abort discards everything written so far. It's safe to call Abort
	// after Close, in which case it does nothing.
	Abort(err error)
}

// Store describes the object store that holds snapshots. Implementations
// must allow concurrent calls to all of the methods.
type Store interface {
	// String returns the name of the Store in the form of a string.
	String() string

	// Create starts a new object with the given key; the data written to
	// the returned Writer is streamed to the store as it arrives.
	Create(ctx context.Context, key string) (Writer, error)

	// Open returns a reader for the object with the given key, or
	// ErrNotFound.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// List returns all of the objects whose keys start with prefix,
	// sorted by key.
	List(ctx context.Context, prefix string) ([]Object, error)
}

///////////////////////////////////////////////////////////////////////////
// Some utility stuff

type readerAndCloser struct {
	io.Reader
	io.Closer
}

// Objects are written under a temporary name that includes tmpSuffix and
// then moved into place.
const tmpSuffix = ".tmp"

// isTempKey reports whether key names an in-progress or abandoned upload.
func isTempKey(key string) bool {
	return strings.Contains(path.Base(key), tmpSuffix)
}
