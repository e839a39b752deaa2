// storage/memory.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryObject struct {
	data    []byte
	created time.Time
}

// Memory is a Store that keeps all objects in RAM.  It's really only
// useful for testing of code built on top of Store, where we may want to
// save the trouble of talking to a real object store.
type Memory struct {
	mu      sync.Mutex
	objects map[string]memoryObject
}

// Duplicate the provided byte slice.
func dupe(src []byte) []byte {
	d := make([]byte, len(src))
	copy(d, src)
	return d
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memoryObject)}
}

func (m *Memory) String() string {
	return "memory"
}

func (m *Memory) Create(ctx context.Context, key string) (Writer, error) {
	return &memoryWriter{m: m, key: key}, nil
}

func (m *Memory) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	b, ok := m.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var objs []Object
	for k, o := range m.objects {
		if strings.HasPrefix(k, prefix) {
			objs = append(objs, Object{Key: k, Size: int64(len(o.data)), Modified: o.created})
		}
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].Key < objs[j].Key })
	return objs, nil
}

// Get returns a copy of the stored bytes for key.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	return dupe(o.data), true
}

// Put stores b under key directly, replacing any existing object.
func (m *Memory) Put(key string, b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{data: dupe(b), created: time.Now()}
}

// memoryWriter buffers the object and only stores it in Close, which
// gives the same all-or-nothing visibility as the real stores.
type memoryWriter struct {
	m      *Memory
	key    string
	buf    bytes.Buffer
	closed bool
}

func (w *memoryWriter) Write(b []byte) (int, error) {
	if w.closed {
		return 0, ErrWriterClosed
	}
	return w.buf.Write(b)
}

func (w *memoryWriter) Close() error {
	if w.closed {
		return ErrWriterClosed
	}
	w.closed = true
	w.m.Put(w.key, w.buf.Bytes())
	return nil
}

func (w *memoryWriter) Abort(err error) {
	w.closed = true
	w.buf.Reset()
}
