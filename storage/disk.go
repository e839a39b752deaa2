// storage/disk.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mmp/azbk/rdso"
)

// parity files live next to the objects they protect.
const paritySuffix = ".rs"

// Disk is a Store that keeps each object in a file under a root
// directory. Objects are written to a temporary file that is renamed into
// place on Close, so a failed write never replaces an existing object.
type Disk struct {
	dir string
	// If set, a Reed-Solomon parity file is written alongside every
	// object.
	parity bool
}

// NewDisk returns a new Store that stores objects under dir, creating it
// if necessary.
func NewDisk(dir string, parity bool) (*Disk, error) {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	stat, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("%s: is a regular file", dir)
	}
	return &Disk{dir: dir, parity: parity}, nil
}

func (d *Disk) String() string {
	return "disk: " + d.dir
}

func (d *Disk) path(key string) (string, error) {
	p := filepath.Join(d.dir, filepath.FromSlash(key))
	if p == d.dir || !strings.HasPrefix(p, d.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: invalid object key", key)
	}
	if strings.HasSuffix(p, paritySuffix) || isTempKey(filepath.Base(p)) {
		return "", fmt.Errorf("%s: reserved object key", key)
	}
	return p, nil
}

func (d *Disk) Create(ctx context.Context, key string) (Writer, error) {
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(filepath.Dir(p), filepath.Base(p)+tmpSuffix+"*")
	if err != nil {
		return nil, err
	}
	log.Debug("%s: writing to %s", key, f.Name())
	return &diskWriter{f: f, path: p, parity: d.parity}, nil
}

func (d *Disk) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

func (d *Disk) List(ctx context.Context, prefix string) ([]Object, error) {
	var objs []Object
	err := filepath.WalkDir(d.dir, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() || strings.HasSuffix(p, paritySuffix) || isTempKey(e.Name()) {
			return nil
		}
		rel, err := filepath.Rel(d.dir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		objs = append(objs, Object{Key: key, Size: info.Size(), Modified: info.ModTime()})
		return nil
	})
	sort.Slice(objs, func(i, j int) bool { return objs[i].Key < objs[j].Key })
	return objs, err
}

// Fsck checks all of the objects against their parity files. If repair
// is set, objects that are corrupt but recoverable are rewritten. The
// keys of objects that are still corrupt afterward are returned.
func (d *Disk) Fsck(ctx context.Context, repair bool) ([]string, error) {
	objs, err := d.List(ctx, "")
	if err != nil {
		return nil, err
	}

	var corrupt []string
	for _, o := range objs {
		if err := ctx.Err(); err != nil {
			return corrupt, err
		}
		p := filepath.Join(d.dir, filepath.FromSlash(o.Key))
		rs := p + paritySuffix
		if _, err := os.Stat(rs); err != nil {
			log.Warning("%s: no parity file", o.Key)
			continue
		}

		err := rdso.CheckFile(p, rs)
		if err == nil {
			continue
		} else if err != rdso.ErrFileCorrupt {
			return corrupt, fmt.Errorf("%s: %w", o.Key, err)
		}

		if !repair {
			log.Error("%s: corrupt", o.Key)
			corrupt = append(corrupt, o.Key)
			continue
		}
		n, err := rdso.RepairFile(p, rs)
		if err != nil {
			log.Error("%s: unable to repair: %s", o.Key, err)
			corrupt = append(corrupt, o.Key)
			continue
		}
		log.Verbose("%s: repaired %d shards", o.Key, n)
	}
	return corrupt, nil
}

type diskWriter struct {
	f      *os.File
	path   string
	parity bool
	done   bool
}

func (w *diskWriter) Write(b []byte) (int, error) {
	if w.done {
		return 0, ErrWriterClosed
	}
	return w.f.Write(b)
}

func (w *diskWriter) Close() error {
	if w.done {
		return ErrWriterClosed
	}
	w.done = true

	tmp := w.f.Name()
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if w.parity {
		// Encode the temporary file so that the parity file is in place
		// before the object becomes visible.
		if err := rdso.EncodeFile(tmp, w.path+paritySuffix, rdso.DefaultDataShards,
			rdso.DefaultParityShards); err != nil {
			os.Remove(tmp)
			return err
		}
	}
	return os.Rename(tmp, w.path)
}

func (w *diskWriter) Abort(err error) {
	if w.done {
		return
	}
	w.done = true
	log.Debug("%s: aborting write: %v", w.path, err)
	w.f.Close()
	os.Remove(w.f.Name())
}
