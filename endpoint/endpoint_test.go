// endpoint/endpoint_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package endpoint

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mmp/azbk/storage"
)

func TestParse(t *testing.T) {
	for _, c := range []struct {
		url, scheme, bucket, key string
	}{
		{"file:///tmp/backups/abc.zst", "file", "/tmp/backups/", "abc.zst"},
		{"s3://my-bucket/abc/table/def", "s3", "my-bucket", "abc/table/def"},
		{"gs://other/abc/container/ctr", "gs", "other", "abc/container/ctr"},
	} {
		e, err := Parse(c.url)
		if err != nil {
			t.Errorf("%s: %v", c.url, err)
			continue
		}
		if e.Scheme != c.scheme || e.Bucket != filepath.FromSlash(c.bucket) || e.Key != c.key {
			t.Errorf("%s: got %+v", c.url, e)
		}
	}

	for _, c := range []struct {
		url, msg string
	}{
		{"http://example.com/x.zst", "invalid data URL"},
		{"file://host/x.zst", "hostnames"},
		{"file:///tmp/x.json", ".zst"},
		{"s3://bucket", "bucket and key"},
	} {
		if _, err := Parse(c.url); err == nil || !strings.Contains(err.Error(), c.msg) {
			t.Errorf("%s: expected error containing %q, got %v", c.url, c.msg, err)
		}
	}
}

func writeRecords(t *testing.T, e *Endpoint, n int) {
	w, err := e.Writer(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		if err := w.Write(map[string]int{"i": i}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func readRecords(t *testing.T, e *Endpoint) []string {
	r, err := e.Reader(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	var recs []string
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return recs
		} else if err != nil {
			t.Fatal(err)
		}
		recs = append(recs, string(rec))
	}
}

func TestCopyFileToStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src, err := Parse("file://" + filepath.ToSlash(filepath.Join(dir, "snap.zst")))
	if err != nil {
		t.Fatal(err)
	}
	if err := src.Connect(ctx, ""); err != nil {
		t.Fatal(err)
	}
	writeRecords(t, src, 500)
	if _, err := os.Stat(filepath.Join(dir, "snap.zst")); err != nil {
		t.Fatalf("snapshot file not written: %v", err)
	}

	dst, err := Parse("s3://bucket/abc/table/def")
	if err != nil {
		t.Fatal(err)
	}
	mem := storage.NewMemory()
	dst.Use(mem)

	n, err := Copy(ctx, src, dst)
	if err != nil {
		t.Fatal(err)
	}
	if n != 500 {
		t.Errorf("copied %d records", n)
	}
	got := readRecords(t, dst)
	if len(got) != 500 || got[0] != `{"i":0}` || got[499] != `{"i":499}` {
		t.Errorf("unexpected records: %d, %v", len(got), got[:1])
	}
}

func TestCopyBadSourceLeavesDestination(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()

	src, _ := Parse("gs://b/src")
	src.Use(mem)
	w, _ := mem.Create(ctx, "src")
	c, _ := storage.NewCompressor(w)
	fmt.Fprintf(c, "{\"ok\":1}\nnot json\n")
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	dst, _ := Parse("gs://b/dst")
	dst.Use(mem)
	writeRecords(t, dst, 3)

	if _, err := Copy(ctx, src, dst); err == nil {
		t.Fatalf("copy of corrupt source succeeded")
	}
	if got := readRecords(t, dst); len(got) != 3 {
		t.Errorf("destination changed: %v", got)
	}
}

func TestNotConnected(t *testing.T) {
	e, _ := Parse("s3://bucket/key")
	if _, err := e.Reader(context.Background()); err == nil {
		t.Errorf("expected error")
	}
}
