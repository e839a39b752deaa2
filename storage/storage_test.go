// storage/storage_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

func getStorage(t *testing.T) []Store {
	var s []Store
	s = append(s, NewMemory())

	d, err := NewDisk(t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	s = append(s, d)

	p, err := NewDisk(t.TempDir(), true)
	if err != nil {
		t.Fatal(err)
	}
	s = append(s, p)

	s = append(s, NewLimited(NewMemory(), 1<<30, 1<<30))

	e, err := NewEncrypted(context.Background(), NewMemory(), "correct horse")
	if err != nil {
		t.Fatal(err)
	}
	s = append(s, e)
	return s
}

func writeObject(t *testing.T, s Store, key string, b []byte) {
	w, err := s.Create(context.Background(), key)
	if err != nil {
		t.Fatalf("%s: create %s: %v", s, key, err)
	}
	if _, err := w.Write(b); err != nil {
		t.Fatalf("%s: write %s: %v", s, key, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("%s: close %s: %v", s, key, err)
	}
}

func readObject(t *testing.T, s Store, key string) []byte {
	r, err := s.Open(context.Background(), key)
	if err != nil {
		t.Fatalf("%s: open %s: %v", s, key, err)
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("%s: read %s: %v", s, key, err)
	}
	return b
}

func TestSimple(t *testing.T) {
	for _, s := range getStorage(t) {
		simple := []byte{0, 1, 2, 3, 4, 5}
		writeObject(t, s, "abc/table/def", simple)
		if b := readObject(t, s, "abc/table/def"); !bytes.Equal(simple, b) {
			t.Errorf("%s: bytes mismatch: wrote %+v, read %+v", s, simple, b)
		}
	}
}

func TestOverwrite(t *testing.T) {
	for _, s := range getStorage(t) {
		writeObject(t, s, "a/table/t", []byte("first"))
		writeObject(t, s, "a/table/t", []byte("second"))
		if b := readObject(t, s, "a/table/t"); string(b) != "second" {
			t.Errorf("%s: got %q after overwrite", s, b)
		}
	}
}

func TestAbortKeepsPrevious(t *testing.T) {
	for _, s := range getStorage(t) {
		writeObject(t, s, "a/container/c", []byte("previous"))

		w, err := s.Create(context.Background(), "a/container/c")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte("partial")); err != nil {
			t.Fatal(err)
		}
		w.Abort(errors.New("page fetch failed"))

		if b := readObject(t, s, "a/container/c"); string(b) != "previous" {
			t.Errorf("%s: aborted write replaced object: %q", s, b)
		}
	}
}

func TestNotFound(t *testing.T) {
	for _, s := range getStorage(t) {
		if _, err := s.Open(context.Background(), "no/table/such"); err != ErrNotFound {
			t.Errorf("%s: expected ErrNotFound, got %v", s, err)
		}
	}
}

func TestList(t *testing.T) {
	for _, s := range getStorage(t) {
		for _, k := range []string{"b/table/x", "a/table/y", "a/container/z"} {
			writeObject(t, s, k, []byte(k))
		}
		objs, err := s.List(context.Background(), "a/")
		if err != nil {
			t.Fatalf("%s: %v", s, err)
		}
		if len(objs) != 2 || objs[0].Key != "a/container/z" || objs[1].Key != "a/table/y" {
			t.Errorf("%s: unexpected listing %+v", s, objs)
		}
		if objs[1].Size != int64(len("a/table/y")) {
			t.Errorf("%s: size %d", s, objs[1].Size)
		}
	}
}

func TestCompressedRoundTrip(t *testing.T) {
	for _, s := range getStorage(t) {
		var orig bytes.Buffer
		for i := 0; i < 5000; i++ {
			orig.WriteString(`{"PartitionKey":"p","RowKey":"`)
			orig.WriteString(string(rune('a' + rand.Intn(26))))
			orig.WriteString("\"}\n")
		}

		w, err := s.Create(context.Background(), "k/table/compressed")
		if err != nil {
			t.Fatal(err)
		}
		c, err := NewCompressor(w)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := c.Write(orig.Bytes()); err != nil {
			t.Fatal(err)
		}
		if err := c.Close(); err != nil {
			t.Fatal(err)
		}

		raw := readObject(t, s, "k/table/compressed")
		if len(raw) >= orig.Len() {
			t.Errorf("%s: compressed %d bytes to %d", s, orig.Len(), len(raw))
		}

		r, err := s.Open(context.Background(), "k/table/compressed")
		if err != nil {
			t.Fatal(err)
		}
		d, err := NewDecompressor(r)
		if err != nil {
			t.Fatal(err)
		}
		got, err := io.ReadAll(d)
		d.Close()
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, orig.Bytes()) {
			t.Errorf("%s: decompressed bytes don't match", s)
		}
	}
}

func TestCompressedEmpty(t *testing.T) {
	s := NewMemory()
	w, _ := s.Create(context.Background(), "abc/table/qed")
	c, err := NewCompressor(w)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	r, err := s.Open(context.Background(), "abc/table/qed")
	if err != nil {
		t.Fatalf("empty snapshot not stored: %v", err)
	}
	d, err := NewDecompressor(r)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	b, err := io.ReadAll(d)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != 0 {
		t.Errorf("expected empty body, got %d bytes", len(b))
	}
}

func TestDiskFsck(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDisk(dir, true)
	if err != nil {
		t.Fatal(err)
	}
	orig := bytes.Repeat([]byte("0123456789abcdef"), 1000)
	writeObject(t, d, "acct/table/t", orig)

	if bad, err := d.Fsck(context.Background(), false); err != nil || len(bad) != 0 {
		t.Fatalf("clean fsck: %v %v", bad, err)
	}

	fn := filepath.Join(dir, "acct", "table", "t")
	corrupted := append([]byte(nil), orig...)
	corrupted[10] ^= 0xff
	if err := os.WriteFile(fn, corrupted, 0600); err != nil {
		t.Fatal(err)
	}

	bad, err := d.Fsck(context.Background(), false)
	if err != nil || len(bad) != 1 || bad[0] != "acct/table/t" {
		t.Fatalf("expected corruption to be found: %v %v", bad, err)
	}
	if bad, err = d.Fsck(context.Background(), true); err != nil || len(bad) != 0 {
		t.Fatalf("repair: %v %v", bad, err)
	}
	if b := readObject(t, d, "acct/table/t"); !bytes.Equal(b, orig) {
		t.Errorf("repaired object doesn't match")
	}
}

func TestDiskRejectsEscapingKeys(t *testing.T) {
	d, err := NewDisk(t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"../x", "", "a/b.rs"} {
		if _, err := d.Create(context.Background(), k); err == nil {
			t.Errorf("%q: expected error", k)
		}
	}
}

func TestHash(t *testing.T) {
	a, b := HashBytes([]byte("a")), HashBytes([]byte("b"))
	if a == b {
		t.Errorf("distinct inputs hashed the same")
	}
	if a != HashBytes([]byte("a")) {
		t.Errorf("hash not deterministic")
	}
	if len(a.String()) != 2*HashSize {
		t.Errorf("unexpected hex length %d", len(a.String()))
	}
}

func TestKey(t *testing.T) {
	if k := Key("abc", "table", "def"); k != "abc/table/def" {
		t.Errorf("Key = %q", k)
	}
}

func TestTempKeys(t *testing.T) {
	for key, tmp := range map[string]bool{
		"abc/table/def":           false,
		"abc/table/def.tmp":       true,
		"abc/table/def.tmp123456": true,
		"abc.tmp/table/def":       false,
	} {
		if isTempKey(key) != tmp {
			t.Errorf("%s: isTempKey = %v", key, !tmp)
		}
	}

	// Abandoned uploads aren't listed.
	dir := t.TempDir()
	d, err := NewDisk(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	w, err := d.Create(context.Background(), "abc/table/def")
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("snapshot"))
	if err := os.WriteFile(filepath.Join(dir, "abc", "table", "qed"+tmpSuffix+"99"), []byte("partial"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	objs, err := d.List(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(objs) != 1 || objs[0].Key != "abc/table/def" {
		t.Errorf("unexpected listing %+v", objs)
	}
}

func TestEncrypted(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	e, err := NewEncrypted(ctx, mem, "correct horse")
	if err != nil {
		t.Fatal(err)
	}
	plain := bytes.Repeat([]byte(`{"PartitionKey":"p"}`), 100)
	writeObject(t, e, "abc/table/def", plain)

	raw := readObject(t, mem, "abc/table/def")
	if len(raw) != len(plain)+ivLength || bytes.Contains(raw, []byte("PartitionKey")) {
		t.Errorf("object stored in the clear")
	}

	// A second store with the same passphrase reads it back.
	e2, err := NewEncrypted(ctx, mem, "correct horse")
	if err != nil {
		t.Fatal(err)
	}
	if b := readObject(t, e2, "abc/table/def"); !bytes.Equal(b, plain) {
		t.Errorf("decrypted contents don't match")
	}

	objs, err := e2.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(objs) != 1 || objs[0].Key != "abc/table/def" || objs[0].Size != int64(len(plain)) {
		t.Errorf("unexpected listing %+v", objs)
	}

	if _, err := NewEncrypted(ctx, mem, "battery staple"); !errors.Is(err, ErrIncorrectPassphrase) {
		t.Errorf("expected ErrIncorrectPassphrase, got %v", err)
	}
	if _, err := NewEncrypted(ctx, NewMemory(), ""); err == nil {
		t.Errorf("empty passphrase accepted")
	}
}
