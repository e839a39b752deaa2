// rdso/rdso_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package rdso

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestE2E(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Logf("Seed = %d", seed)
	rng := rand.New(rand.NewSource(seed))

	// Make a buffer full of random bytes.
	buf := make([]byte, 1+rng.Intn(4*1024*1024))
	t.Logf("Length %d", len(buf))
	_, _ = rng.Read(buf)
	origBuf := dupe(buf)

	nShards := 1 + rng.Intn(24)
	nParity := 1 + rng.Intn(8)
	t.Logf("%d data shards, %d parity", nShards, nParity)

	var rs bytes.Buffer
	if err := Encode(bytes.NewReader(buf), &rs, nShards, nParity); err != nil {
		t.Fatalf("%s", err)
	}

	// The initial check should pass!
	if err := Check(bytes.NewReader(buf), bytes.NewReader(rs.Bytes())); err != nil {
		t.Fatalf("Error %+v on initial check", err)
	}

	// Corrupt as many data shards as can be recovered.
	shardSize := (len(buf) + nShards - 1) / nShards
	nErrors := nParity
	if nErrors > nShards {
		nErrors = nShards
	}
	for _, s := range rng.Perm(nShards)[:nErrors] {
		lo := s * shardSize
		if lo >= len(buf) {
			continue
		}
		buf[lo] ^= byte(1 + rng.Intn(254))
	}

	err := Check(bytes.NewReader(buf), bytes.NewReader(rs.Bytes()))
	if err != nil && err != ErrFileCorrupt {
		t.Fatalf("%s", err)
	}

	var restored bytes.Buffer
	if _, err = Repair(bytes.NewReader(buf), bytes.NewReader(rs.Bytes()), &restored); err != nil {
		t.Fatalf("%s", err)
	}
	if !bytes.Equal(origBuf, restored.Bytes()) {
		t.Errorf("original bytes don't match restored")
	}
}

func TestTooManyErrors(t *testing.T) {
	buf := bytes.Repeat([]byte("0123456789"), 1000)
	var rs bytes.Buffer
	if err := Encode(bytes.NewReader(buf), &rs, 4, 1); err != nil {
		t.Fatal(err)
	}
	bad := dupe(buf)
	bad[0]++
	bad[len(bad)-1]++
	if _, err := Repair(bytes.NewReader(bad), bytes.NewReader(rs.Bytes()), &bytes.Buffer{}); err != ErrUnrecoverable {
		t.Errorf("expected ErrUnrecoverable, got %v", err)
	}
}

func TestEmpty(t *testing.T) {
	var rs bytes.Buffer
	if err := Encode(bytes.NewReader(nil), &rs, DefaultDataShards, DefaultParityShards); err != nil {
		t.Fatal(err)
	}
	if err := Check(bytes.NewReader(nil), bytes.NewReader(rs.Bytes())); err != nil {
		t.Errorf("empty check: %v", err)
	}
	if err := Check(bytes.NewReader([]byte("x")), bytes.NewReader(rs.Bytes())); err != ErrFileCorrupt {
		t.Errorf("expected ErrFileCorrupt, got %v", err)
	}
}

func TestRepairFile(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "snap")
	orig := bytes.Repeat([]byte("snapshot contents "), 500)
	if err := os.WriteFile(fn, orig, 0600); err != nil {
		t.Fatal(err)
	}
	if err := EncodeFile(fn, fn+".rs", DefaultDataShards, DefaultParityShards); err != nil {
		t.Fatal(err)
	}
	if err := CheckFile(fn, fn+".rs"); err != nil {
		t.Fatalf("check: %v", err)
	}

	bad := dupe(orig)
	bad[100] = '!'
	if err := os.WriteFile(fn, bad, 0600); err != nil {
		t.Fatal(err)
	}
	if err := CheckFile(fn, fn+".rs"); err != ErrFileCorrupt {
		t.Fatalf("expected ErrFileCorrupt, got %v", err)
	}
	n, err := RepairFile(fn, fn+".rs")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("repaired %d shards, expected 1", n)
	}
	got, err := os.ReadFile(fn)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, orig) {
		t.Errorf("repaired file doesn't match original")
	}
}

func dupe(b []byte) []byte {
	r := make([]byte, len(b))
	copy(r, b)
	return r
}
