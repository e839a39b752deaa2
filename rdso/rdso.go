// rdso/rdso.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Reed-Solomon parity for snapshot files, based on
// github.com/klauspost/reedsolomon. A parity file stores enough
// redundancy to detect corruption of a snapshot file and to recover it as
// long as no more than NParity of its shards are damaged.

package rdso

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/reedsolomon"
	"golang.org/x/crypto/sha3"
)

var (
	ErrFileCorrupt   = errors.New("file corrupt")
	ErrUnrecoverable = errors.New("too many corrupt shards to recover")
)

const (
	DefaultDataShards   = 17
	DefaultParityShards = 3
)

// HashSize is the number of bytes in the per-shard hashes.
const HashSize = 64

type Hash [HashSize]byte

// HashBytes computes the SHAKE256 hash of the given byte slice.
func HashBytes(b []byte) Hash {
	var h Hash
	sha3.ShakeSum256(h[:], b)
	return h
}

// ParityFile is the gob-encoded contents of a parity file.
type ParityFile struct {
	// Size of the original file
	Size                       int64
	NDataShards, NParityShards int
	Hashes                     []Hash // First the data hashes, then the parity hashes.
	ParityShards               [][]byte
}

// Encode reads all of data and writes the parity information for it to
// parity.
func Encode(data io.Reader, parity io.Writer, nData, nParity int) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}

	pf := ParityFile{Size: int64(len(b)), NDataShards: nData, NParityShards: nParity}
	if len(b) > 0 {
		enc, err := reedsolomon.New(nData, nParity)
		if err != nil {
			return err
		}
		shards, err := split(enc, b, nData, nParity)
		if err != nil {
			return err
		}
		if err := enc.Encode(shards); err != nil {
			return err
		}
		for _, s := range shards {
			pf.Hashes = append(pf.Hashes, HashBytes(s))
		}
		pf.ParityShards = shards[nData:]
	}
	return gob.NewEncoder(parity).Encode(pf)
}

// EncodeFile writes the parity file rsfn for the file fn.
func EncodeFile(fn, rsfn string, nData, nParity int) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()

	var buf bytes.Buffer
	if err := Encode(f, &buf, nData, nParity); err != nil {
		return fmt.Errorf("%s: %w", fn, err)
	}
	return writeAtomic(rsfn, buf.Bytes())
}

// Check returns ErrFileCorrupt if data doesn't match the parity
// information.
func Check(data, parity io.Reader) error {
	pf, err := ReadParity(parity)
	if err != nil {
		return err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if int64(len(b)) != pf.Size {
		return ErrFileCorrupt
	}
	if pf.Size == 0 {
		return nil
	}
	shards, err := pf.shards(b)
	if err != nil {
		return err
	}
	if len(pf.corrupt(shards)) > 0 {
		return ErrFileCorrupt
	}
	return nil
}

// CheckFile checks the file fn against the parity file rsfn.
func CheckFile(fn, rsfn string) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	rs, err := os.Open(rsfn)
	if err != nil {
		return err
	}
	defer rs.Close()
	return Check(f, rs)
}

// Repair reconstructs the original data from possibly-corrupt data and
// its parity information and writes it to out. It returns the number of
// shards that had to be reconstructed.
func Repair(data, parity io.Reader, out io.Writer) (int, error) {
	pf, err := ReadParity(parity)
	if err != nil {
		return 0, err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return 0, err
	}
	if pf.Size == 0 {
		// Nothing to reconstruct from; the original was empty.
		if len(b) == 0 {
			return 0, nil
		}
		return 1, nil
	}

	// Fix up the length first so that the shard boundaries line up with
	// the encoded ones.
	if int64(len(b)) > pf.Size {
		b = b[:pf.Size]
	} else if int64(len(b)) < pf.Size {
		b = append(b, make([]byte, pf.Size-int64(len(b)))...)
	}

	shards, err := pf.shards(b)
	if err != nil {
		return 0, err
	}
	bad := pf.corrupt(shards)
	if len(bad) > pf.NParityShards {
		return len(bad), ErrUnrecoverable
	}

	enc, err := reedsolomon.New(pf.NDataShards, pf.NParityShards)
	if err != nil {
		return len(bad), err
	}
	if len(bad) > 0 {
		for _, i := range bad {
			shards[i] = nil
		}
		if err := enc.Reconstruct(shards); err != nil {
			return len(bad), err
		}
		if len(pf.corrupt(shards)) > 0 {
			return len(bad), ErrUnrecoverable
		}
	}
	return len(bad), enc.Join(out, shards, int(pf.Size))
}

// RepairFile repairs fn in place using the parity file rsfn, returning
// the number of reconstructed shards.
func RepairFile(fn, rsfn string) (int, error) {
	f, err := os.Open(fn)
	if err != nil {
		return 0, err
	}
	rs, err := os.Open(rsfn)
	if err != nil {
		f.Close()
		return 0, err
	}
	var buf bytes.Buffer
	n, err := Repair(f, rs, &buf)
	f.Close()
	rs.Close()
	if err != nil || n == 0 {
		return n, err
	}
	return n, writeAtomic(fn, buf.Bytes())
}

func ReadParity(r io.Reader) (ParityFile, error) {
	var pf ParityFile
	if err := gob.NewDecoder(r).Decode(&pf); err != nil {
		return pf, err
	}
	if pf.Size > 0 && len(pf.Hashes) != pf.NDataShards+pf.NParityShards {
		return pf, fmt.Errorf("parity file has %d hashes, expected %d", len(pf.Hashes),
			pf.NDataShards+pf.NParityShards)
	}
	return pf, nil
}

// shards splits b into data shards exactly as Encode did and appends the
// stored parity shards.
func (pf *ParityFile) shards(b []byte) ([][]byte, error) {
	enc, err := reedsolomon.New(pf.NDataShards, pf.NParityShards)
	if err != nil {
		return nil, err
	}
	shards, err := split(enc, b, pf.NDataShards, pf.NParityShards)
	if err != nil {
		return nil, err
	}
	for i, p := range pf.ParityShards {
		shards[pf.NDataShards+i] = p
	}
	return shards, nil
}

// corrupt returns the indices of the shards whose hashes don't match.
func (pf *ParityFile) corrupt(shards [][]byte) []int {
	var bad []int
	for i, s := range shards {
		if s == nil || HashBytes(s) != pf.Hashes[i] {
			bad = append(bad, i)
		}
	}
	return bad
}

func split(enc reedsolomon.Encoder, b []byte, nData, nParity int) ([][]byte, error) {
	// Split may reuse b's backing array; give it a copy so that the
	// caller's data isn't modified by padding.
	shards, err := enc.Split(append([]byte(nil), b...))
	if err != nil {
		return nil, err
	}
	for len(shards) < nData+nParity {
		shards = append(shards, make([]byte, len(shards[0])))
	}
	return shards, nil
}

func writeAtomic(fn string, b []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(fn), filepath.Base(fn)+".tmp*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), fn)
}
