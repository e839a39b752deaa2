// transfer/records.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package transfer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mmp/azbk/azstore"
)

// BlobRecord is the line stored for each blob of a container.
type BlobRecord struct {
	Name string           `json:"name"`
	Info azstore.BlobInfo `json:"info"`
}

// RecordWriter writes newline-delimited JSON: one compact value per line.
type RecordWriter struct {
	w   *bufio.Writer
	buf bytes.Buffer
	n   int
}

func NewRecordWriter(w io.Writer) *RecordWriter {
	return &RecordWriter{w: bufio.NewWriter(w)}
}

// WriteRaw writes a value that's already JSON encoded, removing any
// insignificant whitespace (and in particular, newlines) from it.
func (rw *RecordWriter) WriteRaw(v json.RawMessage) error {
	rw.buf.Reset()
	if err := json.Compact(&rw.buf, v); err != nil {
		return fmt.Errorf("record %d: %w", rw.n+1, err)
	}
	rw.buf.WriteByte('\n')
	if _, err := rw.w.Write(rw.buf.Bytes()); err != nil {
		return err
	}
	rw.n++
	return nil
}

func (rw *RecordWriter) Write(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return rw.WriteRaw(b)
}

// Flush must be called after the last record has been written.
func (rw *RecordWriter) Flush() error {
	return rw.w.Flush()
}

// Count returns the number of records written.
func (rw *RecordWriter) Count() int {
	return rw.n
}

// RecordReader reads the records written by a RecordWriter. Lines may be
// arbitrarily long; blank lines are skipped.
type RecordReader struct {
	r    *bufio.Reader
	line int
}

func NewRecordReader(r io.Reader) *RecordReader {
	return &RecordReader{r: bufio.NewReaderSize(r, 1<<16)}
}

// Next returns the next record, or io.EOF after the last one. The
// returned slice isn't reused by later calls.
func (rr *RecordReader) Next() (json.RawMessage, error) {
	for {
		b, err := rr.r.ReadBytes('\n')
		if len(b) == 0 && err != nil {
			return nil, err
		}
		rr.line++
		b = bytes.TrimSpace(b)
		if len(b) == 0 {
			if err != nil {
				return nil, err
			}
			continue
		}
		if !json.Valid(b) {
			return nil, fmt.Errorf("line %d: invalid JSON record", rr.line)
		}
		// A final line without a newline is still a record.
		return json.RawMessage(b), nil
	}
}

// Line returns the line number of the last record returned.
func (rr *RecordReader) Line() int {
	return rr.line
}
