// transfer/records_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package transfer

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
)

func TestRecordsCompact(t *testing.T) {
	var buf bytes.Buffer
	rw := NewRecordWriter(&buf)
	if err := rw.WriteRaw(json.RawMessage("{\n  \"a\": 1,\n  \"b\": [1, 2]\n}")); err != nil {
		t.Fatal(err)
	}
	if err := rw.Write(map[string]string{"z": "x\ny", "a": "b"}); err != nil {
		t.Fatal(err)
	}
	if err := rw.Flush(); err != nil {
		t.Fatal(err)
	}
	want := `{"a":1,"b":[1,2]}` + "\n" + `{"a":"b","z":"x\ny"}` + "\n"
	if buf.String() != want {
		t.Errorf("got %q, expected %q", buf.String(), want)
	}
	if rw.Count() != 2 {
		t.Errorf("count %d", rw.Count())
	}
	if err := rw.WriteRaw(json.RawMessage("{oops")); err == nil {
		t.Errorf("invalid JSON accepted")
	}
}

func TestRecordsLongLines(t *testing.T) {
	long := strings.Repeat("x", 1<<20)
	var buf bytes.Buffer
	rw := NewRecordWriter(&buf)
	rw.Write(map[string]string{"v": long})
	rw.Write(map[string]int{"n": 2})
	rw.Flush()

	rr := NewRecordReader(&buf)
	rec, err := rr.Next()
	if err != nil {
		t.Fatal(err)
	}
	var v map[string]string
	if err := json.Unmarshal(rec, &v); err != nil || v["v"] != long {
		t.Errorf("long record didn't survive: %v", err)
	}
	if rec, err = rr.Next(); err != nil || string(rec) != `{"n":2}` {
		t.Errorf("got %s, %v", rec, err)
	}
	if _, err := rr.Next(); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestRecordReaderEdges(t *testing.T) {
	rr := NewRecordReader(strings.NewReader("\n{\"a\":1}\n\n  \n{\"b\":2}"))
	var got []string
	for {
		rec, err := rr.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			t.Fatal(err)
		}
		got = append(got, string(rec))
	}
	if strings.Join(got, " ") != `{"a":1} {"b":2}` {
		t.Errorf("got %v", got)
	}

	rr = NewRecordReader(strings.NewReader("{\"a\":1}\nnot json\n"))
	if _, err := rr.Next(); err != nil {
		t.Fatal(err)
	}
	if _, err := rr.Next(); err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("expected error on line 2, got %v", err)
	}

	if _, err := NewRecordReader(strings.NewReader("")).Next(); err != io.EOF {
		t.Errorf("empty input: %v", err)
	}
}
