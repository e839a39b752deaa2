// azstore/fake_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package azstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"testing"
)

func TestFakePaging(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.PageSize = 10
	var rows []Row
	for i := 0; i < 1004; i++ {
		rows = append(rows, Row(fmt.Sprintf(`{"PartitionKey":"p","RowKey":"%05d"}`, i)))
	}
	f.AddTable("abc", "def", rows...)

	tbl, err := f.Table("abc", "def", NewTokenSource(f, "abc", KindTable, "def", ReadOnly))
	if err != nil {
		t.Fatal(err)
	}
	var got []Row
	var c Cursor
	pages := 0
	for {
		page, next, err := tbl.QueryPage(ctx, c, 1000)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, page...)
		pages++
		if !next.More() {
			break
		}
		c = next
	}
	if len(got) != 1004 || pages != 101 {
		t.Fatalf("got %d rows in %d pages", len(got), pages)
	}
	for i := range got {
		if !bytes.Equal(got[i], rows[i]) {
			t.Fatalf("row %d: got %s, expected %s", i, got[i], rows[i])
		}
	}
}

func TestFakeScopedCredentials(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.AddTable("abc", "def")
	f.AddTable("abc", "other")

	// A token for another table doesn't work.
	wrong := NewTokenSource(f, "abc", KindTable, "other", ReadWrite)
	tbl, _ := f.Table("abc", "def", wrong)
	if _, _, err := tbl.QueryPage(ctx, Cursor{}, 1); err == nil {
		t.Errorf("query with a token for another table succeeded")
	}

	// Read-only tokens can't write.
	ro := NewTokenSource(f, "abc", KindTable, "def", ReadOnly)
	tbl, _ = f.Table("abc", "def", ro)
	if err := tbl.Insert(ctx, Row(`{"PartitionKey":"a","RowKey":"b"}`)); err == nil {
		t.Errorf("insert with read-only token succeeded")
	}
	if _, _, err := tbl.QueryPage(ctx, Cursor{}, 1); err != nil {
		t.Errorf("read-only query: %v", err)
	}

	rw := NewTokenSource(f, "abc", KindTable, "def", ReadWrite)
	tbl, _ = f.Table("abc", "def", rw)
	if err := tbl.Insert(ctx, Row(`{"PartitionKey":"a","RowKey":"b"}`)); err != nil {
		t.Errorf("insert: %v", err)
	}
	if err := tbl.Insert(ctx, Row(`{"PartitionKey":"a","RowKey":"b"}`)); err == nil {
		t.Errorf("duplicate insert succeeded")
	}
	if err := tbl.Create(ctx); err != ErrAlreadyExists {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestFakeBlobs(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.AddContainer("abc", "ctr")

	ts := NewTokenSource(f, "abc", KindContainer, "ctr", ReadWrite)
	c, _ := f.Container("abc", "ctr", ts)
	content := []byte("hello, world")
	sum, err := c.Put(ctx, "greeting", BlobInfo{Type: BlockBlob, Content: content,
		Metadata: map[string]string{"lang": "en"}})
	if err != nil {
		t.Fatal(err)
	}
	if want := md5.Sum(content); !bytes.Equal(sum, want[:]) {
		t.Errorf("Put returned MD5 %x", sum)
	}
	if _, err := c.Put(ctx, "page", BlobInfo{Type: "PageBlob"}); err == nil {
		t.Errorf("page blob upload succeeded")
	}

	names, next, err := c.ListPage(ctx, Cursor{}, 10)
	if err != nil || len(names) != 1 || names[0] != "greeting" || next.More() {
		t.Fatalf("ListPage: %v %v %v", names, next, err)
	}
	info, err := c.Fetch(ctx, "greeting")
	if err != nil {
		t.Fatal(err)
	}
	if string(info.Content) != "hello, world" || info.Metadata["lang"] != "en" {
		t.Errorf("unexpected blob %+v", info)
	}
}

func TestFakeListCollections(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.PageSize = 2
	for _, n := range []string{"e", "d", "c", "b", "a"} {
		f.AddTable("abc", n)
	}
	var all []string
	var c Cursor
	for {
		names, next, err := f.ListCollections(ctx, "abc", KindTable, c)
		if err != nil {
			t.Fatal(err)
		}
		all = append(all, names...)
		if !next.More() {
			break
		}
		c = next
	}
	if fmt.Sprint(all) != "[a b c d e]" {
		t.Errorf("got %v", all)
	}
	if _, _, err := f.ListCollections(ctx, "nope", KindTable, Cursor{}); err == nil {
		t.Errorf("listing a missing account succeeded")
	}
}
