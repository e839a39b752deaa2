// azstore/fake.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package azstore

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultFakePageSize matches the service's maximum table page size.
const DefaultFakePageSize = 1000

// Fake is an in-memory Client for tests. Accounts are listed in the order
// they were added; pages are at most PageSize entries long and their
// cursors are offsets, which is as opaque to callers as the real ones.
type Fake struct {
	PageSize int
	// Lifetime of issued credentials.
	TTL time.Duration
	// If non-nil, Put returns this instead of the content's MD5.
	PutMD5 func(name string, content []byte) []byte

	mu       sync.Mutex
	order    []string
	accounts map[string]*fakeAccount
	failures map[string]error
	serial   int
	issued   int
}

type fakeAccount struct {
	tables     map[string]*fakeTable
	containers map[string]*fakeContainer
}

type fakeTable struct {
	rows []Row
}

type fakeContainer struct {
	blobs map[string]BlobInfo
}

func NewFake() *Fake {
	return &Fake{
		PageSize: DefaultFakePageSize,
		TTL:      time.Hour,
		accounts: make(map[string]*fakeAccount),
		failures: make(map[string]error),
	}
}

func (f *Fake) account(name string) *fakeAccount {
	a, ok := f.accounts[name]
	if !ok {
		a = &fakeAccount{
			tables:     make(map[string]*fakeTable),
			containers: make(map[string]*fakeContainer),
		}
		f.accounts[name] = a
		f.order = append(f.order, name)
	}
	return a
}

func (f *Fake) AddAccount(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.account(name)
}

// AddTable creates a table holding the given rows, creating the account
// if needed.
func (f *Fake) AddTable(account, name string, rows ...Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTable{}
	for _, r := range rows {
		t.rows = append(t.rows, append(Row(nil), r...))
	}
	sortRows(t.rows)
	f.account(account).tables[name] = t
}

func (f *Fake) AddContainer(account, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.account(account).containers[name] = &fakeContainer{blobs: make(map[string]BlobInfo)}
}

// AddBlob stores a blob as is; in particular its ContentMD5 is only set if
// info has one.
func (f *Fake) AddBlob(account, container, name string, info BlobInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.account(account)
	c, ok := a.containers[container]
	if !ok {
		c = &fakeContainer{blobs: make(map[string]BlobInfo)}
		a.containers[container] = c
	}
	c.blobs[name] = info
}

// Fail makes every page fetch after the first one from the given
// collection return err.
func (f *Fake) Fail(account string, kind Kind, name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[account+"/"+string(kind)+"/"+name] = err
}

// Rows returns a copy of the table's rows in key order.
func (f *Fake) Rows(account, table string) ([]Row, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[account]
	if !ok {
		return nil, false
	}
	t, ok := a.tables[table]
	if !ok {
		return nil, false
	}
	return append([]Row(nil), t.rows...), true
}

func (f *Fake) Blob(account, container, name string) (BlobInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[account]
	if !ok {
		return BlobInfo{}, false
	}
	c, ok := a.containers[container]
	if !ok {
		return BlobInfo{}, false
	}
	b, ok := c.blobs[name]
	return b, ok
}

// Issued returns the number of credentials handed out so far.
func (f *Fake) Issued() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issued
}

func (f *Fake) ListAccounts(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...), nil
}

func (f *Fake) ListCollections(ctx context.Context, account string, kind Kind,
	c Cursor) ([]string, Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[account]
	if !ok {
		return nil, Cursor{}, fmt.Errorf("%s: no such account", account)
	}
	var names []string
	switch kind {
	case KindTable:
		for n := range a.tables {
			names = append(names, n)
		}
	case KindContainer:
		for n := range a.containers {
			names = append(names, n)
		}
	default:
		return nil, Cursor{}, ErrUnknownKind(kind)
	}
	sort.Strings(names)

	start, err := offset(c.Marker)
	if err != nil {
		return nil, Cursor{}, err
	}
	page, next := f.window(len(names), start)
	var nc Cursor
	if next > 0 {
		nc.Marker = strconv.Itoa(next)
	}
	return names[start : start+page], nc, nil
}

func (f *Fake) IssueCredential(ctx context.Context, account string, kind Kind, collection string,
	level Level) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.accounts[account]; !ok {
		return Credential{}, fmt.Errorf("%s: no such account", account)
	}
	f.issued++
	f.serial++
	return Credential{
		Token:   fmt.Sprintf("%s|%d", scope(account, kind, collection, level), f.serial),
		Expires: time.Now().Add(f.TTL),
	}, nil
}

func (f *Fake) Table(account, name string, ts *TokenSource) (Table, error) {
	return &fakeTableClient{f: f, account: account, name: name, ts: ts}, nil
}

func (f *Fake) Container(account, name string, ts *TokenSource) (Container, error) {
	return &fakeContainerClient{f: f, account: account, name: name, ts: ts}, nil
}

func scope(account string, kind Kind, name string, level Level) string {
	return fmt.Sprintf("%s/%s/%s|%s", account, kind, name, level)
}

// authorize checks that ts yields a token for exactly this collection with
// at least the given level.
func (f *Fake) authorize(ctx context.Context, ts *TokenSource, account string, kind Kind,
	name string, level Level) error {
	tok, err := ts.Token(ctx)
	if err != nil {
		return err
	}
	for l := level; l <= ReadWrite; l++ {
		if strings.HasPrefix(tok, scope(account, kind, name, l)+"|") {
			return nil
		}
	}
	return fmt.Errorf("%s/%s/%s: token %q doesn't allow %s access", account, kind, name,
		tok, level)
}

// window returns the length of the page starting at start and the offset
// of the following page, or 0 if there is none.
func (f *Fake) window(n, start int) (int, int) {
	size := f.PageSize
	if size <= 0 {
		size = DefaultFakePageSize
	}
	if start >= n {
		return 0, 0
	}
	if start+size >= n {
		return n - start, 0
	}
	return size, start + size
}

func offset(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: invalid continuation token", s)
	}
	return n, nil
}

func rowKeys(r Row) (string, string) {
	var k struct {
		PartitionKey string
		RowKey       string
	}
	json.Unmarshal(r, &k)
	return k.PartitionKey, k.RowKey
}

// Rows are kept in (PartitionKey, RowKey) order, as the service returns
// them.
func sortRows(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		pi, ri := rowKeys(rows[i])
		pj, rj := rowKeys(rows[j])
		if pi != pj {
			return pi < pj
		}
		return ri < rj
	})
}

///////////////////////////////////////////////////////////////////////////
// Tables

type fakeTableClient struct {
	f       *Fake
	account string
	name    string
	ts      *TokenSource
}

func (t *fakeTableClient) table() (*fakeTable, error) {
	tbl, ok := t.f.accounts[t.account].tables[t.name]
	if !ok {
		return nil, fmt.Errorf("%s/%s: table not found", t.account, t.name)
	}
	return tbl, nil
}

func (t *fakeTableClient) QueryPage(ctx context.Context, c Cursor, top int) ([]Row, Cursor, error) {
	if err := t.f.authorize(ctx, t.ts, t.account, KindTable, t.name, ReadOnly); err != nil {
		return nil, Cursor{}, err
	}
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	if err := t.f.failures[t.account+"/table/"+t.name]; err != nil && c.More() {
		return nil, Cursor{}, err
	}
	tbl, err := t.table()
	if err != nil {
		return nil, Cursor{}, err
	}

	start, err := offset(c.RowKey)
	if err != nil {
		return nil, Cursor{}, err
	}
	page, next := t.f.window(len(tbl.rows), start)
	if top > 0 && top < page {
		page, next = top, start+top
	}
	rows := make([]Row, page)
	for i := range rows {
		rows[i] = append(Row(nil), tbl.rows[start+i]...)
	}
	var nc Cursor
	if next > 0 {
		nc.PartitionKey, nc.RowKey = "next", strconv.Itoa(next)
	}
	return rows, nc, nil
}

func (t *fakeTableClient) Create(ctx context.Context) error {
	if err := t.f.authorize(ctx, t.ts, t.account, KindTable, t.name, ReadWrite); err != nil {
		return err
	}
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	a := t.f.accounts[t.account]
	if _, ok := a.tables[t.name]; ok {
		return ErrAlreadyExists
	}
	a.tables[t.name] = &fakeTable{}
	return nil
}

func (t *fakeTableClient) Insert(ctx context.Context, r Row) error {
	if err := t.f.authorize(ctx, t.ts, t.account, KindTable, t.name, ReadWrite); err != nil {
		return err
	}
	if !json.Valid(r) {
		return fmt.Errorf("%s/%s: invalid entity", t.account, t.name)
	}
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	tbl, err := t.table()
	if err != nil {
		return err
	}
	pk, rk := rowKeys(r)
	if pk != "" || rk != "" {
		for _, e := range tbl.rows {
			if epk, erk := rowKeys(e); epk == pk && erk == rk {
				return fmt.Errorf("%s/%s: entity (%q, %q) already exists", t.account, t.name, pk, rk)
			}
		}
	}
	tbl.rows = append(tbl.rows, append(Row(nil), r...))
	sortRows(tbl.rows)
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Containers

type fakeContainerClient struct {
	f       *Fake
	account string
	name    string
	ts      *TokenSource
}

func (c *fakeContainerClient) container() (*fakeContainer, error) {
	ctr, ok := c.f.accounts[c.account].containers[c.name]
	if !ok {
		return nil, fmt.Errorf("%s/%s: container not found", c.account, c.name)
	}
	return ctr, nil
}

func (c *fakeContainerClient) ListPage(ctx context.Context, cur Cursor, max int) ([]string, Cursor, error) {
	if err := c.f.authorize(ctx, c.ts, c.account, KindContainer, c.name, ReadOnly); err != nil {
		return nil, Cursor{}, err
	}
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	if err := c.f.failures[c.account+"/container/"+c.name]; err != nil && cur.More() {
		return nil, Cursor{}, err
	}
	ctr, err := c.container()
	if err != nil {
		return nil, Cursor{}, err
	}
	var names []string
	for n := range ctr.blobs {
		names = append(names, n)
	}
	sort.Strings(names)

	start, err := offset(cur.Marker)
	if err != nil {
		return nil, Cursor{}, err
	}
	page, next := c.f.window(len(names), start)
	if max > 0 && max < page {
		page, next = max, start+max
	}
	var nc Cursor
	if next > 0 {
		nc.Marker = strconv.Itoa(next)
	}
	return names[start : start+page], nc, nil
}

func (c *fakeContainerClient) Fetch(ctx context.Context, name string) (BlobInfo, error) {
	if err := c.f.authorize(ctx, c.ts, c.account, KindContainer, c.name, ReadOnly); err != nil {
		return BlobInfo{}, err
	}
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	ctr, err := c.container()
	if err != nil {
		return BlobInfo{}, err
	}
	b, ok := ctr.blobs[name]
	if !ok {
		return BlobInfo{}, fmt.Errorf("%s/%s/%s: blob not found", c.account, c.name, name)
	}
	return b, nil
}

func (c *fakeContainerClient) Create(ctx context.Context) error {
	if err := c.f.authorize(ctx, c.ts, c.account, KindContainer, c.name, ReadWrite); err != nil {
		return err
	}
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	a := c.f.accounts[c.account]
	if _, ok := a.containers[c.name]; ok {
		return ErrAlreadyExists
	}
	a.containers[c.name] = &fakeContainer{blobs: make(map[string]BlobInfo)}
	return nil
}

func (c *fakeContainerClient) Put(ctx context.Context, name string, info BlobInfo) ([]byte, error) {
	if err := c.f.authorize(ctx, c.ts, c.account, KindContainer, c.name, ReadWrite); err != nil {
		return nil, err
	}
	if info.Type != BlockBlob {
		return nil, fmt.Errorf("%s: %s blobs not supported", name, info.Type)
	}
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	ctr, err := c.container()
	if err != nil {
		return nil, err
	}
	sum := md5.Sum(info.Content)
	info.ContentMD5 = sum[:]
	ctr.blobs[name] = info
	if c.f.PutMD5 != nil {
		return c.f.PutMD5(name, info.Content), nil
	}
	return sum[:], nil
}
