// verify/verify.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package verify compares the contents of two tables, ignoring the fields
// the service maintains itself. It's meant as a sanity check after a
// restore or migration.
package verify

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/google/go-cmp/cmp"
	"github.com/juju/errors"
	"github.com/mmp/azbk/azstore"
	"github.com/mmp/azbk/catalog"
	"github.com/mmp/azbk/storage"
	u "github.com/mmp/azbk/util"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// DefaultVolatile lists the fields that differ between otherwise
// identical rows in different tables.
var DefaultVolatile = []string{"Timestamp", "odata.etag", "odata.metadata"}

type Options struct {
	// Fields removed before rows are compared; DefaultVolatile if nil.
	Volatile []string
	// Compute structural diffs of rows with matching hashes.
	Diffs    bool
	PageSize int
}

type Report struct {
	Table1, Table2 string
	Rows1, Rows2   int
	// Number of distinct row hashes found in both tables.
	Shared int
	// Number of distinct row hashes found in only one of them.
	OnlyIn1, OnlyIn2 int
	// Non-empty diffs between rows that share a hash, keyed by hash.
	Diffs map[string]string
}

// Equal reports whether both tables hold the same rows.
func (r *Report) Equal() bool {
	return r.Rows1 == r.Rows2 && r.OnlyIn1 == 0 && r.OnlyIn2 == 0 && len(r.Diffs) == 0
}

// Tables reads both tables in full and compares them. The tables are
// given as "account/name".
func Tables(ctx context.Context, svc azstore.Service, issuer azstore.CredentialIssuer,
	table1, table2 string, opts Options) (*Report, error) {
	volatile := opts.Volatile
	if volatile == nil {
		volatile = DefaultVolatile
	}

	rows1, n1, err := hashTable(ctx, svc, issuer, table1, volatile, opts.PageSize)
	if err != nil {
		return nil, err
	}
	rows2, n2, err := hashTable(ctx, svc, issuer, table2, volatile, opts.PageSize)
	if err != nil {
		return nil, err
	}

	r := &Report{Table1: table1, Table2: table2, Rows1: n1, Rows2: n2}
	var shared []storage.Hash
	for h := range rows1 {
		if _, ok := rows2[h]; ok {
			shared = append(shared, h)
		} else {
			r.OnlyIn1++
		}
	}
	for h := range rows2 {
		if _, ok := rows1[h]; !ok {
			r.OnlyIn2++
		}
	}
	r.Shared = len(shared)
	sort.Slice(shared, func(i, j int) bool { return shared[i].String() < shared[j].String() })

	if opts.Diffs {
		for _, h := range shared {
			if d := cmp.Diff(rows1[h], rows2[h]); d != "" {
				if r.Diffs == nil {
					r.Diffs = make(map[string]string)
				}
				r.Diffs[h.String()] = d
			}
		}
	}
	log.Verbose("%s: %d rows, %s: %d rows, %d shared", table1, n1, table2, n2, r.Shared)
	return r, nil
}

// hashTable returns the table's rows with the volatile fields removed,
// keyed by the hash of their canonical encoding, and the total number of
// rows read.
func hashTable(ctx context.Context, svc azstore.Service, issuer azstore.CredentialIssuer,
	qualified string, volatile []string, pageSize int) (map[storage.Hash]map[string]interface{}, int, error) {
	account, name, err := catalog.ParseQualified(qualified)
	if err != nil {
		return nil, 0, err
	}
	ts := azstore.NewTokenSource(issuer, account, azstore.KindTable, name, azstore.ReadOnly)
	tbl, err := svc.Table(account, name, ts)
	if err != nil {
		return nil, 0, errors.Trace(err)
	}

	rows := make(map[storage.Hash]map[string]interface{})
	n := 0
	var cur azstore.Cursor
	for {
		page, next, err := tbl.QueryPage(ctx, cur, pageSize)
		if err != nil {
			return nil, 0, errors.Annotatef(err, "%s", qualified)
		}
		for _, raw := range page {
			var row map[string]interface{}
			if err := json.Unmarshal(raw, &row); err != nil {
				return nil, 0, errors.Annotatef(err, "%s: row %d", qualified, n+1)
			}
			for _, f := range volatile {
				delete(row, f)
			}
			// Maps are encoded with sorted keys, which makes this
			// canonical.
			b, err := json.Marshal(row)
			if err != nil {
				return nil, 0, errors.Trace(err)
			}
			rows[storage.HashBytes(b)] = row
			n++
		}
		if !next.More() {
			return rows, n, nil
		}
		cur = next
	}
}
