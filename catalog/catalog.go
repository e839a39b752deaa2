// catalog/catalog.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package catalog decides which accounts and collections a run covers,
// given the operator's include and ignore filters and what actually
// exists.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/juju/errors"
	"github.com/mmp/azbk/azstore"
	u "github.com/mmp/azbk/util"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// Filter lists accounts by name, and tables and containers by their
// qualified "account/name".
type Filter struct {
	Accounts   []string `yaml:"accounts"`
	Tables     []string `yaml:"tables"`
	Containers []string `yaml:"containers"`
}

func (f Filter) collections(kind azstore.Kind) []string {
	if kind == azstore.KindTable {
		return f.Tables
	}
	return f.Containers
}

type Filters struct {
	Include Filter `yaml:"include"`
	Ignore  Filter `yaml:"ignore"`
}

// WorkItem is a single collection to back up or restore. Remap, if set,
// is the qualified name of the collection to restore into.
type WorkItem struct {
	Account string
	Kind    azstore.Kind
	Name    string
	Remap   string
}

func (w WorkItem) String() string {
	return w.Account + "/" + string(w.Kind) + "/" + w.Name
}

// ConfigValidationError is returned when ignore filters name things that
// don't exist.
type ConfigValidationError struct {
	// What was being filtered: "accounts", or "tables in abc" and the like.
	What    string
	Invalid []string
	Valid   []string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("ignored %s %s are not in set %s", e.What, jsonList(e.Invalid),
		jsonList(e.Valid))
}

func jsonList(s []string) string {
	if s == nil {
		s = []string{}
	}
	b, _ := json.Marshal(s)
	return string(b)
}

// difference returns the elements of a not in b, in a's order.
func difference(a, b []string) []string {
	drop := make(map[string]bool, len(b))
	for _, s := range b {
		drop[s] = true
	}
	var d []string
	for _, s := range a {
		if !drop[s] {
			d = append(d, s)
		}
	}
	return d
}

// ResolveAccounts returns the accounts to act on. Every ignored account
// must be available; otherwise nothing is returned but a
// *ConfigValidationError.
func ResolveAccounts(available, include, ignore []string) ([]string, error) {
	if bad := difference(ignore, available); len(bad) > 0 {
		return nil, &ConfigValidationError{What: "accounts", Invalid: bad, Valid: available}
	}
	candidates := available
	if len(include) > 0 {
		candidates = include
	}
	return difference(candidates, ignore), nil
}

// scoped returns the names in qualified that belong to account, without
// the account prefix.
func scoped(account string, qualified []string) []string {
	var s []string
	for _, q := range qualified {
		if name, ok := strings.CutPrefix(q, account+"/"); ok {
			s = append(s, name)
		}
	}
	return s
}

// ListAll pages through the account's collections of the given kind.
func ListAll(ctx context.Context, l azstore.Lister, account string, kind azstore.Kind) ([]string, error) {
	var all []string
	var c azstore.Cursor
	for {
		names, next, err := l.ListCollections(ctx, account, kind, c)
		if err != nil {
			return nil, errors.Annotatef(err, "%s: listing %ss", account, kind)
		}
		all = append(all, names...)
		if !next.More() {
			return all, nil
		}
		c = next
	}
}

// ResolveCollections returns the names of the account's collections of
// the given kind to act on. include and ignore hold qualified names; only
// those for this account are considered. If none are included, all of the
// account's collections are.
func ResolveCollections(ctx context.Context, l azstore.Lister, account string, kind azstore.Kind,
	include, ignore []string) ([]string, error) {
	inc := scoped(account, include)
	ign := scoped(account, ignore)

	candidates := inc
	if len(candidates) == 0 {
		var err error
		if candidates, err = ListAll(ctx, l, account, kind); err != nil {
			return nil, err
		}
	}
	if bad := difference(ign, candidates); len(bad) > 0 {
		return nil, &ConfigValidationError{
			What:    fmt.Sprintf("%ss in %s", kind, account),
			Invalid: bad,
			Valid:   candidates,
		}
	}
	return difference(candidates, ign), nil
}

// Resolve returns the work items for a backup run: the tables and then
// the containers of each selected account. Validation of every filter
// happens before anything is returned.
func Resolve(ctx context.Context, l azstore.Lister, f Filters) ([]WorkItem, error) {
	available, err := l.ListAccounts(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "listing accounts")
	}
	log.Verbose("available accounts: %s", jsonList(available))

	accounts, err := ResolveAccounts(available, f.Include.Accounts, f.Ignore.Accounts)
	if err != nil {
		return nil, err
	}
	for _, kind := range []azstore.Kind{azstore.KindTable, azstore.KindContainer} {
		if err := checkIgnored(available, kind, f.Ignore.collections(kind)); err != nil {
			return nil, err
		}
	}

	var items []WorkItem
	for _, account := range accounts {
		for _, kind := range []azstore.Kind{azstore.KindTable, azstore.KindContainer} {
			names, err := ResolveCollections(ctx, l, account, kind,
				f.Include.collections(kind), f.Ignore.collections(kind))
			if err != nil {
				return nil, err
			}
			for _, n := range names {
				items = append(items, WorkItem{Account: account, Kind: kind, Name: n})
			}
		}
	}
	log.Verbose("resolved %d collections in %d accounts", len(items), len(accounts))
	return items, nil
}

// checkIgnored makes sure that each ignored collection is qualified with
// an available account; ResolveCollections only sees the ones for the
// accounts it's given.
func checkIgnored(available []string, kind azstore.Kind, ignore []string) error {
	var bad []string
	for _, q := range ignore {
		account, _, err := ParseQualified(q)
		if err != nil || !slices.Contains(available, account) {
			bad = append(bad, q)
		}
	}
	if len(bad) > 0 {
		return &ConfigValidationError{What: string(kind) + "s", Invalid: bad, Valid: available}
	}
	return nil
}

// ParseQualified splits "account/name".
func ParseQualified(q string) (account, name string, err error) {
	account, name, ok := strings.Cut(q, "/")
	if !ok || account == "" || name == "" || strings.Contains(name, "/") {
		return "", "", errors.NotValidf("collection name %q (expected account/name)", q)
	}
	return account, name, nil
}
