// azstore/types.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package azstore provides access to the storage accounts whose tables and
// blob containers are backed up: discovery, scoped credentials and paged
// reads and writes of single collections.
package azstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	u "github.com/mmp/azbk/util"
)

// ErrAlreadyExists is returned by Create when the collection exists.
var ErrAlreadyExists = errors.New("collection already exists")

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// Kind distinguishes the two types of collection an account holds.
type Kind string

const (
	KindTable     Kind = "table"
	KindContainer Kind = "container"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindTable, KindContainer:
		return Kind(s), nil
	default:
		return "", ErrUnknownKind(Kind(s))
	}
}

func ErrUnknownKind(k Kind) error {
	return fmt.Errorf("%q: unknown collection kind", string(k))
}

// Cursor is the continuation token returned by paged calls. Table queries
// continue from a partition/row key pair; listings use Marker.
type Cursor struct {
	PartitionKey string
	RowKey       string
	Marker       string
}

// More reports whether there is another page to fetch.
func (c Cursor) More() bool {
	return c.Marker != "" || (c.PartitionKey != "" && c.RowKey != "")
}

// Level is the access level of a scoped credential.
type Level int

const (
	ReadOnly Level = iota
	ReadWrite
)

func (l Level) String() string {
	switch l {
	case ReadOnly:
		return "read-only"
	case ReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Credential is a time-limited token for one collection.
type Credential struct {
	Token   string
	Expires time.Time
}

// Row is a single table entity in the service's JSON representation.
type Row = json.RawMessage

// BlobInfo holds everything needed to recreate a blob.
type BlobInfo struct {
	Type        string            `json:"type"`
	ContentType string            `json:"contentType,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Content     []byte            `json:"content"`
	ContentMD5  []byte            `json:"contentMD5,omitempty"`
}

// BlockBlob is the only blob type that can be restored.
const BlockBlob = "BlockBlob"

// Lister discovers accounts and the collections in them.
type Lister interface {
	ListAccounts(ctx context.Context) ([]string, error)
	// ListCollections returns one page of collection names of the given
	// kind along with the cursor for the next page.
	ListCollections(ctx context.Context, account string, kind Kind, c Cursor) ([]string, Cursor, error)
}

// CredentialIssuer mints credentials scoped to a single collection.
type CredentialIssuer interface {
	IssueCredential(ctx context.Context, account string, kind Kind, collection string,
		level Level) (Credential, error)
}

// Service opens clients for single collections; every request they make
// is authorized with a token from ts.
type Service interface {
	Table(account, name string, ts *TokenSource) (Table, error)
	Container(account, name string, ts *TokenSource) (Container, error)
}

// Client bundles everything the backup, restore and verify commands need.
type Client interface {
	Lister
	CredentialIssuer
	Service
}

type Table interface {
	// QueryPage returns up to top rows starting at the cursor.
	QueryPage(ctx context.Context, c Cursor, top int) ([]Row, Cursor, error)
	// Create creates the table or returns ErrAlreadyExists.
	Create(ctx context.Context) error
	Insert(ctx context.Context, r Row) error
}

type Container interface {
	// ListPage returns up to max blob names starting at the cursor.
	ListPage(ctx context.Context, c Cursor, max int) ([]string, Cursor, error)
	// Fetch returns the blob's content and properties.
	Fetch(ctx context.Context, name string) (BlobInfo, error)
	// Create creates the container or returns ErrAlreadyExists.
	Create(ctx context.Context) error
	// Put uploads a blob and returns the MD5 of its content as computed
	// by the service.
	Put(ctx context.Context, name string, info BlobInfo) ([]byte, error)
}
