// config/config_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mmp/azbk/azstore"
	"github.com/mmp/azbk/catalog"
	"github.com/mmp/azbk/sched"
	"github.com/mmp/azbk/storage"
	"github.com/mmp/azbk/transfer"
)

const full = `
include:
  accounts: [abc, aaa]
  tables: [abc/def]
ignore:
  containers: [aaa/logs]
concurrency: 8
azure:
  subscription: 00000000-0000-0000-0000-000000000000
target:
  store: gs
  bucket: snapshots
failurePolicy: continue
credentialTTL: 30m
bandwidth:
  upload: 10MB
restore:
  tables:
    - name: abc/def
      remap: abc/def2
  containers:
    - name: aaa/blobs
verify:
  table1: abc/def
  table2: abc/def2
  diffs: true
`

func TestParseFull(t *testing.T) {
	c, err := Parse(strings.NewReader(full))
	if err != nil {
		t.Fatal(err)
	}
	want := catalog.Filters{
		Include: catalog.Filter{Accounts: []string{"abc", "aaa"}, Tables: []string{"abc/def"}},
		Ignore:  catalog.Filter{Containers: []string{"aaa/logs"}},
	}
	if d := cmp.Diff(want, c.Filters); d != "" {
		t.Errorf("filters: %s", d)
	}
	if c.Concurrency != 8 || c.Policy() != sched.ContinueOnError || c.CredentialTTL != 30*time.Minute {
		t.Errorf("unexpected config %+v", c)
	}
	if c.Azure.Subscription == "" || c.Target.Bucket != "snapshots" || !c.Verify.Diffs {
		t.Errorf("unexpected config %+v", c)
	}
	if c.upload != 10*1000*1000 || c.download != 0 {
		t.Errorf("bandwidth %d/%d", c.upload, c.download)
	}

	reqs := []transfer.Request{
		{Kind: azstore.KindTable, Source: "abc/def", Target: "abc/def2"},
		{Kind: azstore.KindContainer, Source: "aaa/blobs"},
	}
	if d := cmp.Diff(reqs, c.RestoreRequests()); d != "" {
		t.Errorf("restore requests: %s", d)
	}
}

func TestDefaults(t *testing.T) {
	c, err := Parse(strings.NewReader("target:\n  bucket: b\n"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Concurrency != DefaultConcurrency || c.PageSize != transfer.DefaultPageSize ||
		c.InsertConcurrency != transfer.DefaultInsertConcurrency ||
		c.Heartbeat != transfer.DefaultHeartbeat || c.Policy() != sched.FailFast ||
		c.CredentialTTL != DefaultCredentialTTL || c.Target.Store != "s3" ||
		c.Metrics.Job != DefaultMetricsJob {
		t.Errorf("unexpected defaults %+v", c)
	}
}

func TestInvalid(t *testing.T) {
	for _, c := range []struct {
		yaml, msg string
	}{
		{"target: {bucket: b}\nconcurrency: -1\n", "concurrency"},
		{"target: {bucket: b}\nbogus: 1\n", "bogus"},
		{"target: {store: s3}\n", "target.bucket"},
		{"target: {store: disk}\n", "target.path"},
		{"target: {store: ftp, bucket: b}\n", "ftp"},
		{"target: {bucket: b}\nfailurePolicy: sometimes\n", "failure policy"},
		{"target: {bucket: b}\ncredentialTTL: 5s\n", "credentialTTL"},
		{"target: {bucket: b}\nbandwidth: {upload: lots}\n", "bandwidth.upload"},
		{"target: {bucket: b}\nrestore: {tables: [{name: nope}]}\n", "nope"},
		{"target: {bucket: b}\nrestore: {tables: [{name: a/x, remap: a/y}, {name: a/y}]}\n", "multiple restores"},
	} {
		if _, err := Parse(strings.NewReader(c.yaml)); err == nil || !strings.Contains(err.Error(), c.msg) {
			t.Errorf("%q: expected error containing %q, got %v", c.yaml, c.msg, err)
		}
	}
}

func TestLoadAndOpenDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "azbk.yaml")
	snaps := filepath.Join(dir, "snapshots")
	if err := os.Mkdir(snaps, 0755); err != nil {
		t.Fatal(err)
	}
	yaml := "target:\n  store: disk\n  path: " + snaps + "\n"
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	s, err := c.OpenStore(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*storage.Disk); !ok {
		t.Errorf("expected *storage.Disk, got %T", s)
	}

	c.download = 1 << 20
	if s, err = c.OpenStore(context.Background()); err != nil {
		t.Fatal(err)
	} else if _, ok := s.(*storage.Limited); !ok {
		t.Errorf("expected *storage.Limited, got %T", s)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Errorf("expected error for missing file")
	}
}

func TestOpenEncrypted(t *testing.T) {
	snaps := t.TempDir()
	c, err := Parse(strings.NewReader("target:\n  store: disk\n  encrypt: true\n  path: " + snaps + "\n"))
	if err != nil {
		t.Fatal(err)
	}

	t.Setenv(PassphraseEnv, "")
	if _, err := c.OpenStore(context.Background()); err == nil || !strings.Contains(err.Error(), PassphraseEnv) {
		t.Errorf("expected missing passphrase error, got %v", err)
	}

	t.Setenv(PassphraseEnv, "open sesame")
	s, err := c.OpenStore(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*storage.Encrypted); !ok {
		t.Errorf("expected *storage.Encrypted, got %T", s)
	}
	if _, err := os.Stat(filepath.Join(snaps, storage.EncryptionKeyObject)); err != nil {
		t.Errorf("key not stored: %v", err)
	}
}
