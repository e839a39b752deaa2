// config/config.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package config loads the operator's YAML configuration file.
package config

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"github.com/mmp/azbk/azstore"
	"github.com/mmp/azbk/catalog"
	"github.com/mmp/azbk/sched"
	"github.com/mmp/azbk/storage"
	"github.com/mmp/azbk/transfer"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConcurrency   = 4
	DefaultCredentialTTL = azstore.DefaultCredentialTTL
	DefaultMetricsJob    = "azbk"
)

type Target struct {
	// One of "s3", "gs", or "disk".
	Store  string `yaml:"store"`
	Bucket string `yaml:"bucket"`
	// S3 only.
	Region string `yaml:"region"`
	// S3 and GCS only; each store has its own default.
	StorageClass string `yaml:"storageClass"`
	// Disk only: directory to store Snapshots in, and whether to keep
	// Reed-Solomon parity next to each one.
	Path   string `yaml:"path"`
	Parity bool   `yaml:"parity"`
	// Encrypt snapshots with a key protected by the passphrase in the
	// PassphraseEnv environment variable.
	Encrypt bool `yaml:"encrypt"`
}

// PassphraseEnv names the environment variable that holds the passphrase
// for encrypted targets.
const PassphraseEnv = "AZBK_PASSPHRASE"

// Bandwidth limits are given as byte counts per second, e.g. "10MB".
type Bandwidth struct {
	Upload   string `yaml:"upload"`
	Download string `yaml:"download"`
}

type RestoreItem struct {
	Name  string `yaml:"name"`
	Remap string `yaml:"remap"`
}

type Restore struct {
	Tables     []RestoreItem `yaml:"tables"`
	Containers []RestoreItem `yaml:"containers"`
}

type Verify struct {
	Table1 string `yaml:"table1"`
	Table2 string `yaml:"table2"`
	Diffs  bool   `yaml:"diffs"`
	// Fields ignored when comparing rows; verify.DefaultVolatile if unset.
	Volatile []string `yaml:"volatile"`
}

type Metrics struct {
	// Prometheus Pushgateway URL; metrics aren't pushed if empty.
	Pushgateway string `yaml:"pushgateway"`
	Job         string `yaml:"job"`
}

type Log struct {
	Verbose bool `yaml:"verbose"`
	Debug   bool `yaml:"debug"`
}

type Config struct {
	catalog.Filters `yaml:",inline"`

	Concurrency int `yaml:"concurrency"`
	Azure       struct {
		Subscription string `yaml:"subscription"`
	} `yaml:"azure"`
	Target            Target        `yaml:"target"`
	PageSize          int           `yaml:"pageSize"`
	InsertConcurrency int           `yaml:"insertConcurrency"`
	Heartbeat         int           `yaml:"heartbeat"`
	FailurePolicy     string        `yaml:"failurePolicy"`
	CredentialTTL     time.Duration `yaml:"credentialTTL"`
	Bandwidth         Bandwidth     `yaml:"bandwidth"`
	Metrics           Metrics       `yaml:"metrics"`
	Restore           Restore       `yaml:"restore"`
	Verify            Verify        `yaml:"verify"`
	Log               Log           `yaml:"log"`

	policy           sched.Policy
	upload, download int
}

// Load reads the configuration at path, fills in defaults, and checks
// that it's usable.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer f.Close()

	c, err := Parse(f)
	return c, errors.Annotatef(err, "%s", path)
}

// Parse is like Load, but reads the configuration from r.
func Parse(r io.Reader) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && err != io.EOF {
		return nil, errors.Trace(err)
	}
	c.setDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) setDefaults() {
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.PageSize == 0 {
		c.PageSize = transfer.DefaultPageSize
	}
	if c.InsertConcurrency == 0 {
		c.InsertConcurrency = transfer.DefaultInsertConcurrency
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = transfer.DefaultHeartbeat
	}
	if c.FailurePolicy == "" {
		c.FailurePolicy = sched.FailFast.String()
	}
	if c.CredentialTTL == 0 {
		c.CredentialTTL = DefaultCredentialTTL
	}
	if c.Metrics.Job == "" {
		c.Metrics.Job = DefaultMetricsJob
	}
	if c.Target.Store == "" {
		c.Target.Store = "s3"
	}
}

func (c *Config) validate() error {
	if c.Concurrency < 0 {
		return errors.NotValidf("concurrency %d", c.Concurrency)
	}
	for name, v := range map[string]int{"pageSize": c.PageSize,
		"insertConcurrency": c.InsertConcurrency, "heartbeat": c.Heartbeat} {
		if v < 0 {
			return errors.NotValidf("%s %d", name, v)
		}
	}
	if c.CredentialTTL < time.Minute {
		return errors.NotValidf("credentialTTL %s (must be at least a minute)", c.CredentialTTL)
	}

	var err error
	if c.policy, err = sched.ParsePolicy(c.FailurePolicy); err != nil {
		return err
	}

	switch c.Target.Store {
	case "s3", "gs":
		if c.Target.Bucket == "" {
			return errors.NotValidf("target.store %q without target.bucket", c.Target.Store)
		}
	case "disk":
		if c.Target.Path == "" {
			return errors.NotValidf("target.store \"disk\" without target.path")
		}
	default:
		return errors.NotValidf("target.store %q", c.Target.Store)
	}

	if c.upload, err = parseRate("bandwidth.upload", c.Bandwidth.Upload); err != nil {
		return err
	}
	if c.download, err = parseRate("bandwidth.download", c.Bandwidth.Download); err != nil {
		return err
	}

	// Only one restore may write to any given collection.
	targets := make(map[string]bool)
	for _, req := range c.RestoreRequests() {
		if err := checkRestoreItem(req); err != nil {
			return err
		}
		t := req.Target
		if t == "" {
			t = req.Source
		}
		k := string(req.Kind) + " " + t
		if targets[k] {
			return errors.NotValidf("restore: multiple restores into %s", k)
		}
		targets[k] = true
	}
	return nil
}

func parseRate(what, s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(strings.TrimSuffix(s, "/s"))
	if err != nil {
		return 0, errors.NotValidf("%s %q", what, s)
	}
	return int(n), nil
}

func checkRestoreItem(r transfer.Request) error {
	if _, _, err := catalog.ParseQualified(r.Source); err != nil {
		return errors.Annotate(err, "restore")
	}
	if r.Target != "" {
		if _, _, err := catalog.ParseQualified(r.Target); err != nil {
			return errors.Annotate(err, "restore remap")
		}
	}
	return nil
}

// Policy returns the scheduler's failure policy.
func (c *Config) Policy() sched.Policy {
	return c.policy
}

// OpenStore connects to the configured Snapshot store, applying any
// bandwidth limits.
func (c *Config) OpenStore(ctx context.Context) (storage.Store, error) {
	var s storage.Store
	var err error
	switch c.Target.Store {
	case "s3":
		s, err = storage.NewS3(ctx, storage.S3Options{Bucket: c.Target.Bucket,
			Region: c.Target.Region, StorageClass: c.Target.StorageClass})
	case "gs":
		s, err = storage.NewGCS(ctx, storage.GCSOptions{BucketName: c.Target.Bucket,
			StorageClass: c.Target.StorageClass})
	case "disk":
		s, err = storage.NewDisk(c.Target.Path, c.Target.Parity)
	default:
		err = errors.NotValidf("target.store %q", c.Target.Store)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	if c.Target.Encrypt {
		pass := os.Getenv(PassphraseEnv)
		if pass == "" {
			return nil, errors.NotFoundf("passphrase for encrypted target in $%s", PassphraseEnv)
		}
		if s, err = storage.NewEncrypted(ctx, s, pass); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return storage.NewLimited(s, c.upload, c.download), nil
}

// RestoreRequests returns the restores that the configuration asks for,
// tables first.
func (c *Config) RestoreRequests() []transfer.Request {
	var reqs []transfer.Request
	add := func(kind azstore.Kind, items []RestoreItem) {
		for _, it := range items {
			reqs = append(reqs, transfer.Request{Kind: kind, Source: it.Name, Target: it.Remap})
		}
	}
	add(azstore.KindTable, c.Restore.Tables)
	add(azstore.KindContainer, c.Restore.Containers)
	return reqs
}
