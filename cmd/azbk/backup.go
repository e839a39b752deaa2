// cmd/azbk/backup.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"time"

	"github.com/mmp/azbk/catalog"
	"github.com/mmp/azbk/sched"
	"github.com/mmp/azbk/transfer"
	u "github.com/mmp/azbk/util"
	"github.com/spf13/cobra"
)

func newBackupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Snapshot every table and container selected by the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.backup(cmd.Context())
		},
	}
}

func (a *app) backup(ctx context.Context) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	client, err := a.newClient(cfg)
	if err != nil {
		return err
	}

	// A bad filter fails the run before the store is touched.
	items, err := catalog.Resolve(ctx, client, cfg.Filters)
	if err != nil {
		return err
	}
	store, err := cfg.OpenStore(ctx)
	if err != nil {
		return err
	}

	sink, push := a.metricsSink(cfg)
	defer push()
	b := &transfer.Backup{Client: client, Store: store, Metrics: sink, PageSize: cfg.PageSize}
	tasks := make([]sched.Task, len(items))
	for i, item := range items {
		tasks[i] = sched.Task{
			Name: item.String(),
			Run: func(ctx context.Context) error {
				return b.Run(ctx, item)
			},
		}
	}

	start := time.Now()
	pool := &sched.Pool{Concurrency: cfg.Concurrency, Policy: cfg.Policy()}
	if err := pool.Run(ctx, tasks); err != nil {
		return err
	}
	log.Print("backed up %s collections to %s in %s", u.FmtCount(len(items)), store,
		time.Since(start).Round(time.Millisecond))
	return nil
}
