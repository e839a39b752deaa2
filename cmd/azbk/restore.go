// cmd/azbk/restore.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"context"

	"github.com/juju/errors"
	"github.com/mmp/azbk/sched"
	"github.com/mmp/azbk/transfer"
	"github.com/spf13/cobra"
)

func newRestoreCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Restore the tables and containers listed under restore: in the configuration",
		Long: `Restore the tables and containers listed under restore: in the
configuration from their most recent snapshots. A collection is restored
into the collection named by its remap entry, if given, and otherwise into
itself. Restoring into a collection that isn't empty is an error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.restore(cmd.Context())
		},
	}
}

func (a *app) restore(ctx context.Context) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	reqs := cfg.RestoreRequests()
	if len(reqs) == 0 {
		return errors.New("nothing to restore: no restore.tables or restore.containers in configuration")
	}

	client, err := a.newClient(cfg)
	if err != nil {
		return err
	}
	store, err := cfg.OpenStore(ctx)
	if err != nil {
		return err
	}

	sink, push := a.metricsSink(cfg)
	defer push()
	r := &transfer.Restore{Client: client, Store: store, Metrics: sink,
		InsertConcurrency: cfg.InsertConcurrency, Heartbeat: cfg.Heartbeat}
	tasks := make([]sched.Task, len(reqs))
	for i, req := range reqs {
		tasks[i] = sched.Task{
			Name: req.String(),
			Run: func(ctx context.Context) error {
				return r.Run(ctx, req)
			},
		}
	}

	pool := &sched.Pool{Concurrency: cfg.Concurrency, Policy: cfg.Policy()}
	if err := pool.Run(ctx, tasks); err != nil {
		return err
	}
	log.Print("restored %d collections", len(reqs))
	return nil
}
