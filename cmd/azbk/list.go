// cmd/azbk/list.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	u "github.com/mmp/azbk/util"
	"github.com/spf13/cobra"
)

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list [prefix]",
		Short: "List the snapshots in the configured store",
		Long: `List the snapshots in the configured store whose keys start with the
given prefix, e.g. "abc/" or "abc/table/".`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			return a.list(cmd.Context(), prefix)
		},
	}
}

func (a *app) list(ctx context.Context, prefix string) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	store, err := cfg.OpenStore(ctx)
	if err != nil {
		return err
	}
	objs, err := store.List(ctx, prefix)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SNAPSHOT\tSIZE\tMODIFIED")
	var total int64
	for _, o := range objs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", o.Key, u.FmtBytes(o.Size), humanize.Time(o.Modified))
		total += o.Size
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	log.Verbose("%d snapshots, %s", len(objs), u.FmtBytes(total))
	return nil
}
