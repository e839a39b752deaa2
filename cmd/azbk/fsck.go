// cmd/azbk/fsck.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/mmp/azbk/storage"
	"github.com/spf13/cobra"
)

func newFsckCmd(a *app) *cobra.Command {
	var repair bool
	cmd := &cobra.Command{
		Use:   "fsck <dir>",
		Short: "Check the snapshots in a local directory against their parity files",
		Long: `Check the snapshots in a local directory that were written with
target.parity set against their Reed-Solomon parity files. With --repair,
corrupt snapshots are recovered from the parity data where possible.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.fsck(cmd.Context(), args[0], repair)
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "repair corrupt snapshots")
	return cmd
}

func (a *app) fsck(ctx context.Context, dir string, repair bool) error {
	d, err := storage.NewDisk(dir, false)
	if err != nil {
		return err
	}
	corrupt, err := d.Fsck(ctx, repair)
	if err != nil {
		return err
	}
	if len(corrupt) > 0 {
		return fmt.Errorf("%s: %d corrupt snapshots: %s", d, len(corrupt),
			strings.Join(corrupt, ", "))
	}
	log.Print("%s: no problems found", d)
	return nil
}
