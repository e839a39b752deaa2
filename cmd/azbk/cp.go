// cmd/azbk/cp.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"context"

	"github.com/mmp/azbk/endpoint"
	u "github.com/mmp/azbk/util"
	"github.com/spf13/cobra"
)

func newCpCmd(a *app) *cobra.Command {
	var region string
	cmd := &cobra.Command{
		Use:   "cp <source> <destination>",
		Short: "Copy a snapshot",
		Long: `Copy a snapshot between local files and object stores. Both the source
and the destination are given as URLs:

  file:///path/to/snapshot.zst
  s3://bucket/account/table/name
  gs://bucket/account/container/name

The destination is only replaced once the entire snapshot has been copied.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.cp(cmd.Context(), args[0], args[1], region)
		},
	}
	cmd.Flags().StringVar(&region, "region", "", "S3 region")
	return cmd
}

func (a *app) cp(ctx context.Context, source, destination, region string) error {
	src, err := endpoint.Parse(source)
	if err != nil {
		return err
	}
	dst, err := endpoint.Parse(destination)
	if err != nil {
		return err
	}
	for _, e := range []*endpoint.Endpoint{src, dst} {
		if err := e.Connect(ctx, region); err != nil {
			return err
		}
	}

	n, err := endpoint.Copy(ctx, src, dst)
	if err != nil {
		return err
	}
	log.Print("copied %s records from %s to %s", u.FmtCount(n), src, dst)
	return nil
}
