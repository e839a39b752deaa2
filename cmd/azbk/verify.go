// cmd/azbk/verify.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/juju/errors"
	"github.com/mmp/azbk/verify"
	"github.com/spf13/cobra"
)

func newVerifyCmd(a *app) *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "verify [table1 table2]",
		Short: "Compare the rows of two tables",
		Long: `Compare the rows of two tables, given as account/table, ignoring the
fields that the service maintains. The tables default to verify.table1
and verify.table2 from the configuration.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("verify takes either no tables or two tables")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.verify(cmd.Context(), args, strict)
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "fail if the tables differ")
	return cmd
}

func (a *app) verify(ctx context.Context, args []string, strict bool) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	t1, t2 := cfg.Verify.Table1, cfg.Verify.Table2
	if len(args) == 2 {
		t1, t2 = args[0], args[1]
	}
	if t1 == "" || t2 == "" {
		return errors.New("verify: two tables are needed (verify.table1 and verify.table2)")
	}

	client, err := a.newClient(cfg)
	if err != nil {
		return err
	}
	r, err := verify.Tables(ctx, client, client, t1, t2, verify.Options{
		Volatile: cfg.Verify.Volatile,
		Diffs:    cfg.Verify.Diffs,
		PageSize: cfg.PageSize,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(a.stdout, "%s: %d rows\n", r.Table1, r.Rows1)
	fmt.Fprintf(a.stdout, "%s: %d rows\n", r.Table2, r.Rows2)
	fmt.Fprintf(a.stdout, "%d rows in both, %d only in %s, %d only in %s\n", r.Shared,
		r.OnlyIn1, r.Table1, r.OnlyIn2, r.Table2)
	var hashes []string
	for h := range r.Diffs {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	for _, h := range hashes {
		fmt.Fprintf(a.stdout, "%s:\n%s\n", h, r.Diffs[h])
	}

	if strict && !r.Equal() {
		return fmt.Errorf("%s and %s differ", t1, t2)
	}
	return nil
}
