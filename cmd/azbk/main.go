// cmd/azbk/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// azbk backs up Azure storage tables and blob containers to snapshots in
// S3, GCS, or a local directory, and restores them.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/mmp/azbk/azstore"
	"github.com/mmp/azbk/catalog"
	"github.com/mmp/azbk/config"
	"github.com/mmp/azbk/endpoint"
	"github.com/mmp/azbk/metrics"
	"github.com/mmp/azbk/sched"
	"github.com/mmp/azbk/storage"
	"github.com/mmp/azbk/transfer"
	u "github.com/mmp/azbk/util"
	"github.com/mmp/azbk/verify"
	"github.com/spf13/cobra"
)

var log *u.Logger

// app holds what the subcommands share.
type app struct {
	stdout, stderr io.Writer
	configPath     string
	verbose, debug bool

	newClient func(*config.Config) (azstore.Client, error)
}

func newAzureClient(cfg *config.Config) (azstore.Client, error) {
	az, err := azstore.NewAzure(cfg.Azure.Subscription, cfg.CredentialTTL)
	if err != nil {
		return nil, err
	}
	return az, nil
}

func newRootCmd(stdout, stderr io.Writer, newClient func(*config.Config) (azstore.Client, error)) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr, newClient: newClient}
	cmd := &cobra.Command{
		Use:           "azbk",
		Short:         "Back up and restore Azure storage tables and containers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.setLogger(a.verbose, a.debug)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "azbk.yaml", "configuration file")
	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "report progress")
	cmd.PersistentFlags().BoolVar(&a.debug, "debug", false, "report everything")

	cmd.AddCommand(newBackupCmd(a))
	cmd.AddCommand(newRestoreCmd(a))
	cmd.AddCommand(newVerifyCmd(a))
	cmd.AddCommand(newCpCmd(a))
	cmd.AddCommand(newListCmd(a))
	cmd.AddCommand(newFsckCmd(a))
	cmd.AddCommand(newFormatCmd(a))
	return cmd
}

func (a *app) setLogger(verbose, debug bool) {
	log = u.NewLoggerTo(a.stdout, a.stderr, verbose, debug)
	azstore.SetLogger(log)
	catalog.SetLogger(log)
	endpoint.SetLogger(log)
	sched.SetLogger(log)
	storage.SetLogger(log)
	transfer.SetLogger(log)
	verify.SetLogger(log)
}

// loadConfig reads the configuration file; its log settings are added
// to the command-line flags.
func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Log.Verbose || cfg.Log.Debug {
		a.setLogger(a.verbose || cfg.Log.Verbose, a.debug || cfg.Log.Debug)
	}
	return cfg, nil
}

// metricsSink returns the sink to record into and a function that publishes
// what was recorded, if the configuration asks for that.
func (a *app) metricsSink(cfg *config.Config) (metrics.Sink, func()) {
	if cfg.Metrics.Pushgateway == "" {
		return metrics.Nop{}, func() {}
	}
	p := metrics.NewPrometheus()
	return p, func() {
		if err := p.Push(cfg.Metrics.Pushgateway, cfg.Metrics.Job); err != nil {
			log.Warning("%s: unable to push metrics: %s", cfg.Metrics.Pushgateway, err)
		}
	}
}

func main() {
	root := newRootCmd(os.Stdout, os.Stderr, newAzureClient)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
