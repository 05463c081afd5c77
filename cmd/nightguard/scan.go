// Nightguard
// Copyright (c) 2025, DCSO GmbH

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newScanCmd(o *options) *cobra.Command {
	var progressInterval time.Duration
	cmd := &cobra.Command{
		Use:   "scan [root]",
		Short: "Scan a directory tree once and quarantine threats",
		Long: `Scan walks the given directory (default: the home directory), inspects
every regular file and moves threats into quarantine. A JSON summary is
printed when done. The exit status is 3 if a threat could not be contained.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(o, cmd)
			if err != nil {
				return err
			}
			root, err := resolveRoot(args)
			if err != nil {
				return err
			}
			e, err := newEngine(o, cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sum, err := e.scan(ctx, root, cfg.Workers, progressInterval)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			if sum.Cancelled {
				log.Warn("scan interrupted, summary is partial")
			}
			if err = printSummary(cmd.OutOrStdout(), sum); err != nil {
				return err
			}
			if sum.IsolationFailures > 0 {
				return errUncontained
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&progressInterval, "progress-interval", 2*time.Second, "Minimum time between progress log lines")
	return cmd
}
