// Nightguard
// Copyright (c) 2025, DCSO GmbH

package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newQuarantineCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quarantine",
		Short: "Inspect and manage quarantined files",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List quarantined files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(o, cmd)
			if err != nil {
				return err
			}
			e, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			entries, err := e.quarantine.List()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tQUARANTINED\tSIZE\tORIGINAL PATH")
			for _, en := range entries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", en.Name(),
					en.Time.Local().Format(time.RFC3339), en.Size, en.OriginalPath)
			}
			return w.Flush()
		},
	}

	restore := &cobra.Command{
		Use:   "restore <name> [dest]",
		Short: "Move a quarantined file back to its original or the given location",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(o, cmd)
			if err != nil {
				return err
			}
			e, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			var dest string
			if len(args) > 1 {
				dest = args[1]
			}
			restored, err := e.quarantine.Restore(args[0], dest)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s to %s\n", args[0], restored)
			return nil
		},
	}

	cmd.AddCommand(list, restore)
	return cmd
}
