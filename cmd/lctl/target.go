// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lightbitslabs/ptlrpcd/pkg/daemon"
	"github.com/lightbitslabs/ptlrpcd/pkg/target"
)

func newTargetCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "target",
		Aliases: []string{"tgt"},
		Short:   "Manage the targets served by the daemon",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List targets, their recovery state and clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd.Context(), func(ctx context.Context, clnt *daemon.ControlClient) error {
				tgts, err := clnt.ListTargets(ctx)
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), tgts, func(w io.Writer) error {
					return printTargets(w, tgts)
				})
			})
		},
	})
	cmd.AddCommand(targetOpCmd(opts, "abort-recovery", "End the recovery window now, evicting late clients",
		func(ctx context.Context, clnt *daemon.ControlClient, uuid string) error {
			return clnt.AbortRecovery(ctx, uuid)
		}))
	cmd.AddCommand(targetOpCmd(opts, "restart", "Drop uncommitted state as a crash would, and start recovery",
		func(ctx context.Context, clnt *daemon.ControlClient, uuid string) error {
			return clnt.RestartTarget(ctx, uuid)
		}))
	cmd.AddCommand(&cobra.Command{
		Use:   "evict <uuid> <client>",
		Short: "Evict a client from a target",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd.Context(), func(ctx context.Context, clnt *daemon.ControlClient) error {
				if err := clnt.EvictClient(ctx, args[0], args[1]); err != nil {
					return fmt.Errorf("failed to evict %s from %s: %w", args[1], args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "client %s evicted from %s\n", args[1], args[0])
				return nil
			})
		},
	})
	return cmd
}

func targetOpCmd(
	opts *options, verb, short string,
	op func(ctx context.Context, clnt *daemon.ControlClient, uuid string) error,
) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <uuid>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd.Context(), func(ctx context.Context, clnt *daemon.ControlClient) error {
				if err := op(ctx, clnt, args[0]); err != nil {
					return fmt.Errorf("%s of target %s failed: %w", verb, args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "target %s: %s done\n", args[0], verb)
				return nil
			})
		},
	}
}

func printTargets(w io.Writer, tgts []target.Info) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "UUID\tTRANSNO\tCOMMITTED\tRECOVERING\tRECOVERIES\tKEYS\tCLIENTS")
	for _, t := range tgts {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%t\t%d\t%d\t%d\n", t.UUID, t.Transno,
			t.LastCommitted, t.Recovering, t.Recoveries, t.Keys, len(t.Exports))
	}
	return tw.Flush()
}
