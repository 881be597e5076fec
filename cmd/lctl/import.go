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
	"github.com/lightbitslabs/ptlrpcd/pkg/ptlrpc"
)

func newImportCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "import",
		Aliases: []string{"imp"},
		Short:   "Manage imports",
		Long: `Manage the imports of the daemon: the client side of its connections
to targets.

Examples:
  # List all imports
  lctl import list

  # Force an import to reconnect, to a specific target instance first
  lctl import recover kv-OST0000-osc --uuid kv-OST0000_UUID

  # Stop an import from reconnecting, then bring it back
  lctl import deactivate kv-OST0000-osc
  lctl import activate kv-OST0000-osc`,
	}
	cmd.AddCommand(newImportListCmd(opts))
	cmd.AddCommand(newImportRecoverCmd(opts))
	cmd.AddCommand(newImportActiveCmd(opts, "activate", true))
	cmd.AddCommand(newImportActiveCmd(opts, "deactivate", false))
	return cmd
}

func printImports(w io.Writer, imps []ptlrpc.ImportInfo) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTARGET\tSTATE\tCONNECTION\tCONN_CNT\tCOMMITTED\tREPLAY\tFLAGS")
	for _, imp := range imps {
		flags := ""
		if imp.Deactive {
			flags += "D"
		}
		if imp.Invalid {
			flags += "I"
		}
		if imp.Replayable {
			flags += "R"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			imp.Name, imp.TargetUUID, imp.State, imp.Connection, imp.ConnCnt,
			imp.PeerCommitted, imp.Replay, flags)
	}
	return tw.Flush()
}

func newImportListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list [name]",
		Short: "List imports and their state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return opts.withClient(cmd.Context(), func(ctx context.Context, clnt *daemon.ControlClient) error {
				imps, err := clnt.ListImports(ctx, name)
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), imps, func(w io.Writer) error {
					return printImports(w, imps)
				})
			})
		},
	}
}

func newImportRecoverCmd(opts *options) *cobra.Command {
	var uuid string
	cmd := &cobra.Command{
		Use:   "recover <name>",
		Short: "Force an import to reconnect and wait for it to recover",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd.Context(), func(ctx context.Context, clnt *daemon.ControlClient) error {
				if err := clnt.RecoverImport(ctx, args[0], uuid); err != nil {
					return fmt.Errorf("failed to recover import %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "import %s recovered\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&uuid, "uuid", "",
		"UUID of the target instance to try first.")
	return cmd
}

func newImportActiveCmd(opts *options, verb string, active bool) *cobra.Command {
	short := "Reconnect a deactivated import"
	if !active {
		short = "Invalidate an import and stop it from reconnecting"
	}
	return &cobra.Command{
		Use:   verb + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd.Context(), func(ctx context.Context, clnt *daemon.ControlClient) error {
				if err := clnt.SetImportActive(ctx, args[0], active); err != nil {
					return fmt.Errorf("failed to %s import %s: %w", verb, args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "import %s %sd\n", args[0], verb)
				return nil
			})
		},
	}
}
