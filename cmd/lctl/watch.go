// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/lightbitslabs/ptlrpcd/pkg/daemon"
)

func newWatchCmd(opts *options) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "watch [import]",
		Short: "Follow import state changes",
		Long: `Print import state changes as they happen, until interrupted or the
daemon goes away. the timeout flag only bounds connecting to the daemon.

Examples:
  # Follow every import
  lctl watch

  # Wait for the next 3 state changes of one import, as JSON lines
  lctl watch kv-OST0000-osc -n 3 -o json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			dctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			clnt, err := daemon.DialControl(dctx, opts.endpoint)
			cancel()
			if err != nil {
				return err
			}
			defer clnt.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			stream, err := clnt.WatchEvents(ctx, name)
			if err != nil {
				return err
			}
			return printEvents(cmd.OutOrStdout(), opts.output, stream, count)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0,
		"Exit after this many events, 0 for never.")
	return cmd
}

type eventSource interface {
	Recv() (*daemon.ImportEvent, error)
}

func printEvents(w io.Writer, format string, src eventSource, count int) error {
	for n := 0; count == 0 || n < count; n++ {
		ev, err := src.Recv()
		if errors.Cause(err) == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		if format == "table" {
			fmt.Fprintf(w, "%s %s: %s -> %s\n", ev.Time.Format(time.RFC3339Nano),
				ev.Import, ev.From, ev.To)
			continue
		}
		// one document per event, so the output can be consumed as a stream.
		out, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(out))
	}
	return nil
}
