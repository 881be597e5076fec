// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

// lctl is the command-line client of a running ptlrpcd: it lists and
// drives imports and the targets the daemon serves, and follows import
// state changes as they happen.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/lightbitslabs/ptlrpcd/pkg/daemon"
)

const (
	defaultEndpoint = "unix:///var/run/ptlrpcd.sock"
	defaultTimeout  = 30 * time.Second
)

type options struct {
	endpoint string
	output   string
	timeout  time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "lctl",
		Short: "ptlrpcd control",
		Long: `lctl talks to a running ptlrpcd over its control socket.

Use "lctl [command] --help" for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       daemon.GetFullVersionStr(),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.output {
			case "table", "json", "yaml":
				return nil
			}
			return fmt.Errorf("unsupported output format: '%s'", opts.output)
		},
	}
	endpoint := os.Getenv("PTLRPCD_ENDPOINT")
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	root.PersistentFlags().StringVarP(&opts.endpoint, "endpoint", "e", endpoint,
		"Control endpoint of the daemon, see $PTLRPCD_ENDPOINT.")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "table",
		"Output format (table|json|yaml).")
	root.PersistentFlags().DurationVarP(&opts.timeout, "timeout", "t", defaultTimeout,
		"How long to wait for the daemon.")

	root.AddCommand(newImportCmd(opts))
	root.AddCommand(newTargetCmd(opts))
	root.AddCommand(newWatchCmd(opts))
	return root
}

// withClient runs `fn` with a control client and a context bounded by the
// timeout flag.
func (opts *options) withClient(
	ctx context.Context, fn func(ctx context.Context, clnt *daemon.ControlClient) error,
) error {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	clnt, err := daemon.DialControl(ctx, opts.endpoint)
	if err != nil {
		return err
	}
	defer clnt.Close()
	return fn(ctx, clnt)
}

// print renders `v` in the machine readable formats, or hands over to
// `table` for humans.
func (opts *options) print(w io.Writer, v interface{}, table func(w io.Writer) error) error {
	switch opts.output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		out, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	default:
		return table(w)
	}
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}
