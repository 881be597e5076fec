// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/template"

	flag "github.com/spf13/pflag"

	"github.com/lightbitslabs/ptlrpcd/pkg/daemon"
)

const usageTemplate = `USAGE: {{.BinaryName}} [flags]

{{.BinaryName}} keeps PtlRPC imports connected to their targets: it reconnects
them through their failover connections, replays whatever the targets did not
commit and reports every import state change. it can also serve in-process
targets, locally or over the network.

Configuration is obtained primarily from environment variables. Command-line
flags can be used to override the environment configuration and to tweak
various debugging options. Imports and targets are listed in the config file.

Supported environment variables:
  PTLRPCD_ENDPOINT     - URL of the control gRPC endpoint used by lctl.
        Currently only Unix Domain Socket (UDS) endpoints are supported.
        (default: {{.Endpoint}})
  PTLRPCD_LISTEN       - "host:port" to serve local targets on, over gRPC.
        local targets are not reachable over the network if empty.
        (default: "{{.ListenAddr}}")
  PTLRPCD_METRICS      - "host:port" to serve prometheus metrics on, at
        /metrics. metrics are not collected at all if empty.
        (default: "{{.MetricsAddr}}")
  PTLRPCD_CONFIG_PATH  - path to the config file, in YAML format. a missing
        file means no imports and no targets. changes to 'obd-timeout' are
        picked up at runtime, anything else takes a restart.
        (default: {{.ConfigPath}})
  PTLRPCD_LOG_LEVEL    - one of: {debug, info, warning, error}. Minimal entry
        severity level to log. (default: {{.LogLevel}})
  PTLRPCD_LOG_TIME     - one of: {true, false}. Attach explicit timestamps to
        log entries. (default: {{.LogTimestamps}})
  PTLRPCD_LOG_FMT      - one of: {text, json}. (default: {{.LogFormat}})

Command line flags:
`

const (
	defaultCfgDirPath  = "/etc/ptlrpcd"
	defaultCfgFileName = "ptlrpcd.yaml"
)

var defaults = daemon.Config{
	Endpoint:    "unix:///var/run/ptlrpcd.sock",
	ListenAddr:  "",
	MetricsAddr: "",
	ConfigPath:  filepath.Join(defaultCfgDirPath, defaultCfgFileName),

	LogLevel:      "info",
	LogTimestamps: false,
	LogFormat:     "json",

	// hidden, dev-only options:
	BinaryName:    "ptlrpcd",
	SquelchPanics: false,
	PrettyJson:    false,
}

var (
	endpoint = flag.StringP("endpoint", "e", "",
		"Control endpoint, see $PTLRPCD_ENDPOINT.")
	listenAddr = flag.StringP("listen", "L", "",
		"Target server address, see $PTLRPCD_LISTEN.")
	metricsAddr = flag.StringP("metrics", "m", "",
		"Metrics server address, see $PTLRPCD_METRICS.")
	cfgPath = flag.StringP("config", "c", "",
		"Config file path, see $PTLRPCD_CONFIG_PATH.")
	logLevel = flag.StringP("log-level", "l", "",
		"Log severity, see $PTLRPCD_LOG_LEVEL.")
	logTimestamps = flag.BoolP("log-time", "T", false,
		"Add timestamps to log entries, see $PTLRPCD_LOG_TIME.")
	logFormat = flag.StringP("log-fmt", "f", "",
		"Log entry format, see $PTLRPCD_LOG_FMT.")
	version = flag.Bool("version", false, "Print the version and exit.")
	help    = flag.BoolP("help", "h", false, "Print help and exit.")

	// hidden, dev-only options:
	squelchPanics = flag.BoolP("squelch-panics", "P", defaults.SquelchPanics,
		"Recover panics in control RPC handlers and return them to the "+
			"remote client as gRPC errors. NOT safe for use in production "+
			"environments!")
	prettyJson = flag.BoolP("pretty-json", "J", defaults.PrettyJson,
		"Pretty-print JSON log output, with indentations and all. "+
			"Useful mainly for dev/test.")
)

func usageAndDie() {
	t := template.Must(template.New("usage").Parse(usageTemplate))
	usageBuf := new(bytes.Buffer)
	err := t.Execute(usageBuf, defaults)
	if err != nil {
		fmt.Fprintf(os.Stderr, "\nOops, fumbled usage. please report this!\n\n")
	} else {
		fmt.Fprint(os.Stderr, usageBuf.String())
	}
	flagsHelp := flag.CommandLine.FlagUsagesWrapped(80)
	fmt.Fprint(os.Stderr, flagsHelp)
	os.Exit(2)
}

func errorAndDie(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "ERROR: "+format+"\n", args...)
	fmt.Fprintf(os.Stderr, "\nTry '%s --help' for more information.\n",
		defaults.BinaryName)
	os.Exit(2)
}

// populate config from: flags, env vars, defaults in that order:
func pickStr(flagVal string, envVar string, def string) string {
	res := flagVal
	if res == "" {
		res = os.Getenv(envVar)
		if res == "" {
			res = def
		}
	}
	return res
}

func main() {
	flag.CommandLine.Init(os.Args[0], flag.ContinueOnError)
	flag.CommandLine.MarkHidden("squelch-panics")
	flag.CommandLine.MarkHidden("pretty-json")
	flag.SetInterspersed(false)
	err := flag.CommandLine.Parse(os.Args[1:])
	if err != nil {
		errorAndDie(err.Error())
	}
	if *help {
		usageAndDie()
	}
	if *version {
		fmt.Printf("%s %s\n", defaults.BinaryName, daemon.GetFullVersionStr())
		os.Exit(0)
	}

	if !*logTimestamps {
		val := os.Getenv("PTLRPCD_LOG_TIME")
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true":
			*logTimestamps = true
		case "false":
			*logTimestamps = false
		case "":
			*logTimestamps = defaults.LogTimestamps
		default:
			errorAndDie("invalid PTLRPCD_LOG_TIME value: '%s'", val)
		}
	}

	cfg := daemon.Config{
		Endpoint:      pickStr(*endpoint, "PTLRPCD_ENDPOINT", defaults.Endpoint),
		ListenAddr:    pickStr(*listenAddr, "PTLRPCD_LISTEN", defaults.ListenAddr),
		MetricsAddr:   pickStr(*metricsAddr, "PTLRPCD_METRICS", defaults.MetricsAddr),
		ConfigPath:    pickStr(*cfgPath, "PTLRPCD_CONFIG_PATH", defaults.ConfigPath),
		LogLevel:      pickStr(*logLevel, "PTLRPCD_LOG_LEVEL", defaults.LogLevel),
		LogFormat:     pickStr(*logFormat, "PTLRPCD_LOG_FMT", defaults.LogFormat),
		LogTimestamps: *logTimestamps,
		BinaryName:    defaults.BinaryName,
		SquelchPanics: *squelchPanics,
		PrettyJson:    *prettyJson,
	}

	d, err := daemon.New(cfg)
	if err != nil {
		errorAndDie(err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := d.Run(ctx); err != nil {
		errorAndDie(err.Error())
	}
}
