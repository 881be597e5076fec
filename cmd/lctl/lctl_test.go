// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lightbitslabs/ptlrpcd/pkg/daemon"
	"github.com/lightbitslabs/ptlrpcd/pkg/ptlrpc"
)

type fakeEvents struct {
	evs []*daemon.ImportEvent
}

func (f *fakeEvents) Recv() (*daemon.ImportEvent, error) {
	if len(f.evs) == 0 {
		return nil, io.EOF
	}
	ev := f.evs[0]
	f.evs = f.evs[1:]
	return ev, nil
}

func mkEvents() *fakeEvents {
	at := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	return &fakeEvents{evs: []*daemon.ImportEvent{
		{Import: "a", Target: "t", From: ptlrpc.StateFull, To: ptlrpc.StateDiscon, Time: at},
		{Import: "a", Target: "t", From: ptlrpc.StateDiscon, To: ptlrpc.StateConnecting, Time: at},
		{Import: "a", Target: "t", From: ptlrpc.StateConnecting, To: ptlrpc.StateFull, Time: at},
	}}
}

func TestPrintEvents(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printEvents(&buf, "table", mkEvents(), 0))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3, "BUG: unexpected output:\n%s", buf.String())
	require.Equal(t, "2020-01-02T03:04:05Z a: FULL -> DISCONN", lines[0])

	buf.Reset()
	require.NoError(t, printEvents(&buf, "json", mkEvents(), 2))
	lines = strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var ev daemon.ImportEvent
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &ev))
	require.Equal(t, ptlrpc.StateConnecting, ev.To)
}

func TestPrintImports(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printImports(&buf, []ptlrpc.ImportInfo{{
		Name:       "kv-OST0000-osc",
		TargetUUID: "kv-OST0000_UUID",
		State:      ptlrpc.StateFull,
		Replayable: true,
		Invalid:    true,
	}}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "NAME"))
	require.Contains(t, lines[1], "FULL")
	require.True(t, strings.HasSuffix(lines[1], "IR"), "BUG: bad flags: %s", lines[1])
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestBadOutputFormat(t *testing.T) {
	_, err := run(t, "import", "list", "-o", "xml", "-e", "unix:///nonexistent")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported output format")
}

const cfg = `
ping-interval: 1s
targets:
  - uuid: kv-OST0000_UUID
    nid: 0@lo
imports:
  - name: kv-OST0000-osc
    target: kv-OST0000_UUID
    conns:
      - uuid: kv-OST0000_UUID
        nids: 0@lo
`

func TestAgainstDaemon(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "ptlrpcd.yaml")
	require.NoError(t, ioutil.WriteFile(cfgPath, []byte(cfg), 0644))
	endpoint := "unix://" + filepath.Join(dir, "ptlrpcd.sock")
	d, err := daemon.New(daemon.Config{
		Endpoint:   endpoint,
		ConfigPath: cfgPath,
		LogLevel:   "info",
		LogFormat:  "text",
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()
	<-d.Ready()

	listImports := func() []ptlrpc.ImportInfo {
		out, err := run(t, "-e", endpoint, "import", "list", "-o", "json")
		require.NoError(t, err)
		var imps []ptlrpc.ImportInfo
		require.NoError(t, json.Unmarshal([]byte(out), &imps), "BUG: bad JSON:\n%s", out)
		require.Len(t, imps, 1)
		return imps
	}
	deadline := time.Now().Add(10 * time.Second)
	for listImports()[0].State != ptlrpc.StateFull {
		require.True(t, time.Now().Before(deadline), "BUG: import never connected")
		time.Sleep(50 * time.Millisecond)
	}

	// recovering an import waits for it to be FULL again.
	out, err := run(t, "-e", endpoint, "import", "recover", "kv-OST0000-osc")
	require.NoError(t, err, "BUG: recover failed: %s", out)
	require.Contains(t, out, "recovered")

	require.Equal(t, ptlrpc.StateFull, listImports()[0].State)

	out, err = run(t, "-e", endpoint, "target", "list")
	require.NoError(t, err)
	require.Contains(t, out, "kv-OST0000_UUID")

	_, err = run(t, "-e", endpoint, "import", "deactivate", "nope")
	require.Error(t, err)
	require.Contains(t, err.Error(), "nope")

	out, err = run(t, "-e", endpoint, "target", "abort-recovery", "kv-OST0000_UUID")
	require.Error(t, err, "BUG: aborted a recovery that isn't on: %s", out)
}
