// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package daemon_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lightbitslabs/ptlrpcd/pkg/daemon"
)

func TestParseFileConfig(t *testing.T) {
	cfg, err := daemon.ParseFileConfig([]byte(`
obd-timeout: 1m
targets:
  - uuid: t0
    nid: 3@lo
  - uuid: t1
imports:
  - name: i0
    target: t0
    conns:
      - uuid: t0
        nids: 3@lo
      - uuid: t0-failover
        nids: 10.0.0.1@tcp,10.0.0.2:1988@tcp1
`))
	require.NoError(t, err)
	require.Equal(t, time.Minute, cfg.ObdTimeout)
	require.Len(t, cfg.Targets, 2)
	require.Equal(t, "3@lo", cfg.Targets[0].NID)
	require.Len(t, cfg.Imports[0].Conns, 2)

	testCases := []struct {
		name string
		raw  string
	}{
		{"unknown key", "obd_timeout: 1s\n"},
		{"bad duration", "obd-timeout: soon\n"},
		{"negative timeout", "obd-timeout: -1s\n"},
		{"negative workers", "workers: -2\n"},
		{"target without uuid", "targets:\n  - nid: 0@lo\n"},
		{"duplicate target", "targets:\n  - uuid: a\n  - uuid: a\n"},
		{"target on tcp", "targets:\n  - uuid: a\n    nid: 10.0.0.1@tcp\n"},
		{"shared nid", "targets:\n  - uuid: a\n    nid: 0@lo\n  - uuid: b\n    nid: 0@lo\n"},
		{"import without name", "imports:\n  - target: a\n"},
		{"import without target", "imports:\n  - name: i\n"},
		{"import without conns", "imports:\n  - name: i\n    target: a\n"},
		{"bad conn nid", "imports:\n  - name: i\n    target: a\n    conns:\n      - uuid: a\n        nids: nope\n"},
		{"duplicate import", "imports:\n" +
			"  - {name: i, target: a, conns: [{uuid: a, nids: 0@lo}]}\n" +
			"  - {name: i, target: a, conns: [{uuid: a, nids: 0@lo}]}\n"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := daemon.ParseFileConfig([]byte(tc.raw))
			require.Error(t, err, "BUG: accepted config:\n%s", tc.raw)
		})
	}
}

func TestLoadMissingFileConfig(t *testing.T) {
	cfg, err := daemon.LoadFileConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Empty(t, cfg.Imports)
	require.Empty(t, cfg.Targets)
}
