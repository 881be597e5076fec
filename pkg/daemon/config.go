// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"fmt"
	"io/ioutil"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/lightbitslabs/ptlrpcd/pkg/util/nid"
)

// Config is what the daemon is started with: flags, env vars and their
// defaults. the imports and targets themselves come from the file at
// ConfigPath.
type Config struct {
	Endpoint    string // control endpoint, must be a Unix Domain Socket URI
	ListenAddr  string // "host:port" to serve local targets on, "" for none
	MetricsAddr string // "host:port" of the prometheus endpoint, "" for none
	ConfigPath  string

	LogLevel      string // one of: debug/info/warn/error
	LogTimestamps bool
	LogFormat     string // one of: text/json

	// hidden, dev-only options:
	BinaryName    string
	SquelchPanics bool
	PrettyJson    bool
}

// FileConfig is the YAML config file. only `obd-timeout` is picked up on
// reload, everything else takes a restart.
type FileConfig struct {
	ObdTimeout   time.Duration `yaml:"obd-timeout"`
	PingInterval time.Duration `yaml:"ping-interval"`
	Workers      int           `yaml:"workers"`

	Targets []TargetConfig `yaml:"targets"`
	Imports []ImportConfig `yaml:"imports"`
}

// TargetConfig describes a target served by this daemon: on the loopback
// network if `NID` is set, and over gRPC if the daemon has a ListenAddr.
type TargetConfig struct {
	UUID            string        `yaml:"uuid"`
	NID             string        `yaml:"nid"`
	NotReplayable   bool          `yaml:"not-replayable"`
	RecoveryTimeout time.Duration `yaml:"recovery-timeout"`
}

type ConnConfig struct {
	UUID string `yaml:"uuid"`
	NIDs string `yaml:"nids"` // comma separated
}

type ImportConfig struct {
	Name   string       `yaml:"name"`
	Target string       `yaml:"target"`
	Client string       `yaml:"client"`
	Conns  []ConnConfig `yaml:"conns"`
}

// FmtYAMLError works around `yaml.v2` package's multi-line and indented
// default error formatting, which is unsuitable for logging.
func FmtYAMLError(err error) string {
	if err == nil {
		return "<nil>"
	}
	if ye, ok := err.(*yaml.TypeError); ok {
		return strings.Join(ye.Errors, ", ")
	}
	return err.Error()
}

// ParseFileConfig parses and validates a config file's contents.
func ParseFileConfig(raw []byte) (*FileConfig, error) {
	cfg := &FileConfig{}
	if err := yaml.UnmarshalStrict(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse: %s", FmtYAMLError(err))
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFileConfig reads the config file at `path`. a missing file is an
// empty config.
func LoadFileConfig(path string) (*FileConfig, error) {
	raw, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return &FileConfig{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %s", path, err)
	}
	cfg, err := ParseFileConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("bad config file '%s': %s", path, err)
	}
	return cfg, nil
}

func (cfg *FileConfig) validate() error {
	if cfg.ObdTimeout < 0 {
		return fmt.Errorf("negative obd-timeout: %s", cfg.ObdTimeout)
	}
	if cfg.PingInterval < 0 {
		return fmt.Errorf("negative ping-interval: %s", cfg.PingInterval)
	}
	if cfg.Workers < 0 {
		return fmt.Errorf("negative number of workers: %d", cfg.Workers)
	}

	tgts := map[string]bool{}
	nids := map[string]bool{}
	for i, t := range cfg.Targets {
		if t.UUID == "" {
			return fmt.Errorf("target #%d: missing uuid", i)
		}
		if tgts[t.UUID] {
			return fmt.Errorf("target %s: defined more than once", t.UUID)
		}
		tgts[t.UUID] = true
		if t.NID == "" {
			continue
		}
		n, err := nid.Parse(t.NID)
		if err != nil {
			return fmt.Errorf("target %s: %s", t.UUID, err)
		}
		if n.LND() != nid.LoopbackNet {
			return fmt.Errorf("target %s: NID %s is not on the '%s' network",
				t.UUID, n, nid.LoopbackNet)
		}
		if nids[n.String()] {
			return fmt.Errorf("target %s: NID %s already taken", t.UUID, n)
		}
		nids[n.String()] = true
	}

	imps := map[string]bool{}
	for i, imp := range cfg.Imports {
		if imp.Name == "" {
			return fmt.Errorf("import #%d: missing name", i)
		}
		if imps[imp.Name] {
			return fmt.Errorf("import %s: defined more than once", imp.Name)
		}
		imps[imp.Name] = true
		if imp.Target == "" {
			return fmt.Errorf("import %s: missing target", imp.Name)
		}
		if len(imp.Conns) == 0 {
			return fmt.Errorf("import %s: no connections", imp.Name)
		}
		for _, c := range imp.Conns {
			if _, err := nid.ParseCSV(c.NIDs); err != nil {
				return fmt.Errorf("import %s: %s", imp.Name, err)
			}
		}
	}
	return nil
}
