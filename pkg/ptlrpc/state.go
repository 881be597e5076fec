// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package ptlrpc

import (
	"fmt"
	"time"
)

type ImportState int

const (
	StateClosed ImportState = iota + 1
	StateNew
	StateDiscon
	StateConnecting
	StateReplay
	StateReplayLocks
	StateReplayWait
	StateRecover
	StateFull
	StateEvicted
)

var stateNames = map[ImportState]string{
	StateClosed:      "CLOSED",
	StateNew:         "NEW",
	StateDiscon:      "DISCONN",
	StateConnecting:  "CONNECTING",
	StateReplay:      "REPLAY",
	StateReplayLocks: "REPLAY_LOCKS",
	StateReplayWait:  "REPLAY_WAIT",
	StateRecover:     "RECOVER",
	StateFull:        "FULL",
	StateEvicted:     "EVICTED",
}

func (s ImportState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(s))
}

// ParseImportState is the inverse of ImportState.String().
func ParseImportState(s string) (ImportState, error) {
	for st, name := range stateNames {
		if name == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown import state '%s'", s)
}

func (s ImportState) replaying() bool {
	return s == StateReplay || s == StateReplayLocks || s == StateReplayWait
}

// StateHistLen is the number of state transitions an import remembers.
const StateHistLen = 16

type StateChange struct {
	State ImportState `json:"state" yaml:"state"`
	Time  time.Time   `json:"time" yaml:"time"`
}

// stateHist is a ring of the most recent transitions.
type stateHist struct {
	ring [StateHistLen]StateChange
	next int
	n    int
}

func (h *stateHist) add(st ImportState, at time.Time) {
	h.ring[h.next] = StateChange{State: st, Time: at}
	h.next = (h.next + 1) % StateHistLen
	if h.n < StateHistLen {
		h.n++
	}
}

// list returns the transitions oldest first.
func (h *stateHist) list() []StateChange {
	res := make([]StateChange, 0, h.n)
	start := (h.next - h.n + StateHistLen) % StateHistLen
	for i := 0; i < h.n; i++ {
		res = append(res, h.ring[(start+i)%StateHistLen])
	}
	return res
}

func (s ImportState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ImportState) UnmarshalText(b []byte) error {
	st, err := ParseImportState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}
