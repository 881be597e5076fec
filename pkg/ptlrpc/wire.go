// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package ptlrpc

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Opcode identifies the operation a request asks the target to perform.
type Opcode uint32

const (
	OpGetattr Opcode = 33
	OpReint   Opcode = 36 // modifies target state, gets a transno
	OpPing    Opcode = 400
)

func (op Opcode) String() string {
	switch op {
	case OpGetattr:
		return "getattr"
	case OpReint:
		return "reint"
	case OpPing:
		return "ping"
	default:
		return fmt.Sprintf("opc-%d", uint32(op))
	}
}

// MsgFlags are per-message protocol flags.
type MsgFlags uint32

const (
	MsgLastReplay MsgFlags = 1 << iota
	MsgResent
	MsgReplay
)

// ConnectFlags travel in both directions of a connect exchange.
type ConnectFlags uint32

const (
	ConnRecovering ConnectFlags = 0x1  // reply: target is in recovery
	ConnReconnect  ConnectFlags = 0x2  // reply: target still has our export
	ConnReplayable ConnectFlags = 0x4  // reply: target supports replay
	ConnInitial    ConnectFlags = 0x20 // request: first connect of this import
)

// ReqMsg is a request as it goes on the wire.
type ReqMsg struct {
	Opcode  Opcode          `json:"opc"`
	Xid     uint64          `json:"xid"`
	Transno uint64          `json:"transno,omitempty"`
	Flags   MsgFlags        `json:"flags,omitempty"`
	ConnCnt uint32          `json:"conn_cnt"`
	Handle  string          `json:"handle"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// ReplyMsg is the target's answer to a ReqMsg. Status is a positive errno,
// zero on success.
type ReplyMsg struct {
	Xid           uint64          `json:"xid"`
	Transno       uint64          `json:"transno,omitempty"`
	LastCommitted uint64          `json:"last_committed"`
	Status        int32           `json:"status,omitempty"`
	Flags         MsgFlags        `json:"flags,omitempty"`
	Body          json.RawMessage `json:"body,omitempty"`
}

func (rep *ReplyMsg) Err() error {
	if rep.Status == 0 {
		return nil
	}
	return errors.Wrapf(unix.Errno(rep.Status), "target replied to xid %d", rep.Xid)
}

type ConnectRequest struct {
	TargetUUID string       `json:"target_uuid"`
	ClientUUID string       `json:"client_uuid"`
	ConnCnt    uint32       `json:"conn_cnt"`
	Handle     string       `json:"handle,omitempty"` // previous remote handle
	Flags      ConnectFlags `json:"flags,omitempty"`
}

type ConnectReply struct {
	Handle        string       `json:"handle"`
	Flags         ConnectFlags `json:"flags,omitempty"`
	LastCommitted uint64       `json:"last_committed"`
	Status        int32        `json:"status,omitempty"`
}

func (rep *ConnectReply) Err() error {
	if rep.Status == 0 {
		return nil
	}
	return errors.Wrap(unix.Errno(rep.Status), "target refused connection")
}

// ErrnoOf extracts the errno carried by `err`, or 0 if there is none.
func ErrnoOf(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return 0
}
