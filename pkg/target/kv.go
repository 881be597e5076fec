// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package target

import (
	"encoding/json"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/lightbitslabs/ptlrpcd/pkg/ptlrpc"
)

// SetBody is the body of an OpReint request: it sets Key to Value, or
// removes Key if Value is nil.
type SetBody struct {
	Key   string  `json:"key"`
	Value *string `json:"value,omitempty"`
}

// GetBody is the body of an OpGetattr request.
type GetBody struct {
	Key string `json:"key"`
}

type GetReply struct {
	Value string `json:"value"`
}

func NewSet(key, value string) (*ptlrpc.Request, error) {
	return ptlrpc.NewRequest(ptlrpc.OpReint, SetBody{Key: key, Value: &value})
}

func NewDelete(key string) (*ptlrpc.Request, error) {
	return ptlrpc.NewRequest(ptlrpc.OpReint, SetBody{Key: key})
}

func NewGet(key string) (*ptlrpc.Request, error) {
	return ptlrpc.NewRequest(ptlrpc.OpGetattr, GetBody{Key: key})
}

// ParseGet decodes the reply to a NewGet() request.
func ParseGet(rep *ptlrpc.ReplyMsg) (string, error) {
	var gr GetReply
	if err := json.Unmarshal(rep.Body, &gr); err != nil {
		return "", errors.Wrapf(unix.EPROTO, "bad getattr reply: %s", err)
	}
	return gr.Value, nil
}

// undoRec restores the store to its state before an uncommitted
// transaction.
type undoRec struct {
	transno uint64
	key     string
	old     string
	existed bool
}

// apply executes `msg` against the store, returning the reply body. mu
// must be held. modifications are recorded for rollback under `transno`.
func (t *Target) apply(msg *ptlrpc.ReqMsg, transno uint64) (json.RawMessage, error) {
	switch msg.Opcode {
	case ptlrpc.OpReint:
		var sb SetBody
		if err := json.Unmarshal(msg.Body, &sb); err != nil || sb.Key == "" {
			return nil, errors.Wrap(unix.EINVAL, "malformed reint body")
		}
		old, existed := t.kv[sb.Key]
		t.undo = append(t.undo, undoRec{
			transno: transno,
			key:     sb.Key,
			old:     old,
			existed: existed,
		})
		if sb.Value == nil {
			delete(t.kv, sb.Key)
		} else {
			t.kv[sb.Key] = *sb.Value
		}
		return nil, nil
	case ptlrpc.OpGetattr:
		var gb GetBody
		if err := json.Unmarshal(msg.Body, &gb); err != nil {
			return nil, errors.Wrap(unix.EINVAL, "malformed getattr body")
		}
		v, ok := t.kv[gb.Key]
		if !ok {
			return nil, errors.Wrapf(unix.ENOENT, "no key '%s'", gb.Key)
		}
		b, _ := json.Marshal(GetReply{Value: v})
		return b, nil
	}
	return nil, errors.Wrapf(unix.EOPNOTSUPP, "unsupported opcode %s", msg.Opcode)
}

// rollback undoes every uncommitted transaction, newest first. mu must be
// held.
func (t *Target) rollback() int {
	n := len(t.undo)
	for i := n - 1; i >= 0; i-- {
		u := t.undo[i]
		if u.existed {
			t.kv[u.key] = u.old
		} else {
			delete(t.kv, u.key)
		}
	}
	t.undo = nil
	return n
}
