// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package ptlrpc

import (
	"container/list"
	"context"
	"encoding/json"

	"github.com/google/btree"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Request is a single RPC issued through an Import. the exported fields are
// set by the caller before queueing it, the rest belongs to the import.
type Request struct {
	Opcode Opcode
	Body   json.RawMessage

	// fail with EWOULDBLOCK instead of waiting for the import to recover.
	NoDelay bool
	// fail on connection loss instead of being resent after recovery.
	NoResend bool
	// stay on the replay list after the target committed it, until
	// Import.ForgetReplay() is called.
	KeepForReplay bool
	// called once the request left the replay list as committed.
	OnCommit func(*Request)

	// all of the below are protected by the owning import's mu.
	imp        *Import
	sendState  ImportState
	xid        uint64
	transno    uint64
	flags      MsgFlags
	connCnt    uint32
	generation uint32
	attempt    uint64
	resend     bool
	onList     *list.List // sending or delayed
	elem       *list.Element
	inReplay   bool
	completed  bool
	reply      *ReplyMsg
	err        error
	done       chan struct{}

	// set for requests issued by the import itself, instead of waking up
	// a caller.
	interpret func(req *Request, tag sendTag, rep *ReplyMsg, err error)
}

// NewRequest builds a request carrying `body` encoded as JSON.
func NewRequest(op Opcode, body interface{}) (*Request, error) {
	req := &Request{Opcode: op}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrapf(unix.EINVAL, "bad %s request body: %s", op, err)
		}
		req.Body = b
	}
	return req, nil
}

// Xid is the reply matching identifier, assigned when the request is
// queued.
func (req *Request) Xid() uint64 {
	if req.imp == nil {
		return req.xid
	}
	req.imp.mu.Lock()
	defer req.imp.mu.Unlock()
	return req.xid
}

// Transno is the transaction number assigned by the target, 0 if none.
func (req *Request) Transno() uint64 {
	if req.imp == nil {
		return req.transno
	}
	req.imp.mu.Lock()
	defer req.imp.mu.Unlock()
	return req.transno
}

// Done is closed once the request got its final reply or failed.
func (req *Request) Done() <-chan struct{} {
	return req.done
}

// Result returns the outcome of a completed request.
func (req *Request) Result() (*ReplyMsg, error) {
	select {
	case <-req.done:
	default:
		panic("BUG: Result() called on a request still in flight")
	}
	return req.reply, req.err
}

// Wait blocks until the request completes or `ctx` is done. a request that
// is abandoned this way stays in flight.
func (req *Request) Wait(ctx context.Context) (*ReplyMsg, error) {
	select {
	case <-req.done:
		return req.reply, req.err
	case <-ctx.Done():
		return nil, errors.Wrapf(unix.ETIMEDOUT, "waiting for %s xid %d: %s",
			req.Opcode, req.Xid(), ctx.Err())
	}
}

func (req *Request) wireMsg(handle string) *ReqMsg {
	return &ReqMsg{
		Opcode:  req.Opcode,
		Xid:     req.xid,
		Transno: req.transno,
		Flags:   req.flags,
		ConnCnt: req.connCnt,
		Handle:  handle,
		Body:    req.Body,
	}
}

// replayList keeps requests ordered by ascending transno, xid breaking
// ties.
type replayList struct {
	tree *btree.BTree
}

type replayItem struct {
	req *Request
}

func (it replayItem) Less(than btree.Item) bool {
	o := than.(replayItem).req
	if it.req.transno != o.transno {
		return it.req.transno < o.transno
	}
	return it.req.xid < o.xid
}

func newReplayList() *replayList {
	return &replayList{tree: btree.New(8)}
}

func (rl *replayList) insert(req *Request) {
	if req.inReplay {
		panic("BUG: request already on the replay list")
	}
	if old := rl.tree.ReplaceOrInsert(replayItem{req}); old != nil {
		panic("BUG: duplicate transno/xid on the replay list")
	}
	req.inReplay = true
}

func (rl *replayList) remove(req *Request) {
	if rl.tree.Delete(replayItem{req}) == nil {
		panic("BUG: request not found on the replay list")
	}
	req.inReplay = false
}

func (rl *replayList) len() int {
	return rl.tree.Len()
}

// ascend calls `fn` on every request in transno order until it returns
// false.
func (rl *replayList) ascend(fn func(req *Request) bool) {
	rl.tree.Ascend(func(i btree.Item) bool {
		return fn(i.(replayItem).req)
	})
}

// firstAfter returns the first request with a transno above `transno`.
func (rl *replayList) firstAfter(transno uint64) *Request {
	var res *Request
	if transno == ^uint64(0) {
		return nil
	}
	pivot := replayItem{&Request{transno: transno + 1}}
	rl.tree.AscendGreaterOrEqual(pivot, func(i btree.Item) bool {
		res = i.(replayItem).req
		return false
	})
	return res
}

func (rl *replayList) find(transno uint64) *Request {
	var res *Request
	pivot := replayItem{&Request{transno: transno}}
	rl.tree.AscendGreaterOrEqual(pivot, func(i btree.Item) bool {
		if r := i.(replayItem).req; r.transno == transno {
			res = r
		}
		return false
	})
	return res
}

func (rl *replayList) clear() []*Request {
	var res []*Request
	rl.ascend(func(req *Request) bool {
		res = append(res, req)
		return true
	})
	for _, req := range res {
		req.inReplay = false
	}
	rl.tree.Clear(false)
	return res
}
