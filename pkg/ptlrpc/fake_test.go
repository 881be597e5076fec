// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package ptlrpc_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/lightbitslabs/ptlrpcd/pkg/ptlrpc"
	"github.com/lightbitslabs/ptlrpcd/pkg/util/nid"
)

// fakeConn: ------------------------------------------------------------------

type fakeConn struct {
	id      string
	peer    nid.Slice
	net     *fakeNet
	onClose func()
	closed  int32
}

func newFakeConn(id string, peer nid.Slice, onClose func()) *fakeConn {
	return &fakeConn{id: id, peer: peer, onClose: onClose}
}

func (c *fakeConn) ID() string {
	return c.id
}

func (c *fakeConn) Peer() nid.Slice {
	return c.peer
}

func (c *fakeConn) Connect(
	ctx context.Context, req *ptlrpc.ConnectRequest,
) (*ptlrpc.ConnectReply, error) {
	if atomic.LoadInt32(&c.closed) != 0 {
		return nil, unix.ESHUTDOWN
	}
	if c.net == nil {
		return &ptlrpc.ConnectReply{Handle: "h-" + c.id}, nil
	}
	return c.net.connect(c, req)
}

func (c *fakeConn) Send(ctx context.Context, req *ptlrpc.ReqMsg, h ptlrpc.ReplyHandler) error {
	if atomic.LoadInt32(&c.closed) != 0 {
		return unix.ESHUTDOWN
	}
	if c.net == nil {
		go h(&ptlrpc.ReplyMsg{Xid: req.Xid}, nil)
		return nil
	}
	return c.net.send(c, req, h)
}

func (c *fakeConn) Close() {
	if atomic.AddInt32(&c.closed, 1) == 1 && c.onClose != nil {
		c.onClose()
	}
}

// fakeNet: -------------------------------------------------------------------

// fakeNet stands in for the target: it answers connects as scripted by the
// test and either parks every sent request for the test to answer or
// answers it on the spot through `respond`.
type fakeNet struct {
	t *testing.T

	mu        sync.Mutex
	connReply ptlrpc.ConnectReply
	connErr   error
	connects  []fakeConnect
	pending   []*pendingSend
	seen      []*ptlrpc.ReqMsg
	respond   func(msg *ptlrpc.ReqMsg) (*ptlrpc.ReplyMsg, error)
	nconns    int
}

type fakeConnect struct {
	peer nid.Slice
	req  ptlrpc.ConnectRequest
}

type pendingSend struct {
	msg *ptlrpc.ReqMsg
	h   ptlrpc.ReplyHandler
}

func (p *pendingSend) reply(rep ptlrpc.ReplyMsg) {
	rep.Xid = p.msg.Xid
	p.h(&rep, nil)
}

func (p *pendingSend) fail(err error) {
	p.h(nil, err)
}

func newFakeNet(t *testing.T) *fakeNet {
	return &fakeNet{
		t:         t,
		connReply: ptlrpc.ConnectReply{Flags: ptlrpc.ConnReplayable},
	}
}

func (n *fakeNet) dial(ctx context.Context, peer nid.Slice) (ptlrpc.Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nconns++
	c := newFakeConn("fake-"+peer.String(), peer, nil)
	c.net = n
	return c, nil
}

func (n *fakeNet) setConnect(rep ptlrpc.ConnectReply, err error) {
	n.mu.Lock()
	n.connReply, n.connErr = rep, err
	n.mu.Unlock()
}

func (n *fakeNet) setRespond(fn func(msg *ptlrpc.ReqMsg) (*ptlrpc.ReplyMsg, error)) {
	n.mu.Lock()
	n.respond = fn
	n.mu.Unlock()
}

func (n *fakeNet) connect(
	c *fakeConn, req *ptlrpc.ConnectRequest,
) (*ptlrpc.ConnectReply, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connects = append(n.connects, fakeConnect{peer: c.peer, req: *req})
	if n.connErr != nil {
		return nil, n.connErr
	}
	rep := n.connReply
	if rep.Handle == "" {
		rep.Handle = req.ClientUUID + "@" + c.peer.String()
	}
	return &rep, nil
}

func (n *fakeNet) send(c *fakeConn, req *ptlrpc.ReqMsg, h ptlrpc.ReplyHandler) error {
	msg := *req
	n.mu.Lock()
	n.seen = append(n.seen, &msg)
	respond := n.respond
	if respond == nil {
		n.pending = append(n.pending, &pendingSend{msg: &msg, h: h})
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	rep, err := respond(&msg)
	if rep != nil {
		rep.Xid = msg.Xid
	}
	h(rep, err)
	return nil
}

// take returns the parked sends, failing the test unless there are exactly
// `count` of them.
func (n *fakeNet) take(count int) []*pendingSend {
	n.t.Helper()
	n.mu.Lock()
	res := n.pending
	n.pending = nil
	n.mu.Unlock()
	require.Len(n.t, res, count, "BUG: unexpected number of requests on the wire")
	return res
}

func (n *fakeNet) lastConnect() fakeConnect {
	n.t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(n.t, n.connects, "BUG: nothing ever connected")
	return n.connects[len(n.connects)-1]
}

func (n *fakeNet) seenMsgs() []*ptlrpc.ReqMsg {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*ptlrpc.ReqMsg(nil), n.seen...)
}

// import harness: ------------------------------------------------------------

var (
	connA = ptlrpc.ConnSpec{UUID: "tgt-a", NIDs: nid.MustParseCSV("10.0.0.1@tcp")}
	connB = ptlrpc.ConnSpec{UUID: "tgt-b", NIDs: nid.MustParseCSV("10.0.0.2@tcp")}
)

type importEnv struct {
	t    *testing.T
	net  *fakeNet
	pool *ptlrpc.ConnPool
	imp  *ptlrpc.Import

	mu          sync.Mutex
	transitions []string
}

func newImportEnv(t *testing.T, tweak func(opts *ptlrpc.ImportOptions)) *importEnv {
	env := &importEnv{t: t, net: newFakeNet(t)}
	env.pool = ptlrpc.NewConnPool(env.net.dial, ptlrpc.ConnPoolOptions{})
	opts := ptlrpc.ImportOptions{
		Name:           "kv-OST0000-osc",
		TargetUUID:     "kv-OST0000_UUID",
		ClientUUID:     "client-1",
		Conns:          []ptlrpc.ConnSpec{connA, connB},
		Pool:           env.pool,
		ConnectTimeout: defaultTimeout,
		OnStateChange: func(_ *ptlrpc.Import, from, to ptlrpc.ImportState) {
			env.mu.Lock()
			env.transitions = append(env.transitions, from.String()+"->"+to.String())
			env.mu.Unlock()
		},
	}
	if tweak != nil {
		tweak(&opts)
	}
	imp, err := ptlrpc.NewImport(opts)
	require.NoError(t, err, "BUG: failed to create import")
	env.imp = imp
	t.Cleanup(func() {
		env.imp.Close()
		env.pool.Close()
	})
	return env
}

func (env *importEnv) connect() {
	env.t.Helper()
	ctx, cancel := mkCtx(defaultTimeout)
	defer cancel()
	require.NoError(env.t, env.imp.Connect(ctx), "BUG: connect failed")
}

func (env *importEnv) requireState(st ptlrpc.ImportState) {
	env.t.Helper()
	require.Equal(env.t, st, env.imp.State(), "BUG: import in wrong state")
}

func (env *importEnv) waitState(st ptlrpc.ImportState) {
	env.t.Helper()
	ctx, cancel := mkCtx(defaultTimeout)
	defer cancel()
	err := env.imp.WaitState(ctx, func(cur ptlrpc.ImportState) bool { return cur == st })
	require.NoError(env.t, err, "BUG: import never got to %s", st)
}

func (env *importEnv) queue(op ptlrpc.Opcode, body interface{}) *ptlrpc.Request {
	env.t.Helper()
	req, err := ptlrpc.NewRequest(op, body)
	require.NoError(env.t, err)
	require.NoError(env.t, env.imp.Queue(req), "BUG: failed to queue %s", op)
	return req
}

func (env *importEnv) transitionLog() []string {
	env.mu.Lock()
	defer env.mu.Unlock()
	return append([]string(nil), env.transitions...)
}

func requireDone(t *testing.T, req *ptlrpc.Request) (*ptlrpc.ReplyMsg, error) {
	t.Helper()
	select {
	case <-req.Done():
	case <-time.After(defaultTimeout):
		t.Fatalf("BUG: request xid %d never completed", req.Xid())
	}
	return req.Result()
}

func requirePending(t *testing.T, req *ptlrpc.Request) {
	t.Helper()
	select {
	case <-req.Done():
		_, err := req.Result()
		t.Fatalf("BUG: request xid %d completed prematurely: %v", req.Xid(), err)
	default:
	}
}
