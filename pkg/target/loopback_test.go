// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package target_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/lightbitslabs/ptlrpcd/pkg/lnet"
	"github.com/lightbitslabs/ptlrpcd/pkg/ptlrpc"
	"github.com/lightbitslabs/ptlrpcd/pkg/target"
	"github.com/lightbitslabs/ptlrpcd/pkg/util/nid"
	"github.com/lightbitslabs/ptlrpcd/pkg/workitem"
)

const waitTimeout = 3 * time.Second

var loNID = nid.MustParse("0@lo")

type loEnv struct {
	t   *testing.T
	ln  *lnet.LNet
	lo  *target.Loopback
	tgt *target.Target
}

func newLoEnv(t *testing.T) *loEnv {
	env := &loEnv{t: t, ln: lnet.New(lnet.Options{})}
	t.Cleanup(env.ln.Shutdown)
	lo, err := target.NewLoopback(env.ln, nil)
	require.NoError(t, err, "BUG: failed to create loopback LND")
	t.Cleanup(lo.Close)
	env.lo = lo
	env.tgt = newTarget(t, nil)
	lo.Serve(loNID, env.tgt)
	return env
}

func (env *loEnv) dial() ptlrpc.Conn {
	env.t.Helper()
	conn, err := env.lo.Dial(context.Background(), nil, nid.Slice{loNID})
	require.NoError(env.t, err, "BUG: failed to dial loopback target")
	return conn
}

type result struct {
	rep *ptlrpc.ReplyMsg
	err error
}

func sendAsync(t *testing.T, conn ptlrpc.Conn, msg *ptlrpc.ReqMsg) <-chan result {
	ch := make(chan result, 1)
	err := conn.Send(context.Background(), msg, func(rep *ptlrpc.ReplyMsg, err error) {
		ch <- result{rep, err}
	})
	require.NoError(t, err, "BUG: send failed")
	return ch
}

func waitResult(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(waitTimeout):
		t.Fatal("BUG: no reply")
	}
	return result{}
}

func TestLoopbackDial(t *testing.T) {
	env := newLoEnv(t)
	_, err := env.lo.Dial(context.Background(), nil, nid.MustParseCSV("1@lo"))
	require.True(t, errors.Is(err, unix.ECONNREFUSED), "BUG: unexpected error: %v", err)

	conn := env.dial()
	require.True(t, strings.HasPrefix(conn.ID(), "lo-"))
	require.True(t, conn.Peer().Equal(nid.Slice{loNID}))
	conn.Close()
	_, err = conn.Connect(context.Background(), &ptlrpc.ConnectRequest{})
	require.True(t, errors.Is(err, unix.ESHUTDOWN), "BUG: unexpected error: %v", err)

	env.lo.Unserve(loNID)
	_, err = env.lo.Dial(context.Background(), nil, nid.Slice{loNID})
	require.True(t, errors.Is(err, unix.ECONNREFUSED), "BUG: unexpected error: %v", err)
}

func TestLoopbackSend(t *testing.T) {
	env := newLoEnv(t)
	conn := env.dial()
	defer conn.Close()

	crep, err := conn.Connect(context.Background(), &ptlrpc.ConnectRequest{
		TargetUUID: tgtUUID,
		ClientUUID: "client-1",
		ConnCnt:    1,
		Flags:      ptlrpc.ConnInitial,
	})
	require.NoError(t, err)
	require.NoError(t, crep.Err())

	value := "v"
	c := &client{t: t, tgt: env.tgt, uuid: "client-1", handle: crep.Handle, connCnt: 1}
	res := waitResult(t, sendAsync(t, conn, setMsg(c, "k", value)))
	require.NoError(t, res.err)
	require.NoError(t, res.rep.Err())
	require.EqualValues(t, 1, res.rep.Transno)
	require.Equal(t, 0, env.ln.ActiveMDs(), "BUG: reply buffer leaked")

	res = waitResult(t, sendAsync(t, conn, c.msg(ptlrpc.OpGetattr, target.GetBody{Key: "k"})))
	require.NoError(t, res.err)
	v, err := target.ParseGet(res.rep)
	require.NoError(t, err)
	require.Equal(t, value, v)
}

func TestLoopbackCloseFailsHeld(t *testing.T) {
	env := newLoEnv(t)
	conn := env.dial()
	c := newClient(t, env.tgt, "client-1")
	newClient(t, env.tgt, "client-2")
	env.tgt.Restart()
	require.NoError(t, c.connect().Err())

	// the last replay is held until client-2 shows up, which it never does.
	ch := sendAsync(t, conn, c.lastReplay())
	require.Equal(t, 1, env.ln.ActiveMDs())
	conn.Close()
	res := waitResult(t, ch)
	require.True(t, errors.Is(res.err, unix.ECONNRESET), "BUG: unexpected error: %v", res.err)
	require.Equal(t, 0, env.ln.ActiveMDs())

	// the reply that comes eventually has nowhere to go.
	require.NoError(t, env.tgt.AbortRecovery())
}

// TestImportOverLoopback runs a full import against a target that restarts
// and loses its uncommitted transactions, which the import replays.
func TestImportOverLoopback(t *testing.T) {
	env := newLoEnv(t)
	lnds := ptlrpc.NewLNDTable(nil)
	lnds.Register(nid.LoopbackNet, env.lo.Dial)
	pool := ptlrpc.NewConnPool(lnds.Dial, ptlrpc.ConnPoolOptions{})
	t.Cleanup(pool.Close)
	s := workitem.New(workitem.Options{Workers: 2})
	s.Start()
	t.Cleanup(s.Shutdown)

	imp, err := ptlrpc.NewImport(ptlrpc.ImportOptions{
		Name:              "kv-OST0000-osc",
		TargetUUID:        tgtUUID,
		ClientUUID:        "client-1",
		Conns:             []ptlrpc.ConnSpec{{UUID: tgtUUID, NIDs: nid.Slice{loNID}}},
		Pool:              pool,
		Scheduler:         s,
		ConnectTimeout:    waitTimeout,
		ReconnectInterval: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(imp.Close)
	imp.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*waitTimeout)
	defer cancel()
	require.NoError(t, imp.WaitState(ctx, func(st ptlrpc.ImportState) bool {
		return st == ptlrpc.StateFull
	}))

	set := func(key, value string) {
		req, err := target.NewSet(key, value)
		require.NoError(t, err)
		rep, err := imp.Call(ctx, req)
		require.NoError(t, err, "BUG: set of %s failed", key)
		require.NotZero(t, rep.Transno)
	}
	get := func(key string) string {
		req, err := target.NewGet(key)
		require.NoError(t, err)
		rep, err := imp.Call(ctx, req)
		require.NoError(t, err, "BUG: get of %s failed", key)
		v, err := target.ParseGet(rep)
		require.NoError(t, err)
		return v
	}

	set("a", "1")
	env.tgt.Commit()
	set("b", "2")
	set("c", "3")
	require.Equal(t, []uint64{2, 3}, imp.ReplayTransnos())

	env.tgt.Restart()
	require.Equal(t, 1, env.tgt.Info().Keys)

	// the first request after the restart finds the connection gone and
	// drives the import through replay.
	require.Equal(t, "2", get("b"))
	require.Equal(t, "3", get("c"))
	require.Equal(t, "1", get("a"))
	require.Equal(t, ptlrpc.StateFull, imp.State())
	require.Empty(t, imp.ReplayTransnos(), "BUG: replayed requests not committed")

	info := env.tgt.Info()
	require.False(t, info.Recovering)
	require.Equal(t, 1, info.Recoveries)
	require.EqualValues(t, 3, info.LastCommitted)
}
