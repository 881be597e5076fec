// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package ptlrpc_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/lightbitslabs/ptlrpcd/pkg/ptlrpc"
	"github.com/lightbitslabs/ptlrpcd/pkg/timer"
	"github.com/lightbitslabs/ptlrpcd/pkg/workitem"
)

// scriptedTarget answers requests the way a target with an in-memory
// transaction log would.
type scriptedTarget struct {
	mu        sync.Mutex
	transno   uint64
	committed uint64
	failNext  bool
	notConn   bool
}

func (st *scriptedTarget) respond(msg *ptlrpc.ReqMsg) (*ptlrpc.ReplyMsg, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.failNext && msg.Flags&ptlrpc.MsgReplay == 0 && msg.Opcode != ptlrpc.OpPing {
		st.failNext = false
		return nil, unix.ECONNRESET
	}
	rep := &ptlrpc.ReplyMsg{LastCommitted: st.committed}
	switch {
	case st.notConn && msg.Opcode == ptlrpc.OpPing:
		st.notConn = false
		rep.Status = int32(unix.ENOTCONN)
	case msg.Flags&ptlrpc.MsgReplay != 0:
		rep.Transno = msg.Transno
	case msg.Flags&ptlrpc.MsgLastReplay != 0:
		// recovery is over, everything replayed is made durable.
		st.committed = st.transno
		rep.LastCommitted = st.committed
	case msg.Opcode == ptlrpc.OpReint:
		st.transno++
		rep.Transno = st.transno
	}
	return rep, nil
}

type countingReplayer struct {
	calls int32
}

func (r *countingReplayer) ReplayLocks(ctx context.Context, imp *ptlrpc.Import) error {
	atomic.AddInt32(&r.calls, 1)
	return nil
}

func newScheduler(t *testing.T) *workitem.Scheduler {
	s := workitem.New(workitem.Options{Workers: 2})
	s.Start()
	// cleanups run in reverse: the scheduler outlives the import.
	t.Cleanup(s.Shutdown)
	return s
}

func TestSchedulerDrivenRecovery(t *testing.T) {
	s := newScheduler(t)
	replayer := &countingReplayer{}
	env := newImportEnv(t, func(opts *ptlrpc.ImportOptions) {
		opts.Scheduler = s
		opts.LockReplayer = replayer
	})
	target := &scriptedTarget{}
	env.net.setRespond(target.respond)

	env.imp.Start()
	env.waitState(ptlrpc.StateFull)

	ctx, cancel := mkCtx(defaultTimeout)
	defer cancel()
	for i := 0; i < 3; i++ {
		req, err := ptlrpc.NewRequest(ptlrpc.OpReint, i)
		require.NoError(t, err)
		rep, err := env.imp.Call(ctx, req)
		require.NoError(t, err)
		require.EqualValues(t, i+1, rep.Transno)
	}
	require.Equal(t, []uint64{1, 2, 3}, env.imp.ReplayTransnos())

	// the target reboots: the next request is lost and the import has to
	// reconnect into the recovery window on its own.
	env.net.setConnect(ptlrpc.ConnectReply{
		Flags: ptlrpc.ConnReplayable | ptlrpc.ConnRecovering,
	}, nil)
	target.mu.Lock()
	target.failNext = true
	target.mu.Unlock()

	req := env.queue(ptlrpc.OpGetattr, nil)
	_, err := req.Wait(ctx)
	require.NoError(t, err, "BUG: request lost across recovery")
	env.waitState(ptlrpc.StateFull)

	var replayed []uint64
	var lastReplay, resent int
	for _, msg := range env.net.seenMsgs() {
		switch {
		case msg.Flags&ptlrpc.MsgReplay != 0:
			replayed = append(replayed, msg.Transno)
		case msg.Flags&ptlrpc.MsgLastReplay != 0:
			lastReplay++
		case msg.Flags&ptlrpc.MsgResent != 0:
			resent++
			require.Equal(t, req.Xid(), msg.Xid)
		}
	}
	require.Equal(t, []uint64{1, 2, 3}, replayed)
	require.Equal(t, 1, lastReplay)
	require.Equal(t, 1, resent)
	require.EqualValues(t, 1, atomic.LoadInt32(&replayer.calls))
	require.Empty(t, env.imp.ReplayTransnos())

	log := env.transitionLog()
	require.Subset(t, log, []string{
		"FULL->DISCONN",
		"DISCONN->CONNECTING",
		"CONNECTING->REPLAY",
		"REPLAY->REPLAY_LOCKS",
		"REPLAY_LOCKS->REPLAY_WAIT",
		"REPLAY_WAIT->RECOVER",
		"RECOVER->FULL",
	})
}

func TestSetImportActive(t *testing.T) {
	s := newScheduler(t)
	env := newImportEnv(t, func(opts *ptlrpc.ImportOptions) {
		opts.Scheduler = s
	})
	env.connect()
	inflight := env.queue(ptlrpc.OpGetattr, nil)
	p := env.net.take(1)[0]

	ctx, cancel := mkCtx(defaultTimeout)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- env.imp.SetImportActive(ctx, false) }()
	_, err := requireDone(t, inflight)
	require.True(t, errors.Is(err, unix.EIO), "BUG: unexpected error: %v", err)
	// deactivation waits for the transport to give the send back.
	p.fail(unix.ECONNRESET)
	select {
	case err = <-errc:
		require.NoError(t, err)
	case <-time.After(defaultTimeout):
		t.Fatal("BUG: deactivation stuck")
	}
	info := env.imp.Info()
	require.True(t, info.Deactive)
	require.True(t, info.Invalid)

	env.net.setConnect(ptlrpc.ConnectReply{
		Flags: ptlrpc.ConnReplayable | ptlrpc.ConnReconnect,
	}, nil)
	require.NoError(t, env.imp.SetImportActive(ctx, true))
	env.waitState(ptlrpc.StateFull)
	info = env.imp.Info()
	require.False(t, info.Deactive)
	require.False(t, info.Invalid)
}

func TestPinger(t *testing.T) {
	s := newScheduler(t)
	fc := testingclock.NewFakeClock(time.Unix(1600000000, 0))
	w := timer.New(timer.Options{Clock: fc})
	t.Cleanup(w.Shutdown)
	env := newImportEnv(t, func(opts *ptlrpc.ImportOptions) {
		opts.Scheduler = s
		opts.Wheel = w
		opts.Clock = fc
		opts.PingInterval = 5 * time.Second
		opts.ReconnectInterval = time.Millisecond
	})
	target := &scriptedTarget{committed: 42}
	env.net.setRespond(target.respond)

	env.imp.Start()
	env.waitState(ptlrpc.StateFull)
	require.Equal(t, 1, w.Len(), "BUG: pinger not armed")

	last := timer.SlotStart(w.Now())
	fc.Step(10 * time.Second)
	require.Equal(t, 1, w.CheckTimers(&last))
	require.Equal(t, 1, w.Len(), "BUG: pinger not re-armed")
	waitFor(t, "ping to pick up last committed", func() bool {
		return env.imp.PeerCommitted() == 42
	})

	// the target lost our export: the ping fails and the import reconnects.
	target.mu.Lock()
	target.notConn = true
	target.mu.Unlock()
	env.net.setConnect(ptlrpc.ConnectReply{
		Flags: ptlrpc.ConnReplayable | ptlrpc.ConnReconnect,
	}, nil)
	fc.Step(10 * time.Second)
	require.Equal(t, 1, w.CheckTimers(&last))
	waitFor(t, "reconnect after failed ping", func() bool {
		return env.imp.Info().ConnCnt == 2 && env.imp.State() == ptlrpc.StateFull
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(defaultTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("BUG: timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
