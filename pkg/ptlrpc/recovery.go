// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package ptlrpc

import (
	"container/list"
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Connection management: -----------------------------------------------------

// selectConnection picks the least recently tried failover connection,
// preferring the current one on ties. mu must be held.
func (imp *Import) selectConnection() *importConn {
	var best *importConn
	for _, c := range imp.conns {
		switch {
		case best == nil:
			best = c
		case c.lastAttempt < best.lastAttempt:
			best = c
		case c.lastAttempt == best.lastAttempt && c == imp.curConn:
			best = c
		}
	}
	imp.attemptSeq++
	best.lastAttempt = imp.attemptSeq
	imp.curConn = best
	return best
}

// setConnPriority makes the connection to target instance `uuid` the next
// one tried. mu must be held.
func (imp *Import) setConnPriority(uuid string) error {
	for i, c := range imp.conns {
		if c.spec.UUID != uuid {
			continue
		}
		copy(imp.conns[1:i+1], imp.conns[:i])
		imp.conns[0] = c
		c.lastAttempt = 0
		imp.curConn = c
		return nil
	}
	return errors.Wrapf(unix.ENOENT, "import %s has no connection to '%s'",
		imp.name, uuid)
}

// Connect runs a connect attempt: the import goes CONNECTING, the connect
// RPC is sent through the next failover connection and its reply decides
// the new state. it returns EALREADY if the import is already connected or
// connecting.
func (imp *Import) Connect(ctx context.Context) error {
	imp.mu.Lock()
	switch imp.state {
	case StateClosed:
		imp.mu.Unlock()
		return errors.Wrapf(unix.EINVAL, "can't connect closed import %s", imp.name)
	case StateFull:
		imp.mu.Unlock()
		return errors.Wrapf(unix.EALREADY, "import %s already connected", imp.name)
	case StateConnecting:
		imp.mu.Unlock()
		return errors.Wrapf(unix.EALREADY, "import %s already connecting", imp.name)
	}
	imp.setState(StateConnecting)
	imp.connCnt++
	// whatever was still in flight went out over the previous connection.
	imp.replayInflight = 0
	imp.resendReplay = false
	connCnt := imp.connCnt
	initial := imp.remoteHandle == ""
	ic := imp.selectConnection()
	creq := &ConnectRequest{
		TargetUUID: imp.targetUUID,
		ClientUUID: imp.uuid,
		ConnCnt:    connCnt,
		Handle:     imp.remoteHandle,
	}
	if initial {
		creq.Flags |= ConnInitial
	}
	oldConn := imp.conn
	imp.conn = nil
	timeout := imp.opts.ConnectTimeout
	imp.unlock()

	imp.pool.Put(oldConn)
	log := imp.log.WithFields(logrus.Fields{
		"conn-cnt": connCnt,
		"via":      ic.spec.UUID,
		"nids":     ic.spec.NIDs.String(),
		"initial":  initial,
	})
	log.Info("connecting")

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := imp.pool.Get(cctx, ic.spec.NIDs)
	var rep *ConnectReply
	if err == nil {
		rep, err = conn.Connect(cctx, creq)
		if err == nil {
			err = rep.Err()
		}
	}
	return imp.connectInterpret(log, connCnt, initial, conn, rep, err)
}

func (imp *Import) connectInterpret(
	log *logrus.Entry, connCnt uint32, initial bool, conn Conn, rep *ConnectReply, err error,
) error {
	imp.mu.Lock()
	if imp.state != StateConnecting || imp.connCnt != connCnt {
		st := imp.state
		imp.unlock()
		imp.pool.Put(conn)
		return errors.Wrapf(unix.ESTALE, "connect attempt %d of import %s "+
			"superseded, import is %s", connCnt, imp.name, st)
	}
	if err != nil {
		imp.setState(StateDiscon)
		imp.unlock()
		imp.pool.Put(conn)
		log.WithError(err).Warn("connect failed")
		return err
	}

	imp.conn = conn
	imp.curConn.lastAttempt = 0
	if rep.LastCommitted > imp.peerCommitted {
		imp.peerCommitted = rep.LastCommitted
	}
	log = log.WithField("reply-flags", rep.Flags)

	var ops []*sendOp
	switch {
	case initial:
		imp.replayable = rep.Flags&ConnReplayable != 0
		imp.remoteHandle = rep.Handle
		log.WithField("replayable", imp.replayable).Info("connected")
		ops = imp.activateLocked()
	case rep.Flags&ConnReconnect != 0:
		imp.remoteHandle = rep.Handle
		if rep.Flags&ConnRecovering != 0 && imp.replayState.replaying() && !imp.invalid {
			log.WithField("resume", imp.replayState).Info("reconnected during replay")
			imp.resendReplay = true
			imp.setState(imp.replayState)
		} else {
			log.Info("reconnected")
			imp.setState(StateRecover)
		}
	case rep.Flags&ConnRecovering != 0 && imp.replayable && !imp.invalid:
		log.Info("target is recovering, replaying")
		imp.remoteHandle = rep.Handle
		imp.lastReplayTransno = 0
		imp.setState(StateReplay)
	default:
		log.Warn("evicted by target")
		imp.remoteHandle = ""
		imp.setState(StateEvicted)
		imp.opts.Metrics.Evicted(imp.name)
		imp.deactivateLocked()
	}
	imp.unlock()

	imp.transmitAll(ops)
	imp.kick()
	return nil
}

// SetImportDiscon marks a FULL import disconnected, provided the failure
// was seen on connection `connCnt` (0: any). it reports whether the import
// changed state.
func (imp *Import) SetImportDiscon(connCnt uint32) bool {
	imp.mu.Lock()
	if imp.state == StateFull && (connCnt == 0 || connCnt == imp.connCnt) {
		how := "wait for recovery to complete"
		if !imp.replayable {
			how = "fail"
		}
		imp.setState(StateDiscon)
		imp.unlock()
		imp.log.WithField("conn-cnt", connCnt).Warnf("connection to target lost, "+
			"in progress operations will %s", how)
		return true
	}
	st, cur := imp.state, imp.connCnt
	imp.mu.Unlock()
	imp.log.WithFields(logrus.Fields{
		"state":    st,
		"conn-cnt": connCnt,
		"current":  cur,
	}).Debug("import already disconnected")
	return false
}

// failImport reacts to a transport failure seen on connection `connCnt`:
// the import goes DISCON (from FULL or from the middle of recovery) and a
// reconnect is scheduled.
func (imp *Import) failImport(connCnt uint32) {
	if imp.SetImportDiscon(connCnt) {
		imp.mu.Lock()
		if !imp.replayable {
			imp.log.Info("import not replayable, auto-deactivating")
			imp.deactivateLocked()
		}
		imp.unlock()
	} else {
		imp.mu.Lock()
		if connCnt == imp.connCnt &&
			(imp.state.replaying() || imp.state == StateRecover) {
			imp.log.WithField("state", imp.state).Warn("recovery interrupted")
			imp.setState(StateDiscon)
		}
		imp.unlock()
	}
	imp.kick()
}

// RequestHandleNotConn deals with a request the target refused with
// ENOTCONN: the import is disconnected at the request's connection count,
// deactivated if it cannot replay, reconnected unless deactivated, and the
// request is resent once recovery completes.
func (imp *Import) RequestHandleNotConn(req *Request) {
	imp.mu.Lock()
	connCnt := req.connCnt
	imp.mu.Unlock()

	if imp.SetImportDiscon(connCnt) {
		imp.mu.Lock()
		if !imp.replayable {
			imp.deactivateLocked()
		}
		deactive := imp.deactive
		imp.unlock()
		if !deactive {
			imp.kick()
		}
	}

	var ops []*sendOp
	imp.mu.Lock()
	if !req.completed {
		if req.NoResend {
			imp.finishLocked(req, nil, errors.Wrapf(unix.ENOTCONN,
				"target doesn't know import %s", imp.name))
		} else {
			req.resend = true
			// the import may have moved on to a new connection already.
			if imp.state == StateFull && req.connCnt != imp.connCnt {
				req.flags |= MsgResent
				ops = append(ops, imp.prepSend(req))
			}
		}
	}
	imp.mu.Unlock()
	imp.transmitAll(ops)
}

// deactivateLocked invalidates the import: every request it holds fails
// with EIO and the replay list is dropped. mu must be held.
func (imp *Import) deactivateLocked() {
	imp.invalid = true
	imp.generation++

	aborted := 0
	for _, l := range []*list.List{imp.sending, imp.delayed} {
		for e := l.Front(); e != nil; e = l.Front() {
			imp.finishLocked(e.Value.(*Request), nil, errors.Wrapf(unix.EIO,
				"import %s invalidated", imp.name))
			aborted++
		}
	}
	dropped := imp.replay.clear()
	imp.log.WithFields(logrus.Fields{
		"generation": imp.generation,
		"aborted":    aborted,
		"dropped":    len(dropped),
	}).Info("import invalidated")
}

// Invalidate fails every in-flight and delayed request and drops the replay
// list, then waits up to the obd timeout for the transport to give back
// what it still has in flight. recovery is refused until then. the import
// stays invalid until it reconnects.
func (imp *Import) Invalidate() {
	imp.mu.Lock()
	imp.invalCount++
	imp.deactivateLocked()
	var drained chan struct{}
	if imp.inflight > 0 {
		if imp.drained == nil {
			imp.drained = make(chan struct{})
		}
		drained = imp.drained
	}
	inflight, timeout := imp.inflight, capTimeout(imp.obdTimeout)
	imp.unlock()

	if drained != nil {
		imp.log.WithField("inflight", inflight).Debug("waiting for in-flight sends")
		t := time.NewTimer(timeout)
		select {
		case <-drained:
		case <-t.C:
			imp.mu.Lock()
			inflight = imp.inflight
			imp.mu.Unlock()
			imp.log.WithField("inflight", inflight).Warn("sends still in " +
				"flight after invalidation")
		}
		t.Stop()
	}

	imp.mu.Lock()
	imp.invalCount--
	imp.mu.Unlock()
}

// activateLocked makes the import FULL and valid and wakes the delayed
// requests. mu must be held; the returned sends are for the caller to
// transmit once mu is dropped.
func (imp *Import) activateLocked() []*sendOp {
	imp.setState(StateFull)
	imp.invalid = false
	imp.replayState = 0

	var ops []*sendOp
	for e := imp.delayed.Front(); e != nil; {
		req := e.Value.(*Request)
		e = e.Next()
		delay, err := imp.delayReq(req)
		switch {
		case err != nil:
			imp.finishLocked(req, nil, err)
		case !delay:
			ops = append(ops, imp.prepSend(req))
		}
	}
	return ops
}

// Replay: --------------------------------------------------------------------

// ReplayNext sends the next request of the replay list, in transno order,
// and returns the number of requests it put in flight: 0 once everything
// the target has not committed was replayed. an error means the replay
// could not be sent at all.
func (imp *Import) ReplayNext() (int, error) {
	imp.mu.Lock()
	imp.lastTransnoChecked = 0
	committed := imp.freeCommittedLocked()
	last := imp.lastReplayTransno

	var req *Request
	if imp.resendReplay {
		// the reply to the last replay may have been lost.
		if req = imp.replay.find(last); req != nil {
			req.flags |= MsgResent
		}
	}
	if req == nil {
		if req = imp.replay.firstAfter(last); req != nil {
			imp.lastReplayTransno = req.transno
		}
	}
	imp.resendReplay = false

	var op *sendOp
	if req != nil {
		req.flags |= MsgReplay
		req.interpret = imp.replayInterpret
		imp.replayInflight++
		op = imp.prepInternal(req)
	}
	imp.mu.Unlock()

	runOnCommit(committed)
	if op == nil {
		return 0, nil
	}

	imp.log.WithFields(logrus.Fields{
		"transno": req.transno,
		"xid":     req.xid,
		"flags":   op.msg.Flags,
	}).Debug("replaying request")
	if err := imp.transmit(op); err != nil {
		imp.internalFailed(req, op.tag())
		return 0, err
	}
	imp.opts.Metrics.Replayed(imp.name)
	return 1, nil
}

// internalFailed uncounts a replay or last-replay ping the transport
// refused to send, unless the import has moved on since.
func (imp *Import) internalFailed(req *Request, tag sendTag) {
	imp.mu.Lock()
	if !imp.staleLocked(req, tag) {
		imp.replayInflight--
	}
	imp.mu.Unlock()
}

func (imp *Import) replayInterpret(req *Request, tag sendTag, rep *ReplyMsg, err error) {
	imp.mu.Lock()
	if imp.staleLocked(req, tag) {
		imp.mu.Unlock()
		imp.log.WithFields(logrus.Fields{
			"transno":  req.transno,
			"attempt":  tag.attempt,
			"conn-cnt": tag.connCnt,
		}).Debug("dropping completion of superseded replay")
		return
	}
	imp.replayInflight--
	connCnt := tag.connCnt
	if err == nil {
		err = rep.Err()
	}
	if err == nil && rep.Transno != req.transno {
		err = errors.Wrapf(unix.EPROTO, "replay of transno %d got transno %d",
			req.transno, rep.Transno)
	}
	if err == nil && rep.LastCommitted > imp.peerCommitted {
		imp.peerCommitted = rep.LastCommitted
	}
	imp.mu.Unlock()

	if err != nil {
		imp.log.WithError(err).WithField("transno", req.transno).Warn("replay failed")
		imp.failImport(connCnt)
		return
	}
	imp.kick()
}

// Resend resends every request on the sending list that allows it, flagged
// as resent. it is only valid while the import is in RECOVER.
func (imp *Import) Resend() error {
	imp.mu.Lock()
	if imp.state != StateRecover {
		st := imp.state
		imp.mu.Unlock()
		return errors.Wrapf(unix.EPERM, "import %s is %s, not %s",
			imp.name, st, StateRecover)
	}
	var ops []*sendOp
	for e := imp.sending.Front(); e != nil; {
		req := e.Value.(*Request)
		e = e.Next()
		if req.NoResend {
			continue
		}
		req.flags |= MsgResent
		req.resend = false
		ops = append(ops, imp.prepSend(req))
	}
	imp.mu.Unlock()

	for range ops {
		imp.opts.Metrics.Resent(imp.name)
	}
	if len(ops) > 0 {
		imp.log.WithField("count", len(ops)).Info("resending requests")
	}
	imp.transmitAll(ops)
	return nil
}

// lastReplayPing tells the target this client is done replaying.
func (imp *Import) lastReplayPing() error {
	req := &Request{
		Opcode:    OpPing,
		sendState: StateReplayWait,
		flags:     MsgLastReplay,
		imp:       imp,
		done:      make(chan struct{}),
	}
	req.interpret = func(req *Request, tag sendTag, rep *ReplyMsg, err error) {
		var committed []*Request
		imp.mu.Lock()
		if imp.staleLocked(req, tag) {
			imp.mu.Unlock()
			return
		}
		imp.replayInflight--
		if err == nil {
			err = rep.Err()
		}
		if err == nil && imp.state == StateReplayWait {
			if rep.LastCommitted > imp.peerCommitted {
				imp.peerCommitted = rep.LastCommitted
			}
			committed = imp.freeCommittedLocked()
			imp.setState(StateRecover)
		}
		imp.unlock()
		runOnCommit(committed)
		if err != nil {
			imp.log.WithError(err).Warn("last replay ping failed")
			imp.failImport(tag.connCnt)
			return
		}
		imp.kick()
	}

	imp.mu.Lock()
	imp.replayInflight++
	op := imp.prepInternal(req)
	imp.mu.Unlock()
	if err := imp.transmit(op); err != nil {
		imp.internalFailed(req, op.tag())
		return err
	}
	return nil
}

// Advance runs one pass of the recovery state machine:
// REPLAY -> REPLAY_LOCKS -> REPLAY_WAIT -> RECOVER -> FULL, moving on from a
// phase only once everything it put in flight came back.
func (imp *Import) Advance() error {
	imp.mu.Lock()
	connCnt := imp.connCnt
	st := imp.state
	imp.mu.Unlock()

	fail := func(err error) error {
		imp.failImport(connCnt)
		return errors.Wrapf(err, "recovery of import %s failed in %s", imp.name, st)
	}

	if st == StateReplay {
		// one replay at a time: the next goes out once this one is back.
		imp.mu.Lock()
		busy := imp.replayInflight > 0
		imp.mu.Unlock()
		if busy {
			return nil
		}
		inflight, err := imp.ReplayNext()
		if err != nil {
			return fail(err)
		}
		imp.mu.Lock()
		if inflight == 0 && imp.replayInflight == 0 && imp.state == StateReplay {
			imp.setState(StateReplayLocks)
		}
		st = imp.state
		imp.unlock()
	}

	if st == StateReplayLocks {
		imp.mu.Lock()
		ready := imp.replayInflight == 0 && imp.state == StateReplayLocks
		if ready {
			imp.setState(StateReplayWait)
		}
		imp.unlock()
		if ready && imp.opts.LockReplayer != nil {
			if err := imp.opts.LockReplayer.ReplayLocks(imp.ctx, imp); err != nil {
				return fail(err)
			}
		}
		st = imp.State()
	}

	if st == StateReplayWait {
		imp.mu.Lock()
		ready := imp.replayInflight == 0 && imp.state == StateReplayWait
		imp.mu.Unlock()
		if ready {
			if err := imp.lastReplayPing(); err != nil {
				return fail(err)
			}
		}
		return nil
	}

	if st == StateRecover {
		if err := imp.Resend(); err != nil {
			// somebody else moved the import on meanwhile.
			return nil
		}
		imp.mu.Lock()
		var ops []*sendOp
		if imp.state == StateRecover {
			imp.log.Info("recovery complete")
			ops = imp.activateLocked()
		}
		imp.unlock()
		imp.transmitAll(ops)
	}
	return nil
}

// Administrative operations: -------------------------------------------------

// InitiateRecovery forces a FULL import to reconnect.
func (imp *Import) InitiateRecovery(ctx context.Context) error {
	imp.log.Info("starting recovery")
	imp.SetImportDiscon(0)
	return imp.Connect(ctx)
}

// RecoverImport forces the import to reconnect, optionally through the
// connection to target instance `newUUID` first, and waits for the
// recovery to finish. it fails with EINVAL while an invalidation is in
// progress and with EALREADY if another recovery got there first.
func (imp *Import) RecoverImport(ctx context.Context, newUUID string) error {
	imp.mu.Lock()
	if imp.invalCount > 0 {
		imp.mu.Unlock()
		return errors.Wrapf(unix.EINVAL, "import %s is being invalidated", imp.name)
	}
	if imp.state == StateEvicted {
		imp.setState(StateDiscon)
	}
	imp.unlock()

	imp.SetImportDiscon(0)

	imp.mu.Lock()
	imp.deactive = false
	if newUUID != "" {
		if err := imp.setConnPriority(newUUID); err != nil {
			imp.mu.Unlock()
			return err
		}
	}
	if imp.state != StateDiscon && imp.state != StateNew {
		st := imp.state
		imp.mu.Unlock()
		return errors.Wrapf(unix.EALREADY, "import %s already recovering (%s)",
			imp.name, st)
	}
	timeout := imp.obdTimeout
	imp.mu.Unlock()

	if err := imp.Connect(ctx); err != nil {
		return err
	}
	imp.log.Debug("recovery started, waiting")
	return imp.waitRecovery(ctx, capTimeout(timeout))
}

func (imp *Import) waitRecovery(ctx context.Context, timeout time.Duration) error {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := imp.WaitState(wctx, func(st ImportState) bool {
		switch st {
		case StateFull, StateClosed, StateDiscon, StateEvicted:
			return true
		}
		return false
	})
	if err != nil {
		return errors.Wrapf(unix.ETIMEDOUT, "recovery of import %s did not "+
			"complete in %s", imp.name, timeout)
	}
	return nil
}

// SetImportActive deactivates the import (invalidating it and suppressing
// automatic reconnects) or reactivates it through RecoverImport().
func (imp *Import) SetImportActive(ctx context.Context, active bool) error {
	if !active {
		imp.log.Warn("setting import INACTIVE by administrator request")
		imp.Invalidate()
		imp.mu.Lock()
		imp.deactive = true
		imp.mu.Unlock()
		return nil
	}
	imp.log.Info("setting import VALID by administrator request")
	return imp.RecoverImport(ctx, "")
}
