// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package ptlrpc

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/lightbitslabs/ptlrpcd/pkg/workitem"
)

// Start arms the pinger and kicks off the first connect. it is only
// meaningful for imports with a scheduler.
func (imp *Import) Start() {
	imp.mu.Lock()
	if imp.closed {
		imp.mu.Unlock()
		panic("BUG: starting a closed import")
	}
	imp.armPingerLocked()
	imp.mu.Unlock()
	imp.kick()
}

// Close disconnects the import for good: it goes CLOSED, everything in
// flight fails and the import workitem retires. it must not be called from
// an OnStateChange hook.
func (imp *Import) Close() {
	imp.mu.Lock()
	if imp.closed {
		imp.mu.Unlock()
		return
	}
	imp.closed = true
	imp.setState(StateClosed)
	imp.deactivateLocked()
	conn := imp.conn
	imp.conn = nil
	imp.unlock()

	if w := imp.opts.Wheel; w != nil {
		w.Del(imp.pingTimer)
	}
	if imp.opts.Scheduler != nil {
		imp.opts.Scheduler.Schedule(imp.wi)
		<-imp.wiDone
	}
	imp.cancel()
	imp.pool.Put(conn)
	imp.log.Info("import closed")
}

// kick schedules the import workitem, which drives reconnects, recovery
// and pings.
func (imp *Import) kick() {
	if s := imp.opts.Scheduler; s != nil {
		imp.mu.Lock()
		closed := imp.closed
		imp.mu.Unlock()
		if !closed {
			s.Schedule(imp.wi)
		}
	}
}

func (imp *Import) work(wi *workitem.Workitem) bool {
	imp.mu.Lock()
	if imp.closed {
		imp.mu.Unlock()
		imp.opts.Scheduler.Kill(wi)
		close(imp.wiDone)
		return true
	}
	st := imp.state
	pingDue := imp.pingDue
	imp.pingDue = false
	deactive := imp.deactive
	imp.mu.Unlock()

	switch {
	case st == StateNew || st == StateDiscon:
		if deactive {
			break
		}
		if !imp.limiter.Allow() {
			imp.log.Debug("reconnect rate limited")
			break
		}
		if err := imp.Connect(imp.ctx); err != nil &&
			!errors.Is(err, unix.EALREADY) && !errors.Is(err, unix.ESTALE) {
			imp.log.WithError(err).Info("reconnect failed")
		}
	case st.replaying() || st == StateRecover:
		if err := imp.Advance(); err != nil {
			imp.log.WithError(err).Warn("recovery step failed")
		}
	case st == StateFull && pingDue:
		imp.ping()
	}
	return false
}

func (imp *Import) armPingerLocked() {
	w := imp.opts.Wheel
	if w == nil || w.Pending(imp.pingTimer) {
		return
	}
	secs := int64(imp.opts.PingInterval.Seconds())
	if secs < 1 {
		secs = 1
	}
	imp.pingTimer.Expires = w.Now() + secs
	w.Add(imp.pingTimer)
}

// pingFired runs on the timer wheel goroutine.
func (imp *Import) pingFired() {
	imp.mu.Lock()
	if imp.closed {
		imp.mu.Unlock()
		return
	}
	imp.pingDue = true
	imp.armPingerLocked()
	imp.mu.Unlock()
	imp.kick()
}

// ping checks on a FULL import's connection and picks up the target's
// last committed transno.
func (imp *Import) ping() {
	req := &Request{
		Opcode:    OpPing,
		NoDelay:   true,
		sendState: StateFull,
		imp:       imp,
		done:      make(chan struct{}),
	}
	req.interpret = func(req *Request, tag sendTag, rep *ReplyMsg, err error) {
		imp.mu.Lock()
		stale := imp.staleLocked(req, tag)
		imp.mu.Unlock()
		if stale {
			return
		}
		if err == nil && rep.Status == int32(unix.ENOTCONN) {
			imp.log.Info("target no longer knows this client")
			imp.failImport(tag.connCnt)
			return
		}
		if err != nil {
			imp.log.WithError(err).Info("ping failed")
			imp.failImport(tag.connCnt)
			return
		}
		imp.mu.Lock()
		if rep.LastCommitted > imp.peerCommitted {
			imp.peerCommitted = rep.LastCommitted
		}
		committed := imp.freeCommittedLocked()
		imp.mu.Unlock()
		runOnCommit(committed)
	}

	imp.mu.Lock()
	if imp.state != StateFull {
		imp.mu.Unlock()
		return
	}
	op := imp.prepInternal(req)
	imp.mu.Unlock()

	imp.log.WithFields(logrus.Fields{
		"xid": req.xid,
	}).Trace("pinging target")
	if err := imp.transmit(op); err != nil {
		imp.log.WithError(err).Info("ping not sent")
		imp.failImport(req.connCnt)
	}
}
