// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package target

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/lightbitslabs/ptlrpcd/pkg/lnet"
	"github.com/lightbitslabs/ptlrpcd/pkg/ptlrpc"
	"github.com/lightbitslabs/ptlrpcd/pkg/util/nid"
)

const (
	// ReplyPortal is the portal clients post their reply buffers on.
	ReplyPortal = 4
	// MaxReplySize bounds a single reply; bigger ones are turned into an
	// EMSGSIZE error reply.
	MaxReplySize = 64 * 1024
	// EQSize is the depth of the loopback reply event queue.
	EQSize = 1024
)

// Loopback is the "lo" network driver: it connects imports to targets
// living in the same process. requests are handed to the target directly
// while replies travel through LNet, PUT into a reply buffer the client
// posted on ReplyPortal, matched by the request xid.
type Loopback struct {
	ln  *lnet.LNet
	log *logrus.Entry
	eqh lnet.Handle

	mu      sync.Mutex
	targets map[string]*Target
	conns   map[*loConn]struct{}
	pid     uint32
	closed  bool
}

func NewLoopback(ln *lnet.LNet, log *logrus.Entry) (*Loopback, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	lo := &Loopback{
		ln:      ln,
		log:     log.WithField("lnd", nid.LoopbackNet),
		targets: make(map[string]*Target),
		conns:   make(map[*loConn]struct{}),
	}
	eqh, err := ln.EQAlloc(EQSize, lo.onEvent)
	if err != nil {
		return nil, errors.Wrap(err, "failed to allocate loopback EQ")
	}
	lo.eqh = eqh
	return lo, nil
}

// Serve makes `tgt` reachable at `n`, replacing whatever served it before.
func (lo *Loopback) Serve(n nid.NID, tgt *Target) {
	lo.mu.Lock()
	lo.targets[n.String()] = tgt
	lo.mu.Unlock()
	lo.log.WithFields(logrus.Fields{
		"nid":    n.String(),
		"target": tgt.UUID(),
	}).Info("serving target")
}

// Unserve makes `n` unreachable. connections already established to it
// keep working until they are closed.
func (lo *Loopback) Unserve(n nid.NID) {
	lo.mu.Lock()
	delete(lo.targets, n.String())
	lo.mu.Unlock()
}

// Dial implements ptlrpc.DialFunc: it connects to the first NID of `peer`
// that has a target behind it.
func (lo *Loopback) Dial(ctx context.Context, log *logrus.Entry, peer nid.Slice) (ptlrpc.Conn, error) {
	lo.mu.Lock()
	defer lo.mu.Unlock()
	if lo.closed {
		return nil, errors.Wrap(unix.ESHUTDOWN, "loopback driver is shut down")
	}
	if log == nil {
		log = lo.log
	}
	for _, n := range peer {
		tgt := lo.targets[n.String()]
		if tgt == nil {
			continue
		}
		lo.pid++
		c := &loConn{
			lo:      lo,
			tgt:     tgt,
			self:    n,
			peer:    peer.Clone(),
			pid:     lo.pid,
			log:     log.WithField("conn", fmt.Sprintf("lo-%d", lo.pid)),
			pending: make(map[uint64]*replyWait),
		}
		lo.conns[c] = struct{}{}
		return c, nil
	}
	return nil, errors.Wrapf(unix.ECONNREFUSED, "no target at %s", peer)
}

// Close closes every connection, failing their outstanding requests.
func (lo *Loopback) Close() {
	lo.mu.Lock()
	if lo.closed {
		lo.mu.Unlock()
		return
	}
	lo.closed = true
	conns := make([]*loConn, 0, len(lo.conns))
	for c := range lo.conns {
		conns = append(conns, c)
	}
	lo.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if err := lo.ln.EQFree(lo.eqh); err != nil {
		lo.log.WithError(err).Warn("failed to free loopback EQ")
	}
}

func (lo *Loopback) onEvent(ev lnet.Event) {
	w, ok := ev.UserPtr.(*replyWait)
	if !ok {
		return
	}
	switch ev.Type {
	case lnet.EventPut:
		var rep ptlrpc.ReplyMsg
		if err := json.Unmarshal(w.buf[ev.Offset:ev.Offset+ev.MLength], &rep); err != nil {
			w.complete(nil, errors.Wrapf(unix.EPROTO, "garbled reply to xid %d: %s",
				w.xid, err))
			return
		}
		w.complete(&rep, nil)
	case lnet.EventUnlink:
		w.complete(nil, errors.Wrapf(unix.ECONNRESET, "reply buffer of xid %d "+
			"unlinked", w.xid))
	}
}

// replyWait is the user pointer of a posted reply buffer.
type replyWait struct {
	c    *loConn
	xid  uint64
	buf  []byte
	mdh  lnet.Handle
	h    ptlrpc.ReplyHandler
	done int32
}

func (w *replyWait) complete(rep *ptlrpc.ReplyMsg, err error) {
	if !atomic.CompareAndSwapInt32(&w.done, 0, 1) {
		return
	}
	w.c.forget(w)
	w.h(rep, err)
}

type loConn struct {
	lo   *Loopback
	tgt  *Target
	self nid.NID
	peer nid.Slice
	pid  uint32
	log  *logrus.Entry

	mu      sync.Mutex
	pending map[uint64]*replyWait
	closed  bool
}

func (c *loConn) ID() string {
	return fmt.Sprintf("lo-%d", c.pid)
}

func (c *loConn) Peer() nid.Slice {
	return c.peer
}

// replier is the process the target's replies come from: it is unique per
// connection, so a reply never lands in another connection's buffer.
func (c *loConn) replier() lnet.ProcessID {
	return lnet.ProcessID{NID: c.self.String(), PID: c.pid}
}

func (c *loConn) Connect(ctx context.Context, req *ptlrpc.ConnectRequest) (*ptlrpc.ConnectReply, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, errors.Wrapf(unix.ESHUTDOWN, "connection %s is closed", c.ID())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.tgt.Connect(req), nil
}

func (c *loConn) Send(ctx context.Context, req *ptlrpc.ReqMsg, h ptlrpc.ReplyHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w := &replyWait{c: c, xid: req.Xid, buf: make([]byte, MaxReplySize), h: h}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.Wrapf(unix.ESHUTDOWN, "connection %s is closed", c.ID())
	}
	stale := c.pending[req.Xid]
	c.pending[req.Xid] = w
	c.mu.Unlock()
	if stale != nil {
		c.unlink(stale)
	}

	if err := c.post(w); err != nil {
		c.forget(w)
		return err
	}

	msg := *req
	c.tgt.Handle(&msg, func(rep *ptlrpc.ReplyMsg) {
		c.reply(rep)
	})
	return nil
}

// post attaches the reply buffer of `w`.
func (c *loConn) post(w *replyWait) error {
	ln := c.lo.ln
	meh, err := ln.MEAttach(ReplyPortal, c.replier(), w.xid, 0,
		lnet.Unlink, lnet.InsertTail)
	if err != nil {
		return errors.Wrapf(err, "failed to attach reply ME of xid %d", w.xid)
	}
	c.mu.Lock()
	if c.closed {
		err = errors.Wrapf(unix.ESHUTDOWN, "connection %s is closed", c.ID())
	} else {
		w.mdh, err = ln.MDAttach(meh, lnet.MD{
			Start:     w.buf,
			Options:   lnet.MDOpPut,
			Threshold: 1,
			UserPtr:   w,
			EQ:        c.lo.eqh,
		}, lnet.Unlink)
	}
	c.mu.Unlock()
	if err != nil {
		if uerr := ln.MEUnlink(meh); uerr != nil {
			c.log.WithError(uerr).Warn("failed to unlink reply ME")
		}
		return errors.Wrapf(err, "failed to attach reply buffer of xid %d", w.xid)
	}
	return nil
}

func (c *loConn) reply(rep *ptlrpc.ReplyMsg) {
	b, err := json.Marshal(rep)
	if err == nil && len(b) > MaxReplySize {
		err = errors.Wrapf(unix.EMSGSIZE, "reply of %d bytes", len(b))
	}
	if err != nil {
		c.log.WithError(err).WithField("xid", rep.Xid).Warn("can't send reply")
		errno := ptlrpc.ErrnoOf(err)
		if errno == 0 {
			errno = unix.EPROTO
		}
		b, _ = json.Marshal(&ptlrpc.ReplyMsg{
			Xid:           rep.Xid,
			LastCommitted: rep.LastCommitted,
			Status:        int32(errno),
		})
	}
	if err := c.lo.ln.Put(c.replier(), ReplyPortal, rep.Xid, 0, b); err != nil {
		// the client gave up on this one.
		c.log.WithError(err).WithField("xid", rep.Xid).Debug("reply dropped")
	}
}

func (c *loConn) forget(w *replyWait) {
	c.mu.Lock()
	if c.pending[w.xid] == w {
		delete(c.pending, w.xid)
	}
	c.mu.Unlock()
}

// unlink withdraws the reply buffer of `w`, which completes it with
// ECONNRESET unless its reply is being delivered right now.
func (c *loConn) unlink(w *replyWait) {
	c.mu.Lock()
	mdh := w.mdh
	c.mu.Unlock()
	if mdh.IsInvalid() {
		return
	}
	if err := c.lo.ln.MDUnlink(mdh); err != nil {
		c.log.WithError(err).WithField("xid", w.xid).Trace("reply buffer already gone")
	}
}

func (c *loConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ws := make([]*replyWait, 0, len(c.pending))
	for _, w := range c.pending {
		ws = append(ws, w)
	}
	c.mu.Unlock()

	for _, w := range ws {
		c.unlink(w)
	}
	c.lo.mu.Lock()
	delete(c.lo.conns, c)
	c.lo.mu.Unlock()
}
