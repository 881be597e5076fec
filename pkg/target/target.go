// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package target implements an in-memory RPC target: a small key-value
// store that hands out transaction numbers, keeps a per-client export
// (with its last reply, for resent requests) and loses whatever it had
// not committed when it restarts, after which it runs a recovery window
// in which its clients replay their uncommitted transactions.
package target

import (
	"fmt"
	"math/bits"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	guuid "github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"

	"github.com/lightbitslabs/ptlrpcd/pkg/ptlrpc"
	"github.com/lightbitslabs/ptlrpcd/pkg/timer"
)

// Target options defaults
const (
	DefaultMaxExports      = 1024
	DefaultRecoveryTimeout = 150 * time.Second
)

type Options struct {
	UUID string
	// default: the target supports replay.
	NotReplayable bool
	// default: `DefaultMaxExports`
	MaxExports int
	// default: `DefaultRecoveryTimeout`
	RecoveryTimeout time.Duration
	// bounds the recovery window. without a wheel recovery only ends once
	// every client is done or AbortRecovery() is called.
	Wheel *timer.Wheel
	Clock clock.Clock
	Log   *logrus.Entry
}

// ReplyFunc receives the reply to a request. it may be called before
// Handle() returns or, for requests parked during recovery, much later and
// from another goroutine.
type ReplyFunc func(rep *ptlrpc.ReplyMsg)

type export struct {
	uuid    string
	handle  string
	slot    int
	connCnt uint32

	lastXid   uint64
	lastReply *ptlrpc.ReplyMsg

	// the export survived a restart and its client has not reconnected.
	restarted bool
	// taking part in the current recovery.
	inRecovery bool
	replayDone bool
	queued     int
	connected  time.Time
}

type held struct {
	exp   *export
	msg   *ptlrpc.ReqMsg
	reply ReplyFunc
}

type delivery struct {
	reply ReplyFunc
	rep   *ptlrpc.ReplyMsg
}

// Target is the service object of a single target. it is safe for
// concurrent use.
type Target struct {
	uuid string
	opts Options
	log  *logrus.Entry
	clk  clock.Clock

	mu            sync.Mutex // all of the below are protected by mu.
	recTimer      *timer.Timer
	exports       map[string]*export
	handles       map[string]*export
	slots         []uint64
	transno       uint64
	lastCommitted uint64
	kv            map[string]string
	undo          []undoRec

	recovering  bool
	recExtended bool // the clients that never reconnected were evicted
	recStart    time.Time
	replayQ     *btree.BTree
	lastReplays []held // last-replay pings, answered once recovery ends
	heldReqs    []held // regular requests that arrived during recovery
	recoveries  int
	closed      bool
}

func New(opts Options) (*Target, error) {
	if opts.UUID == "" {
		return nil, errors.Wrap(unix.EINVAL, "target needs a UUID")
	}
	if opts.MaxExports <= 0 {
		opts.MaxExports = DefaultMaxExports
	}
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	t := &Target{
		uuid:    opts.UUID,
		opts:    opts,
		clk:     opts.Clock,
		log:     opts.Log.WithFields(logrus.Fields{"svc": "target", "target": opts.UUID}),
		exports: make(map[string]*export),
		handles: make(map[string]*export),
		slots:   make([]uint64, (opts.MaxExports+63)/64),
		kv:      make(map[string]string),
		replayQ: btree.New(8),
	}
	t.recTimer = &timer.Timer{}
	return t, nil
}

func (t *Target) UUID() string {
	return t.uuid
}

func deliver(ds []delivery) {
	for _, d := range ds {
		d.reply(d.rep)
	}
}

// Section: client slots ------------------------------------------------------

func (t *Target) allocSlot() (int, error) {
	for i, w := range t.slots {
		if w == ^uint64(0) {
			continue
		}
		bit := bits.TrailingZeros64(^w)
		slot := i*64 + bit
		if slot >= t.opts.MaxExports {
			break
		}
		t.slots[i] |= 1 << uint(bit)
		return slot, nil
	}
	return -1, errors.Wrapf(unix.EUSERS, "target %s has no free client slots "+
		"(max %d)", t.uuid, t.opts.MaxExports)
}

func (t *Target) freeSlot(slot int) {
	mask := uint64(1) << uint(slot%64)
	if t.slots[slot/64]&mask == 0 {
		panic(fmt.Sprintf("BUG: freeing free client slot %d", slot))
	}
	t.slots[slot/64] &^= mask
}

// Section: connect -----------------------------------------------------------

func (t *Target) newExport(uuid string) (*export, error) {
	slot, err := t.allocSlot()
	if err != nil {
		return nil, err
	}
	exp := &export{uuid: uuid, slot: slot}
	t.exports[uuid] = exp
	return exp, nil
}

// dropExport forgets `exp` entirely. mu must be held.
func (t *Target) dropExport(exp *export) {
	if t.exports[exp.uuid] != exp {
		panic(fmt.Sprintf("BUG: dropping unknown export of client %s", exp.uuid))
	}
	delete(t.exports, exp.uuid)
	if exp.handle != "" {
		delete(t.handles, exp.handle)
	}
	t.freeSlot(exp.slot)
}

func (t *Target) newHandle(exp *export) {
	if exp.handle != "" {
		delete(t.handles, exp.handle)
	}
	exp.handle = guuid.New().String()
	t.handles[exp.handle] = exp
	exp.connected = t.clk.Now()
}

// Connect serves a client connect: it creates the client's export on
// first contact, recognises reconnects of a known export and admits
// clients that were connected before a restart into recovery. new clients
// are refused with EBUSY while recovery is in progress.
func (t *Target) Connect(req *ptlrpc.ConnectRequest) *ptlrpc.ConnectReply {
	log := t.log.WithFields(logrus.Fields{
		"client":   req.ClientUUID,
		"conn-cnt": req.ConnCnt,
		"flags":    req.Flags,
	})
	rep, err := t.connect(req)
	if err != nil {
		log.WithError(err).Info("connect refused")
		return &ptlrpc.ConnectReply{Status: int32(ptlrpc.ErrnoOf(err))}
	}
	log.WithField("reply-flags", rep.Flags).Debug("client connected")
	return rep
}

func (t *Target) connect(req *ptlrpc.ConnectRequest) (*ptlrpc.ConnectReply, error) {
	if req.TargetUUID != t.uuid {
		return nil, errors.Wrapf(unix.ENODEV, "this is %s, not %s",
			t.uuid, req.TargetUUID)
	}
	if req.ClientUUID == "" {
		return nil, errors.Wrap(unix.EINVAL, "connect without client UUID")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.Wrapf(unix.ESHUTDOWN, "target %s is shutting down", t.uuid)
	}

	var flags ptlrpc.ConnectFlags
	exp := t.exports[req.ClientUUID]
	initial := req.Flags&ptlrpc.ConnInitial != 0
	switch {
	case exp != nil && !exp.restarted && !initial && req.Handle == exp.handle:
		flags |= ptlrpc.ConnReconnect
		if t.recovering && exp.inRecovery {
			flags |= ptlrpc.ConnRecovering
		}
	case exp != nil && exp.restarted && !initial && exp.inRecovery:
		exp.restarted = false
		t.newHandle(exp)
		flags |= ptlrpc.ConnRecovering
	default:
		if t.recovering {
			return nil, errors.Wrapf(unix.EBUSY, "target %s is recovering, "+
				"new clients have to wait", t.uuid)
		}
		if exp != nil {
			t.log.WithField("client", exp.uuid).Info("client lost its export, " +
				"starting afresh")
			t.dropExport(exp)
		}
		var err error
		if exp, err = t.newExport(req.ClientUUID); err != nil {
			return nil, err
		}
		t.newHandle(exp)
	}
	exp.connCnt = req.ConnCnt
	if !t.opts.NotReplayable {
		flags |= ptlrpc.ConnReplayable
	}
	return &ptlrpc.ConnectReply{
		Handle:        exp.handle,
		Flags:         flags,
		LastCommitted: t.lastCommitted,
	}, nil
}

// Section: request handling --------------------------------------------------

// Owns reports whether `handle` belongs to a client connected to this
// target.
func (t *Target) Owns(handle string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.handles[handle]
	return ok
}

func (t *Target) errReply(msg *ptlrpc.ReqMsg, err error) *ptlrpc.ReplyMsg {
	return &ptlrpc.ReplyMsg{
		Xid:           msg.Xid,
		Status:        int32(ptlrpc.ErrnoOf(err)),
		LastCommitted: t.lastCommitted,
	}
}

// Handle serves one request, replying through `reply` exactly once.
func (t *Target) Handle(msg *ptlrpc.ReqMsg, reply ReplyFunc) {
	t.mu.Lock()
	ds := t.handle(msg, reply)
	t.mu.Unlock()
	deliver(ds)
}

func (t *Target) handle(msg *ptlrpc.ReqMsg, reply ReplyFunc) []delivery {
	one := func(rep *ptlrpc.ReplyMsg) []delivery {
		return []delivery{{reply, rep}}
	}
	if t.closed {
		return one(t.errReply(msg, unix.ESHUTDOWN))
	}
	exp := t.handles[msg.Handle]
	if exp == nil {
		return one(t.errReply(msg, unix.ENOTCONN))
	}
	log := t.log.WithFields(logrus.Fields{
		"client": exp.uuid,
		"xid":    msg.Xid,
		"opc":    msg.Opcode,
	})

	// the reply to this one got lost, send it again.
	if msg.Flags&ptlrpc.MsgResent != 0 && msg.Flags&ptlrpc.MsgReplay == 0 &&
		msg.Xid == exp.lastXid && exp.lastReply != nil {
		rep := *exp.lastReply
		rep.LastCommitted = t.lastCommitted
		log.Debug("reconstructing reply to resent request")
		return one(&rep)
	}

	if t.recovering {
		return t.handleRecovering(exp, msg, reply, log)
	}
	return one(t.execute(exp, msg))
}

// execute runs a request outside of recovery. mu must be held.
func (t *Target) execute(exp *export, msg *ptlrpc.ReqMsg) *ptlrpc.ReplyMsg {
	if msg.Opcode == ptlrpc.OpPing {
		return &ptlrpc.ReplyMsg{Xid: msg.Xid, LastCommitted: t.lastCommitted}
	}
	var transno uint64
	if msg.Opcode == ptlrpc.OpReint {
		transno = t.transno + 1
	}
	body, err := t.apply(msg, transno)
	if err != nil {
		return t.errReply(msg, err)
	}
	if transno != 0 {
		t.transno = transno
	}
	rep := &ptlrpc.ReplyMsg{
		Xid:           msg.Xid,
		Transno:       transno,
		LastCommitted: t.lastCommitted,
		Body:          body,
	}
	if transno != 0 {
		saved := *rep
		exp.lastXid = msg.Xid
		exp.lastReply = &saved
	}
	return rep
}

// Section: commit and restart ------------------------------------------------

// Commit makes every executed transaction durable and returns the new last
// committed transno.
func (t *Target) Commit() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastCommitted = t.transno
	t.undo = nil
	return t.lastCommitted
}

// Restart simulates a crash and restart of the target: uncommitted
// transactions are rolled back, every connection is lost and, if any
// client was connected, the target enters recovery.
func (t *Target) Restart() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	ds := t.abortHeld(unix.ENOTCONN)
	lost := t.rollback()
	t.transno = t.lastCommitted
	t.handles = make(map[string]*export)
	for _, exp := range t.exports {
		exp.handle = ""
		exp.restarted = true
		exp.inRecovery = false
		exp.replayDone = false
		exp.queued = 0
		if exp.lastReply != nil && exp.lastReply.Transno > t.lastCommitted {
			exp.lastXid, exp.lastReply = 0, nil
		}
	}
	t.log.WithFields(logrus.Fields{
		"lost":           lost,
		"last-committed": t.lastCommitted,
		"clients":        len(t.exports),
	}).Warn("target restarted")
	if !t.opts.NotReplayable && len(t.exports) > 0 {
		t.startRecovery()
	} else if t.recovering {
		t.recovering = false
		if w := t.opts.Wheel; w != nil {
			w.Del(t.recTimer)
		}
	}
	t.mu.Unlock()
	deliver(ds)
}

// Evict forgets the client `uuid`: its next request is refused with
// ENOTCONN and its next connect starts a new export.
func (t *Target) Evict(uuid string) error {
	t.mu.Lock()
	exp := t.exports[uuid]
	if exp == nil {
		t.mu.Unlock()
		return errors.Wrapf(unix.ENOENT, "target %s has no client %s", t.uuid, uuid)
	}
	t.log.WithField("client", uuid).Warn("evicting client")
	ds := t.evictLocked(exp)
	if t.recovering {
		ds = append(ds, t.progress()...)
	}
	t.mu.Unlock()
	deliver(ds)
	return nil
}

// evictLocked drops `exp` and fails whatever of it was parked. mu must be
// held.
func (t *Target) evictLocked(exp *export) []delivery {
	var ds []delivery
	keep := func(hs []held) []held {
		res := hs[:0]
		for _, h := range hs {
			if h.exp == exp {
				ds = append(ds, delivery{h.reply, t.errReply(h.msg, unix.ENOTCONN)})
			} else {
				res = append(res, h)
			}
		}
		return res
	}
	t.lastReplays = keep(t.lastReplays)
	t.heldReqs = keep(t.heldReqs)
	var gone []btree.Item
	t.replayQ.Ascend(func(i btree.Item) bool {
		if i.(replayItem).exp == exp {
			gone = append(gone, i)
		}
		return true
	})
	for _, i := range gone {
		it := i.(replayItem)
		t.replayQ.Delete(it)
		ds = append(ds, delivery{it.reply, t.errReply(it.msg, unix.ENOTCONN)})
	}
	t.dropExport(exp)
	return ds
}

// Close fails everything parked and refuses further requests.
func (t *Target) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.recovering = false
	ds := t.abortHeld(unix.ESHUTDOWN)
	if w := t.opts.Wheel; w != nil {
		w.Del(t.recTimer)
	}
	t.mu.Unlock()
	deliver(ds)
}

// abortHeld fails every parked request with `errno`. mu must be held.
func (t *Target) abortHeld(errno unix.Errno) []delivery {
	var ds []delivery
	for _, hs := range [][]held{t.lastReplays, t.heldReqs} {
		for _, h := range hs {
			ds = append(ds, delivery{h.reply, t.errReply(h.msg, errno)})
		}
	}
	t.replayQ.Ascend(func(i btree.Item) bool {
		it := i.(replayItem)
		ds = append(ds, delivery{it.reply, t.errReply(it.msg, errno)})
		return true
	})
	t.replayQ.Clear(false)
	t.lastReplays, t.heldReqs = nil, nil
	return ds
}

// Section: info --------------------------------------------------------------

type ExportInfo struct {
	ClientUUID string    `json:"client"`
	Slot       int       `json:"slot"`
	ConnCnt    uint32    `json:"conn_cnt"`
	Connected  bool      `json:"connected"`
	InRecovery bool      `json:"in_recovery"`
	Since      time.Time `json:"since"`
}

type Info struct {
	UUID          string       `json:"uuid"`
	Transno       uint64       `json:"transno"`
	LastCommitted uint64       `json:"last_committed"`
	Recovering    bool         `json:"recovering"`
	Recoveries    int          `json:"recoveries"`
	Keys          int          `json:"keys"`
	Exports       []ExportInfo `json:"exports"`
}

func (t *Target) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := Info{
		UUID:          t.uuid,
		Transno:       t.transno,
		LastCommitted: t.lastCommitted,
		Recovering:    t.recovering,
		Recoveries:    t.recoveries,
		Keys:          len(t.kv),
	}
	for _, exp := range t.exports {
		info.Exports = append(info.Exports, ExportInfo{
			ClientUUID: exp.uuid,
			Slot:       exp.slot,
			ConnCnt:    exp.connCnt,
			Connected:  exp.handle != "",
			InRecovery: exp.inRecovery,
			Since:      exp.connected,
		})
	}
	sort.Slice(info.Exports, func(i, j int) bool {
		return info.Exports[i].Slot < info.Exports[j].Slot
	})
	return info
}
