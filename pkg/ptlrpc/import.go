// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package ptlrpc implements the client side of the RPC layer: imports that
// keep a logical connection to a target across transport failures, replay
// the target's uncommitted transactions after it restarts and resend
// in-flight requests once the connection is recovered.
package ptlrpc

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	guuid "github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/lightbitslabs/ptlrpcd/pkg/metrics"
	"github.com/lightbitslabs/ptlrpcd/pkg/timer"
	"github.com/lightbitslabs/ptlrpcd/pkg/util/nid"
	"github.com/lightbitslabs/ptlrpcd/pkg/workitem"
)

// Import options defaults
const (
	DefaultObdTimeout     = 100 * time.Second
	DefaultReconnectBurst = 3
)

// ConnSpec describes one way of reaching the target: the UUID of the
// target instance behind it and the NIDs of the serving node.
type ConnSpec struct {
	UUID string    `yaml:"uuid"`
	NIDs nid.Slice `yaml:"-"`
}

// LockReplayer replays the client's locks once request replay finished.
type LockReplayer interface {
	ReplayLocks(ctx context.Context, imp *Import) error
}

type ImportOptions struct {
	Name       string
	TargetUUID string
	// default: a random UUID.
	ClientUUID string
	// failover connections, in order of preference. at least one.
	Conns []ConnSpec

	Pool *ConnPool
	// without a wheel there is no pinger.
	Wheel *timer.Wheel
	// without a scheduler recovery is not driven automatically: the
	// caller is expected to Connect() and Advance() the import itself.
	Scheduler *workitem.Scheduler

	LockReplayer LockReplayer
	// invoked (without any import locks held) on every state change.
	OnStateChange func(imp *Import, from, to ImportState)

	// bounds recovery waits. default: `DefaultObdTimeout`
	ObdTimeout time.Duration
	// default: ObdTimeout/4, at least a second.
	PingInterval time.Duration
	// default: ObdTimeout/4, at least a second.
	ConnectTimeout time.Duration
	// automatic reconnects happen at most once per ReconnectInterval on
	// average. default: PingInterval
	ReconnectInterval time.Duration

	Clock   clock.Clock
	Log     *logrus.Entry
	Metrics *metrics.ImportMetrics
}

type importConn struct {
	spec        ConnSpec
	lastAttempt uint64 // attempt sequence number, 0: never or last succeeded
}

// Import is the client side handle of a logical connection to one target.
type Import struct {
	name       string
	uuid       string
	targetUUID string
	opts       ImportOptions
	log        *logrus.Entry
	clk        clock.Clock
	pool       *ConnPool
	limiter    *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	wi        *workitem.Workitem
	wiDone    chan struct{}
	pingTimer *timer.Timer

	// all of the below are protected by mu.
	mu           sync.Mutex
	state        ImportState
	stateCh      chan struct{} // closed and replaced on every state change
	hist         stateHist
	replayState  ImportState
	pendingNotes []stateNote
	generation   uint32
	connCnt      uint32
	remoteHandle string
	obdTimeout   time.Duration

	conns      []*importConn
	curConn    *importConn
	attemptSeq uint64
	conn       Conn

	lastReplayTransno     uint64
	peerCommitted         uint64
	lastTransnoChecked    uint64
	lastGenerationChecked uint32

	sending *list.List
	delayed *list.List
	replay  *replayList

	replayable     bool
	deactive       bool
	invalid        bool
	invalCount     int
	resendReplay   bool
	replayInflight int
	inflight       int           // sends the transport has not completed
	drained        chan struct{} // closed once inflight drops to 0
	pingDue        bool
	closed         bool
}

type stateNote struct {
	from, to ImportState
}

func NewImport(opts ImportOptions) (*Import, error) {
	if opts.Name == "" || opts.TargetUUID == "" {
		return nil, errors.Wrap(unix.EINVAL, "import needs a name and a target UUID")
	}
	if len(opts.Conns) == 0 {
		return nil, errors.Wrapf(unix.EINVAL, "import %s has no connections", opts.Name)
	}
	for _, c := range opts.Conns {
		if !c.NIDs.IsValid() {
			return nil, errors.Wrapf(unix.EINVAL, "import %s: invalid NIDs [%s] "+
				"for connection '%s'", opts.Name, c.NIDs, c.UUID)
		}
	}
	if opts.Pool == nil {
		return nil, errors.Wrapf(unix.EINVAL, "import %s has no connection pool", opts.Name)
	}
	if opts.ClientUUID == "" {
		opts.ClientUUID = guuid.New().String()
	}
	if opts.ObdTimeout <= 0 {
		opts.ObdTimeout = DefaultObdTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = capTimeout(opts.ObdTimeout / 4)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = capTimeout(opts.ObdTimeout / 4)
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = opts.PingInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}

	imp := &Import{
		name:       opts.Name,
		uuid:       opts.ClientUUID,
		targetUUID: opts.TargetUUID,
		opts:       opts,
		clk:        opts.Clock,
		pool:       opts.Pool,
		limiter: rate.NewLimiter(rate.Every(opts.ReconnectInterval),
			DefaultReconnectBurst),
		log: opts.Log.WithFields(logrus.Fields{
			"svc":    "import",
			"import": opts.Name,
			"target": opts.TargetUUID,
		}),
		wiDone:     make(chan struct{}),
		stateCh:    make(chan struct{}),
		obdTimeout: opts.ObdTimeout,
		sending:    list.New(),
		delayed:    list.New(),
		replay:     newReplayList(),
	}
	imp.ctx, imp.cancel = context.WithCancel(context.Background())
	for _, c := range opts.Conns {
		imp.conns = append(imp.conns, &importConn{spec: ConnSpec{
			UUID: c.UUID,
			NIDs: c.NIDs.Clone(),
		}})
	}
	imp.wi = workitem.NewWorkitem("import-"+opts.Name, workitem.ActionFunc(imp.work))
	imp.pingTimer = &timer.Timer{Action: timer.ActionFunc(imp.pingFired)}

	imp.mu.Lock()
	imp.setState(StateNew)
	imp.unlock()
	return imp, nil
}

// xids are unique process-wide: imports sharing a connection have their
// replies matched by xid alone.
var lastXid = uint64(time.Now().Unix()) << 20

func nextXid() uint64 {
	return atomic.AddUint64(&lastXid, 1)
}

func capTimeout(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d
}

func (imp *Import) Name() string {
	return imp.name
}

// UUID is the client UUID the import identifies itself with.
func (imp *Import) UUID() string {
	return imp.uuid
}

func (imp *Import) TargetUUID() string {
	return imp.targetUUID
}

func (imp *Import) State() ImportState {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	return imp.state
}

// SetTimeout changes the obd timeout bounding recovery waits.
func (imp *Import) SetTimeout(d time.Duration) {
	imp.mu.Lock()
	imp.obdTimeout = capTimeout(d)
	imp.mu.Unlock()
}

// setState must be called with mu held. observers are notified by unlock().
func (imp *Import) setState(st ImportState) {
	from := imp.state
	if from == st {
		return
	}
	imp.state = st
	if st.replaying() {
		imp.replayState = st
	}
	imp.hist.add(st, imp.clk.Now())
	close(imp.stateCh)
	imp.stateCh = make(chan struct{})
	imp.pendingNotes = append(imp.pendingNotes, stateNote{from, st})

	imp.log.WithFields(logrus.Fields{
		"from": from,
		"to":   st,
	}).Debug("import state change")
	imp.opts.Metrics.Transition(imp.name, st.String())
}

// unlock drops mu and delivers the state change notifications accumulated
// while it was held.
func (imp *Import) unlock() {
	notes := imp.pendingNotes
	imp.pendingNotes = nil
	imp.mu.Unlock()
	if imp.opts.OnStateChange == nil {
		return
	}
	for _, n := range notes {
		if n.from == 0 {
			continue
		}
		imp.opts.OnStateChange(imp, n.from, n.to)
	}
}

// InRecovery reports whether the import is on its way back to FULL.
func (imp *Import) InRecovery() bool {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	return imp.inRecoveryLocked()
}

func (imp *Import) inRecoveryLocked() bool {
	switch imp.state {
	case StateFull, StateClosed, StateDiscon, StateEvicted:
		return false
	default:
		return true
	}
}

// WaitState blocks until `pred` holds for the import state or `ctx` is
// done.
func (imp *Import) WaitState(ctx context.Context, pred func(ImportState) bool) error {
	for {
		imp.mu.Lock()
		st, ch := imp.state, imp.stateCh
		imp.mu.Unlock()
		if pred(st) {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return errors.Wrapf(unix.ETIMEDOUT, "import %s stuck in %s: %s",
				imp.name, st, ctx.Err())
		}
	}
}

// Send path: -----------------------------------------------------------------

type sendOp struct {
	req     *Request
	attempt uint64
	connCnt uint32
	conn    Conn
	msg     *ReqMsg
	h       ReplyHandler
}

// sendTag identifies one transmission of a request. the completion of an
// earlier attempt, or of one sent before the import reconnected, is stale.
type sendTag struct {
	attempt uint64
	connCnt uint32
}

func (op *sendOp) tag() sendTag {
	return sendTag{attempt: op.attempt, connCnt: op.connCnt}
}

// staleLocked reports whether the completion of the transmission `tag` of
// `req` is to be ignored. mu must be held.
func (imp *Import) staleLocked(req *Request, tag sendTag) bool {
	return req.attempt != tag.attempt || imp.connCnt != tag.connCnt
}

// delayReq decides whether `req` can be sent right away. mu must be held.
func (imp *Import) delayReq(req *Request) (delay bool, err error) {
	switch {
	case imp.state == StateNew:
		return false, errors.Wrapf(unix.EIO, "import %s is not initialised", imp.name)
	case imp.state == StateClosed:
		return false, errors.Wrapf(unix.EIO, "import %s is closed", imp.name)
	case imp.invalid:
		return false, errors.Wrapf(unix.ESHUTDOWN, "import %s is invalid", imp.name)
	case req.generation != imp.generation:
		return false, errors.Wrapf(unix.EIO, "import %s was invalidated since "+
			"xid %d was queued", imp.name, req.xid)
	case req.sendState != imp.state:
		if imp.invalCount != 0 {
			return false, errors.Wrapf(unix.EIO, "import %s is being invalidated",
				imp.name)
		}
		if req.NoDelay {
			return false, errors.Wrapf(unix.EWOULDBLOCK, "import %s is %s",
				imp.name, imp.state)
		}
		return true, nil
	}
	return false, nil
}

func (imp *Import) putOn(req *Request, l *list.List) {
	imp.takeOff(req)
	req.onList = l
	req.elem = l.PushBack(req)
}

func (imp *Import) takeOff(req *Request) {
	if req.onList != nil {
		req.onList.Remove(req.elem)
		req.onList = nil
		req.elem = nil
	}
}

// prepSend moves `req` to the sending list and snapshots everything needed
// to transmit it. mu must be held.
func (imp *Import) prepSend(req *Request) *sendOp {
	imp.putOn(req, imp.sending)
	req.attempt++
	req.connCnt = imp.connCnt
	attempt := req.attempt
	return &sendOp{
		req:     req,
		attempt: attempt,
		connCnt: req.connCnt,
		conn:    imp.conn,
		msg:     req.wireMsg(imp.remoteHandle),
		h: func(rep *ReplyMsg, err error) {
			imp.replyIn(req, attempt, rep, err)
		},
	}
}

// prepInternal is prepSend() for requests the import issues itself
// (replays and pings), which stay off the sending list.
func (imp *Import) prepInternal(req *Request) *sendOp {
	if req.xid == 0 {
		req.xid = nextXid()
	}
	req.attempt++
	req.connCnt = imp.connCnt
	tag := sendTag{attempt: req.attempt, connCnt: req.connCnt}
	interpret := req.interpret
	return &sendOp{
		req:     req,
		attempt: tag.attempt,
		connCnt: tag.connCnt,
		conn:    imp.conn,
		msg:     req.wireMsg(imp.remoteHandle),
		h: func(rep *ReplyMsg, err error) {
			interpret(req, tag, rep, err)
		},
	}
}

// transmit hands `op` to the transport. mu must NOT be held.
func (imp *Import) transmit(op *sendOp) error {
	if op.conn == nil {
		return errors.Wrapf(unix.ENOTCONN, "import %s has no connection", imp.name)
	}
	imp.mu.Lock()
	imp.inflight++
	imp.mu.Unlock()
	err := op.conn.Send(imp.ctx, op.msg, func(rep *ReplyMsg, err error) {
		imp.sendDone()
		op.h(rep, err)
	})
	if err != nil {
		imp.sendDone()
	}
	return err
}

func (imp *Import) sendDone() {
	imp.mu.Lock()
	imp.inflight--
	if imp.inflight == 0 && imp.drained != nil {
		close(imp.drained)
		imp.drained = nil
	}
	imp.mu.Unlock()
}

// transmitAll sends requests of the regular send path. mu must NOT be held.
func (imp *Import) transmitAll(ops []*sendOp) {
	for _, op := range ops {
		if err := imp.transmit(op); err != nil {
			imp.replyIn(op.req, op.attempt, nil, err)
		}
	}
}

// Queue hands `req` to the import. it is sent right away if the import is
// usable, parked until the import recovers, or failed as per the import
// state. the outcome is reported through req.Done().
func (imp *Import) Queue(req *Request) error {
	imp.mu.Lock()
	if req.imp != nil {
		imp.mu.Unlock()
		panic("BUG: request queued more than once")
	}
	req.imp = imp
	req.done = make(chan struct{})
	if req.sendState == 0 {
		req.sendState = StateFull
	}
	req.xid = nextXid()
	req.generation = imp.generation

	delay, err := imp.delayReq(req)
	switch {
	case err != nil:
		imp.finishLocked(req, nil, err)
		imp.mu.Unlock()
		return err
	case delay:
		imp.putOn(req, imp.delayed)
		imp.log.WithFields(logrus.Fields{
			"xid":   req.xid,
			"state": imp.state,
		}).Debug("request delayed until recovery")
		imp.mu.Unlock()
		return nil
	}
	op := imp.prepSend(req)
	imp.mu.Unlock()

	imp.transmitAll([]*sendOp{op})
	return nil
}

// Call queues `req` and waits for its outcome.
func (imp *Import) Call(ctx context.Context, req *Request) (*ReplyMsg, error) {
	if err := imp.Queue(req); err != nil {
		return nil, err
	}
	rep, err := req.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return rep, nil
}

// finishLocked completes `req` for its caller. mu must be held.
func (imp *Import) finishLocked(req *Request, rep *ReplyMsg, err error) {
	if req.completed {
		return
	}
	imp.takeOff(req)
	req.completed = true
	req.reply = rep
	req.err = err
	close(req.done)
}

// Reply path: ----------------------------------------------------------------

func (imp *Import) replyIn(req *Request, attempt uint64, rep *ReplyMsg, err error) {
	imp.mu.Lock()
	if req.attempt != attempt || req.completed {
		imp.mu.Unlock()
		return
	}
	log := imp.log.WithFields(logrus.Fields{
		"xid":      req.xid,
		"opc":      req.Opcode,
		"conn-cnt": req.connCnt,
	})

	if err != nil {
		connCnt := req.connCnt
		if req.NoResend {
			imp.finishLocked(req, nil, err)
		} else {
			req.resend = true
		}
		imp.mu.Unlock()
		log.WithError(err).Info("request failed in transport")
		imp.failImport(connCnt)
		return
	}

	if rep.Status == int32(unix.ENOTCONN) {
		imp.mu.Unlock()
		log.Info("target reports the client as not connected")
		imp.RequestHandleNotConn(req)
		return
	}

	imp.takeOff(req)
	req.resend = false
	req.transno = rep.Transno
	if rep.Transno != 0 && imp.replayable &&
		(rep.Transno > rep.LastCommitted || req.KeepForReplay) {
		imp.replay.insert(req)
	}
	if rep.LastCommitted > imp.peerCommitted {
		imp.peerCommitted = rep.LastCommitted
	}
	committed := imp.freeCommittedLocked()
	imp.finishLocked(req, rep, rep.Err())
	imp.mu.Unlock()

	runOnCommit(committed)
}

// freeCommittedLocked prunes the replay list of everything the target has
// committed. the pruned requests with an OnCommit hook are returned for the
// caller to run once mu is dropped.
func (imp *Import) freeCommittedLocked() []*Request {
	if imp.peerCommitted == imp.lastTransnoChecked &&
		imp.generation == imp.lastGenerationChecked {
		return nil
	}
	imp.lastTransnoChecked = imp.peerCommitted
	imp.lastGenerationChecked = imp.generation

	var gone, hooked []*Request
	imp.replay.ascend(func(req *Request) bool {
		if req.generation < imp.generation {
			gone = append(gone, req)
			return true
		}
		if req.KeepForReplay {
			return true
		}
		if req.transno > imp.peerCommitted {
			return false
		}
		gone = append(gone, req)
		if req.OnCommit != nil {
			hooked = append(hooked, req)
		}
		return true
	})
	for _, req := range gone {
		imp.replay.remove(req)
	}
	return hooked
}

func runOnCommit(reqs []*Request) {
	for _, req := range reqs {
		req.OnCommit(req)
	}
}

// ForgetReplay unpins a KeepForReplay request, letting it leave the replay
// list once committed.
func (imp *Import) ForgetReplay(req *Request) {
	imp.mu.Lock()
	req.KeepForReplay = false
	imp.lastTransnoChecked = 0
	committed := imp.freeCommittedLocked()
	imp.mu.Unlock()
	runOnCommit(committed)
}

// PeerCommitted returns the highest transno the target reported durable.
func (imp *Import) PeerCommitted() uint64 {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	return imp.peerCommitted
}

// ReplayTransnos returns the transnos on the replay list, in replay order.
func (imp *Import) ReplayTransnos() []uint64 {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	var res []uint64
	imp.replay.ascend(func(req *Request) bool {
		res = append(res, req.transno)
		return true
	})
	return res
}

// ImportInfo is a point in time snapshot of an import, for tooling.
type ImportInfo struct {
	Name              string        `json:"name"`
	TargetUUID        string        `json:"target"`
	ClientUUID        string        `json:"client"`
	State             ImportState   `json:"state"`
	Connection        string        `json:"connection"`
	ConnCnt           uint32        `json:"conn_cnt"`
	Generation        uint32        `json:"generation"`
	Replayable        bool          `json:"replayable"`
	Deactive          bool          `json:"deactive"`
	Invalid           bool          `json:"invalid"`
	PeerCommitted     uint64        `json:"peer_committed"`
	LastReplayTransno uint64        `json:"last_replay_transno"`
	Sending           int           `json:"sending"`
	Delayed           int           `json:"delayed"`
	Replay            int           `json:"replay"`
	ObdTimeout        time.Duration `json:"obd_timeout"`
	History           []StateChange `json:"history"`
}

func (imp *Import) Info() ImportInfo {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	info := ImportInfo{
		Name:              imp.name,
		TargetUUID:        imp.targetUUID,
		ClientUUID:        imp.uuid,
		State:             imp.state,
		ConnCnt:           imp.connCnt,
		Generation:        imp.generation,
		Replayable:        imp.replayable,
		Deactive:          imp.deactive,
		Invalid:           imp.invalid,
		PeerCommitted:     imp.peerCommitted,
		LastReplayTransno: imp.lastReplayTransno,
		Sending:           imp.sending.Len(),
		Delayed:           imp.delayed.Len(),
		Replay:            imp.replay.len(),
		ObdTimeout:        imp.obdTimeout,
		History:           imp.hist.list(),
	}
	if imp.curConn != nil {
		info.Connection = imp.curConn.spec.UUID + "@" + imp.curConn.spec.NIDs.String()
	}
	return info
}
