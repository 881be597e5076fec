// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package ptlrpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"

	"github.com/lightbitslabs/ptlrpcd/pkg/util/nid"
)

// peerConn is the transport shared by the imports of one peer NID set.
type peerConn struct {
	dialCtx  context.Context // bounds the dial, unused once connected
	cancel   context.CancelFunc
	dialDone chan struct{} // closed once the dial succeeded or failed

	mu        sync.Mutex
	conn      Conn // nil while dialling
	refs      uint64
	idleUntil time.Time // zero while some import holds it
	dialErr   error     // set instead of conn if the dial failed

	// the reaper closed an idle but healthy transport. an import racing
	// with it redials instead of failing.
	reaped bool
}

const (
	DefaultConnPoolDialTimeout = 10 * time.Second
	DefaultConnPoolLingerTime  = 10 * time.Minute
	DefaultConnPoolReapCycle   = time.Minute
)

type ConnPoolOptions struct {
	// default: `DefaultConnPoolDialTimeout`
	DialTimeout time.Duration
	// how long a transport no import uses stays up, so a reconnecting
	// import finds it again. default: `DefaultConnPoolLingerTime`
	LingerTime time.Duration
	// how often idle transports are checked. default: `DefaultConnPoolReapCycle`
	ReapCycle time.Duration
	// default: clock.RealClock{}
	Clock clock.Clock
}

type PoolDialFunc func(ctx context.Context, peer nid.Slice) (Conn, error)

// ConnPool is the connection cache: one refcounted transport per peer NID
// set, shared by every import whose current connection points there.
type ConnPool struct {
	opts ConnPoolOptions
	clk  clock.Clock

	dialCtx context.Context // parent of every dial, cancelled by Close()
	cancel  context.CancelFunc
	dialWG  sync.WaitGroup
	dialer  PoolDialFunc

	stopReaper chan struct{}
	reaperDone chan struct{}

	mu     sync.Mutex
	byPeer map[string]*peerConn // by peer NIDs, dialling or not
	byID   map[string]*peerConn // by Conn.ID(), connected only
	closed bool
}

// NewConnPool starts the cache and its reaper. zero `opts` fields get the
// defaults.
func NewConnPool(dialer PoolDialFunc, opts ConnPoolOptions) *ConnPool {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = DefaultConnPoolDialTimeout
	}
	if opts.LingerTime == 0 {
		opts.LingerTime = DefaultConnPoolLingerTime
	}
	if opts.ReapCycle == 0 {
		opts.ReapCycle = DefaultConnPoolReapCycle
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	cp := &ConnPool{
		opts:       opts,
		clk:        opts.Clock,
		dialer:     dialer,
		byPeer:     make(map[string]*peerConn),
		byID:       make(map[string]*peerConn),
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	cp.dialCtx, cp.cancel = context.WithCancel(context.Background())
	go cp.reaper()

	return cp
}

// Close aborts pending dials and closes every transport, used or not.
func (cp *ConnPool) Close() {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return
	}
	cp.closed = true
	cp.mu.Unlock()

	cp.cancel()
	cp.dialWG.Wait()
	close(cp.stopReaper)
	<-cp.reaperDone

	cp.mu.Lock()
	peers, ids := len(cp.byPeer), len(cp.byID)
	cp.mu.Unlock()
	if peers != 0 || ids != 0 {
		panic(fmt.Sprintf("BUG: %d peers, %d transports left after the "+
			"reaper retired", peers, ids))
	}
}

func errConnClosing() error {
	return errors.Wrap(unix.ESHUTDOWN, "transport is closing")
}

// reapIdle closes the transports no import used for LingerTime.
func (cp *ConnPool) reapIdle() {
	now := cp.clk.Now()
	cp.mu.Lock()
	for id, pc := range cp.byID {
		pc.mu.Lock()
		// a zero idleUntil means some import holds it.
		if pc.refs == 0 && pc.idleUntil.Before(now) && !pc.idleUntil.IsZero() {
			conn := pc.conn
			if conn == nil {
				panic(fmt.Sprintf("BUG: idle transport '%s' has no Conn", id))
			}

			delete(cp.byID, id)
			delete(cp.byPeer, conn.Peer().String())
			cp.mu.Unlock()

			pc.reaped = true
			pc.conn = nil
			pc.dialErr = errConnClosing()
			pc.mu.Unlock()

			conn.Close()
		} else {
			cp.mu.Unlock()
			pc.mu.Unlock()
		}
		cp.mu.Lock()
	}
	cp.mu.Unlock()
}

// closeAll closes every transport on Close(), in use or not.
func (cp *ConnPool) closeAll() {
	cp.mu.Lock()
	for id, pc := range cp.byID {
		delete(cp.byID, id)
		pc.mu.Lock()
		cp.mu.Unlock()

		conn := pc.conn
		if conn == nil {
			panic(fmt.Sprintf("BUG: transport '%s' has no Conn", id))
		}

		peer := conn.Peer().String()
		pc.conn = nil
		pc.dialErr = errConnClosing()
		pc.mu.Unlock()
		conn.Close()

		cp.mu.Lock()
		delete(cp.byPeer, peer)
	}
	cp.mu.Unlock()
	close(cp.reaperDone)
}

func (cp *ConnPool) reaper() {
	for {
		select {
		case <-cp.clk.After(cp.opts.ReapCycle):
			cp.reapIdle()
		case <-cp.stopReaper:
			cp.closeAll()
			return
		}
	}
}

// dial runs on its own goroutine: a transport being dialled is finished
// even if the imports that asked for it gave up waiting.
func (cp *ConnPool) dial(peer nid.Slice, pc *peerConn) {
	conn, err := cp.dialer(pc.dialCtx, peer)
	pc.mu.Lock()
	if err != nil {
		conn = nil
		pc.dialErr = err
	} else {
		pc.conn = conn
		pc.idleUntil = cp.clk.Now().Add(cp.opts.LingerTime)
	}
	pc.mu.Unlock()

	pc.cancel()

	cp.mu.Lock()
	if conn != nil {
		cp.byID[conn.ID()] = pc
	} else {
		// the next Get() dials afresh.
		delete(cp.byPeer, peer.String())
	}
	cp.mu.Unlock()
	close(pc.dialDone)
}

// Get returns the transport to `peer`, dialling it unless some import
// already did. it blocks for as long as the dial takes, bounded by the
// dial timeout and `ctx`. every Get() is paired with a Put().
func (cp *ConnPool) Get(ctx context.Context, peer nid.Slice) (Conn, error) {
	if !peer.IsValid() {
		return nil, errors.Wrapf(unix.EINVAL, "invalid peer NIDs: [%s]", peer)
	}

retry:
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, errors.Wrap(unix.ESHUTDOWN, "connection cache is closing")
	}

	key := peer.String()
	pc, ok := cp.byPeer[key]
	if !ok {
		pc = &peerConn{
			dialDone: make(chan struct{}),
		}
		pc.dialCtx, pc.cancel = context.WithTimeout(cp.dialCtx, cp.opts.DialTimeout)

		// concurrent Get()s for the same peer wait on this dial.
		cp.byPeer[key] = pc
		cp.dialWG.Add(1)
		go func() {
			defer cp.dialWG.Done()
			cp.dial(peer, pc)
		}()
	}
	cp.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, errors.Wrapf(unix.ETIMEDOUT, "connecting to [%s]: %s",
			peer, ctx.Err())
	case <-pc.dialDone:
		pc.mu.Lock()
		if pc.dialErr != nil {
			dialErr, reaped := pc.dialErr, pc.reaped
			pc.mu.Unlock()
			// lost a race with the reaper, not a dial failure.
			if reaped {
				goto retry
			}
			return nil, dialErr
		}

		pc.refs++
		pc.idleUntil = time.Time{}
		defer pc.mu.Unlock()

		return pc.conn, nil
	}
}

// Put drops an import's reference to a transport from Get(). the last one
// starts its linger time.
func (cp *ConnPool) Put(c Conn) {
	if c == nil {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	// closeAll() takes care of it.
	if cp.closed {
		return
	}

	id := c.ID()
	pc, ok := cp.byID[id]
	if !ok {
		panic(fmt.Sprintf("BUG: transport '%s' to [%s] isn't cached here",
			id, c.Peer()))
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.refs == 0 {
		panic(fmt.Sprintf("BUG: transport '%s' to [%s] put more often than "+
			"taken", id, c.Peer()))
	}
	pc.refs--
	if pc.refs == 0 {
		pc.idleUntil = cp.clk.Now().Add(cp.opts.LingerTime)
	}
}

// Len returns the number of connected transports.
func (cp *ConnPool) Len() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.byID)
}
