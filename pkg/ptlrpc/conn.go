// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package ptlrpc

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/lightbitslabs/ptlrpcd/pkg/util/nid"
)

// ReplyHandler completes an asynchronously sent request. exactly one of
// `rep` and `err` is non-nil; `err` reports a transport level failure.
type ReplyHandler func(rep *ReplyMsg, err error)

// Conn is a transport connection to one peer, produced by an LND.
//
// Send() must not block waiting for the reply: the reply (or the transport
// failure) is delivered to `h` exactly once, on a goroutine of the
// transport's choosing, possibly before Send() returns. an error returned
// by Send() means `h` will not be called.
type Conn interface {
	// ID returns a unique opaque ID of this connection.
	ID() string
	// Peer returns the sorted NIDs of the peer.
	Peer() nid.Slice

	Connect(ctx context.Context, req *ConnectRequest) (*ConnectReply, error)
	Send(ctx context.Context, req *ReqMsg, h ReplyHandler) error
	Close()
}

// DialFunc connects to the peer reachable through `peer`.
type DialFunc func(ctx context.Context, log *logrus.Entry, peer nid.Slice) (Conn, error)

type lndEntry struct {
	name string
	dial DialFunc
}

var lndNameRegex = regexp.MustCompile(`^[a-z]{1,15}$`)

// LNDTable maps network driver names (the NID network without its number,
// e.g. "tcp" for "10.0.0.1@tcp1") to their dialers.
type LNDTable struct {
	log *logrus.Entry

	mu   sync.RWMutex
	lnds map[string]lndEntry
}

func NewLNDTable(log *logrus.Entry) *LNDTable {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &LNDTable{
		log:  log,
		lnds: make(map[string]lndEntry),
	}
}

// Register adds an LND. it is expected to be called at daemon start-up, so
// it panics on an invalid or duplicate `name`.
func (t *LNDTable) Register(name string, dial DialFunc) {
	if !lndNameRegex.MatchString(name) {
		panic(fmt.Sprintf("attempt to register invalid LND '%s', "+
			"name must comply with template: '%s'", name, lndNameRegex))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.lnds[name]; ok {
		panic(fmt.Sprintf("attempt to register LND '%s' more than once", name))
	}
	t.lnds[name] = lndEntry{name, dial}
}

func (t *LNDTable) List() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	res := make([]string, 0, len(t.lnds))
	for k := range t.lnds {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}

// Dial connects to `peer` using the LND serving its networks. all NIDs of a
// peer must be on networks served by the same LND.
func (t *LNDTable) Dial(ctx context.Context, peer nid.Slice) (Conn, error) {
	if !peer.IsValid() {
		return nil, errors.Wrapf(unix.EINVAL, "invalid peer NIDs: [%s]", peer)
	}
	lnd := peer[0].LND()
	for _, n := range peer[1:] {
		if n.LND() != lnd {
			return nil, errors.Wrapf(unix.EINVAL, "peer [%s] spans LNDs "+
				"'%s' and '%s'", peer, lnd, n.LND())
		}
	}

	t.mu.RLock()
	e, ok := t.lnds[lnd]
	t.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(unix.ENETUNREACH, "unsupported LND '%s' for peer [%s]",
			lnd, peer)
	}
	return NewWrapper(ctx, lnd, e.dial, t.log, peer)
}
