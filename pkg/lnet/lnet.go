// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package lnet is the in-process memory descriptor layer the RPC transport
// completes data transfers on. match entries (MEs) sit on portal match
// lists, memory descriptors (MDs) are attached to MEs or bound stand-alone,
// and completions are reported through event queues (EQs).
//
// a single global lock protects every handle, the active MD list, all the
// portals and every MD reference count. an MD that is unlinked while
// network operations still reference it turns into a zombie: its handle is
// invalidated at once, but it is freed only when the last reference drops.
package lnet

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/lightbitslabs/ptlrpcd/pkg/metrics"
)

const (
	// MaxPortals is the size of the portal table.
	MaxPortals = 64
	// MaxIov is the maximum number of fragments of a single MD.
	MaxIov = 256
	// AnyPID matches any process ID in a ME match ID.
	AnyPID = ^uint32(0)
	// ThresholdInf marks an MD that never exhausts its operation count.
	ThresholdInf = -1
)

// ProcessID identifies an LNet peer process. an empty NID in a match ID
// matches any NID.
type ProcessID struct {
	NID string
	PID uint32
}

// AnyProcess matches every initiator.
var AnyProcess = ProcessID{PID: AnyPID}

func (p ProcessID) String() string {
	return fmt.Sprintf("%d-%s", p.PID, p.NID)
}

func (p ProcessID) matches(initiator ProcessID) bool {
	return (p.NID == "" || p.NID == initiator.NID) &&
		(p.PID == AnyPID || p.PID == initiator.PID)
}

// Section: handles ----------------------------------------------------------

type cookieType uint64

const (
	cookieMD cookieType = iota + 1
	cookieME
	cookieEQ

	cookieTypeBits = 2
	cookieTypeMask = 1<<cookieTypeBits - 1
)

// Handle is an opaque typed reference to an MD, ME or EQ. lookups of a
// handle whose object was unlinked or freed fail with ENOENT.
type Handle struct {
	Cookie uint64
}

// InvalidHandle is the zero handle: it never resolves.
var InvalidHandle = Handle{}

func (h Handle) IsInvalid() bool {
	return h.Cookie == 0
}

func (h Handle) String() string {
	return fmt.Sprintf("%#x", h.Cookie)
}

// UnlinkMode tells whether an ME/MD unlinks itself automatically: an ME
// once its MD is unlinked, an MD once it is exhausted.
type UnlinkMode int

const (
	Retain UnlinkMode = iota
	Unlink
)

// Options configures an LNet service object.
type Options struct {
	Log     *logrus.Entry
	Metrics *metrics.LNetMetrics
}

// LNet is the descriptor/portal service object. create one per process (or
// per test) with New().
type LNet struct {
	log     *logrus.Entry
	metrics *metrics.LNetMetrics

	mu        sync.Mutex // all of the below are protected by mu.
	cookie    uint64
	handles   map[uint64]interface{}
	activeMDs list.List
	portals   [MaxPortals]portal
	shutdown  bool
}

func New(opts Options) *LNet {
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &LNet{
		log:     opts.Log.WithField("svc", "lnet"),
		metrics: opts.Metrics,
		handles: make(map[uint64]interface{}),
	}
}

// Shutdown unlinks every ME (and therefore every attached MD) and drops all
// blocked messages. MDs still referenced by in-flight operations are freed
// as those operations finalize.
func (ln *LNet) Shutdown() {
	ln.mu.Lock()
	ln.shutdown = true
	for i := range ln.portals {
		ptl := &ln.portals[i]
		for e := ptl.mlist.Front(); e != nil; {
			next := e.Next()
			ln.meUnlink(e.Value.(*libME))
			e = next
		}
		ptl.blocked.Init()
		ptl.lazy = false
	}
	for e := ln.activeMDs.Front(); e != nil; {
		next := e.Next()
		ln.mdUnlink(e.Value.(*libMD))
		e = next
	}
	left := ln.activeMDs.Len()
	ln.mu.Unlock()

	ln.log.WithField("busy-mds", left).Debug("lnet shut down")
}

// ActiveMDs returns the length of the active MD list, zombies included.
func (ln *LNet) ActiveMDs() int {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return ln.activeMDs.Len()
}

// the below expect ln.mu to be held.

func (ln *LNet) newHandle(typ cookieType, obj interface{}) Handle {
	ln.cookie++
	h := Handle{Cookie: ln.cookie<<cookieTypeBits | uint64(typ)}
	ln.handles[h.Cookie] = obj
	return h
}

func (ln *LNet) invalidateHandle(h Handle) {
	delete(ln.handles, h.Cookie)
}

func (ln *LNet) lookup(h Handle, typ cookieType) interface{} {
	if h.Cookie&cookieTypeMask != uint64(typ) {
		return nil
	}
	return ln.handles[h.Cookie]
}

func (ln *LNet) handle2md(h Handle) *libMD {
	if obj := ln.lookup(h, cookieMD); obj != nil {
		return obj.(*libMD)
	}
	return nil
}

func (ln *LNet) handle2me(h Handle) *libME {
	if obj := ln.lookup(h, cookieME); obj != nil {
		return obj.(*libME)
	}
	return nil
}

func (ln *LNet) handle2eq(h Handle) *libEQ {
	if obj := ln.lookup(h, cookieEQ); obj != nil {
		return obj.(*libEQ)
	}
	return nil
}

func errStale(what string, h Handle) error {
	return errors.Wrapf(unix.ENOENT, "no %s with handle %s", what, h)
}
