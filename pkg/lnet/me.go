// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package lnet

import (
	"container/list"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// InsertPos selects where a new ME goes on its portal match list.
type InsertPos int

const (
	InsertTail InsertPos = iota
	InsertHead
)

type libME struct {
	handle     Handle
	portal     int
	match      ProcessID
	matchBits  uint64
	ignoreBits uint64
	unlink     UnlinkMode
	md         *libMD
	elem       *list.Element
}

func (me *libME) matches(initiator ProcessID, matchBits uint64) bool {
	return me.match.matches(initiator) &&
		(me.matchBits^matchBits)&^me.ignoreBits == 0
}

type portal struct {
	lazy    bool
	mlist   list.List // of *libME
	blocked list.List // of *blockedMsg
}

func checkPortal(idx int) error {
	if idx < 0 || idx >= MaxPortals {
		return errInval("portal %d out of range [0, %d)", idx, MaxPortals)
	}
	return nil
}

// MEAttach creates a match entry on portal `idx`. it matches incoming
// messages from `match` whose match bits equal `matchBits` in every bit not
// set in `ignoreBits`.
func (ln *LNet) MEAttach(idx int, match ProcessID, matchBits, ignoreBits uint64,
	unlink UnlinkMode, pos InsertPos) (Handle, error) {
	if err := checkPortal(idx); err != nil {
		return InvalidHandle, err
	}

	ln.mu.Lock()
	defer ln.mu.Unlock()
	if ln.shutdown {
		return InvalidHandle, errors.Wrap(unix.ESHUTDOWN, "lnet is shut down")
	}
	me := &libME{
		portal:     idx,
		match:      match,
		matchBits:  matchBits,
		ignoreBits: ignoreBits,
		unlink:     unlink,
	}
	me.handle = ln.newHandle(cookieME, me)
	ptl := &ln.portals[idx]
	if pos == InsertHead {
		me.elem = ptl.mlist.PushFront(me)
	} else {
		me.elem = ptl.mlist.PushBack(me)
	}
	return me.handle, nil
}

// meUnlink takes `me` off its portal and unlinks its MD, if any. ln.mu must
// be held.
func (ln *LNet) meUnlink(me *libME) {
	ln.portals[me.portal].mlist.Remove(me.elem)
	me.elem = nil
	if md := me.md; md != nil {
		md.me = nil
		me.md = nil
		ln.mdUnlink(md)
	}
	ln.invalidateHandle(me.handle)
}

// MEUnlink removes the ME behind `meh` and unlinks its MD.
func (ln *LNet) MEUnlink(meh Handle) error {
	var events []pendingEvent

	ln.mu.Lock()
	me := ln.handle2me(meh)
	if me == nil {
		ln.mu.Unlock()
		return errStale("ME", meh)
	}
	if md := me.md; md != nil && md.eq != nil && md.refcount == 0 {
		ev := md.event(EventUnlink)
		ev.Unlinked = true
		events = append(events, ln.enqueue(md.eq, ev))
	}
	ln.meUnlink(me)
	ln.mu.Unlock()

	ln.dispatch(events)
	return nil
}

// SetLazyPortal makes unmatched messages arriving on portal `idx` wait on
// the portal for a matching MD instead of being dropped.
func (ln *LNet) SetLazyPortal(idx int) error {
	if err := checkPortal(idx); err != nil {
		return err
	}
	ln.mu.Lock()
	defer ln.mu.Unlock()
	ln.portals[idx].lazy = true
	return nil
}

// ClearLazyPortal reverts SetLazyPortal() and drops every message still
// waiting on the portal.
func (ln *LNet) ClearLazyPortal(idx int) error {
	if err := checkPortal(idx); err != nil {
		return err
	}
	ln.mu.Lock()
	ptl := &ln.portals[idx]
	dropped := ptl.blocked.Len()
	ptl.lazy = false
	ptl.blocked.Init()
	ln.mu.Unlock()

	if dropped > 0 {
		ln.log.WithFields(logrus.Fields{
			"portal":  idx,
			"dropped": dropped,
		}).Warn("dropped blocked messages on lazy portal")
	}
	return nil
}

// BlockedMessages returns the number of messages waiting on portal `idx`.
func (ln *LNet) BlockedMessages(idx int) int {
	if checkPortal(idx) != nil {
		return 0
	}
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return ln.portals[idx].blocked.Len()
}
