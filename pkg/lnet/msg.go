// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package lnet

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

type matchResult int

const (
	matchNone matchResult = iota // try the next ME
	matchOK
	matchDrop // matched, but the message doesn't fit: drop it
)

type blockedMsg struct {
	initiator ProcessID
	matchBits uint64
	hdrData   uint64
	data      []byte
}

// delivery is an incoming message committed to an MD, still to be copied
// in and finalized.
type delivery struct {
	md   *libMD
	ev   Event
	data []byte
}

// tryMatch matches an incoming `op` against `me` and, on success, commits
// the message to its MD: takes a reference, consumes a threshold unit and
// advances the local offset. an MD exhausted by the commit and marked for
// auto-unlink becomes a zombie straight away, it is freed when the message
// is finalized. ln.mu must be held.
func (ln *LNet) tryMatch(me *libME, op MDOptions, ev *Event) (*libMD, matchResult) {
	md := me.md
	if md == nil || !me.matches(ev.Initiator, ev.MatchBits) {
		return nil, matchNone
	}
	if md.threshold == 0 || md.options&op == 0 {
		return nil, matchNone
	}

	offset := md.offset
	mlength := md.length - offset
	if md.options&MDMaxSize != 0 {
		mlength = md.maxSize
	}
	if ev.RLength <= mlength {
		mlength = ev.RLength
	} else if md.options&MDTruncate == 0 {
		ln.log.WithFields(logrus.Fields{
			"initiator": ev.Initiator,
			"rlength":   ev.RLength,
			"mlength":   mlength,
		}).Debug("message doesn't fit its MD, dropped")
		return nil, matchDrop
	}

	md.offset = offset + mlength
	if md.threshold != ThresholdInf {
		md.threshold--
	}
	md.refcount++

	ev.MD = md.handle
	ev.UserPtr = md.userPtr
	ev.Length = md.length
	ev.Offset = offset
	ev.MLength = mlength

	if md.flags&mdFlagAutoUnlink != 0 && md.exhausted() {
		ln.mdUnlink(md)
	}
	return md, matchOK
}

// matchPortal walks the match list of portal `idx`. ln.mu must be held.
func (ln *LNet) matchPortal(idx int, op MDOptions, ev *Event) (*libMD, matchResult) {
	for e := ln.portals[idx].mlist.Front(); e != nil; e = e.Next() {
		md, res := ln.tryMatch(e.Value.(*libME), op, ev)
		if res != matchNone {
			return md, res
		}
	}
	return nil, matchNone
}

// matchBlocked delivers the messages parked on a lazy portal to a freshly
// attached MD, in arrival order, for as long as it keeps accepting them.
// ln.mu must be held.
func (ln *LNet) matchBlocked(md *libMD) []*delivery {
	me := md.me
	ptl := &ln.portals[me.portal]
	var out []*delivery
	for e := ptl.blocked.Front(); e != nil && md.me == me; {
		next := e.Next()
		msg := e.Value.(*blockedMsg)
		ev := Event{
			Type:      EventPut,
			Initiator: msg.initiator,
			Portal:    me.portal,
			MatchBits: msg.matchBits,
			RLength:   len(msg.data),
			HdrData:   msg.hdrData,
		}
		switch _, res := ln.tryMatch(me, MDOpPut, &ev); res {
		case matchOK:
			ptl.blocked.Remove(e)
			out = append(out, &delivery{md: md, ev: ev, data: msg.data})
		case matchDrop:
			ptl.blocked.Remove(e)
		}
		e = next
	}
	return out
}

// deliver copies a committed message into its MD and finalizes it.
func (ln *LNet) deliver(d *delivery, events *[]pendingEvent) {
	d.md.copyIn(d.ev.Offset, d.data[:d.ev.MLength])

	ln.mu.Lock()
	ln.finalize(d.md, d.ev, nil, events)
	ln.mu.Unlock()
}

// finalize drops the reference a message held on `md`, posts its
// completion event and frees the MD if this was the last reference to a
// dead MD. ln.mu must be held.
func (ln *LNet) finalize(md *libMD, ev Event, status error, events *[]pendingEvent) {
	md.refcount--
	if md.refcount < 0 {
		panic(fmt.Sprintf("BUG: negative refcount on MD %s", md.handle))
	}
	unlink := md.unlinkable()
	if md.eq != nil {
		ev.Status = status
		ev.Unlinked = unlink
		*events = append(*events, ln.enqueue(md.eq, ev))
	}
	if unlink {
		ln.mdUnlink(md)
	}
}

// Put delivers an incoming PUT of `payload` from `initiator` to the first
// matching MD on portal `idx`. on a lazy portal an unmatched message waits
// for an MD to be attached, otherwise it is dropped with ENOENT.
func (ln *LNet) Put(initiator ProcessID, idx int, matchBits, hdrData uint64, payload []byte) error {
	if err := checkPortal(idx); err != nil {
		return err
	}
	ev := Event{
		Type:      EventPut,
		Initiator: initiator,
		Portal:    idx,
		MatchBits: matchBits,
		RLength:   len(payload),
		HdrData:   hdrData,
	}

	ln.mu.Lock()
	if ln.shutdown {
		ln.mu.Unlock()
		return errors.Wrap(unix.ESHUTDOWN, "lnet is shut down")
	}
	md, res := ln.matchPortal(idx, MDOpPut, &ev)
	switch res {
	case matchDrop:
		ln.mu.Unlock()
		return errors.Wrapf(unix.EMSGSIZE, "PUT of %d bytes from %s to portal %d "+
			"doesn't fit", len(payload), initiator, idx)
	case matchNone:
		ptl := &ln.portals[idx]
		if !ptl.lazy {
			ln.mu.Unlock()
			return errors.Wrapf(unix.ENOENT, "no MD on portal %d matches "+
				"bits %#x from %s", idx, matchBits, initiator)
		}
		ptl.blocked.PushBack(&blockedMsg{
			initiator: initiator,
			matchBits: matchBits,
			hdrData:   hdrData,
			data:      append([]byte(nil), payload...),
		})
		ln.mu.Unlock()
		return nil
	}
	ln.mu.Unlock()

	var events []pendingEvent
	ln.deliver(&delivery{md: md, ev: ev, data: payload}, &events)
	ln.dispatch(events)
	return nil
}

// Get serves an incoming GET of `length` bytes from `initiator` out of the
// first matching MD on portal `idx`.
func (ln *LNet) Get(initiator ProcessID, idx int, matchBits uint64, length int) ([]byte, error) {
	if err := checkPortal(idx); err != nil {
		return nil, err
	}
	ev := Event{
		Type:      EventGet,
		Initiator: initiator,
		Portal:    idx,
		MatchBits: matchBits,
		RLength:   length,
	}

	ln.mu.Lock()
	if ln.shutdown {
		ln.mu.Unlock()
		return nil, errors.Wrap(unix.ESHUTDOWN, "lnet is shut down")
	}
	md, res := ln.matchPortal(idx, MDOpGet, &ev)
	ln.mu.Unlock()
	switch res {
	case matchDrop:
		return nil, errors.Wrapf(unix.EMSGSIZE, "GET of %d bytes from %s "+
			"exceeds the MD", length, initiator)
	case matchNone:
		return nil, errors.Wrapf(unix.ENOENT, "no MD on portal %d matches "+
			"bits %#x from %s", idx, matchBits, initiator)
	}

	data := md.copyOut(ev.Offset, ev.MLength)
	var events []pendingEvent
	ln.mu.Lock()
	ln.finalize(md, ev, nil, &events)
	ln.mu.Unlock()
	ln.dispatch(events)
	return data, nil
}

// Msg is an outgoing operation in flight. it pins its source MD until it
// is finalized.
type Msg struct {
	md        *libMD
	ev        Event
	finalized bool

	// Data is a copy of the MD contents taken when the message started.
	Data []byte
}

// BeginSend starts an outgoing operation sourced from the stand-alone MD
// behind `mdh`, consuming one of its threshold units. the operation
// completes, successfully or not, with Finalize().
func (ln *LNet) BeginSend(mdh Handle, target ProcessID, idx int, matchBits, hdrData uint64) (*Msg, error) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	md := ln.handle2md(mdh)
	if md == nil || md.threshold == 0 || md.me != nil {
		return nil, errors.Wrapf(unix.ENOENT, "MD %s is not usable for sending", mdh)
	}
	if md.threshold != ThresholdInf {
		md.threshold--
	}
	md.refcount++

	ev := md.event(EventSend)
	ev.Initiator = target
	ev.Portal = idx
	ev.MatchBits = matchBits
	ev.HdrData = hdrData
	ev.RLength = md.length
	ev.MLength = md.length
	return &Msg{md: md, ev: ev, Data: md.copyOut(0, md.length)}, nil
}

// Finalize completes `msg` with `status`, posting its SEND event.
func (ln *LNet) Finalize(msg *Msg, status error) {
	var events []pendingEvent

	ln.mu.Lock()
	if msg.finalized {
		ln.mu.Unlock()
		panic(fmt.Sprintf("BUG: message on MD %s finalized twice", msg.md.handle))
	}
	msg.finalized = true
	ln.finalize(msg.md, msg.ev, status, &events)
	ln.mu.Unlock()

	ln.dispatch(events)
}
