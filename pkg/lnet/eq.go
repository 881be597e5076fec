// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package lnet

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type EventType int

const (
	EventGet EventType = iota + 1
	EventPut
	EventReply
	EventAck
	EventSend
	EventUnlink
)

func (t EventType) String() string {
	switch t {
	case EventGet:
		return "GET"
	case EventPut:
		return "PUT"
	case EventReply:
		return "REPLY"
	case EventAck:
		return "ACK"
	case EventSend:
		return "SEND"
	case EventUnlink:
		return "UNLINK"
	default:
		return "UNKNOWN"
	}
}

// Event reports the completion of an operation on an MD.
type Event struct {
	Type      EventType
	Initiator ProcessID
	Portal    int
	MatchBits uint64
	RLength   int // requested length
	MLength   int // manipulated length
	Offset    int
	Length    int // total MD length
	HdrData   uint64
	MD        Handle
	UserPtr   interface{}
	Status    error
	// the MD was unlinked by this operation and its handle is stale.
	Unlinked bool
	Sequence uint64
}

// EQCallback is invoked for every event posted to its EQ. it runs without
// the LNet lock held, so it may call back into LNet.
type EQCallback func(Event)

type libEQ struct {
	handle   Handle
	refcount int // MDs posting to this EQ
	size     int
	events   []Event
	dropped  bool
	seq      uint64
	callback EQCallback
	wake     chan struct{}
}

type pendingEvent struct {
	callback EQCallback
	ev       Event
}

// EQAlloc creates an event queue keeping up to `count` unpolled events.
// with a callback `count` may be 0, events are then only handed to the
// callback.
func (ln *LNet) EQAlloc(count int, callback EQCallback) (Handle, error) {
	if count < 0 || (count == 0 && callback == nil) {
		return InvalidHandle, errInval("EQ of size %d without a callback", count)
	}
	eq := &libEQ{
		size:     count,
		callback: callback,
		wake:     make(chan struct{}, 1),
	}

	ln.mu.Lock()
	defer ln.mu.Unlock()
	eq.handle = ln.newHandle(cookieEQ, eq)
	return eq.handle, nil
}

// EQFree releases the EQ behind `eqh`. it fails with EBUSY while any MD
// still posts to it.
func (ln *LNet) EQFree(eqh Handle) error {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	eq := ln.handle2eq(eqh)
	if eq == nil {
		return errStale("EQ", eqh)
	}
	if eq.refcount != 0 {
		return errors.Wrapf(unix.EBUSY, "EQ %s still used by %d MDs",
			eqh, eq.refcount)
	}
	ln.invalidateHandle(eqh)
	return nil
}

// enqueue posts `ev` on `eq` and returns the callback invocation to be
// dispatched once ln.mu is dropped. ln.mu must be held.
func (ln *LNet) enqueue(eq *libEQ, ev Event) pendingEvent {
	eq.seq++
	ev.Sequence = eq.seq
	ln.metrics.Event(ev.Type.String())
	if eq.size > 0 {
		if len(eq.events) == eq.size {
			eq.events = eq.events[1:]
			eq.dropped = true
		}
		eq.events = append(eq.events, ev)
		select {
		case eq.wake <- struct{}{}:
		default:
		}
	}
	return pendingEvent{callback: eq.callback, ev: ev}
}

func (ln *LNet) dispatch(events []pendingEvent) {
	for _, pe := range events {
		if pe.callback != nil {
			pe.callback(pe.ev)
		}
	}
}

// EQPoll returns the oldest unpolled event of the EQ behind `eqh`, waiting
// for one until `ctx` is done. `overflowed` is set if events were dropped
// because the EQ was full since the last poll.
func (ln *LNet) EQPoll(ctx context.Context, eqh Handle) (ev Event, overflowed bool, err error) {
	for {
		ln.mu.Lock()
		eq := ln.handle2eq(eqh)
		if eq == nil {
			ln.mu.Unlock()
			return Event{}, false, errStale("EQ", eqh)
		}
		if len(eq.events) > 0 {
			ev = eq.events[0]
			eq.events = eq.events[1:]
			overflowed = eq.dropped
			eq.dropped = false
			ln.mu.Unlock()
			return ev, overflowed, nil
		}
		wake := eq.wake
		ln.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, false, errors.Wrap(unix.ETIMEDOUT, ctx.Err().Error())
		case <-wake:
		}
	}
}
