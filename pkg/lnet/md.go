// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package lnet

import (
	"container/list"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MDOptions is the option bitmask of a memory descriptor.
type MDOptions uint32

const (
	MDOpPut MDOptions = 1 << iota
	MDOpGet
	MDManageRemote
	MDTruncate
	MDAckDisable
	MDIovec
	MDKiov
	MDMaxSize
)

// Kiov is a page-based fragment: `Len` bytes at `Offset` of `Page`. a
// fragment must not cross the page boundary.
type Kiov struct {
	Page   []byte
	Offset int
	Len    int
}

// MD is the user-visible description of a memory descriptor. exactly one
// of the buffer layouts is used: `Iov` if MDIovec is set, `Kiov` if MDKiov
// is set, `Start` otherwise.
type MD struct {
	Start     []byte
	Iov       [][]byte
	Kiov      []Kiov
	Options   MDOptions
	Threshold int // operations left, or ThresholdInf
	MaxSize   int // honoured with MDMaxSize only
	UserPtr   interface{}
	EQ        Handle // InvalidHandle: no completion events
}

type mdFlags uint32

const (
	mdFlagZombie mdFlags = 1 << iota
	mdFlagAutoUnlink
)

type libMD struct {
	handle    Handle
	me        *libME
	eq        *libEQ
	elem      *list.Element // on the active MD list
	iov       [][]byte
	length    int
	offset    int
	maxSize   int
	options   MDOptions
	threshold int
	refcount  int
	flags     mdFlags
	userPtr   interface{}
}

func (md *libMD) zombie() bool {
	return md.flags&mdFlagZombie != 0
}

func (md *libMD) exhausted() bool {
	return md.threshold == 0 ||
		(md.options&MDMaxSize != 0 && md.offset+md.maxSize > md.length)
}

// unlinkable tells whether the last reference just dropped on an MD that
// must go away.
func (md *libMD) unlinkable() bool {
	return md.refcount == 0 &&
		(md.zombie() || (md.flags&mdFlagAutoUnlink != 0 && md.exhausted()))
}

func errInval(format string, args ...interface{}) error {
	return errors.Wrapf(unix.EINVAL, format, args...)
}

// validate checks the shape of `umd` without touching any shared state.
func validate(umd *MD) error {
	if umd.Options&(MDIovec|MDKiov) == MDIovec|MDKiov {
		return errInval("MD may not be both IOVEC and KIOV")
	}
	if umd.Options&MDIovec != 0 && len(umd.Iov) > MaxIov {
		return errInval("%d IOVEC fragments, at most %d allowed", len(umd.Iov), MaxIov)
	}
	if umd.Options&MDKiov != 0 && len(umd.Kiov) > MaxIov {
		return errInval("%d KIOV fragments, at most %d allowed", len(umd.Kiov), MaxIov)
	}
	return nil
}

// build fills in `md` from `umd` and links it into the active MD list. on
// failure `md` is left unlinked and unregistered. ln.mu must be held.
func (ln *LNet) build(md *libMD, umd *MD, unlink UnlinkMode) error {
	*md = libMD{
		maxSize:   umd.MaxSize,
		options:   umd.Options,
		userPtr:   umd.UserPtr,
		threshold: umd.Threshold,
	}
	if unlink == Unlink {
		md.flags = mdFlagAutoUnlink
	}

	total := 0
	switch {
	case umd.Options&MDIovec != 0:
		if umd.Options&MDKiov != 0 {
			return errInval("MD may not be both IOVEC and KIOV")
		}
		md.iov = make([][]byte, len(umd.Iov))
		for i, frag := range umd.Iov {
			if len(frag) <= 0 {
				return errInval("IOVEC fragment %d has invalid length", i)
			}
			md.iov[i] = frag
			total += len(frag)
		}
	case umd.Options&MDKiov != 0:
		md.iov = make([][]byte, len(umd.Kiov))
		for i, k := range umd.Kiov {
			if k.Offset < 0 || k.Len < 0 || k.Offset+k.Len > pageSize {
				return errInval("KIOV fragment %d (off %d, len %d) crosses "+
					"the page boundary", i, k.Offset, k.Len)
			}
			if k.Offset+k.Len > len(k.Page) {
				return errInval("KIOV fragment %d exceeds its page", i)
			}
			md.iov[i] = k.Page[k.Offset : k.Offset+k.Len]
			total += k.Len
		}
	default:
		md.iov = [][]byte{umd.Start}
		total = len(umd.Start)
	}
	md.length = total

	if umd.Options&MDMaxSize != 0 && (umd.MaxSize < 0 || umd.MaxSize > total) {
		return errInval("max size %d outside of MD length %d", umd.MaxSize, total)
	}

	if !umd.EQ.IsInvalid() {
		eq := ln.handle2eq(umd.EQ)
		if eq == nil {
			return errStale("EQ", umd.EQ)
		}
		md.eq = eq
		eq.refcount++
	}

	// it's good: let handle lookups succeed and add to the active MDs.
	md.handle = ln.newHandle(cookieMD, md)
	md.elem = ln.activeMDs.PushFront(md)
	ln.metrics.MDLinked()
	return nil
}

// mdUnlink turns `md` into a zombie on the first call, detaching it from
// its ME and invalidating its handle, and frees it once no operation holds
// a reference. repeated calls on a zombie only retry the free. ln.mu must
// be held.
func (ln *LNet) mdUnlink(md *libMD) {
	if !md.zombie() {
		md.flags |= mdFlagZombie
		if me := md.me; me != nil {
			md.me = nil
			me.md = nil
			if me.unlink == Unlink {
				ln.meUnlink(me)
			}
		}
		ln.invalidateHandle(md.handle)
	}

	if md.refcount != 0 {
		ln.metrics.UnlinkDeferred()
		ln.log.WithField("md", md.handle).Trace("queueing unlink of busy MD")
		return
	}

	if md.elem == nil {
		// already freed, the active list no longer knows it.
		return
	}
	if md.eq != nil {
		md.eq.refcount--
		if md.eq.refcount < 0 {
			panic("BUG: negative EQ refcount")
		}
		md.eq = nil
	}
	ln.activeMDs.Remove(md.elem)
	md.elem = nil
	ln.metrics.MDFreed()
	ln.log.WithField("md", md.handle).Trace("MD freed")
}

// MDAttach creates an MD from `umd` and attaches it to the ME behind `meh`.
// messages parked on a lazy portal that match the new MD are delivered to
// it right away.
func (ln *LNet) MDAttach(meh Handle, umd MD, unlink UnlinkMode) (Handle, error) {
	if err := validate(&umd); err != nil {
		return InvalidHandle, err
	}

	var events []pendingEvent
	var deliveries []*delivery
	md := &libMD{}

	ln.mu.Lock()
	me := ln.handle2me(meh)
	var err error
	switch {
	case me == nil:
		err = errStale("ME", meh)
	case me.md != nil:
		err = errors.Wrapf(unix.EBUSY, "ME %s already has an MD attached", meh)
	default:
		err = ln.build(md, &umd, unlink)
	}
	if err != nil {
		ln.mu.Unlock()
		return InvalidHandle, err
	}
	me.md = md
	md.me = me
	deliveries = ln.matchBlocked(md)
	ln.mu.Unlock()

	for _, d := range deliveries {
		ln.deliver(d, &events)
	}
	ln.dispatch(events)
	return md.handle, nil
}

// MDBind creates a stand-alone MD, not reachable through any portal, to be
// used as the source of outgoing operations.
func (ln *LNet) MDBind(umd MD, unlink UnlinkMode) (Handle, error) {
	if err := validate(&umd); err != nil {
		return InvalidHandle, err
	}
	md := &libMD{}

	ln.mu.Lock()
	defer ln.mu.Unlock()
	if err := ln.build(md, &umd, unlink); err != nil {
		return InvalidHandle, err
	}
	return md.handle, nil
}

// MDUnlink unlinks the MD behind `mdh`. an idle MD gets an UNLINK event
// right away; a busy one is only marked and its last completion event
// carries the unlinked flag.
func (ln *LNet) MDUnlink(mdh Handle) error {
	var events []pendingEvent

	ln.mu.Lock()
	md := ln.handle2md(mdh)
	if md == nil {
		ln.mu.Unlock()
		return errStale("MD", mdh)
	}
	if md.eq != nil && md.refcount == 0 {
		ev := md.event(EventUnlink)
		ev.Unlinked = true
		events = append(events, ln.enqueue(md.eq, ev))
	}
	ln.mdUnlink(md)
	ln.mu.Unlock()

	ln.dispatch(events)
	return nil
}

func (md *libMD) event(typ EventType) Event {
	return Event{
		Type:    typ,
		MD:      md.handle,
		UserPtr: md.userPtr,
		Length:  md.length,
	}
}

// copyIn scatters `data` into the MD fragments starting at `offset`.
func (md *libMD) copyIn(offset int, data []byte) {
	for _, frag := range md.iov {
		if len(data) == 0 {
			return
		}
		if offset >= len(frag) {
			offset -= len(frag)
			continue
		}
		n := copy(frag[offset:], data)
		data = data[n:]
		offset = 0
	}
}

// copyOut gathers `n` bytes of the MD fragments starting at `offset`.
func (md *libMD) copyOut(offset, n int) []byte {
	out := make([]byte, 0, n)
	for _, frag := range md.iov {
		if len(out) == n {
			break
		}
		if offset >= len(frag) {
			offset -= len(frag)
			continue
		}
		take := len(frag) - offset
		if take > n-len(out) {
			take = n - len(out)
		}
		out = append(out, frag[offset:offset+take]...)
		offset = 0
	}
	return out
}

var pageSize = unix.Getpagesize()
