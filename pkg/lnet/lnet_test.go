// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package lnet_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/lightbitslabs/ptlrpcd/pkg/lnet"
)

const (
	testPortal = 10
	pollWait   = 50 * time.Millisecond
)

var peer = lnet.ProcessID{NID: "192.168.0.1@tcp", PID: 12345}

type eventLog struct {
	mu     sync.Mutex
	events []lnet.Event
}

func (l *eventLog) callback(ev lnet.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) get() []lnet.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]lnet.Event(nil), l.events...)
}

func poll(t *testing.T, ln *lnet.LNet, eqh lnet.Handle) (lnet.Event, bool, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), pollWait)
	defer cancel()
	return ln.EQPoll(ctx, eqh)
}

func TestMDBuildValidation(t *testing.T) {
	page := make([]byte, unix.Getpagesize())
	tooMany := make([][]byte, lnet.MaxIov+1)
	for i := range tooMany {
		tooMany[i] = []byte{0}
	}

	tcs := []struct {
		name string
		md   lnet.MD
		err  error
	}{
		{"contiguous", lnet.MD{Start: make([]byte, 16)}, nil},
		{"iovec", lnet.MD{Iov: [][]byte{{1, 2}, {3}}, Options: lnet.MDIovec}, nil},
		{"kiov", lnet.MD{Kiov: []lnet.Kiov{{Page: page, Offset: 16, Len: 64}},
			Options: lnet.MDKiov}, nil},
		{"max size within length", lnet.MD{Start: make([]byte, 16), MaxSize: 16,
			Options: lnet.MDMaxSize}, nil},
		{"iovec and kiov", lnet.MD{Options: lnet.MDIovec | lnet.MDKiov}, unix.EINVAL},
		{"empty iovec fragment", lnet.MD{Iov: [][]byte{{1}, {}}, Options: lnet.MDIovec},
			unix.EINVAL},
		{"too many fragments", lnet.MD{Iov: tooMany, Options: lnet.MDIovec}, unix.EINVAL},
		{"kiov crossing page", lnet.MD{Kiov: []lnet.Kiov{{Page: page,
			Offset: len(page) - 8, Len: 16}}, Options: lnet.MDKiov}, unix.EINVAL},
		{"max size beyond length", lnet.MD{Start: make([]byte, 16), MaxSize: 17,
			Options: lnet.MDMaxSize}, unix.EINVAL},
		{"negative max size", lnet.MD{Iov: [][]byte{{1}}, MaxSize: -1,
			Options: lnet.MDIovec | lnet.MDMaxSize}, unix.EINVAL},
		{"stale EQ", lnet.MD{Start: make([]byte, 16), EQ: lnet.Handle{Cookie: 0x1003}},
			unix.ENOENT},
	}
	for _, tc := range tcs {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			ln := lnet.New(lnet.Options{})
			mdh, err := ln.MDBind(tc.md, lnet.Retain)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				require.True(t, mdh.IsInvalid())
				require.Equal(t, 0, ln.ActiveMDs(),
					"BUG: failed MD left on the active list")
				return
			}
			require.NoError(t, err)
			require.Equal(t, 1, ln.ActiveMDs())
			require.NoError(t, ln.MDUnlink(mdh))
			require.Equal(t, 0, ln.ActiveMDs())
		})
	}
}

func TestMDAttachErrors(t *testing.T) {
	ln := lnet.New(lnet.Options{})

	_, err := ln.MDAttach(lnet.Handle{Cookie: 0x42}, lnet.MD{Start: make([]byte, 4)}, lnet.Retain)
	require.ErrorIs(t, err, unix.ENOENT)

	meh, err := ln.MEAttach(testPortal, lnet.AnyProcess, 1, 0, lnet.Retain, lnet.InsertTail)
	require.NoError(t, err)
	_, err = ln.MDAttach(meh, lnet.MD{Start: make([]byte, 4), Options: lnet.MDOpPut}, lnet.Retain)
	require.NoError(t, err)
	_, err = ln.MDAttach(meh, lnet.MD{Start: make([]byte, 4), Options: lnet.MDOpPut}, lnet.Retain)
	require.ErrorIs(t, err, unix.EBUSY)
	require.Equal(t, 1, ln.ActiveMDs())

	_, err = ln.MEAttach(lnet.MaxPortals, lnet.AnyProcess, 1, 0, lnet.Retain, lnet.InsertTail)
	require.ErrorIs(t, err, unix.EINVAL)

	require.NoError(t, ln.MEUnlink(meh))
	require.ErrorIs(t, ln.MEUnlink(meh), unix.ENOENT)
	require.Equal(t, 0, ln.ActiveMDs(), "BUG: ME unlink left its MD behind")
	require.ErrorIs(t, ln.MDUnlink(lnet.Handle{Cookie: 0x41}), unix.ENOENT)
}

func TestZombieThenFree(t *testing.T) {
	ln := lnet.New(lnet.Options{})
	eqh, err := ln.EQAlloc(16, nil)
	require.NoError(t, err)

	mdh, err := ln.MDBind(lnet.MD{
		Start:     []byte("request"),
		Threshold: lnet.ThresholdInf,
		EQ:        eqh,
	}, lnet.Retain)
	require.NoError(t, err)

	msg, err := ln.BeginSend(mdh, peer, testPortal, 7, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("request"), msg.Data)

	// busy: only marked.
	require.NoError(t, ln.MDUnlink(mdh))
	require.Equal(t, 1, ln.ActiveMDs(), "BUG: busy MD freed on unlink")
	_, _, err = poll(t, ln, eqh)
	require.ErrorIs(t, err, unix.ETIMEDOUT, "BUG: busy MD posted an UNLINK event")

	// the zombie's handle is gone, a second unlink changes nothing.
	require.ErrorIs(t, ln.MDUnlink(mdh), unix.ENOENT)
	_, err = ln.BeginSend(mdh, peer, testPortal, 7, 0)
	require.ErrorIs(t, err, unix.ENOENT)
	require.Equal(t, 1, ln.ActiveMDs())
	require.ErrorIs(t, ln.EQFree(eqh), unix.EBUSY)

	// last reference drops: deferred free happens now.
	ln.Finalize(msg, nil)
	require.Equal(t, 0, ln.ActiveMDs(), "BUG: zombie not freed on last reference")
	ev, overflowed, err := poll(t, ln, eqh)
	require.NoError(t, err)
	require.False(t, overflowed)
	require.Equal(t, lnet.EventSend, ev.Type)
	require.True(t, ev.Unlinked)
	require.NoError(t, ev.Status)
	require.Panics(t, func() { ln.Finalize(msg, nil) })

	require.NoError(t, ln.EQFree(eqh))
	require.ErrorIs(t, ln.EQFree(eqh), unix.ENOENT)
}

func TestUnlinkIdleMDPostsEvent(t *testing.T) {
	ln := lnet.New(lnet.Options{})
	eqh, err := ln.EQAlloc(4, nil)
	require.NoError(t, err)
	mdh, err := ln.MDBind(lnet.MD{Start: make([]byte, 8), EQ: eqh, UserPtr: "cookie"},
		lnet.Retain)
	require.NoError(t, err)

	require.NoError(t, ln.MDUnlink(mdh))
	require.Equal(t, 0, ln.ActiveMDs())
	ev, _, err := poll(t, ln, eqh)
	require.NoError(t, err)
	require.Equal(t, lnet.EventUnlink, ev.Type)
	require.True(t, ev.Unlinked)
	require.Equal(t, "cookie", ev.UserPtr)
	require.NoError(t, ln.EQFree(eqh))
}

func TestPutAutoUnlink(t *testing.T) {
	ln := lnet.New(lnet.Options{})
	log := &eventLog{}
	eqh, err := ln.EQAlloc(0, log.callback)
	require.NoError(t, err)

	meh, err := ln.MEAttach(testPortal, peer, 0xabc, 0, lnet.Unlink, lnet.InsertTail)
	require.NoError(t, err)
	buf := make([]byte, 32)
	_, err = ln.MDAttach(meh, lnet.MD{
		Start:     buf,
		Threshold: 1,
		Options:   lnet.MDOpPut,
		EQ:        eqh,
	}, lnet.Unlink)
	require.NoError(t, err)

	// wrong match bits or initiator: nothing matches.
	require.ErrorIs(t, ln.Put(peer, testPortal, 0xabd, 0, []byte("x")), unix.ENOENT)
	other := lnet.ProcessID{NID: "192.168.0.2@tcp", PID: peer.PID}
	require.ErrorIs(t, ln.Put(other, testPortal, 0xabc, 0, []byte("x")), unix.ENOENT)

	require.NoError(t, ln.Put(peer, testPortal, 0xabc, 99, []byte("reply")))
	require.Equal(t, "reply", string(buf[:5]))

	events := log.get()
	require.Len(t, events, 1)
	ev := events[0]
	require.Equal(t, lnet.EventPut, ev.Type)
	require.Equal(t, 5, ev.MLength)
	require.EqualValues(t, 99, ev.HdrData)
	require.Equal(t, peer, ev.Initiator)
	require.True(t, ev.Unlinked, "BUG: exhausted MD not unlinked")

	require.Equal(t, 0, ln.ActiveMDs())
	require.ErrorIs(t, ln.MEUnlink(meh), unix.ENOENT, "BUG: auto-unlink ME survived")
	require.ErrorIs(t, ln.Put(peer, testPortal, 0xabc, 0, []byte("again")), unix.ENOENT)
}

func TestPutScatterAndTruncate(t *testing.T) {
	ln := lnet.New(lnet.Options{})
	log := &eventLog{}
	eqh, err := ln.EQAlloc(0, log.callback)
	require.NoError(t, err)

	meh, err := ln.MEAttach(testPortal, lnet.AnyProcess, 0x100, 0xff, lnet.Retain,
		lnet.InsertTail)
	require.NoError(t, err)
	a, b := make([]byte, 3), make([]byte, 5)
	_, err = ln.MDAttach(meh, lnet.MD{
		Iov:       [][]byte{a, b},
		Threshold: lnet.ThresholdInf,
		Options:   lnet.MDOpPut | lnet.MDIovec,
		EQ:        eqh,
	}, lnet.Retain)
	require.NoError(t, err)

	// ignore bits let 0x1ff match 0x100.
	require.NoError(t, ln.Put(peer, testPortal, 0x1ff, 0, []byte("abcdefg")))
	require.Equal(t, "abc", string(a))
	require.Equal(t, "defg", string(b[:4]))

	// one byte left, no truncation allowed.
	require.ErrorIs(t, ln.Put(peer, testPortal, 0x100, 0, []byte("hi")), unix.EMSGSIZE)

	events := log.get()
	require.Len(t, events, 1)
	require.Equal(t, 0, events[0].Offset)
	require.Equal(t, 7, events[0].MLength)
	require.False(t, events[0].Unlinked)

	meh2, err := ln.MEAttach(testPortal+1, lnet.AnyProcess, 1, 0, lnet.Retain, lnet.InsertTail)
	require.NoError(t, err)
	small := make([]byte, 4)
	_, err = ln.MDAttach(meh2, lnet.MD{
		Start:     small,
		Threshold: lnet.ThresholdInf,
		Options:   lnet.MDOpPut | lnet.MDTruncate,
		EQ:        eqh,
	}, lnet.Retain)
	require.NoError(t, err)
	require.NoError(t, ln.Put(peer, testPortal+1, 1, 0, []byte("truncated")))
	require.Equal(t, "trun", string(small))
	events = log.get()
	require.Len(t, events, 2)
	require.Equal(t, 9, events[1].RLength)
	require.Equal(t, 4, events[1].MLength)
}

func TestLazyPortalBlockedMessages(t *testing.T) {
	ln := lnet.New(lnet.Options{})
	log := &eventLog{}
	eqh, err := ln.EQAlloc(0, log.callback)
	require.NoError(t, err)

	require.NoError(t, ln.SetLazyPortal(testPortal))
	require.NoError(t, ln.Put(peer, testPortal, 5, 0, []byte("early")))
	require.NoError(t, ln.Put(peer, testPortal, 6, 0, []byte("other")))
	require.Equal(t, 2, ln.BlockedMessages(testPortal))

	meh, err := ln.MEAttach(testPortal, lnet.AnyProcess, 5, 0, lnet.Unlink, lnet.InsertTail)
	require.NoError(t, err)
	buf := make([]byte, 16)
	_, err = ln.MDAttach(meh, lnet.MD{
		Start:     buf,
		Threshold: 1,
		Options:   lnet.MDOpPut,
		EQ:        eqh,
	}, lnet.Unlink)
	require.NoError(t, err)

	require.Equal(t, "early", string(buf[:5]))
	require.Equal(t, 1, ln.BlockedMessages(testPortal))
	events := log.get()
	require.Len(t, events, 1)
	require.EqualValues(t, 5, events[0].MatchBits)
	require.True(t, events[0].Unlinked)

	require.NoError(t, ln.ClearLazyPortal(testPortal))
	require.Equal(t, 0, ln.BlockedMessages(testPortal))
	require.ErrorIs(t, ln.Put(peer, testPortal, 6, 0, []byte("late")), unix.ENOENT)
}

func TestGet(t *testing.T) {
	ln := lnet.New(lnet.Options{})
	meh, err := ln.MEAttach(testPortal, lnet.AnyProcess, 1, 0, lnet.Retain, lnet.InsertHead)
	require.NoError(t, err)
	_, err = ln.MDAttach(meh, lnet.MD{
		Start:     []byte("bulk-data"),
		Threshold: lnet.ThresholdInf,
		Options:   lnet.MDOpGet,
	}, lnet.Retain)
	require.NoError(t, err)

	data, err := ln.Get(peer, testPortal, 1, 4)
	require.NoError(t, err)
	require.Equal(t, "bulk", string(data))
	data, err = ln.Get(peer, testPortal, 1, 5)
	require.NoError(t, err)
	require.Equal(t, "-data", string(data))

	// a GET-only MD refuses PUTs.
	require.ErrorIs(t, ln.Put(peer, testPortal, 1, 0, []byte("x")), unix.ENOENT)
}

func TestEQOverflow(t *testing.T) {
	ln := lnet.New(lnet.Options{})
	eqh, err := ln.EQAlloc(2, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		mdh, err := ln.MDBind(lnet.MD{Start: make([]byte, 1), EQ: eqh}, lnet.Retain)
		require.NoError(t, err)
		require.NoError(t, ln.MDUnlink(mdh))
	}

	ev, overflowed, err := poll(t, ln, eqh)
	require.NoError(t, err)
	require.True(t, overflowed)
	require.EqualValues(t, 2, ev.Sequence, "BUG: oldest event not dropped")
	ev, overflowed, err = poll(t, ln, eqh)
	require.NoError(t, err)
	require.False(t, overflowed)
	require.EqualValues(t, 3, ev.Sequence)
	_, _, err = poll(t, ln, eqh)
	require.ErrorIs(t, err, unix.ETIMEDOUT)

	_, err = ln.EQAlloc(0, nil)
	require.ErrorIs(t, err, unix.EINVAL)
}

func TestShutdownUnlinksEverything(t *testing.T) {
	ln := lnet.New(lnet.Options{})
	meh, err := ln.MEAttach(testPortal, lnet.AnyProcess, 1, 0, lnet.Retain, lnet.InsertTail)
	require.NoError(t, err)
	_, err = ln.MDAttach(meh, lnet.MD{Start: make([]byte, 4), Options: lnet.MDOpPut},
		lnet.Retain)
	require.NoError(t, err)
	mdh, err := ln.MDBind(lnet.MD{Start: make([]byte, 4), Threshold: 1}, lnet.Retain)
	require.NoError(t, err)
	msg, err := ln.BeginSend(mdh, peer, testPortal, 1, 0)
	require.NoError(t, err)
	require.Equal(t, 2, ln.ActiveMDs())

	ln.Shutdown()
	require.Equal(t, 1, ln.ActiveMDs(), "only the busy MD may survive shutdown")
	ln.Finalize(msg, nil)
	require.Equal(t, 0, ln.ActiveMDs())

	_, err = ln.MEAttach(testPortal, lnet.AnyProcess, 1, 0, lnet.Retain, lnet.InsertTail)
	require.ErrorIs(t, err, unix.ESHUTDOWN)
}
