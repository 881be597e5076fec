// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package kuc_test

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/lightbitslabs/ptlrpcd/pkg/kuc"
)

type listener struct {
	r  *os.File
	w  *os.File
	rd *kuc.Reader
}

func newListener(t *testing.T) *listener {
	t.Helper()
	r, w, err := kuc.NewPipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		r.Close()
	})
	return &listener{r: r, w: w, rd: kuc.NewReader(r, 0)}
}

func (l *listener) next(t *testing.T) (kuc.Header, []byte) {
	t.Helper()
	h, payload, err := l.rd.Next()
	require.NoError(t, err)
	return h, payload
}

func TestMessageFraming(t *testing.T) {
	msg, err := kuc.NewMessage(kuc.TransportImport, 7, []byte("payload"))
	require.NoError(t, err)
	require.Len(t, msg, kuc.HeaderSize+7)

	h, err := kuc.ParseHeader(msg)
	require.NoError(t, err)
	require.Equal(t, kuc.Header{
		Magic:     kuc.Magic,
		Transport: kuc.TransportImport,
		MsgType:   7,
		MsgLen:    uint16(len(msg)),
	}, h)

	_, err = kuc.NewMessage(kuc.TransportGeneric, 1, make([]byte, kuc.MaxMsgLen))
	require.ErrorIs(t, err, unix.EINVAL)

	bad := append([]byte(nil), msg...)
	bad[0] ^= 0xff
	var buf bytes.Buffer
	require.ErrorIs(t, kuc.Send(&buf, bad), unix.ENOSYS)
	require.Zero(t, buf.Len(), "BUG: message with bad magic was written")

	_, _, err = kuc.NewReader(bytes.NewReader(bad), 0).Next()
	require.ErrorIs(t, err, unix.EPROTO)
}

func TestReaderFiltersTransport(t *testing.T) {
	var buf bytes.Buffer
	for i, tr := range []uint8{kuc.TransportHSM, kuc.TransportImport, kuc.TransportHSM} {
		msg, err := kuc.NewMessage(tr, 2, []byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		require.NoError(t, kuc.Send(&buf, msg))
	}
	rd := kuc.NewReader(&buf, kuc.TransportHSM)
	_, p, err := rd.Next()
	require.NoError(t, err)
	require.Equal(t, "m0", string(p))
	_, p, err = rd.Next()
	require.NoError(t, err)
	require.Equal(t, "m2", string(p))
	_, _, err = rd.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestBroadcast(t *testing.T) {
	reg := kuc.NewRegistry(nil)
	a, b := newListener(t), newListener(t)
	require.NoError(t, reg.Add(a.w, 100, kuc.GroupImport, "a"))
	require.NoError(t, reg.Add(b.w, 200, kuc.GroupImport, "b"))
	require.Equal(t, 2, reg.Len(kuc.GroupImport))
	require.Equal(t, 0, reg.Len(kuc.GroupHSM))

	msg, err := kuc.NewMessage(kuc.TransportImport, 2, []byte("FULL"))
	require.NoError(t, err)
	require.NoError(t, reg.Broadcast(kuc.GroupImport, msg))

	for _, l := range []*listener{a, b} {
		h, p := l.next(t)
		require.EqualValues(t, 2, h.MsgType)
		require.Equal(t, "FULL", string(p))
	}

	var seen []string
	require.NoError(t, reg.ForEach(kuc.GroupImport, func(data interface{}) error {
		seen = append(seen, data.(string))
		return nil
	}))
	require.Equal(t, []string{"a", "b"}, seen)

	stop := fmt.Errorf("stop")
	calls := 0
	require.Equal(t, stop, reg.ForEach(kuc.GroupImport, func(interface{}) error {
		calls++
		return stop
	}))
	require.Equal(t, 1, calls)

	require.NoError(t, reg.Remove(0, kuc.GroupImport))
}

func TestBroadcastDropsBrokenListeners(t *testing.T) {
	reg := kuc.NewRegistry(nil)
	alive, gone := newListener(t), newListener(t)
	require.NoError(t, reg.Add(gone.w, 1, kuc.GroupHSM, nil))
	require.NoError(t, reg.Add(alive.w, 2, kuc.GroupHSM, nil))
	require.NoError(t, gone.r.Close())

	msg, err := kuc.NewMessage(kuc.TransportHSM, 3, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, reg.Broadcast(kuc.GroupHSM, msg),
		"delivery to one listener is a success")
	require.Equal(t, 1, reg.Len(kuc.GroupHSM))
	_, p := alive.next(t)
	require.Equal(t, "x", string(p))

	// nobody left to deliver to: the EPIPE surfaces.
	require.NoError(t, alive.r.Close())
	err = reg.Broadcast(kuc.GroupHSM, msg)
	require.ErrorIs(t, err, unix.EPIPE)
	require.Equal(t, 0, reg.Len(kuc.GroupHSM))

	require.NoError(t, reg.Remove(0, kuc.GroupHSM))
}

func TestRemove(t *testing.T) {
	reg := kuc.NewRegistry(nil)
	a, b := newListener(t), newListener(t)
	require.NoError(t, reg.Add(a.w, 100, kuc.GroupImport, nil))
	require.NoError(t, reg.Add(b.w, 200, kuc.GroupImport, nil))

	// by uid: no shutdown message, the channel is just closed.
	require.NoError(t, reg.Remove(100, kuc.GroupImport))
	require.Equal(t, 1, reg.Len(kuc.GroupImport))
	_, _, err := a.rd.Next()
	require.ErrorIs(t, err, io.EOF)

	// everybody: SHUTDOWN first, then closed.
	require.NoError(t, reg.Remove(0, kuc.GroupImport))
	require.Equal(t, 0, reg.Len(kuc.GroupImport))
	h, p := b.next(t)
	require.EqualValues(t, kuc.MsgShutdown, h.MsgType)
	require.Empty(t, p)
	_, _, err = b.rd.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestGroupRange(t *testing.T) {
	reg := kuc.NewRegistry(nil)
	l := newListener(t)
	defer l.w.Close()
	require.ErrorIs(t, reg.Add(l.w, 1, kuc.GroupMax+1, nil), unix.EINVAL)
	require.ErrorIs(t, reg.Add(l.w, 1, -1, nil), unix.EINVAL)
	require.ErrorIs(t, reg.Add(nil, 1, kuc.GroupHSM, nil), unix.EBADF)
	require.ErrorIs(t, reg.Remove(1, kuc.GroupMax+1), unix.EINVAL)
	require.ErrorIs(t, reg.Broadcast(kuc.GroupMax+1, nil), unix.EINVAL)
	require.NoError(t, reg.Broadcast(kuc.GroupHSM, nil), "no listeners, nothing to fail")
}
