// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package ptlrpc_test

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/lightbitslabs/ptlrpcd/pkg/ptlrpc"
	"github.com/lightbitslabs/ptlrpcd/pkg/util/nid"
)

func fakeDial(_ context.Context, _ *logrus.Entry, peer nid.Slice) (ptlrpc.Conn, error) {
	return newFakeConn("fake-"+peer.String(), peer, nil), nil
}

func TestLNDTableRegister(t *testing.T) {
	tbl := ptlrpc.NewLNDTable(nil)
	tbl.Register("tcp", fakeDial)
	tbl.Register("lo", fakeDial)
	require.Equal(t, []string{"lo", "tcp"}, tbl.List())

	require.Panics(t, func() { tbl.Register("tcp", fakeDial) }, "BUG: duplicate LND accepted")
	for _, bad := range []string{"", "TCP", "tcp1", "o2ib-x", "averyveryverylongname"} {
		bad := bad
		require.Panics(t, func() { tbl.Register(bad, fakeDial) },
			"BUG: invalid LND name '%s' accepted", bad)
	}
}

func TestLNDTableDial(t *testing.T) {
	tbl := ptlrpc.NewLNDTable(logrus.NewEntry(logrus.StandardLogger()))
	tbl.Register("tcp", fakeDial)
	ctx := context.Background()

	peer := nid.MustParseCSV("10.0.0.1@tcp1,10.0.0.2@tcp")
	conn, err := tbl.Dial(ctx, peer)
	require.NoError(t, err)
	require.True(t, conn.Peer().Equal(peer))
	rep, err := conn.Connect(ctx, &ptlrpc.ConnectRequest{ClientUUID: "c"})
	require.NoError(t, err)
	require.NotEmpty(t, rep.Handle)
	got := make(chan *ptlrpc.ReplyMsg, 1)
	require.NoError(t, conn.Send(ctx, &ptlrpc.ReqMsg{Xid: 9},
		func(rep *ptlrpc.ReplyMsg, err error) {
			require.NoError(t, err)
			got <- rep
		}))
	require.EqualValues(t, 9, (<-got).Xid)
	conn.Close()

	_, err = tbl.Dial(ctx, nid.MustParseCSV("10.0.0.1@o2ib"))
	require.True(t, errors.Is(err, unix.ENETUNREACH), "BUG: unexpected error: %v", err)
	_, err = tbl.Dial(ctx, nid.MustParseCSV("10.0.0.1@tcp,0@lo"))
	require.True(t, errors.Is(err, unix.EINVAL), "BUG: unexpected error: %v", err)
	_, err = tbl.Dial(ctx, nil)
	require.True(t, errors.Is(err, unix.EINVAL), "BUG: unexpected error: %v", err)
}
