// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package ptlrpc

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReplayListOrder(t *testing.T) {
	rl := newReplayList()
	var reqs []*Request
	for i := 1; i <= 100; i++ {
		// every transno shows up twice, xids break the ties.
		reqs = append(reqs,
			&Request{transno: uint64(i), xid: uint64(2 * i)},
			&Request{transno: uint64(i), xid: uint64(2*i + 1)})
	}
	rand.Shuffle(len(reqs), func(i, j int) { reqs[i], reqs[j] = reqs[j], reqs[i] })
	for _, req := range reqs {
		rl.insert(req)
	}
	require.Equal(t, len(reqs), rl.len())

	var prev *Request
	rl.ascend(func(req *Request) bool {
		if prev != nil {
			require.True(t, prev.transno < req.transno ||
				(prev.transno == req.transno && prev.xid < req.xid),
				"BUG: transno %d xid %d listed after transno %d xid %d",
				req.transno, req.xid, prev.transno, prev.xid)
		}
		prev = req
		return true
	})

	require.EqualValues(t, 1, rl.firstAfter(0).transno)
	require.EqualValues(t, 51, rl.firstAfter(50).transno)
	require.EqualValues(t, 102, rl.firstAfter(50).xid)
	require.Nil(t, rl.firstAfter(100))
	require.Nil(t, rl.firstAfter(^uint64(0)))
	require.EqualValues(t, 7, rl.find(7).transno)
	require.Nil(t, rl.find(1000))

	require.Panics(t, func() { rl.insert(reqs[0]) })
	rl.remove(reqs[0])
	require.Panics(t, func() { rl.remove(reqs[0]) })

	gone := rl.clear()
	require.Len(t, gone, len(reqs)-1)
	require.Zero(t, rl.len())
	for _, req := range gone {
		require.False(t, req.inReplay)
	}
}

func TestStateHistWraps(t *testing.T) {
	var h stateHist
	base := time.Unix(1600000000, 0)
	for i := 0; i < StateHistLen+5; i++ {
		h.add(ImportState(i%10+1), base.Add(time.Duration(i)*time.Second))
	}
	l := h.list()
	require.Len(t, l, StateHistLen)
	require.Equal(t, base.Add(5*time.Second), l[0].Time, "BUG: oldest entry not first")
	require.Equal(t, base.Add(time.Duration(StateHistLen+4)*time.Second),
		l[StateHistLen-1].Time)
}
