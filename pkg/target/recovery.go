// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package target

import (
	"time"

	"github.com/google/btree"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/lightbitslabs/ptlrpcd/pkg/ptlrpc"
	"github.com/lightbitslabs/ptlrpcd/pkg/timer"
)

// replayItem is a replayed request waiting for its turn: replays execute
// in transno order, whichever client they come from.
type replayItem struct {
	exp   *export
	msg   *ptlrpc.ReqMsg
	reply ReplyFunc
}

func (it replayItem) Less(than btree.Item) bool {
	return it.msg.Transno < than.(replayItem).msg.Transno
}

// startRecovery opens the recovery window for every known export. mu must
// be held.
func (t *Target) startRecovery() {
	t.recovering = true
	t.recExtended = false
	t.recStart = t.clk.Now()
	t.recoveries++
	for _, exp := range t.exports {
		exp.inRecovery = true
	}
	t.armRecoveryTimer()
}

func (t *Target) armRecoveryTimer() {
	w := t.opts.Wheel
	if w == nil {
		return
	}
	w.Del(t.recTimer)
	gen := t.recoveries
	secs := int64((t.opts.RecoveryTimeout + time.Second - 1) / time.Second)
	t.recTimer = &timer.Timer{
		Expires: w.Now() + secs,
		Action:  timer.ActionFunc(func() { t.recoveryExpired(gen) }),
	}
	w.Add(t.recTimer)
}

// recoveryExpired first gives up on the clients that never reconnected,
// letting the others finish within one more window. once that one expires
// too, recovery ends regardless.
func (t *Target) recoveryExpired(gen int) {
	t.mu.Lock()
	if !t.recovering || t.recoveries != gen {
		t.mu.Unlock()
		return
	}
	var ds []delivery
	if !t.recExtended {
		t.recExtended = true
		absent := 0
		for _, exp := range t.exports {
			if exp.restarted {
				ds = append(ds, t.evictLocked(exp)...)
				absent++
			}
		}
		t.log.WithFields(logrus.Fields{
			"timeout": t.opts.RecoveryTimeout,
			"evicted": absent,
		}).Warn("recovery window expired, evicted clients that did not reconnect")
		t.armRecoveryTimer()
		ds = append(ds, t.progress()...)
	} else {
		t.log.WithField("timeout", t.opts.RecoveryTimeout).Warn(
			"recovery window expired again, evicting clients that did not finish")
		ds = t.endRecovery()
	}
	t.mu.Unlock()
	deliver(ds)
}

// AbortRecovery ends the recovery window right away, as its expiry would.
func (t *Target) AbortRecovery() error {
	t.mu.Lock()
	if !t.recovering {
		t.mu.Unlock()
		return errors.Wrapf(unix.EALREADY, "target %s is not recovering", t.uuid)
	}
	t.log.Warn("aborting recovery")
	ds := t.endRecovery()
	t.mu.Unlock()
	deliver(ds)
	return nil
}

// handleRecovering serves a request that arrived during recovery. mu must
// be held.
func (t *Target) handleRecovering(
	exp *export, msg *ptlrpc.ReqMsg, reply ReplyFunc, log *logrus.Entry,
) []delivery {
	switch {
	case msg.Flags&ptlrpc.MsgReplay != 0:
		if msg.Transno == 0 {
			return []delivery{{reply, t.errReply(msg, unix.EPROTO)}}
		}
		if msg.Transno <= t.transno {
			log.WithField("transno", msg.Transno).Debug("replay already executed")
			return []delivery{{reply, &ptlrpc.ReplyMsg{
				Xid:           msg.Xid,
				Transno:       msg.Transno,
				LastCommitted: t.lastCommitted,
			}}}
		}
		var ds []delivery
		it := replayItem{exp: exp, msg: msg, reply: reply}
		if old := t.replayQ.ReplaceOrInsert(it); old != nil {
			prev := old.(replayItem)
			// a resend after reconnecting; the earlier copy's waiter is gone.
			ds = append(ds, delivery{prev.reply, t.errReply(prev.msg, unix.ESTALE)})
			prev.exp.queued--
		}
		exp.queued++
		log.WithField("transno", msg.Transno).Trace("replay queued")
		return append(ds, t.progress()...)
	case msg.Flags&ptlrpc.MsgLastReplay != 0:
		exp.replayDone = true
		t.lastReplays = append(t.lastReplays, held{exp, msg, reply})
		log.Debug("client finished replay")
		return t.progress()
	case msg.Opcode == ptlrpc.OpPing:
		return []delivery{{reply, &ptlrpc.ReplyMsg{
			Xid:           msg.Xid,
			LastCommitted: t.lastCommitted,
		}}}
	}
	t.heldReqs = append(t.heldReqs, held{exp, msg, reply})
	return nil
}

// allWaiting reports whether every client in recovery has either finished
// or queued its next replay. the lowest queued transno can then run even
// if it is not contiguous: nobody is left who could fill the gap.
func (t *Target) allWaiting() bool {
	for _, exp := range t.exports {
		if exp.inRecovery && !exp.replayDone && exp.queued == 0 {
			return false
		}
	}
	return true
}

// drain executes queued replays for as long as the next one is due. with
// `force` it executes all of them. mu must be held.
func (t *Target) drain(force bool) []delivery {
	var ds []delivery
	for {
		min := t.replayQ.Min()
		if min == nil {
			return ds
		}
		it := min.(replayItem)
		if !force && it.msg.Transno != t.transno+1 && !t.allWaiting() {
			return ds
		}
		t.replayQ.DeleteMin()
		it.exp.queued--
		ds = append(ds, delivery{it.reply, t.replay(it)})
	}
}

func (t *Target) replay(it replayItem) *ptlrpc.ReplyMsg {
	msg := it.msg
	if msg.Transno != t.transno+1 {
		t.log.WithFields(logrus.Fields{
			"from": t.transno + 1,
			"to":   msg.Transno - 1,
		}).Warn("transactions lost in recovery")
	}
	body, err := t.apply(msg, msg.Transno)
	t.transno = msg.Transno
	if err != nil {
		return t.errReply(msg, err)
	}
	rep := &ptlrpc.ReplyMsg{
		Xid:           msg.Xid,
		Transno:       msg.Transno,
		LastCommitted: t.lastCommitted,
		Body:          body,
	}
	saved := *rep
	it.exp.lastXid = msg.Xid
	it.exp.lastReply = &saved
	return rep
}

// progress drains what it can and ends recovery once every client is done.
// mu must be held.
func (t *Target) progress() []delivery {
	ds := t.drain(false)
	if t.replayQ.Len() > 0 {
		return ds
	}
	for _, exp := range t.exports {
		if exp.inRecovery && !exp.replayDone {
			return ds
		}
	}
	return append(ds, t.endRecovery()...)
}

// endRecovery evicts clients that did not finish replaying, executes what
// is left of the replay queue, makes the recovered state durable and then
// serves everything held back. mu must be held.
func (t *Target) endRecovery() []delivery {
	var ds []delivery
	evicted := 0
	for _, exp := range t.exports {
		if exp.inRecovery && !exp.replayDone {
			ds = append(ds, t.evictLocked(exp)...)
			evicted++
		}
	}
	ds = append(ds, t.drain(true)...)
	t.recovering = false
	if w := t.opts.Wheel; w != nil {
		w.Del(t.recTimer)
	}
	for _, exp := range t.exports {
		exp.inRecovery = false
		exp.replayDone = false
	}
	t.lastCommitted = t.transno
	t.undo = nil

	for _, h := range t.lastReplays {
		ds = append(ds, delivery{h.reply, &ptlrpc.ReplyMsg{
			Xid:           h.msg.Xid,
			LastCommitted: t.lastCommitted,
		}})
	}
	for _, h := range t.heldReqs {
		ds = append(ds, delivery{h.reply, t.execute(h.exp, h.msg)})
	}
	t.lastReplays, t.heldReqs = nil, nil

	t.log.WithFields(logrus.Fields{
		"duration":       t.clk.Since(t.recStart),
		"evicted":        evicted,
		"last-committed": t.lastCommitted,
	}).Info("recovery complete")
	return ds
}
