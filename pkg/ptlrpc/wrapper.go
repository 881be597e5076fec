// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package ptlrpc

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/lightbitslabs/ptlrpcd/pkg/util/nid"
)

// Wrapper is a pseudo-Conn that logs every call into the Conn it wraps.
type Wrapper struct {
	conn Conn

	// callID is used only to correlate log entries. it is atomic and is
	// incremented upon entry into each Conn method.
	callID uint64

	log *logrus.Entry
}

func NewWrapper(
	ctx context.Context, lnd string, dial DialFunc, log *logrus.Entry, peer nid.Slice,
) (Conn, error) {
	log = log.WithFields(logrus.Fields{
		"lnd":  lnd,
		"peer": peer.String(),
	})
	conn, err := dial(ctx, log, peer)
	if err != nil {
		return nil, err
	}
	return &Wrapper{
		conn: conn,
		log:  log.WithField("conn-id", conn.ID()),
	}, nil
}

func (w *Wrapper) ID() string {
	return w.conn.ID()
}

func (w *Wrapper) Peer() nid.Slice {
	return w.conn.Peer()
}

func (w *Wrapper) entry(method string) *logrus.Entry {
	return w.log.WithFields(logrus.Fields{
		"method":  method,
		"call-id": atomic.AddUint64(&w.callID, 1),
	})
}

func (w *Wrapper) Connect(ctx context.Context, req *ConnectRequest) (*ConnectReply, error) {
	log := w.entry("Connect").WithFields(logrus.Fields{
		"conn-cnt": req.ConnCnt,
		"flags":    req.Flags,
	})
	log.Debug("entry")
	rep, err := w.conn.Connect(ctx, req)
	if err != nil {
		log.WithError(err).Warn("connect failed")
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"reply-flags":    rep.Flags,
		"last-committed": rep.LastCommitted,
		"status":         rep.Status,
	}).Debug("exit")
	return rep, nil
}

func (w *Wrapper) Send(ctx context.Context, req *ReqMsg, h ReplyHandler) error {
	log := w.entry("Send").WithFields(logrus.Fields{
		"opc":     req.Opcode,
		"xid":     req.Xid,
		"transno": req.Transno,
		"flags":   req.Flags,
	})
	log.Trace("entry")
	err := w.conn.Send(ctx, req, func(rep *ReplyMsg, err error) {
		if err != nil {
			log.WithError(err).Debug("no reply")
		} else {
			log.WithFields(logrus.Fields{
				"rep-transno": rep.Transno,
				"status":      rep.Status,
			}).Trace("reply")
		}
		h(rep, err)
	})
	if err != nil {
		log.WithError(err).Warn("send failed")
	}
	return err
}

func (w *Wrapper) Close() {
	w.log.Debug("closing connection")
	w.conn.Close()
}
