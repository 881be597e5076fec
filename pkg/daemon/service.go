// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"context"
	"encoding/json"
	"io"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/lightbitslabs/ptlrpcd/pkg/grpcutil"
	"github.com/lightbitslabs/ptlrpcd/pkg/kuc"
	"github.com/lightbitslabs/ptlrpcd/pkg/ptlrpc"
	"github.com/lightbitslabs/ptlrpcd/pkg/target"
)

func (d *Daemon) lookupImport(name string) (*ptlrpc.Import, error) {
	imp := d.imports[name]
	if imp == nil {
		return nil, errors.Wrapf(unix.ENOENT, "no such import '%s'", name)
	}
	return imp, nil
}

func (d *Daemon) lookupTarget(uuid string) (*target.Target, error) {
	tgt := d.targets[uuid]
	if tgt == nil {
		return nil, errors.Wrapf(unix.ENOENT, "no such target '%s'", uuid)
	}
	return tgt, nil
}

func (d *Daemon) ListImports(ctx context.Context, req *ListImportsRequest) (*ListImportsReply, error) {
	rep := &ListImportsReply{}
	if req.Name != "" {
		imp, err := d.lookupImport(req.Name)
		if err != nil {
			return nil, grpcutil.ErrnoToStatus(err)
		}
		rep.Imports = append(rep.Imports, imp.Info())
		return rep, nil
	}
	for _, name := range d.impOrder {
		rep.Imports = append(rep.Imports, d.imports[name].Info())
	}
	return rep, nil
}

func (d *Daemon) RecoverImport(ctx context.Context, req *RecoverImportRequest) (*Empty, error) {
	imp, err := d.lookupImport(req.Name)
	if err != nil {
		return nil, grpcutil.ErrnoToStatus(err)
	}
	if err := imp.RecoverImport(ctx, req.UUID); err != nil {
		return nil, grpcutil.ErrnoToStatus(err)
	}
	return &Empty{}, nil
}

func (d *Daemon) SetImportActive(ctx context.Context, req *SetImportActiveRequest) (*Empty, error) {
	imp, err := d.lookupImport(req.Name)
	if err != nil {
		return nil, grpcutil.ErrnoToStatus(err)
	}
	if err := imp.SetImportActive(ctx, req.Active); err != nil {
		return nil, grpcutil.ErrnoToStatus(err)
	}
	return &Empty{}, nil
}

func (d *Daemon) ListTargets(ctx context.Context, _ *ListTargetsRequest) (*ListTargetsReply, error) {
	rep := &ListTargetsReply{}
	for _, uuid := range d.tgtOrder {
		rep.Targets = append(rep.Targets, d.targets[uuid].Info())
	}
	return rep, nil
}

func (d *Daemon) AbortRecovery(ctx context.Context, req *TargetRequest) (*Empty, error) {
	tgt, err := d.lookupTarget(req.UUID)
	if err != nil {
		return nil, grpcutil.ErrnoToStatus(err)
	}
	if err := tgt.AbortRecovery(); err != nil {
		return nil, grpcutil.ErrnoToStatus(err)
	}
	return &Empty{}, nil
}

// RestartTarget simulates a target crash: everything it did not commit is
// lost and its clients have to replay it.
func (d *Daemon) RestartTarget(ctx context.Context, req *TargetRequest) (*Empty, error) {
	tgt, err := d.lookupTarget(req.UUID)
	if err != nil {
		return nil, grpcutil.ErrnoToStatus(err)
	}
	tgt.Restart()
	return &Empty{}, nil
}

func (d *Daemon) EvictClient(ctx context.Context, req *EvictClientRequest) (*Empty, error) {
	tgt, err := d.lookupTarget(req.Target)
	if err != nil {
		return nil, grpcutil.ErrnoToStatus(err)
	}
	if err := tgt.Evict(req.Client); err != nil {
		return nil, grpcutil.ErrnoToStatus(err)
	}
	return &Empty{}, nil
}

// Import events: -------------------------------------------------------------

// importStateChanged hands every import transition to the KUC listeners.
func (d *Daemon) importStateChanged(imp *ptlrpc.Import, from, to ptlrpc.ImportState) {
	if d.kuc.Len(kuc.GroupImport) == 0 {
		return
	}
	payload, err := json.Marshal(&ImportEvent{
		Import: imp.Name(),
		Target: imp.TargetUUID(),
		From:   from,
		To:     to,
		Time:   time.Now(),
	})
	if err != nil {
		panic("BUG: failed to marshal import event: " + err.Error())
	}
	msg, err := kuc.NewMessage(kuc.TransportImport, kuc.MsgImportState, payload)
	if err == nil {
		err = d.kuc.Broadcast(kuc.GroupImport, msg)
	}
	if err != nil {
		d.log.WithError(err).WithField("import", imp.Name()).
			Warn("failed to broadcast import event")
	}
}

// Watchers returns the number of clients watching import events.
func (d *Daemon) Watchers() int {
	return d.kuc.Len(kuc.GroupImport)
}

// WatchEvents registers a KUC pipe and forwards whatever comes through it
// until the client goes away or the daemon shuts down.
func (d *Daemon) WatchEvents(req *WatchRequest, stream eventSender) error {
	if req.Name != "" {
		if _, err := d.lookupImport(req.Name); err != nil {
			return grpcutil.ErrnoToStatus(err)
		}
	}
	r, w, err := kuc.NewPipe()
	if err != nil {
		return grpcutil.ErrnoToStatus(err)
	}
	defer r.Close()
	uid := atomic.AddUint32(&d.watchers, 1)
	if err := d.kuc.Add(w, uid, kuc.GroupImport, req.Name); err != nil {
		w.Close()
		return grpcutil.ErrnoToStatus(err)
	}
	log := d.log.WithFields(logrus.Fields{
		"watcher": uid,
		"import":  req.Name,
	})
	log.Debug("event watcher registered")

	ctx := stream.Context()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		// closes the write end, which ends the read loop below.
		if err := d.kuc.Remove(uid, kuc.GroupImport); err != nil {
			log.WithError(err).Warn("failed to unregister event watcher")
		}
	}()

	rd := kuc.NewReader(r, kuc.TransportImport)
	for {
		hdr, payload, err := rd.Next()
		if err == io.EOF {
			if ctx.Err() != nil {
				return grpcutil.ErrFromCtxErr(ctx.Err())
			}
			return nil
		} else if err != nil {
			return grpcutil.ErrnoToStatus(err)
		}
		if hdr.MsgType == kuc.MsgShutdown {
			log.Debug("event watcher shut down")
			return nil
		}
		if hdr.MsgType != kuc.MsgImportState {
			continue
		}
		ev := &ImportEvent{}
		if err := json.Unmarshal(payload, ev); err != nil {
			return grpcutil.ErrnoToStatus(errors.Wrapf(unix.EPROTO,
				"bad import event: %s", err))
		}
		if req.Name != "" && ev.Import != req.Name {
			continue
		}
		if err := stream.Send(ev); err != nil {
			return err
		}
	}
}
