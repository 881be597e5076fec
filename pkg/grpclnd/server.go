// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package grpclnd

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc"

	"github.com/lightbitslabs/ptlrpcd/pkg/grpcutil"
	"github.com/lightbitslabs/ptlrpcd/pkg/ptlrpc"
	"github.com/lightbitslabs/ptlrpcd/pkg/target"
)

// Server serves a set of targets over gRPC. requests are routed to the
// target owning their connection handle.
type Server struct {
	log *logrus.Entry

	mu      sync.RWMutex
	targets map[string]*target.Target
}

func NewServer(log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		log:     log.WithField("svc", "grpclnd"),
		targets: make(map[string]*target.Target),
	}
}

// Add starts serving `tgt`. it panics if a target with the same UUID is
// already served.
func (s *Server) Add(tgt *target.Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[tgt.UUID()]; ok {
		panic(fmt.Sprintf("BUG: target %s served twice", tgt.UUID()))
	}
	s.targets[tgt.UUID()] = tgt
}

func (s *Server) Remove(uuid string) {
	s.mu.Lock()
	delete(s.targets, uuid)
	s.mu.Unlock()
}

// Register installs the service on `gs`.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

func (s *Server) Connect(ctx context.Context, req *ptlrpc.ConnectRequest) (*ptlrpc.ConnectReply, error) {
	s.mu.RLock()
	tgt := s.targets[req.TargetUUID]
	s.mu.RUnlock()
	if tgt == nil {
		s.log.WithFields(logrus.Fields{
			"target": req.TargetUUID,
			"client": req.ClientUUID,
		}).Info("connect to unknown target")
		return &ptlrpc.ConnectReply{Status: int32(unix.ENODEV)}, nil
	}
	return tgt.Connect(req), nil
}

func (s *Server) owner(handle string) *target.Target {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tgt := range s.targets {
		if tgt.Owns(handle) {
			return tgt
		}
	}
	return nil
}

// Send waits for the target's reply, which for requests held during
// recovery may take a while.
func (s *Server) Send(ctx context.Context, msg *ptlrpc.ReqMsg) (*ptlrpc.ReplyMsg, error) {
	tgt := s.owner(msg.Handle)
	if tgt == nil {
		return &ptlrpc.ReplyMsg{Xid: msg.Xid, Status: int32(unix.ENOTCONN)}, nil
	}
	ch := make(chan *ptlrpc.ReplyMsg, 1)
	tgt.Handle(msg, func(rep *ptlrpc.ReplyMsg) {
		ch <- rep
	})
	select {
	case rep := <-ch:
		return rep, nil
	case <-ctx.Done():
		return nil, grpcutil.ErrFromCtxErr(ctx.Err())
	}
}

func (s *Server) Ping(ctx context.Context, _ *PingRequest) (*PingReply, error) {
	s.mu.RLock()
	tgts := make([]*target.Target, 0, len(s.targets))
	for _, tgt := range s.targets {
		tgts = append(tgts, tgt)
	}
	s.mu.RUnlock()

	rep := &PingReply{APIVersion: APIVersion}
	for _, tgt := range tgts {
		rep.Targets = append(rep.Targets, tgt.Info())
	}
	sort.Slice(rep.Targets, func(i, j int) bool {
		return rep.Targets[i].UUID < rep.Targets[j].UUID
	})
	return rep, nil
}
