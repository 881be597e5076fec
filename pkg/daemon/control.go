// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc"

	"github.com/lightbitslabs/ptlrpcd/pkg/grpcutil"
	"github.com/lightbitslabs/ptlrpcd/pkg/ptlrpc"
	"github.com/lightbitslabs/ptlrpcd/pkg/target"
)

const controlServiceName = "ptlrpc.Control"

// Control API messages: ------------------------------------------------------

type ListImportsRequest struct {
	Name string `json:"name,omitempty"` // "" for all
}

type ListImportsReply struct {
	Imports []ptlrpc.ImportInfo `json:"imports"`
}

type RecoverImportRequest struct {
	Name string `json:"name"`
	UUID string `json:"uuid,omitempty"` // target instance to switch to
}

type SetImportActiveRequest struct {
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type ListTargetsRequest struct{}

type ListTargetsReply struct {
	Targets []target.Info `json:"targets"`
}

type TargetRequest struct {
	UUID string `json:"uuid"`
}

type EvictClientRequest struct {
	Target string `json:"target"`
	Client string `json:"client"`
}

type WatchRequest struct {
	Name string `json:"name,omitempty"` // "" for all imports
}

// ImportEvent reports a single import state transition.
type ImportEvent struct {
	Import string             `json:"import"`
	Target string             `json:"target"`
	From   ptlrpc.ImportState `json:"from"`
	To     ptlrpc.ImportState `json:"to"`
	Time   time.Time          `json:"time"`
}

type Empty struct{}

// Service descriptor: --------------------------------------------------------

type controlService interface {
	ListImports(context.Context, *ListImportsRequest) (*ListImportsReply, error)
	RecoverImport(context.Context, *RecoverImportRequest) (*Empty, error)
	SetImportActive(context.Context, *SetImportActiveRequest) (*Empty, error)
	ListTargets(context.Context, *ListTargetsRequest) (*ListTargetsReply, error)
	AbortRecovery(context.Context, *TargetRequest) (*Empty, error)
	RestartTarget(context.Context, *TargetRequest) (*Empty, error)
	EvictClient(context.Context, *EvictClientRequest) (*Empty, error)
	WatchEvents(*WatchRequest, eventSender) error
}

// eventSender is the server side of the WatchEvents stream.
type eventSender interface {
	Send(*ImportEvent) error
	Context() context.Context
}

type watchEventsServer struct {
	grpc.ServerStream
}

func (s *watchEventsServer) Send(ev *ImportEvent) error {
	return s.ServerStream.SendMsg(ev)
}

func method(name string) string {
	return "/" + controlServiceName + "/" + name
}

// unaryMethod builds the descriptor of a unary method whose request type is
// produced by `newReq`.
func unaryMethod(
	name string, newReq func() interface{},
	call func(srv controlService, ctx context.Context, req interface{}) (interface{}, error),
) grpc.MethodDesc {
	full := method(name)
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(
			srv interface{}, ctx context.Context, dec func(interface{}) error,
			interceptor grpc.UnaryServerInterceptor,
		) (interface{}, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(controlService), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(controlService), ctx, req)
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchEventsHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(controlService).WatchEvents(in, &watchEventsServer{stream})
}

var watchEventsDesc = grpc.StreamDesc{
	StreamName:    "WatchEvents",
	Handler:       watchEventsHandler,
	ServerStreams: true,
}

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: controlServiceName,
	HandlerType: (*controlService)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("ListImports",
			func() interface{} { return new(ListImportsRequest) },
			func(s controlService, ctx context.Context, req interface{}) (interface{}, error) {
				return s.ListImports(ctx, req.(*ListImportsRequest))
			}),
		unaryMethod("RecoverImport",
			func() interface{} { return new(RecoverImportRequest) },
			func(s controlService, ctx context.Context, req interface{}) (interface{}, error) {
				return s.RecoverImport(ctx, req.(*RecoverImportRequest))
			}),
		unaryMethod("SetImportActive",
			func() interface{} { return new(SetImportActiveRequest) },
			func(s controlService, ctx context.Context, req interface{}) (interface{}, error) {
				return s.SetImportActive(ctx, req.(*SetImportActiveRequest))
			}),
		unaryMethod("ListTargets",
			func() interface{} { return new(ListTargetsRequest) },
			func(s controlService, ctx context.Context, req interface{}) (interface{}, error) {
				return s.ListTargets(ctx, req.(*ListTargetsRequest))
			}),
		unaryMethod("AbortRecovery",
			func() interface{} { return new(TargetRequest) },
			func(s controlService, ctx context.Context, req interface{}) (interface{}, error) {
				return s.AbortRecovery(ctx, req.(*TargetRequest))
			}),
		unaryMethod("RestartTarget",
			func() interface{} { return new(TargetRequest) },
			func(s controlService, ctx context.Context, req interface{}) (interface{}, error) {
				return s.RestartTarget(ctx, req.(*TargetRequest))
			}),
		unaryMethod("EvictClient",
			func() interface{} { return new(EvictClientRequest) },
			func(s controlService, ctx context.Context, req interface{}) (interface{}, error) {
				return s.EvictClient(ctx, req.(*EvictClientRequest))
			}),
	},
	Streams:  []grpc.StreamDesc{watchEventsDesc},
	Metadata: "ptlrpc/control",
}

// Client: --------------------------------------------------------------------

// ControlClient talks to a running daemon over its control socket. errors
// carry the daemon side errno.
type ControlClient struct {
	cc *grpc.ClientConn
}

// DialControl connects to the control socket at `endpoint`, a "unix://"
// URI or a plain path.
func DialControl(ctx context.Context, endpoint string) (*ControlClient, error) {
	path := strings.TrimPrefix(endpoint, "unix://")
	if path == "" {
		return nil, errors.Wrapf(unix.EINVAL, "bad control endpoint '%s'", endpoint)
	}
	dialer := func(ctx context.Context, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", addr)
	}
	cc, err := grpc.DialContext(ctx, "passthrough:///"+path,
		grpc.WithInsecure(),
		grpc.WithBlock(),
		grpc.WithContextDialer(dialer),
		grpc.WithDefaultCallOptions(grpcutil.CallOption()),
	)
	if err != nil {
		return nil, errors.Wrapf(unix.ECONNREFUSED, "failed to connect to '%s': %s",
			endpoint, err)
	}
	return &ControlClient{cc: cc}, nil
}

func (c *ControlClient) Close() error {
	return c.cc.Close()
}

func (c *ControlClient) invoke(ctx context.Context, name string, in, out interface{}) error {
	return grpcutil.StatusToErrno(c.cc.Invoke(ctx, method(name), in, out))
}

func (c *ControlClient) ListImports(ctx context.Context, name string) ([]ptlrpc.ImportInfo, error) {
	out := new(ListImportsReply)
	if err := c.invoke(ctx, "ListImports", &ListImportsRequest{Name: name}, out); err != nil {
		return nil, err
	}
	return out.Imports, nil
}

func (c *ControlClient) RecoverImport(ctx context.Context, name, uuid string) error {
	return c.invoke(ctx, "RecoverImport", &RecoverImportRequest{Name: name, UUID: uuid}, new(Empty))
}

func (c *ControlClient) SetImportActive(ctx context.Context, name string, active bool) error {
	return c.invoke(ctx, "SetImportActive",
		&SetImportActiveRequest{Name: name, Active: active}, new(Empty))
}

func (c *ControlClient) ListTargets(ctx context.Context) ([]target.Info, error) {
	out := new(ListTargetsReply)
	if err := c.invoke(ctx, "ListTargets", &ListTargetsRequest{}, out); err != nil {
		return nil, err
	}
	return out.Targets, nil
}

func (c *ControlClient) AbortRecovery(ctx context.Context, uuid string) error {
	return c.invoke(ctx, "AbortRecovery", &TargetRequest{UUID: uuid}, new(Empty))
}

func (c *ControlClient) RestartTarget(ctx context.Context, uuid string) error {
	return c.invoke(ctx, "RestartTarget", &TargetRequest{UUID: uuid}, new(Empty))
}

func (c *ControlClient) EvictClient(ctx context.Context, tgt, client string) error {
	return c.invoke(ctx, "EvictClient", &EvictClientRequest{Target: tgt, Client: client}, new(Empty))
}

// EventStream yields import state transitions until its context is done or
// the daemon goes away.
type EventStream struct {
	stream grpc.ClientStream
}

func (c *ControlClient) WatchEvents(ctx context.Context, name string) (*EventStream, error) {
	stream, err := c.cc.NewStream(ctx, &watchEventsDesc, method("WatchEvents"))
	if err != nil {
		return nil, grpcutil.StatusToErrno(err)
	}
	if err := stream.SendMsg(&WatchRequest{Name: name}); err != nil {
		return nil, grpcutil.StatusToErrno(err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, grpcutil.StatusToErrno(err)
	}
	return &EventStream{stream: stream}, nil
}

// Recv returns io.EOF once the daemon ended the stream.
func (s *EventStream) Recv() (*ImportEvent, error) {
	ev := new(ImportEvent)
	if err := s.stream.RecvMsg(ev); err != nil {
		return nil, grpcutil.StatusToErrno(err)
	}
	return ev, nil
}
