// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package grpclnd is the "tcp" network driver: ptlrpc connections carried
// by gRPC, with the messages JSON-encoded through the grpcutil codec.
package grpclnd

import (
	"context"

	"google.golang.org/grpc"

	"github.com/lightbitslabs/ptlrpcd/pkg/grpcutil"
	"github.com/lightbitslabs/ptlrpcd/pkg/ptlrpc"
	"github.com/lightbitslabs/ptlrpcd/pkg/target"
)

// LND is the name this driver is registered under.
const LND = "tcp"

const (
	serviceName = "ptlrpc.Target"

	methodConnect = "/" + serviceName + "/Connect"
	methodSend    = "/" + serviceName + "/Send"
	methodPing    = "/" + serviceName + "/Ping"
)

// APIVersion is reported by Ping; clients refuse servers speaking another.
const APIVersion = "v1"

type PingRequest struct{}

type PingReply struct {
	APIVersion string        `json:"api_version"`
	Targets    []target.Info `json:"targets"`
}

// targetService is what the service descriptor dispatches to.
type targetService interface {
	Connect(context.Context, *ptlrpc.ConnectRequest) (*ptlrpc.ConnectReply, error)
	Send(context.Context, *ptlrpc.ReqMsg) (*ptlrpc.ReplyMsg, error)
	Ping(context.Context, *PingRequest) (*PingReply, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*targetService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Connect", Handler: connectHandler},
		{MethodName: "Send", Handler: sendHandler},
		{MethodName: "Ping", Handler: pingHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ptlrpc/target",
}

func connectHandler(
	srv interface{}, ctx context.Context, dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	in := new(ptlrpc.ConnectRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(targetService).Connect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodConnect}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(targetService).Connect(ctx, req.(*ptlrpc.ConnectRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func sendHandler(
	srv interface{}, ctx context.Context, dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	in := new(ptlrpc.ReqMsg)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(targetService).Send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSend}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(targetService).Send(ctx, req.(*ptlrpc.ReqMsg))
	}
	return interceptor(ctx, in, info, handler)
}

func pingHandler(
	srv interface{}, ctx context.Context, dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	in := new(PingRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(targetService).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPing}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(targetService).Ping(ctx, req.(*PingRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// targetClient is the client side stub of the service.
type targetClient struct {
	cc *grpc.ClientConn
}

func (c *targetClient) Connect(
	ctx context.Context, in *ptlrpc.ConnectRequest, opts ...grpc.CallOption,
) (*ptlrpc.ConnectReply, error) {
	out := new(ptlrpc.ConnectReply)
	opts = append(opts, grpcutil.CallOption())
	if err := c.cc.Invoke(ctx, methodConnect, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *targetClient) Send(
	ctx context.Context, in *ptlrpc.ReqMsg, opts ...grpc.CallOption,
) (*ptlrpc.ReplyMsg, error) {
	out := new(ptlrpc.ReplyMsg)
	opts = append(opts, grpcutil.CallOption())
	if err := c.cc.Invoke(ctx, methodSend, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *targetClient) Ping(
	ctx context.Context, in *PingRequest, opts ...grpc.CallOption,
) (*PingReply, error) {
	out := new(PingReply)
	opts = append(opts, grpcutil.CallOption())
	if err := c.cc.Invoke(ctx, methodPing, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
