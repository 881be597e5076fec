// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package grpcutil

import (
	"context"

	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Levels maps the codes ErrnoToStatus() produces to the level a logging
// interceptor reports them at. codes missing from the table are errors.
type Levels map[codes.Code]logrus.Level

// Level is meant for grpc_logrus.WithLevels().
func (l Levels) Level(code codes.Code) logrus.Level {
	if lvl, ok := l[code]; ok {
		return lvl
	}
	return logrus.ErrorLevel
}

// ControlLevels is for the control socket. unknown names and refused state
// changes are operator mistakes, not daemon failures.
var ControlLevels = Levels{
	codes.OK:                 logrus.InfoLevel,
	codes.Canceled:           logrus.InfoLevel,
	codes.AlreadyExists:      logrus.InfoLevel, // EALREADY: recovery already on
	codes.NotFound:           logrus.WarnLevel,
	codes.InvalidArgument:    logrus.WarnLevel,
	codes.FailedPrecondition: logrus.WarnLevel,
	codes.DeadlineExceeded:   logrus.WarnLevel,
	codes.Aborted:            logrus.WarnLevel,
	codes.Unavailable:        logrus.WarnLevel,
	codes.Unimplemented:      logrus.WarnLevel,
}

// TargetLevels is for the client side of an LND: a target that is
// unreachable, restarting or has dropped our export is business as usual,
// import recovery takes care of it.
var TargetLevels = Levels{
	codes.OK:                 logrus.InfoLevel,
	codes.Canceled:           logrus.InfoLevel,
	codes.DeadlineExceeded:   logrus.InfoLevel,
	codes.NotFound:           logrus.InfoLevel,
	codes.Unavailable:        logrus.InfoLevel,
	codes.Aborted:            logrus.WarnLevel,
	codes.AlreadyExists:      logrus.WarnLevel,
	codes.FailedPrecondition: logrus.WarnLevel,
	codes.InvalidArgument:    logrus.WarnLevel,
}

// tagDetails stashes the errno and any other status details of a failed
// call in the ctx tags, for the logging interceptor outside of us to emit
// on its way back.
func tagDetails(ctx context.Context, err error) {
	st, ok := status.FromError(err)
	if !ok {
		return
	}
	details := st.Details()
	if len(details) == 0 {
		return
	}
	tags := grpc_ctxtags.Extract(ctx)
	for _, d := range details {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.Domain == errnoDomain {
			tags.Set("ptlrpc.errno", info.Reason)
		}
	}
	tags.Set("grpc.status.details", details)
}

// RespDetailInterceptor doesn't log anything itself, see tagDetails().
func RespDetailInterceptor(
	ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler,
) (interface{}, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		tagDetails(ctx, err)
	}
	return resp, err
}

// StreamRespDetailInterceptor is RespDetailInterceptor for streams.
func StreamRespDetailInterceptor(
	srv interface{}, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler,
) error {
	err := handler(srv, ss)
	if err != nil {
		tagDetails(ss.Context(), err)
	}
	return err
}

// ErrFromCtxErr turns the error of a done ctx into a status that
// StatusToErrno() maps back to ECANCELED or ETIMEDOUT.
func ErrFromCtxErr(err error) error {
	switch err {
	case context.Canceled:
		return errnoStatus(unix.ECANCELED, "context canceled")
	case context.DeadlineExceeded:
		return errnoStatus(unix.ETIMEDOUT, "context deadline exceeded")
	default:
		return status.Error(codes.Unknown, err.Error())
	}
}
