// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package grpcutil

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const errnoDomain = "ptlrpc"

var errnoCodes = map[unix.Errno]codes.Code{
	unix.ENOTCONN:     codes.Unavailable,
	unix.ESHUTDOWN:    codes.Unavailable,
	unix.ECONNREFUSED: codes.Unavailable,
	unix.ECONNRESET:   codes.Unavailable,
	unix.EPIPE:        codes.Unavailable,
	unix.EAGAIN:       codes.Unavailable,
	unix.ETIMEDOUT:    codes.DeadlineExceeded,
	unix.EINVAL:       codes.InvalidArgument,
	unix.EPROTO:       codes.InvalidArgument,
	unix.EALREADY:     codes.AlreadyExists,
	unix.ENOENT:       codes.NotFound,
	unix.ENODEV:       codes.NotFound,
	unix.EPERM:        codes.FailedPrecondition,
	unix.EBUSY:        codes.Aborted,
	unix.ECANCELED:    codes.Canceled,
	unix.EIO:          codes.Internal,
	unix.ENOSYS:       codes.Unimplemented,
}

var codeErrnos = map[codes.Code]unix.Errno{
	codes.Unavailable:        unix.ENOTCONN,
	codes.DeadlineExceeded:   unix.ETIMEDOUT,
	codes.InvalidArgument:    unix.EINVAL,
	codes.AlreadyExists:      unix.EALREADY,
	codes.NotFound:           unix.ENOENT,
	codes.FailedPrecondition: unix.EPERM,
	codes.Aborted:            unix.EBUSY,
	codes.Canceled:           unix.ECANCELED,
	codes.Unimplemented:      unix.ENOSYS,
}

// failure to attach the error details to gRPC response is highly unlikely to
// be spurious runtime error, so tank instead of hiding the real error we were
// trying to report:
func nilOrDie(err error) {
	if err != nil {
		panic(fmt.Sprintf("failed attaching gRPC error details: '%v'", err))
	}
}

// ErrnoToStatus converts an errno-carrying error into a gRPC status error.
// the errno itself travels in an ErrorInfo detail so that StatusToErrno()
// on the other side gets the exact value back. errors that already are a
// status pass through unchanged.
func ErrnoToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrFromCtxErr(errors.Cause(err))
	}
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return status.Error(codes.Unknown, err.Error())
	}
	return errnoStatus(errno, err.Error())
}

func errnoStatus(errno unix.Errno, msg string) error {
	code, ok := errnoCodes[errno]
	if !ok {
		code = codes.Unknown
	}

	st, werr := status.New(code, msg).WithDetails(&errdetails.ErrorInfo{
		Reason:   unix.ErrnoName(errno),
		Domain:   errnoDomain,
		Metadata: map[string]string{"errno": strconv.Itoa(int(errno))},
	})
	nilOrDie(werr)
	if code == codes.FailedPrecondition {
		st, werr = st.WithDetails(&errdetails.PreconditionFailure{
			Violations: []*errdetails.PreconditionFailure_Violation{{
				Type:        "STATE",
				Description: msg,
			}},
		})
		nilOrDie(werr)
	}
	return st.Err()
}

// StatusToErrno is the reverse of ErrnoToStatus(): it recovers the errno
// of a gRPC error, falling back to a per-code approximation for statuses
// that didn't originate from an errno.
func StatusToErrno(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.Domain == errnoDomain {
			if n, perr := strconv.Atoi(info.Metadata["errno"]); perr == nil {
				return errors.Wrap(unix.Errno(n), st.Message())
			}
		}
	}
	errno, ok := codeErrnos[st.Code()]
	if !ok {
		errno = unix.EIO
	}
	return errors.Wrap(errno, st.Message())
}
