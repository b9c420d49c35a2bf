package remote

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// IsPermanentError reports whether retrying the failed RPC cannot succeed. Transient
// codes (unavailable, deadline, resource exhaustion, auth refresh) are retried with
// backoff instead.
func IsPermanentError(code codes.Code) bool {
	switch code {
	case codes.OK:
		panic("BUG: IsPermanentError called with a non-error code")
	case codes.Canceled,
		codes.Unknown,
		codes.DeadlineExceeded,
		codes.ResourceExhausted,
		codes.Internal,
		codes.Unavailable,
		codes.Unauthenticated:
		return false
	case codes.InvalidArgument,
		codes.NotFound,
		codes.AlreadyExists,
		codes.PermissionDenied,
		codes.FailedPrecondition,
		// Aborted is permanent for reads; writes retry it below.
		codes.Aborted,
		codes.OutOfRange,
		codes.Unimplemented,
		codes.DataLoss:
		return true
	}
	return false
}

// IsPermanentWriteError is IsPermanentError except that aborted writes are retried.
func IsPermanentWriteError(code codes.Code) bool {
	return IsPermanentError(code) && code != codes.Aborted
}

// Code extracts the grpc code of err. Context errors map to their grpc equivalents and
// anything else is Unknown.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	var se interface{ GRPCStatus() *status.Status }
	if errors.As(err, &se) {
		return se.GRPCStatus().Code()
	}
	return codes.Unknown
}

// toStatusError makes err a grpc status error, keeping its code when it has one.
func toStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(Code(err), err.Error())
}
