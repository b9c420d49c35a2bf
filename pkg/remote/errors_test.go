package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestIsPermanentError(t *testing.T) {
	tests := []struct {
		code           codes.Code
		permanent      bool
		permanentWrite bool
	}{
		{codes.Canceled, false, false},
		{codes.Unknown, false, false},
		{codes.DeadlineExceeded, false, false},
		{codes.ResourceExhausted, false, false},
		{codes.Internal, false, false},
		{codes.Unavailable, false, false},
		{codes.Unauthenticated, false, false},
		{codes.InvalidArgument, true, true},
		{codes.NotFound, true, true},
		{codes.AlreadyExists, true, true},
		{codes.PermissionDenied, true, true},
		{codes.FailedPrecondition, true, true},
		{codes.Aborted, true, false},
		{codes.OutOfRange, true, true},
		{codes.Unimplemented, true, true},
		{codes.DataLoss, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			assert.Equal(t, tt.permanent, IsPermanentError(tt.code))
			assert.Equal(t, tt.permanentWrite, IsPermanentWriteError(tt.code))
		})
	}

	assert.Panics(t, func() { IsPermanentError(codes.OK) })
}

func TestCode(t *testing.T) {
	assert.Equal(t, codes.OK, Code(nil))
	assert.Equal(t, codes.NotFound, Code(status.Error(codes.NotFound, "gone")))
	assert.Equal(t, codes.NotFound, Code(fmt.Errorf("wrapped: %w", status.Error(codes.NotFound, "gone"))))
	assert.Equal(t, codes.Canceled, Code(context.Canceled))
	assert.Equal(t, codes.DeadlineExceeded, Code(fmt.Errorf("dial: %w", context.DeadlineExceeded)))
	assert.Equal(t, codes.Unknown, Code(errors.New("boom")))

	err := toStatusError(errors.New("boom"))
	s, ok := status.FromError(err)
	assert.True(t, ok)
	assert.Equal(t, codes.Unknown, s.Code())
	assert.Equal(t, "boom", s.Message())
}
