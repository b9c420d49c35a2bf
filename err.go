package docsync

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"

	"github.com/docsync/docsync.go/pkg/constants"
	"github.com/docsync/docsync.go/pkg/remote"
)

var ErrInvalidConfig = errors.New("invalid client configuration")

// Code returns the status code of an error returned by a Client. Server rejections keep
// the code the service sent. Calls on a terminated client report FailedPrecondition.
func Code(err error) codes.Code {
	if errors.Is(err, constants.ErrClientTerminated) {
		return codes.FailedPrecondition
	}
	return remote.Code(err)
}

// IsTerminated reports whether err came from a call on a terminated client.
func IsTerminated(err error) bool {
	return errors.Is(err, constants.ErrClientTerminated)
}

// terminatedError maps the queue's shutdown error to ErrClientTerminated.
func terminatedError(err error) error {
	if errors.Is(err, constants.ErrQueueShutdown) {
		return fmt.Errorf("%w: %v", constants.ErrClientTerminated, err)
	}
	return err
}
