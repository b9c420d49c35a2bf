package constants

import "errors"

// Errors
var (
	ErrClientTerminated    = errors.New("the client has already been terminated")
	ErrQueueShutdown       = errors.New("async queue is shut down")
	ErrNoBaseURL           = errors.New("base url not set")
	ErrStreamNotOpen       = errors.New("stream is not open")
	ErrHandshakeIncomplete = errors.New("write stream handshake has not completed")
	ErrInvalidBloomFilter  = errors.New("invalid bloom filter")
	ErrTargetNotFound      = errors.New("target not found")
	ErrBatchNotFound       = errors.New("mutation batch not found")
	ErrInvalidBundle       = errors.New("invalid bundle")
	ErrContention          = errors.New("persistence transaction contention")
	ErrInconsistentState   = errors.New("persistence is in an inconsistent state")
	ErrUserChanged         = errors.New("the user changed")
)
