package fakeserver

import (
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/lxzan/gws"
	"google.golang.org/grpc/codes"

	"github.com/docsync/docsync.go/pkg/remote"
)

// FailureType represents the type of failure to inject while handling a client message
type FailureType string

const (
	// FailureRequestDelay delays before processing the request
	FailureRequestDelay FailureType = "request_delay"
	// FailureStatus ends the stream with Code before the request is processed
	FailureStatus FailureType = "status"
	// FailureInvalidResponse sends random binary data instead of a frame
	FailureInvalidResponse FailureType = "invalid_response"
	// FailureWebSocketClose sends WebSocket close frame with configurable code/reason
	FailureWebSocketClose FailureType = "websocket_close"
	// FailureDropConnection immediately closes the underlying network connection
	FailureDropConnection FailureType = "drop_connection"
)

// FailureConfig defines how and when to inject a specific failure type
type FailureConfig struct {
	Type FailureType
	// Probability of triggering this failure (0.0 to 1.0)
	Probability float64
	MinDelay    time.Duration
	MaxDelay    time.Duration
	// Code is the status code for FailureStatus.
	Code codes.Code
	// CloseCode is the WebSocket close code for FailureWebSocketClose
	CloseCode   uint16
	CloseReason string
}

// SetFailures replaces the failures injected into messages received on streams of kind.
func (s *Server) SetFailures(kind remote.StreamKind, failures ...FailureConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[kind] = failures
}

// applyFailure returns an error when the message must not be processed further.
func (s *Server) applyFailure(socket *gws.Conn, failure FailureConfig) error {
	switch failure.Type {
	case FailureRequestDelay:
		time.Sleep(randomDuration(failure.MinDelay, failure.MaxDelay))

	case FailureStatus:
		s.closeWithStatus(socket, failure.Code, "failure injection")
		return fmt.Errorf("stream failed with %v", failure.Code)

	case FailureInvalidResponse:
		data := make([]byte, 64)
		if _, err := rand.Read(data); err != nil {
			log.Printf("fakeserver: generating invalid response: %v", err)
		}
		if err := socket.WriteMessage(gws.OpcodeBinary, data); err != nil {
			log.Printf("fakeserver: writing invalid response: %v", err)
		}
		return fmt.Errorf("invalid response sent")

	case FailureWebSocketClose:
		code := failure.CloseCode
		if code == 0 {
			code = 1001
		}
		reason := failure.CloseReason
		if reason == "" {
			reason = "failure injection"
		}
		socket.WriteClose(code, []byte(reason))
		return fmt.Errorf("websocket close")

	case FailureDropConnection:
		_ = socket.NetConn().Close()
		return fmt.Errorf("connection dropped")
	}
	return nil
}

func shouldTriggerFailure(probability float64) bool {
	if probability <= 0 {
		return false
	}
	if probability >= 1 {
		return true
	}
	return cryptoRandFloat64() < probability
}

func randomDuration(dMin, dMax time.Duration) time.Duration {
	if dMin >= dMax {
		return dMin
	}
	return dMin + time.Duration(cryptoRandInt64(int64(dMax-dMin)))
}

// cryptoRandInt64 generates a cryptographically secure random int64 in [0, max)
func cryptoRandInt64(rMax int64) int64 {
	if rMax <= 0 {
		return 0
	}
	n, _ := rand.Int(rand.Reader, big.NewInt(rMax))
	return n.Int64()
}

// cryptoRandFloat64 generates a cryptographically secure random float64 in [0.0, 1.0)
func cryptoRandFloat64() float64 {
	n, _ := rand.Int(rand.Reader, big.NewInt(1<<53))
	return float64(n.Int64()) / float64(1<<53)
}
