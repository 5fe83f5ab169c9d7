// Package server defines the sentinel errors and utility helpers that are
// reused across client, hub and session logic.
package server

import (
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrProtocolViolation marks a well-formed frame that is not valid in the
	// current session state, such as chat before join.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrUnknownRecipient means the chat target is not online.
	ErrUnknownRecipient = errors.New("unknown recipient")
	// ErrConnClosed is returned by Send on a closed connection.
	ErrConnClosed = errors.New("connection closed")
	// ErrSendBufferFull is returned by Send when the outgoing queue is full.
	ErrSendBufferFull = errors.New("send buffer full")
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
