package rpcfunk

import (
	"errors"

	"github.com/google/uuid"
)

// Errors reported through delivery callbacks and session close events
var (
	ErrHandshakeViolation = errors.New("handshake violation")
	ErrQueueOverflow      = errors.New("pending queue is full")
	ErrPeerRemoved        = errors.New("peer removed from topology")
	ErrStopped            = errors.New("session manager is stopped")
	ErrSessionClosed      = errors.New("session closed")
	ErrInvalidFrame       = errors.New("invalid frame")
)

// SessionID identifies a logical session. It is kept when a session to the
// same peer is reestablished.
type SessionID string

// NewSessionID mints a new session ID
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}
