package realtime

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Send when the connection is not open.
var ErrNotConnected = errors.New("realtime: not connected")

// ErrClosed is returned by Connect when Close ran while the dial was in flight.
var ErrClosed = errors.New("realtime: manager closed")

// WebSocket close codes the backend uses.
const (
	CloseNormal       = 1000
	CloseUnauthorized = 4001
	CloseForbidden    = 4003
)

// AuthError reports a rejected handshake. It is terminal: the manager never
// retries after it.
type AuthError struct {
	Status int // HTTP status of a failed upgrade, if any
	Code   int // close code, if the server closed the socket
	Reason string
}

func (e *AuthError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("realtime: authentication rejected (http %d)", e.Status)
	case e.Code != 0:
		return fmt.Sprintf("realtime: authentication rejected (close %d: %s)", e.Code, e.Reason)
	default:
		return fmt.Sprintf("realtime: authentication rejected: %s", e.Reason)
	}
}

// ConnectionError is a transport failure. It triggers the retry policy.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("realtime %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CloseError is returned by Conn.Read when the peer closed the socket.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("closed with code %d: %s", e.Code, e.Reason)
}

func isAuthClose(code int) bool {
	return code == CloseUnauthorized || code == CloseForbidden
}
