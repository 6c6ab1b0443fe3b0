package domain

import "errors"

var (
	// Dial failures, surfaced to the caller and never retried here.
	ErrUnreachable = errors.New("peer unreachable")
	ErrTLSRejected = errors.New("tls handshake rejected")
	ErrDialTimeout = errors.New("dial timed out")

	// Connection-fatal conditions.
	ErrConnectionClosed = errors.New("connection closed")
	ErrProtocol         = errors.New("protocol error")
	ErrCorruptFrame     = errors.New("corrupt protocol frame")
	ErrVersionMismatch  = errors.New("protocol version mismatch")
	ErrIdentityConflict = errors.New("peer identity conflict")

	// Registry.
	ErrPeerNotFound      = errors.New("peer not found")
	ErrAlreadyRegistered = errors.New("peer already registered")

	// Session layer.
	ErrSessionState = errors.New("message not valid in current session state")
	ErrStreamFault  = errors.New("keyframe delivery exhausted retries")
	ErrNoSuchShare  = errors.New("no such share")
)

// CloseReason labels why a connection was torn down.
type CloseReason string

const (
	CloseRequested     CloseReason = "requested"
	ClosePeerLost      CloseReason = "peer_lost"
	CloseProtocolError CloseReason = "protocol_error"
	CloseShutdown      CloseReason = "shutdown"
)
