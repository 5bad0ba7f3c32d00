package nip46

import "errors"

var (
	// ErrRateLimited is returned when a peer exceeds its request budget.
	ErrRateLimited = errors.New("rate limited")

	// ErrReplayDetected is returned when a request id has already been
	// processed inside the replay window.
	ErrReplayDetected = errors.New("request replay detected")

	// ErrPermissionDenied is returned when the peer holds no grant for
	// the requested operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrTimeout is returned when a remote call receives no response
	// before its deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrConnectionClosed is returned for calls issued on, or pending
	// across, a disconnected client.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrExecution wraps failures inside an otherwise authorized
	// operation, signing, encryption, malformed params.
	ErrExecution = errors.New("execution failed")

	// ErrInvalidAuthURL is returned when a signer-supplied challenge
	// URL fails validation.
	ErrInvalidAuthURL = errors.New("invalid auth url")

	// ErrNotConnected is returned for remote calls before a handshake
	// has completed.
	ErrNotConnected = errors.New("not connected")
)
