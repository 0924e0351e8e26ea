package peer

import (
	"errors"
	"fmt"
)

var (
	// ErrNegotiation is a malformed or rejected session description
	ErrNegotiation = errors.New("peer: negotiation failed")
	// ErrICEFailed means no viable network path was found
	ErrICEFailed = errors.New("peer: ice connection failed")
	// ErrTransientLoss is a disconnect that did not recover within the grace window
	ErrTransientLoss = errors.New("peer: connection lost")
	// ErrStaleMedia means the local stream can no longer feed viewers
	ErrStaleMedia = errors.New("peer: local media is stale")
	// ErrMailbox wraps signaling store failures
	ErrMailbox = errors.New("peer: mailbox operation failed")
	// ErrBroadcasterNotActive means no broadcaster answered within the connect timeout
	ErrBroadcasterNotActive = errors.New("peer: broadcaster is not actively streaming")

	ErrAlreadyBroadcasting = errors.New("peer: already broadcasting")
	ErrNotBroadcasting     = errors.New("peer: not broadcasting")
	ErrSessionNotFound     = errors.New("peer: session not found")

	errNotReady = errors.New("peer: session not ready")
)

func wrapNegotiation(err error) error {
	return fmt.Errorf("%w: %v", ErrNegotiation, err)
}

func wrapMailbox(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrMailbox, op, err)
}
