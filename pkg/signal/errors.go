package signal

import "errors"

var (
	// ErrInvalidMessage is returned for records missing required fields
	ErrInvalidMessage = errors.New("signal: invalid message")
	// ErrInvalidPayload is returned when data does not match the record type
	ErrInvalidPayload = errors.New("signal: invalid payload")
	// ErrUnknownType is returned for unrecognized message types
	ErrUnknownType = errors.New("signal: unknown message type")
	// ErrUnknownRole is returned for unrecognized sender roles
	ErrUnknownRole = errors.New("signal: unknown sender role")
	// ErrSubscriptionClosed is returned by operations on a closed feed
	ErrSubscriptionClosed = errors.New("signal: subscription closed")
	// ErrMailboxClosed is returned by operations on a closed mailbox
	ErrMailboxClosed = errors.New("signal: mailbox closed")
	// ErrUnauthorized is returned when a token does not grant the device
	ErrUnauthorized = errors.New("signal: unauthorized")
	ErrInvalidDevice = errors.New("signal: invalid device id")
)
