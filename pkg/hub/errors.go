package hub

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateConnection is returned when a connection id is registered
	// twice without an intervening unregister. The existing registration is
	// left untouched and the new connection must be refused.
	ErrDuplicateConnection = errors.New("duplicate connection")

	// ErrUnknownConnection is returned by operations that require a live
	// registration, such as SetFilter.
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrInvalidApplication is returned when a handshake carries a missing,
	// non-numeric or non-positive application id.
	ErrInvalidApplication = errors.New("invalid application id")

	// ErrInvalidConnection is returned when a handshake has no connection id.
	ErrInvalidConnection = errors.New("invalid connection id")

	// ErrClosed is returned by OnOpen after the hub has been closed.
	ErrClosed = errors.New("hub closed")
)

// DeliveryReason classifies why a push to one subscriber failed
type DeliveryReason string

const (
	// ReasonOverflow means the subscriber's outbox was full
	ReasonOverflow DeliveryReason = "overflow"
	// ReasonPush means the transport returned an error or timed out
	ReasonPush DeliveryReason = "push"
)

// DeliveryError describes a failed delivery to a single subscriber.
// It never aborts a dispatch and is never retried.
type DeliveryError struct {
	ConnectionID  string
	ApplicationID int64
	GlobalID      int64
	Reason        DeliveryReason
	Err           error
}

func (e *DeliveryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("delivery to %s failed: %s", e.ConnectionID, e.Reason)
	}
	return fmt.Sprintf("delivery to %s failed: %s: %v", e.ConnectionID, e.Reason, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
