package relay

import (
	"errors"
	"fmt"

	"github.com/SWAI-Ltd/sigrelay/internal/identity"
)

var (
	// ErrPeerNotConnected is returned when the target of a relay has no live
	// overlay connection.
	ErrPeerNotConnected = errors.New("relay: peer not connected")

	// ErrPending is returned by Poll when no event is waiting.
	ErrPending = errors.New("relay: no pending event")

	ErrHandlerClosed    = errors.New("relay: connection handler closed")
	ErrOutboxFull       = errors.New("relay: connection outbox full")
	ErrUnsupportedEvent = errors.New("relay: event cannot be sent on a connection")
)

// DeliveryError reports a Deliver or Reject event that was dequeued but could
// not be handed to a connection of its target.
type DeliveryError struct {
	Sender identity.PeerID
	Target identity.PeerID
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("relay: delivery from %s to %s failed: %v", e.Sender, e.Target, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
