package relay

import (
	"github.com/SWAI-Ltd/sigrelay/internal/identity"
	"github.com/SWAI-Ltd/sigrelay/internal/transport"
)

// ConnID identifies one live overlay connection. Several connections may
// belong to the same peer.
type ConnID uint64

// Event is a pending delivery or lifecycle event. The set of variants is
// closed: Deliver, Reject, Established, Closed and Received.
type Event interface {
	event()
}

// Deliver carries a signal from Sender to one connection of Target.
type Deliver struct {
	Target  identity.PeerID
	Sender  identity.PeerID
	Payload []byte
	Conn    ConnID
}

// Reject tells an overlay peer that a signal it sent about Target could not
// be relayed.
type Reject struct {
	Target  identity.PeerID
	About   identity.PeerID
	Code    string
	Message string
	Conn    ConnID
}

// Established reports a new overlay connection.
type Established struct {
	Peer      identity.PeerID
	Conn      ConnID
	Direction transport.Direction
}

// Closed reports that an overlay connection went away.
type Closed struct {
	Peer   identity.PeerID
	Conn   ConnID
	Reason error
}

// Received is a signal that arrived from an overlay peer. Target is empty
// when the peer did not address it.
type Received struct {
	Peer    identity.PeerID
	Conn    ConnID
	Target  identity.PeerID
	Payload []byte
}

func (Deliver) event()     {}
func (Reject) event()      {}
func (Established) event() {}
func (Closed) event()      {}
func (Received) event()    {}
