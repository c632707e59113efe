package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error codes reported to clients and peers.
const (
	CodePeerNotConnected = "PEER_NOT_CONNECTED"
	CodeMissingTarget    = "MISSING_TARGET"
	CodeInvalidEnvelope  = "INVALID_ENVELOPE"
	CodeChannelOverflow  = "CHANNEL_OVERFLOW"
	CodeDeliveryFailed   = "DELIVERY_FAILED"
)

// Client message types
const (
	ClientTypeSignal = "signal"
	ClientTypeError  = "error"
)

var (
	ErrInvalidEnvelope = errors.New("proto: invalid envelope")
	ErrMissingTarget   = errors.New("proto: envelope has no target")
)

// Envelope is one message from an external client on the bridge endpoint.
// Signal is opaque to the relay; it is usually an SDP offer or answer.
type Envelope struct {
	From   string `json:"from"`
	To     string `json:"to,omitempty"`
	Signal string `json:"signal"`
}

// ParseEnvelope decodes and checks a client message. Peer ids are validated
// by the caller, which owns the id format.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if e.From == "" {
		return nil, fmt.Errorf("%w: missing from", ErrInvalidEnvelope)
	}
	if e.To == "" {
		return &e, ErrMissingTarget
	}
	return &e, nil
}

// ClientMessage is sent by the bridge to an external client: either a signal
// relayed to one of its peers, or a failure notification for an envelope it
// sent earlier.
type ClientMessage struct {
	Type    string `json:"type"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Signal  string `json:"signal,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// SignalMessage builds the client message for a relayed signal. payload must
// be valid UTF-8: JSON encoding replaces invalid bytes.
func SignalMessage(from, to string, payload []byte) *ClientMessage {
	return &ClientMessage{Type: ClientTypeSignal, From: from, To: to, Signal: string(payload)}
}

// ErrorMessage builds a failure notification; to is the target of the
// envelope that failed.
func ErrorMessage(code, message, to string) *ClientMessage {
	return &ClientMessage{Type: ClientTypeError, Code: code, Message: message, To: to}
}
