package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// SignalingProtocol is negotiated as the ALPN of every overlay connection.
// Both ends must offer it or the handshake fails.
const SignalingProtocol = "/libp2p/webrtc-signaling/1.0.0"

// MaxFrameSize bounds the encoded body of a single frame.
const MaxFrameSize = 1024 * 1024

// Frame types
const (
	FrameTypeSignal = 1
	FrameTypeError  = 2
)

var ErrProtocolDecode = errors.New("proto: malformed frame")

// DecodeError reports malformed inbound bytes. It matches ErrProtocolDecode
// with errors.Is.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("proto: malformed frame: %s: %v", e.Reason, e.Err)
	}
	return "proto: malformed frame: " + e.Reason
}

func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrProtocolDecode, e.Err}
	}
	return []error{ErrProtocolDecode}
}

// SignalFrame carries one opaque signaling payload. On the relay → peer
// direction Sender is the originating peer; on the peer → relay direction
// Sender must equal the authenticated peer of the connection.
type SignalFrame struct {
	Sender  string `cbor:"1,keyasint"`
	Target  string `cbor:"2,keyasint,omitempty"`
	Payload []byte `cbor:"3,keyasint"`
}

// ErrorFrame tells a peer that a signal it sent could not be relayed.
type ErrorFrame struct {
	Code    string `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint,omitempty"`
	// Target is the peer the failed signal was addressed to.
	Target string `cbor:"3,keyasint,omitempty"`
}

// Frame is the top-level overlay wire message.
type Frame struct {
	Type   int          `cbor:"1,keyasint"`
	Signal *SignalFrame `cbor:"2,keyasint,omitempty"`
	Error  *ErrorFrame  `cbor:"3,keyasint,omitempty"`
}

const maxNestedLevels = 8

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("proto: CBOR encoder initialization failed: " + err.Error())
	}
	// Frames are two maps deep; byte strings are capped by the length prefix.
	decMode, err = cbor.DecOptions{
		MaxNestedLevels:  maxNestedLevels,
		MaxArrayElements: 16,
		MaxMapPairs:      16,
	}.DecMode()
	if err != nil {
		panic("proto: CBOR decoder initialization failed: " + err.Error())
	}
}

// Validate checks that the body matching Type is present.
func (f *Frame) Validate() error {
	switch f.Type {
	case FrameTypeSignal:
		if f.Signal == nil {
			return &DecodeError{Reason: "signal frame without body"}
		}
	case FrameTypeError:
		if f.Error == nil {
			return &DecodeError{Reason: "error frame without body"}
		}
	default:
		return &DecodeError{Reason: fmt.Sprintf("unknown frame type %d", f.Type)}
	}
	return nil
}

// Encode writes a length-prefixed CBOR frame to w
func (f *Frame) Encode(w io.Writer) error {
	data, err := encMode.Marshal(f)
	if err != nil {
		return err
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("proto: frame of %d bytes exceeds limit", len(data))
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err = w.Write(buf)
	return err
}

// Decode reads a length-prefixed CBOR frame from r. Transport errors
// (including io.EOF) are returned as is; anything wrong with the bytes
// themselves is a *DecodeError.
func (f *Frame) Decode(r io.Reader) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameSize {
		return &DecodeError{Reason: fmt.Sprintf("frame length %d exceeds limit", length)}
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	*f = Frame{}
	if err := decMode.Unmarshal(data, f); err != nil {
		return &DecodeError{Reason: "invalid CBOR", Err: err}
	}
	return f.Validate()
}

// NewSignal builds a signal frame.
func NewSignal(sender, target string, payload []byte) *Frame {
	return &Frame{Type: FrameTypeSignal, Signal: &SignalFrame{Sender: sender, Target: target, Payload: payload}}
}

// NewError builds an error frame.
func NewError(code, message, target string) *Frame {
	return &Frame{Type: FrameTypeError, Error: &ErrorFrame{Code: code, Message: message, Target: target}}
}
