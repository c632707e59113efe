package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SWAI-Ltd/sigrelay/internal/identity"
	"github.com/SWAI-Ltd/sigrelay/internal/proto"
)

// Stream is the byte stream of one overlay connection. *transport.Conn
// satisfies it.
type Stream interface {
	io.Reader
	io.Writer
	SetWriteDeadline(t time.Time) error
	Close(reason error) error
}

// State of one direction of a ConnHandler.
type State int32

const (
	StateIdle State = iota
	StateSending
	StateReceiving
)

func (s State) String() string {
	switch s {
	case StateSending:
		return "sending"
	case StateReceiving:
		return "receiving"
	default:
		return "idle"
	}
}

const (
	defaultOutboxSize   = 32
	defaultWriteTimeout = 10 * time.Second
)

// HandlerConfig for NewConnHandler
type HandlerConfig struct {
	// OutboxSize bounds the frames waiting to be written.
	OutboxSize   int
	WriteTimeout time.Duration
	// OnSignal receives every valid inbound signal.
	OnSignal func(Received)
	// OnClosed is called once when the connection ends for any reason:
	// remote close, transmit failure, malformed input or Close.
	OnClosed func(reason error)
	Logger   *slog.Logger
}

// ConnHandler carries signals over one overlay connection. Outbound frames
// are queued by Notify and written by a writer goroutine; a reader goroutine
// decodes inbound frames. The two run independently.
type ConnHandler struct {
	peer   identity.PeerID
	conn   ConnID
	stream Stream
	cfg    HandlerConfig
	logger *slog.Logger

	outbox chan *proto.Frame
	done   chan struct{}

	sendState atomic.Int32
	recvState atomic.Int32

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

// NewConnHandler creates a handler for stream. Call Start to run it.
func NewConnHandler(peer identity.PeerID, conn ConnID, stream Stream, cfg HandlerConfig) *ConnHandler {
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = defaultOutboxSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnHandler{
		peer:   peer,
		conn:   conn,
		stream: stream,
		cfg:    cfg,
		logger: logger.With("peer", peer.ShortString(), "conn", conn),
		outbox: make(chan *proto.Frame, cfg.OutboxSize),
		done:   make(chan struct{}),
	}
}

// Start launches the reader and writer goroutines.
func (h *ConnHandler) Start() {
	go h.writeLoop()
	go h.readLoop()
}

// Peer returns the remote identity.
func (h *ConnHandler) Peer() identity.PeerID {
	return h.peer
}

// ID returns the connection id.
func (h *ConnHandler) ID() ConnID {
	return h.conn
}

func (h *ConnHandler) SendState() State {
	return State(h.sendState.Load())
}

func (h *ConnHandler) RecvState() State {
	return State(h.recvState.Load())
}

// Done is closed once the handler has shut down.
func (h *ConnHandler) Done() <-chan struct{} {
	return h.done
}

// Notify queues a Deliver or Reject event for transmission. It never blocks:
// a full outbox is reported as ErrOutboxFull.
func (h *ConnHandler) Notify(ev Event) error {
	var f *proto.Frame
	switch e := ev.(type) {
	case Deliver:
		f = proto.NewSignal(e.Sender.String(), e.Target.String(), e.Payload)
	case Reject:
		f = proto.NewError(e.Code, e.Message, e.About.String())
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedEvent, ev)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandlerClosed
	}
	select {
	case h.outbox <- f:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Close shuts the connection down with reason. Safe to call more than once.
func (h *ConnHandler) Close(reason error) {
	h.shutdown(reason)
}

func (h *ConnHandler) shutdown(reason error) {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()

		close(h.done)
		if err := h.stream.Close(reason); err != nil {
			h.logger.Debug("stream close", "err", err)
		}
		if h.cfg.OnClosed != nil {
			h.cfg.OnClosed(reason)
		}
	})
}

func (h *ConnHandler) writeLoop() {
	for {
		select {
		case <-h.done:
			return
		case f := <-h.outbox:
			h.sendState.Store(int32(StateSending))
			_ = h.stream.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			err := f.Encode(h.stream)
			h.sendState.Store(int32(StateIdle))
			if err != nil {
				h.logger.Warn("transmit failed", "err", err)
				h.shutdown(fmt.Errorf("transmit: %w", err))
				return
			}
		}
	}
}

func (h *ConnHandler) readLoop() {
	var f proto.Frame
	for {
		err := f.Decode(h.stream)
		if err == nil {
			h.recvState.Store(int32(StateReceiving))
			err = h.handleFrame(&f)
			h.recvState.Store(int32(StateIdle))
		}
		if err != nil {
			h.readFailed(err)
			return
		}
	}
}

func (h *ConnHandler) readFailed(err error) {
	select {
	case <-h.done:
		return
	default:
	}
	switch {
	case errors.Is(err, proto.ErrProtocolDecode):
		h.logger.Warn("protocol decode error", "err", err)
	case errors.Is(err, io.EOF):
		err = nil
	default:
		h.logger.Debug("read ended", "err", err)
	}
	h.shutdown(err)
}

func (h *ConnHandler) handleFrame(f *proto.Frame) error {
	switch f.Type {
	case proto.FrameTypeSignal:
		s := f.Signal
		if identity.PeerID(s.Sender) != h.peer {
			return &proto.DecodeError{Reason: fmt.Sprintf("sender %q does not match connection peer", s.Sender)}
		}
		var target identity.PeerID
		if s.Target != "" {
			t, err := identity.ParsePeerID(s.Target)
			if err != nil {
				return &proto.DecodeError{Reason: "bad target", Err: err}
			}
			target = t
		}
		if h.cfg.OnSignal != nil {
			h.cfg.OnSignal(Received{Peer: h.peer, Conn: h.conn, Target: target, Payload: s.Payload})
		}
	case proto.FrameTypeError:
		h.logger.Debug("ignoring error frame from peer", "code", f.Error.Code)
	}
	return nil
}
