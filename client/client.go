// Package client is the SDK for overlay peers: it connects to a relay over
// QUIC, sends signals to other peers and delivers the signals addressed to
// this peer on a channel.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/SWAI-Ltd/sigrelay/internal/identity"
	"github.com/SWAI-Ltd/sigrelay/internal/proto"
	"github.com/SWAI-Ltd/sigrelay/internal/transport"
)

const (
	// DefaultBuffer is the capacity of the Signals() and Errors() channels.
	DefaultBuffer = 64
)

// ErrClosed is returned when using a client after Close.
var ErrClosed = errors.New("client closed")

// Signal is a signal relayed to this peer.
type Signal struct {
	From    identity.PeerID
	Payload []byte
}

// RelayError is a failure reported by the relay for a signal this peer sent.
type RelayError struct {
	Code    string
	Message string
	// Target is the peer the failed signal was addressed to.
	Target identity.PeerID
}

func (e RelayError) Error() string {
	return fmt.Sprintf("relay: %s: %s", e.Code, e.Message)
}

// Config configures the client.
type Config struct {
	// RelayAddr is the relay overlay address (e.g. "localhost:9090").
	RelayAddr string
	// KeyPair is this peer's identity; nil generates an ephemeral one.
	KeyPair *identity.KeyPair
	// RelayID pins the relay identity. Empty accepts any relay.
	RelayID identity.PeerID
	// Buffer sets the capacity of the receive channels; 0 uses DefaultBuffer.
	Buffer int
	Logger *slog.Logger
}

// Client is one overlay connection to a relay.
type Client struct {
	keys    *identity.KeyPair
	conn    *transport.Conn
	logger  *slog.Logger
	signals chan Signal
	errs    chan RelayError
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

// New dials the relay. The connection stays open until Close or until the
// relay goes away, at which point Signals() and Errors() are closed.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.RelayAddr == "" {
		return nil, errors.New("client: relay address required")
	}
	keys := cfg.KeyPair
	if keys == nil {
		var err error
		if keys, err = identity.Generate(); err != nil {
			return nil, err
		}
	}
	buf := cfg.Buffer
	if buf <= 0 {
		buf = DefaultBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := transport.Dial(ctx, cfg.RelayAddr, keys, cfg.RelayID, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial relay: %w", err)
	}
	c := &Client{
		keys:    keys,
		conn:    conn,
		logger:  logger.With("relay", conn.Peer().ShortString()),
		signals: make(chan Signal, buf),
		errs:    make(chan RelayError, buf),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// ID returns this peer's identity.
func (c *Client) ID() identity.PeerID {
	return c.keys.ID()
}

// RelayID returns the identity the relay presented.
func (c *Client) RelayID() identity.PeerID {
	return c.conn.Peer()
}

// Signal sends payload to peer to through the relay. The relay reports
// delivery failures asynchronously on Errors().
func (c *Client) Signal(ctx context.Context, to identity.PeerID, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.SendFrame(proto.NewSignal(c.ID().String(), to.String(), payload))
}

// Signals returns the channel of signals addressed to this peer.
func (c *Client) Signals() <-chan Signal {
	return c.signals
}

// Errors returns the channel of relay failures for signals this peer sent.
func (c *Client) Errors() <-chan RelayError {
	return c.errs
}

// Done is closed when the connection to the relay has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readLoop() {
	defer func() {
		close(c.signals)
		close(c.errs)
		close(c.done)
	}()
	var f proto.Frame
	for {
		if err := c.conn.RecvFrame(&f); err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Debug("relay connection ended", "err", err)
			}
			_ = c.conn.Close(err)
			return
		}
		switch f.Type {
		case proto.FrameTypeSignal:
			from, err := identity.ParsePeerID(f.Signal.Sender)
			if err != nil {
				c.logger.Warn("signal with invalid sender", "err", err)
				continue
			}
			select {
			case c.signals <- Signal{From: from, Payload: f.Signal.Payload}:
			default:
				c.logger.Warn("signal dropped, receiver too slow", "from", from.ShortString())
			}
		case proto.FrameTypeError:
			e := RelayError{Code: f.Error.Code, Message: f.Error.Message, Target: identity.PeerID(f.Error.Target)}
			select {
			case c.errs <- e:
			default:
				c.logger.Warn("relay error dropped, receiver too slow", "code", e.Code)
			}
		}
	}
}

// Close shuts the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	err := c.conn.Close(nil)
	<-c.done
	return err
}
