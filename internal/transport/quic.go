package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/SWAI-Ltd/sigrelay/internal/identity"
	"github.com/SWAI-Ltd/sigrelay/internal/proto"
)

// Application error codes used when closing a QUIC connection.
const (
	CodeNormal        quic.ApplicationErrorCode = 0
	CodeProtocolError quic.ApplicationErrorCode = 1
	CodeDenied        quic.ApplicationErrorCode = 2
	CodeShutdown      quic.ApplicationErrorCode = 3
)

// streamPreamble is the first byte the dialer writes on the signaling stream.
// QUIC does not announce a stream to the remote side before data flows on it.
const streamPreamble byte = 0x53

const defaultHandshakeTimeout = 10 * time.Second

var (
	ErrConnectionDenied = errors.New("transport: connection denied")
	ErrListenerClosed   = errors.New("transport: listener closed")
)

// Direction tells which side opened an overlay connection.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// DefaultQUICConfig keeps idle signaling connections open; peers hold them
// for as long as they want to be reachable.
func DefaultQUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  5 * time.Minute,
		KeepAlivePeriod: 15 * time.Second,
	}
}

var nextConnID atomic.Uint64

// Conn is an authenticated overlay connection with its signaling stream.
type Conn struct {
	id        uint64
	peer      identity.PeerID
	dir       Direction
	conn      quic.Connection
	stream    quic.Stream
	closeOnce sync.Once
}

func newConn(conn quic.Connection, stream quic.Stream, peer identity.PeerID, dir Direction) *Conn {
	return &Conn{
		id:     nextConnID.Add(1),
		peer:   peer,
		dir:    dir,
		conn:   conn,
		stream: stream,
	}
}

// ID distinguishes simultaneous connections with the same peer.
func (c *Conn) ID() uint64 {
	return c.id
}

// Peer returns the authenticated identity of the remote side.
func (c *Conn) Peer() identity.PeerID {
	return c.peer
}

// Direction returns whether the remote side dialed us.
func (c *Conn) Direction() Direction {
	return c.dir
}

// RemoteAddr returns the peer address
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Conn) Read(p []byte) (int, error) {
	return c.stream.Read(p)
}

func (c *Conn) Write(p []byte) (int, error) {
	return c.stream.Write(p)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.stream.SetWriteDeadline(t)
}

// SendFrame encodes and sends a frame
func (c *Conn) SendFrame(f *proto.Frame) error {
	return f.Encode(c.stream)
}

// RecvFrame reads and decodes a frame
func (c *Conn) RecvFrame(f *proto.Frame) error {
	return f.Decode(c.stream)
}

// Close tears the connection down. A nil reason is a normal close; reasons
// wrapping proto.ErrProtocolDecode or context.Canceled map to their own
// application codes. Only the first call has an effect.
func (c *Conn) Close(reason error) error {
	var err error
	c.closeOnce.Do(func() {
		code, msg := CodeNormal, ""
		switch {
		case reason == nil:
		case errors.Is(reason, proto.ErrProtocolDecode):
			code, msg = CodeProtocolError, reason.Error()
		case errors.Is(reason, ErrConnectionDenied):
			code, msg = CodeDenied, reason.Error()
		case errors.Is(reason, context.Canceled):
			code, msg = CodeShutdown, "shutting down"
		default:
			msg = reason.Error()
		}
		c.stream.CancelRead(quic.StreamErrorCode(code))
		_ = c.stream.Close()
		err = c.conn.CloseWithError(code, msg)
	})
	return err
}

func serverTLSConfig(keys *identity.KeyPair) (*tls.Config, error) {
	cert, err := keys.TLSCertificate()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAnyClientCert,
		NextProtos:   []string{proto.SignalingProtocol},
		MinVersion:   tls.VersionTLS13,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			_, err := identity.PeerIDFromRawCerts(rawCerts)
			return err
		},
	}, nil
}

func clientTLSConfig(keys *identity.KeyPair, expect identity.PeerID) (*tls.Config, error) {
	cert, err := keys.TLSCertificate()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		// Peers present self-signed certificates; the identity check below
		// replaces chain verification.
		InsecureSkipVerify: true,
		NextProtos:         []string{proto.SignalingProtocol},
		MinVersion:         tls.VersionTLS13,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			id, err := identity.PeerIDFromRawCerts(rawCerts)
			if err != nil {
				return err
			}
			if expect != "" && id != expect {
				return fmt.Errorf("transport: remote is %s, expected %s", id, expect)
			}
			return nil
		},
	}, nil
}

// authenticate resolves the PeerID of an established QUIC connection and
// checks the negotiated protocol.
func authenticate(conn quic.Connection) (identity.PeerID, error) {
	state := conn.ConnectionState().TLS
	if state.NegotiatedProtocol != proto.SignalingProtocol {
		return "", fmt.Errorf("%w: protocol %q", ErrConnectionDenied, state.NegotiatedProtocol)
	}
	if len(state.PeerCertificates) == 0 {
		return "", fmt.Errorf("%w: no client certificate", ErrConnectionDenied)
	}
	id, err := identity.PeerIDFromCertificate(state.PeerCertificates[0])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrConnectionDenied, err)
	}
	return id, nil
}

// Config for Listen
type Config struct {
	QUIC             *quic.Config
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
	// OnDenied is called for every connection refused after the QUIC
	// handshake. Optional.
	OnDenied func(remoteAddr string, err error)
}

// Listener accepts authenticated overlay connections.
type Listener struct {
	ln     *quic.Listener
	cfg    Config
	logger *slog.Logger
	conns  chan *Conn
	done   chan struct{}
	once   sync.Once
}

// Listen binds addr and starts accepting. The accept loop stops when ctx is
// cancelled or Close is called.
func Listen(ctx context.Context, addr string, keys *identity.KeyPair, cfg Config) (*Listener, error) {
	tlsCfg, err := serverTLSConfig(keys)
	if err != nil {
		return nil, err
	}
	if cfg.QUIC == nil {
		cfg.QUIC = DefaultQUICConfig()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := quic.ListenAddr(addr, tlsCfg, cfg.QUIC)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		ln:     ln,
		cfg:    cfg,
		logger: logger,
		conns:  make(chan *Conn),
		done:   make(chan struct{}),
	}
	go l.acceptLoop(ctx)
	return l, nil
}

func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		sess, err := l.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return
			}
			l.logger.Debug("accept failed", "err", err)
			continue
		}
		go l.setup(ctx, sess)
	}
}

func (l *Listener) setup(ctx context.Context, sess quic.Connection) {
	peer, err := authenticate(sess)
	if err != nil {
		l.deny(sess, err)
		return
	}

	sctx, cancel := context.WithTimeout(ctx, l.cfg.HandshakeTimeout)
	defer cancel()
	stream, err := sess.AcceptStream(sctx)
	if err != nil {
		l.deny(sess, fmt.Errorf("%w: no signaling stream: %v", ErrConnectionDenied, err))
		return
	}
	var pre [1]byte
	_ = stream.SetReadDeadline(time.Now().Add(l.cfg.HandshakeTimeout))
	if _, err := io.ReadFull(stream, pre[:]); err != nil || pre[0] != streamPreamble {
		l.deny(sess, fmt.Errorf("%w: bad stream preamble", ErrConnectionDenied))
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	c := newConn(sess, stream, peer, Inbound)
	select {
	case l.conns <- c:
	case <-l.done:
		_ = c.Close(context.Canceled)
	case <-ctx.Done():
		_ = c.Close(context.Canceled)
	}
}

func (l *Listener) deny(sess quic.Connection, err error) {
	remote := sess.RemoteAddr().String()
	l.logger.Warn("connection denied", "remote", remote, "err", err)
	if l.cfg.OnDenied != nil {
		l.cfg.OnDenied(remote, err)
	}
	_ = sess.CloseWithError(CodeDenied, "denied")
}

// Accept returns the next authenticated connection.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr returns the address of the QUIC listener
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Close stops accepting. Established connections stay open.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.ln.Close()
	})
	return err
}

// Dial connects to a listening overlay endpoint and opens the signaling
// stream. When expect is non-empty the remote must present that identity.
func Dial(ctx context.Context, addr string, keys *identity.KeyPair, expect identity.PeerID, qcfg *quic.Config) (*Conn, error) {
	tlsCfg, err := clientTLSConfig(keys, expect)
	if err != nil {
		return nil, err
	}
	if qcfg == nil {
		qcfg = DefaultQUICConfig()
	}
	sess, err := quic.DialAddr(ctx, addr, tlsCfg, qcfg)
	if err != nil {
		return nil, err
	}
	peer, err := authenticate(sess)
	if err != nil {
		_ = sess.CloseWithError(CodeDenied, "denied")
		return nil, err
	}
	stream, err := sess.OpenStreamSync(ctx)
	if err != nil {
		_ = sess.CloseWithError(CodeNormal, "")
		return nil, err
	}
	if _, err := stream.Write([]byte{streamPreamble}); err != nil {
		_ = sess.CloseWithError(CodeNormal, "")
		return nil, err
	}
	return newConn(sess, stream, peer, Outbound), nil
}
