// Package bridge accepts signaling envelopes from external clients over
// websockets and hands them to the relay controller.
//
// Each inbound envelope is validated on the session goroutine and pushed
// into a bounded channel read by the coordinating loop. The push never
// blocks: when the channel is full the envelope is dropped and the client
// receives a CHANNEL_OVERFLOW error.
package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/SWAI-Ltd/sigrelay/internal/identity"
	"github.com/SWAI-Ltd/sigrelay/internal/metrics"
	"github.com/SWAI-Ltd/sigrelay/internal/proto"
	"github.com/SWAI-Ltd/sigrelay/internal/relay"
)

const (
	defaultEnvelopeBuffer = 100
	defaultClientBuffer   = 32
	defaultWriteTimeout   = 10 * time.Second
	defaultPingInterval   = 30 * time.Second
)

// ErrClosed is returned once the bridge has been shut down.
var ErrClosed = errors.New("bridge: closed")

// Relayer is the part of the relay controller the bridge drives.
type Relayer interface {
	Relay(sender, target identity.PeerID, payload []byte) error
	Reject(target, about identity.PeerID, code, message string) error
	IsReachable(peer identity.PeerID) bool
}

// Config for New
type Config struct {
	// EnvelopeBuffer bounds the envelopes waiting for the coordinating loop.
	EnvelopeBuffer int
	// ClientBuffer bounds the messages queued per session. A client that
	// falls further behind is disconnected.
	ClientBuffer int
	// AllowedOrigins restricts the Origin header of upgrade requests. Empty
	// allows any origin.
	AllowedOrigins []string
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// Request is a validated envelope waiting to be relayed.
type Request struct {
	Session uuid.UUID
	From    identity.PeerID
	To      identity.PeerID
	Payload []byte
}

// Bridge is the websocket endpoint for external clients.
type Bridge struct {
	relay    Relayer
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	requests chan Request

	mu       sync.RWMutex
	closed   bool
	sessions map[uuid.UUID]*session
	byPeer   map[identity.PeerID]map[uuid.UUID]*session
}

// New creates a bridge relaying through r.
func New(r Relayer, cfg Config) *Bridge {
	if cfg.EnvelopeBuffer <= 0 {
		cfg.EnvelopeBuffer = defaultEnvelopeBuffer
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = defaultClientBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		relay:    r,
		cfg:      cfg,
		logger:   logger,
		requests: make(chan Request, cfg.EnvelopeBuffer),
		sessions: make(map[uuid.UUID]*session),
		byPeer:   make(map[identity.PeerID]map[uuid.UUID]*session),
	}
	b.upgrader = websocket.Upgrader{CheckOrigin: b.checkOrigin}
	return b
}

// Requests delivers validated envelopes in arrival order. It is never closed.
func (b *Bridge) Requests() <-chan Request {
	return b.requests
}

func (b *Bridge) checkOrigin(r *http.Request) bool {
	if len(b.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range b.cfg.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request to a websocket session. Peer ids given as
// ?peer=<id> are bound to the session up front.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var bind []identity.PeerID
	for _, s := range r.URL.Query()["peer"] {
		id, err := identity.ParsePeerID(s)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid peer %q", s), http.StatusBadRequest)
			return
		}
		bind = append(bind, id)
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	s := newSession(conn, b.cfg.ClientBuffer, b.logger)
	if !b.addSession(s, bind) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseServiceRestart, "shutting down"),
			time.Now().Add(b.cfg.WriteTimeout))
		conn.Close()
		return
	}
	s.logger.Info("client connected", "remote", r.RemoteAddr, "peers", len(bind))

	go s.writeLoop(b.cfg.WriteTimeout, b.cfg.PingInterval)
	b.readLoop(s)
}

func (b *Bridge) addSession(s *session, bind []identity.PeerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.sessions[s.id] = s
	for _, p := range bind {
		b.bindLocked(s, p)
	}
	b.cfg.Metrics.SessionOpened()
	return true
}

func (b *Bridge) removeSession(s *session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[s.id]; !ok {
		return
	}
	delete(b.sessions, s.id)
	for p := range s.peers {
		if set := b.byPeer[p]; set != nil {
			delete(set, s.id)
			if len(set) == 0 {
				delete(b.byPeer, p)
			}
		}
	}
	b.cfg.Metrics.SessionClosed()
}

func (b *Bridge) bind(s *session, p identity.PeerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[s.id]; ok {
		b.bindLocked(s, p)
	}
}

func (b *Bridge) bindLocked(s *session, p identity.PeerID) {
	if _, ok := s.peers[p]; ok {
		return
	}
	s.peers[p] = struct{}{}
	set := b.byPeer[p]
	if set == nil {
		set = make(map[uuid.UUID]*session)
		b.byPeer[p] = set
	}
	set[s.id] = s
}

func (b *Bridge) readLoop(s *session) {
	defer func() {
		b.removeSession(s)
		s.close()
		s.logger.Info("client disconnected")
	}()

	pongWait := 2 * b.cfg.PingInterval
	s.conn.SetReadLimit(proto.MaxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read failed", "err", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		b.handleMessage(s, data)
	}
}

func (b *Bridge) handleMessage(s *session, data []byte) {
	env, err := proto.ParseEnvelope(data)
	if err != nil && !errors.Is(err, proto.ErrMissingTarget) {
		b.refuse(s, proto.CodeInvalidEnvelope, err.Error(), "", metrics.ReasonInvalidEnvelope)
		return
	}
	from, ferr := identity.ParsePeerID(env.From)
	if ferr != nil {
		b.refuse(s, proto.CodeInvalidEnvelope, "from: "+ferr.Error(), env.To, metrics.ReasonInvalidEnvelope)
		return
	}
	b.bind(s, from)

	if errors.Is(err, proto.ErrMissingTarget) {
		b.refuse(s, proto.CodeMissingTarget, err.Error(), "", metrics.ReasonMissingTarget)
		return
	}
	to, terr := identity.ParsePeerID(env.To)
	if terr != nil {
		b.refuse(s, proto.CodeInvalidEnvelope, "to: "+terr.Error(), env.To, metrics.ReasonInvalidEnvelope)
		return
	}

	req := Request{Session: s.id, From: from, To: to, Payload: []byte(env.Signal)}
	select {
	case b.requests <- req:
	default:
		b.refuse(s, proto.CodeChannelOverflow, "relay is busy, envelope dropped", env.To, metrics.ReasonChannelOverflow)
	}
}

func (b *Bridge) refuse(s *session, code, message, to, reason string) {
	b.cfg.Metrics.Failed(reason)
	s.logger.Debug("envelope refused", "code", code, "err", message)
	b.sendTo(s, proto.ErrorMessage(code, message, to))
}

// sendTo queues msg for s and disconnects a session that cannot keep up.
func (b *Bridge) sendTo(s *session, msg *proto.ClientMessage) bool {
	if s.enqueue(msg) {
		return true
	}
	s.logger.Warn("client too slow, disconnecting")
	s.close()
	return false
}

// HandleRequest relays one envelope. A failure is reported back to the
// session that sent it and returned.
func (b *Bridge) HandleRequest(req Request) error {
	err := b.relay.Relay(req.From, req.To, req.Payload)
	if err == nil {
		b.cfg.Metrics.Relayed("bridge")
		return nil
	}
	code, reason := proto.CodeDeliveryFailed, metrics.ReasonHandlerRefused
	if errors.Is(err, relay.ErrPeerNotConnected) {
		code, reason = proto.CodePeerNotConnected, metrics.ReasonPeerNotConnected
	}
	b.cfg.Metrics.Failed(reason)
	b.logger.Info("relay failed", "from", req.From, "to", req.To, "err", err)

	b.mu.RLock()
	s := b.sessions[req.Session]
	b.mu.RUnlock()
	if s != nil {
		b.sendTo(s, proto.ErrorMessage(code, err.Error(), req.To.String()))
	}
	return err
}

// Forward routes a signal received from an overlay peer. Sessions bound to
// the target receive it directly; otherwise it is relayed over the overlay.
// When neither works the sending peer is told so.
//
// Websocket clients receive signals as JSON text, so a payload that is not
// valid UTF-8 is never handed to a session. If the overlay cannot take it
// either, the sender gets INVALID_ENVELOPE.
func (b *Bridge) Forward(ev relay.Received) {
	if ev.Target == "" {
		b.cfg.Metrics.Failed(metrics.ReasonMissingTarget)
		b.reject(ev.Peer, "", proto.CodeMissingTarget, proto.ErrMissingTarget.Error())
		return
	}
	text := utf8.Valid(ev.Payload)
	if text {
		if n := b.deliverToSessions(ev.Target, proto.SignalMessage(ev.Peer.String(), ev.Target.String(), ev.Payload)); n > 0 {
			b.cfg.Metrics.Relayed("overlay")
			return
		}
	}
	err := b.relay.Relay(ev.Peer, ev.Target, ev.Payload)
	if err == nil {
		b.cfg.Metrics.Relayed("overlay")
		return
	}
	if !text && b.Bound(ev.Target) {
		b.cfg.Metrics.Failed(metrics.ReasonInvalidEnvelope)
		b.reject(ev.Peer, ev.Target, proto.CodeInvalidEnvelope, "signal for a websocket client must be UTF-8 text")
		return
	}
	b.cfg.Metrics.Failed(metrics.ReasonPeerNotConnected)
	b.logger.Info("relay failed", "from", ev.Peer, "to", ev.Target, "err", err)
	b.reject(ev.Peer, ev.Target, proto.CodePeerNotConnected, err.Error())
}

// OnDeliveryFailed reports a dispatch failure to whoever sent the signal:
// the sessions bound to the sender, or the sender itself on the overlay.
func (b *Bridge) OnDeliveryFailed(de *relay.DeliveryError) {
	if de.Sender == "" {
		return
	}
	code, reason := proto.CodeDeliveryFailed, metrics.ReasonHandlerRefused
	if errors.Is(de, relay.ErrPeerNotConnected) {
		code, reason = proto.CodePeerNotConnected, metrics.ReasonPeerNotConnected
	}
	b.cfg.Metrics.Failed(reason)
	if b.deliverToSessions(de.Sender, proto.ErrorMessage(code, de.Error(), de.Target.String())) > 0 {
		return
	}
	b.reject(de.Sender, de.Target, code, de.Error())
}

func (b *Bridge) reject(peer, about identity.PeerID, code, message string) {
	if !b.relay.IsReachable(peer) {
		return
	}
	if err := b.relay.Reject(peer, about, code, message); err != nil {
		b.logger.Debug("reject failed", "peer", peer, "err", err)
	}
}

// deliverToSessions queues msg on every session bound to peer and returns
// how many accepted it.
func (b *Bridge) deliverToSessions(peer identity.PeerID, msg *proto.ClientMessage) int {
	b.mu.RLock()
	targets := make([]*session, 0, len(b.byPeer[peer]))
	for _, s := range b.byPeer[peer] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	n := 0
	for _, s := range targets {
		if b.sendTo(s, msg) {
			n++
		}
	}
	return n
}

// Bound reports whether a session is bound to peer.
func (b *Bridge) Bound(peer identity.PeerID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byPeer[peer]) > 0
}

// Sessions returns the number of open sessions.
func (b *Bridge) Sessions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// Close disconnects every session and refuses new ones.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.closed = true
	all := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		all = append(all, s)
	}
	b.mu.Unlock()

	for _, s := range all {
		s.close()
	}
	return nil
}
