// Package server runs the relay: the QUIC overlay listener, the websocket
// bridge and the coordinating loop that connects them to the relay
// controller.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/SWAI-Ltd/sigrelay/internal/bridge"
	"github.com/SWAI-Ltd/sigrelay/internal/config"
	"github.com/SWAI-Ltd/sigrelay/internal/discovery"
	"github.com/SWAI-Ltd/sigrelay/internal/identity"
	"github.com/SWAI-Ltd/sigrelay/internal/logger"
	"github.com/SWAI-Ltd/sigrelay/internal/metrics"
	"github.com/SWAI-Ltd/sigrelay/internal/relay"
	"github.com/SWAI-Ltd/sigrelay/internal/transport"
)

const (
	// signalBuffer bounds the overlay signals waiting for the loop. A full
	// buffer stalls the read loop of the sending connection.
	signalBuffer    = 256
	shutdownTimeout = 5 * time.Second
)

// Server is one relay instance.
type Server struct {
	cfg     *config.Config
	keys    *identity.KeyPair
	base    *slog.Logger
	logger  *slog.Logger
	metrics *metrics.Metrics
	ctrl    *relay.Controller
	bridge  *bridge.Bridge

	signals chan relay.Received
	wake    chan struct{}

	ready       chan struct{}
	overlayAddr string
	bridgeAddr  string
}

// New creates a server. Nothing is bound until Run.
func New(cfg *config.Config, keys *identity.KeyPair, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}
	ctrl := relay.NewController(logger.Component(log, "relay"))
	s := &Server{
		cfg:     cfg,
		keys:    keys,
		base:    log,
		logger:  logger.Component(log, "server"),
		metrics: m,
		ctrl:    ctrl,
		signals: make(chan relay.Received, signalBuffer),
		wake:    make(chan struct{}, 1),
		ready:   make(chan struct{}),
	}
	s.bridge = bridge.New(ctrl, bridge.Config{
		EnvelopeBuffer: cfg.Bridge.EnvelopeBuffer,
		ClientBuffer:   cfg.Bridge.ClientBuffer,
		AllowedOrigins: cfg.Bridge.AllowedOrigins,
		WriteTimeout:   cfg.Overlay.WriteTimeout,
		Metrics:        m,
		Logger:         logger.Component(log, "bridge"),
	})
	return s
}

// Controller exposes the relay controller.
func (s *Server) Controller() *relay.Controller {
	return s.ctrl
}

// Ready is closed once both endpoints are bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// OverlayAddr returns the bound overlay address. Valid after Ready.
func (s *Server) OverlayAddr() string {
	return s.overlayAddr
}

// BridgeAddr returns the bound bridge address. Valid after Ready.
func (s *Server) BridgeAddr() string {
	return s.bridgeAddr
}

// Run binds both endpoints and serves until ctx is cancelled. A bind failure
// is returned immediately; everything else is logged.
func (s *Server) Run(ctx context.Context) error {
	ln, err := transport.Listen(ctx, s.cfg.Overlay.Listen, s.keys, transport.Config{
		QUIC: &quic.Config{
			MaxIdleTimeout:  s.cfg.Overlay.MaxIdleTimeout,
			KeepAlivePeriod: s.cfg.Overlay.KeepAlivePeriod,
		},
		Logger: logger.Component(s.base, "transport"),
		OnDenied: func(string, error) {
			s.metrics.ConnectionDenied()
		},
	})
	if err != nil {
		s.logger.Error("overlay bind failed", "addr", s.cfg.Overlay.Listen, "err", err)
		return fmt.Errorf("server: bind overlay %s: %w", s.cfg.Overlay.Listen, err)
	}
	httpLn, err := net.Listen("tcp", s.cfg.Bridge.Listen)
	if err != nil {
		_ = ln.Close()
		s.logger.Error("bridge bind failed", "addr", s.cfg.Bridge.Listen, "err", err)
		return fmt.Errorf("server: bind bridge %s: %w", s.cfg.Bridge.Listen, err)
	}
	s.overlayAddr = ln.Addr()
	s.bridgeAddr = httpLn.Addr().String()
	close(s.ready)

	s.logger.Info("relay listening",
		"peer", s.keys.ID(),
		"overlay", s.overlayAddr,
		"bridge", "ws://"+s.bridgeAddr+s.cfg.Bridge.Path)

	disc := s.advertise()
	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.acceptLoop(gctx, ln)
		return nil
	})
	g.Go(func() error {
		if err := httpSrv.Serve(httpLn); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: bridge: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.loop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown(ln, httpSrv, disc)
	})
	return g.Wait()
}

func (s *Server) advertise() *discovery.Discovery {
	if !s.cfg.Discovery.Enabled {
		return nil
	}
	port, err := discovery.ListenPort(s.overlayAddr)
	if err == nil {
		var d *discovery.Discovery
		d, err = discovery.Advertise(s.cfg.Discovery.Instance, port, s.keys.ID(), func(r discovery.Relay) {
			s.logger.Info("relay discovered", "name", r.Name, "addr", r.Addr, "peer", r.ID, "proto", r.Protocol)
		})
		if err == nil {
			return d
		}
	}
	s.logger.Warn("mDNS advertisement disabled", "err", err)
	return nil
}

func (s *Server) shutdown(ln *transport.Listener, httpSrv *http.Server, disc *discovery.Discovery) error {
	s.logger.Info("relay shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Peers must be closed while the listener still owns the UDP socket,
	// otherwise the close frames are never sent.
	s.ctrl.CloseAll(context.Canceled)
	err := multierr.Combine(
		ln.Close(),
		httpSrv.Shutdown(ctx),
		s.bridge.Close(),
	)
	if disc != nil {
		err = multierr.Append(err, disc.Close())
	}
	return err
}

// Handler returns the HTTP handler serving the bridge, /healthz and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Bridge.Path, s.bridge)
	mux.HandleFunc(config.HealthPath, s.health)
	if s.metrics != nil {
		mux.Handle(s.cfg.Metrics.Path, s.metrics.Handler())
	}
	return mux
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	st := s.ctrl.Stats()
	reachable := s.ctrl.Peers()
	slices.Sort(reachable)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"peer":        s.keys.ID(),
		"peers":       st.Peers,
		"connections": st.Connections,
		"sessions":    s.bridge.Sessions(),
		"reachable":   reachable,
	})
}

func (s *Server) acceptLoop(ctx context.Context, ln *transport.Listener) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, transport.ErrListenerClosed) {
				s.logger.Warn("overlay accept failed", "err", err)
			}
			return
		}
		s.attach(ctx, conn)
	}
}

// attach registers conn with the controller and starts its handler.
func (s *Server) attach(ctx context.Context, conn *transport.Conn) {
	peer, id := conn.Peer(), relay.ConnID(conn.ID())
	h := relay.NewConnHandler(peer, id, conn, relay.HandlerConfig{
		OutboxSize:   s.cfg.Overlay.OutboxSize,
		WriteTimeout: s.cfg.Overlay.WriteTimeout,
		OnSignal: func(r relay.Received) {
			select {
			case s.signals <- r:
			case <-ctx.Done():
			}
		},
		OnClosed: func(reason error) {
			s.ctrl.OnConnectionClosed(peer, id, reason)
			s.notify()
		},
		Logger: logger.Component(s.base, "conn"),
	})
	s.ctrl.OnConnectionEstablished(peer, id, conn.Direction(), h)
	h.Start()
	s.notify()
}

func (s *Server) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// loop is the coordinating loop. It waits on the overlay and the bridge,
// feeds whichever produced a value to the controller and then drains the
// controller's queue.
func (s *Server) loop(ctx context.Context) {
	requests := s.bridge.Requests()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case r := <-s.signals:
			s.ctrl.OnSignalReceived(r)
		case req := <-requests:
			_ = s.bridge.HandleRequest(req)
		}
		s.drain()
	}
}

func (s *Server) drain() {
	for {
		ev, err := s.ctrl.Poll()
		if errors.Is(err, relay.ErrPending) {
			break
		}
		var de *relay.DeliveryError
		switch {
		case errors.As(err, &de):
			s.logger.Info("delivery failed", "from", de.Sender, "to", de.Target, "err", de.Err)
			s.bridge.OnDeliveryFailed(de)
		case err != nil:
			s.logger.Warn("poll failed", "err", err)
		}

		switch e := ev.(type) {
		case relay.Established:
			s.metrics.ConnectionEstablished()
		case relay.Closed:
			s.metrics.ConnectionClosed()
		case relay.Received:
			s.metrics.SignalReceived()
			s.bridge.Forward(e)
		case relay.Deliver:
			if err == nil {
				s.logger.Debug("signal delivered", "from", e.Sender, "to", e.Target, "conn", e.Conn)
			}
		}
	}
	st := s.ctrl.Stats()
	s.metrics.SetState(st.Peers, st.Connections, st.Pending)
}
