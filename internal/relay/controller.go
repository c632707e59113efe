package relay

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/SWAI-Ltd/sigrelay/internal/identity"
	"github.com/SWAI-Ltd/sigrelay/internal/transport"
)

// Handler is the capability the controller needs from a live connection.
// Notify must not block.
type Handler interface {
	Notify(ev Event) error
	Close(reason error)
}

// Stats is a point-in-time view of the controller.
type Stats struct {
	Peers       int
	Connections int
	Pending     int
}

// Controller tracks reachable peers, turns relay requests into per-connection
// deliveries and hands them to connection handlers. All state sits behind
// one mutex, so the lifecycle callbacks, Relay and Poll may be called from
// different goroutines.
type Controller struct {
	mu       sync.Mutex
	dir      *Directory
	queue    *Queue
	handlers map[ConnID]Handler
	logger   *slog.Logger
}

// NewController creates an empty controller. A nil logger uses slog.Default.
func NewController(logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		dir:      NewDirectory(),
		queue:    NewQueue(),
		handlers: make(map[ConnID]Handler),
		logger:   logger,
	}
}

// OnConnectionEstablished registers conn for peer and queues an Established
// event. A connection that is already registered is ignored.
func (c *Controller) OnConnectionEstablished(peer identity.PeerID, conn ConnID, dir transport.Direction, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.dir.Register(peer, conn) {
		c.logger.Warn("connection already registered", "peer", peer, "conn", conn)
		return
	}
	c.handlers[conn] = h
	c.queue.Enqueue(Established{Peer: peer, Conn: conn, Direction: dir})
	c.logger.Info("connection established",
		"peer", peer, "conn", conn, "direction", dir,
		"connections", c.dir.ConnectionCount(peer))
}

// OnConnectionClosed unregisters conn and queues a Closed event. Calling it
// for a connection that is not registered does nothing, so each connection
// yields exactly one Closed event.
func (c *Controller) OnConnectionClosed(peer identity.PeerID, conn ConnID, reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.dir.Unregister(peer, conn) {
		return
	}
	delete(c.handlers, conn)
	c.queue.Enqueue(Closed{Peer: peer, Conn: conn, Reason: reason})
	c.logger.Info("connection closed",
		"peer", peer, "conn", conn, "reason", reason,
		"connections", c.dir.ConnectionCount(peer))
}

// OnSignalReceived queues a signal that arrived from an overlay peer.
func (c *Controller) OnSignalReceived(ev Received) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue.Enqueue(ev)
}

// Relay queues one delivery of payload from sender to target, addressed to
// the target's most recently established connection. It fails with
// ErrPeerNotConnected, queueing nothing, when target is unreachable.
func (c *Controller) Relay(sender, target identity.PeerID, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, ok := c.dir.Preferred(target)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, target)
	}
	c.queue.Enqueue(Deliver{Target: target, Sender: sender, Payload: payload, Conn: conn})
	c.logger.Debug("relay queued", "from", sender, "to", target, "conn", conn, "bytes", len(payload))
	return nil
}

// Reject queues an error notification to target about a signal it sent to
// about. Same reachability rule as Relay.
func (c *Controller) Reject(target, about identity.PeerID, code, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, ok := c.dir.Preferred(target)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, target)
	}
	c.queue.Enqueue(Reject{Target: target, About: about, Code: code, Message: message, Conn: conn})
	return nil
}

// Poll dequeues one event without blocking. Deliver and Reject events are
// handed to the handler of their connection here; if that connection is gone
// the target's preferred connection is used instead, and if the target left
// altogether the event is returned with a *DeliveryError. A handler that
// refuses the event is closed, and a Closed event for it is queued. Poll
// returns ErrPending when the queue is empty.
func (c *Controller) Poll() (Event, error) {
	c.mu.Lock()
	ev, ok := c.queue.TryDequeue()
	if !ok {
		c.mu.Unlock()
		return nil, ErrPending
	}

	var (
		target, sender identity.PeerID
		conn           ConnID
	)
	switch e := ev.(type) {
	case Deliver:
		target, sender, conn = e.Target, e.Sender, e.Conn
	case Reject:
		target, sender, conn = e.Target, "", e.Conn
	case Established, Closed, Received:
		c.mu.Unlock()
		return ev, nil
	default:
		c.mu.Unlock()
		return ev, fmt.Errorf("%w: %T", ErrUnsupportedEvent, ev)
	}

	if !c.dir.Has(target, conn) {
		preferred, ok := c.dir.Preferred(target)
		if !ok {
			c.mu.Unlock()
			return ev, &DeliveryError{Sender: sender, Target: target, Err: ErrPeerNotConnected}
		}
		conn = preferred
		ev = readdress(ev, conn)
	}
	h := c.handlers[conn]
	err := ErrHandlerClosed
	if h != nil {
		err = h.Notify(ev)
	}
	if err == nil {
		c.mu.Unlock()
		return ev, nil
	}

	c.dir.Unregister(target, conn)
	delete(c.handlers, conn)
	c.queue.Enqueue(Closed{Peer: target, Conn: conn, Reason: err})
	c.mu.Unlock()

	c.logger.Warn("handler refused event", "peer", target, "conn", conn, "err", err)
	if h != nil {
		h.Close(err)
	}
	return ev, &DeliveryError{Sender: sender, Target: target, Err: err}
}

func readdress(ev Event, conn ConnID) Event {
	switch e := ev.(type) {
	case Deliver:
		e.Conn = conn
		return e
	case Reject:
		e.Conn = conn
		return e
	}
	return ev
}

// IsReachable reports whether peer has a live connection.
func (c *Controller) IsReachable(peer identity.PeerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dir.IsReachable(peer)
}

// ConnectionCount returns the number of live connections of peer.
func (c *Controller) ConnectionCount(peer identity.PeerID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dir.ConnectionCount(peer)
}

// Peers returns the reachable peers.
func (c *Controller) Peers() []identity.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dir.Peers()
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Peers:       len(c.dir.conns),
		Connections: c.dir.Len(),
		Pending:     c.queue.Len(),
	}
}

// CloseAll closes every live connection with reason. The handlers report
// back through their own close path; the directory is left to those
// callbacks.
func (c *Controller) CloseAll(reason error) {
	c.mu.Lock()
	hs := make([]Handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	for _, h := range hs {
		h.Close(reason)
	}
}
