package bridge

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/SWAI-Ltd/sigrelay/internal/identity"
	"github.com/SWAI-Ltd/sigrelay/internal/proto"
)

// session is one websocket client.
type session struct {
	id     uuid.UUID
	conn   *websocket.Conn
	send   chan *proto.ClientMessage
	done   chan struct{}
	logger *slog.Logger

	closeOnce sync.Once

	// peers bound to this session; guarded by Bridge.mu
	peers map[identity.PeerID]struct{}
}

func newSession(conn *websocket.Conn, buffer int, logger *slog.Logger) *session {
	id := uuid.New()
	return &session{
		id:     id,
		conn:   conn,
		send:   make(chan *proto.ClientMessage, buffer),
		done:   make(chan struct{}),
		logger: logger.With("session", id.String()),
		peers:  make(map[identity.PeerID]struct{}),
	}
}

// enqueue queues msg without blocking. It reports false when the session is
// closed or its queue is full.
func (s *session) enqueue(msg *proto.ClientMessage) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *session) writeLoop(writeTimeout, pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeTimeout))
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				s.logger.Debug("ping failed", "err", err)
				s.close()
				return
			}
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteJSON(msg); err != nil {
				s.logger.Debug("write failed", "err", err)
				s.close()
				return
			}
		}
	}
}
