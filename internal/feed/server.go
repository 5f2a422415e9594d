// Package feed streams the daemon's internal bus over a websocket on the
// session's feed socket, one JSON envelope per event. It is an outbound
// firehose: a client that sends data frames is dropped, and a client that
// cannot keep up first loses events to its buffer and is disconnected once
// a write stalls past the timeout.
package feed

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/matheus3301/chirp/internal/bus"
)

const (
	DefaultClientBuffer = 64
	DefaultWriteTimeout = 5 * time.Second
)

// Envelope is the wire form of one bus event.
type Envelope struct {
	EventID    string `json:"event_id"`
	Session    string `json:"session"`
	Kind       string `json:"kind"`
	OccurredAt int64  `json:"occurred_at_unix_ms"`
	Payload    any    `json:"payload,omitempty"`
}

// Config tunes the server. Zero values select the defaults.
type Config struct {
	ClientBuffer int
	WriteTimeout time.Duration
}

// Server fans bus events out to websocket clients.
type Server struct {
	session string
	bus     *bus.Bus
	logger  *zap.Logger
	buffer  int
	timeout time.Duration

	httpSrv *http.Server

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	closed  bool
}

// NewServer creates a feed server for the given session.
func NewServer(sessionName string, b *bus.Bus, cfg Config, logger *zap.Logger) *Server {
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = DefaultClientBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	s := &Server{
		session: sessionName,
		bus:     b,
		logger:  logger,
		buffer:  cfg.ClientBuffer,
		timeout: cfg.WriteTimeout,
		clients: make(map[*websocket.Conn]struct{}),
	}
	s.httpSrv = &http.Server{Handler: s}
	return s
}

// Serve accepts feed clients on the listener until Close. The listener is
// typically a Unix socket under the session directory.
func (s *Server) Serve(lis net.Listener) error {
	err := s.httpSrv.Serve(lis)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close disconnects every client and stops accepting new ones. Idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "daemon stopping")
	}
	return s.httpSrv.Close()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Subscribe ahead of the handshake so nothing published after the
	// client's dial returns can be missed.
	events, cancel := s.bus.Subscribe("", s.buffer)
	defer cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The socket is a local session file; origin checks do not apply.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("feed accept failed", zap.Error(err))
		return
	}
	if !s.addClient(conn) {
		_ = conn.Close(websocket.StatusGoingAway, "daemon stopping")
		return
	}
	defer s.removeClient(conn)

	s.logger.Info("feed client connected")
	s.stream(r.Context(), conn, events)
	s.logger.Info("feed client disconnected")
}

// stream pumps bus events to one client until it leaves or the write
// path stalls.
func (s *Server) stream(ctx context.Context, conn *websocket.Conn, events <-chan bus.Event) {
	// The client never sends data frames; CloseRead keeps control frames
	// flowing and cancels the context when the peer goes away.
	ctx = conn.CloseRead(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			data, err := json.Marshal(Envelope{
				EventID:    uuid.NewString(),
				Session:    s.session,
				Kind:       evt.Kind,
				OccurredAt: evt.Timestamp.UnixMilli(),
				Payload:    evt.Payload,
			})
			if err != nil {
				s.logger.Warn("feed envelope marshal failed", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			wctx, done := context.WithTimeout(ctx, s.timeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			done()
			if err != nil {
				_ = conn.Close(websocket.StatusPolicyViolation, "write stalled")
				return
			}
		}
	}
}

func (s *Server) addClient(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[conn] = struct{}{}
	return true
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
}
