package ipc

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Conn is a server-side handle to one connected peer (a Worker, from the Hub
// or Monitor's point of view). It is what the Hub's route table
// (internal/hub) stores and writes to; the Monitor keeps no such table.
type Conn struct {
	id     int64
	raw    net.Conn
	send   chan any
	logger zerolog.Logger

	mu      sync.Mutex
	closed  bool
	dropped atomic.Int64
}

// ID is a process-local identifier, stable for the connection's lifetime.
func (c *Conn) ID() int64 { return c.id }

// Send enqueues a frame for the writer goroutine. Never blocks: a full
// buffer means the peer isn't draining fast enough, so the frame is dropped
// and counted rather than stalling the caller (§4.5.1, §5 "drop-if-full").
// Send and Close share one mutex so a send can never race a close of the
// underlying channel.
func (c *Conn) Send(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- v:
	default:
		c.dropped.Add(1)
	}
}

func (c *Conn) Dropped() int64 { return c.dropped.Load() }

// Close closes the underlying connection and the send channel exactly once,
// unblocking the writer goroutine's `range c.send` (mirroring the checked-
// close in the teacher's pump_write.go writer select).
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.raw.Close()
	close(c.send)
}

// Handler receives lifecycle and frame events for one server. Callbacks run
// on the connection's own reader goroutine and must not block.
type Handler interface {
	OnFrame(conn *Conn, typ Type, raw []byte)
	OnClose(conn *Conn)
}

// Server accepts connections on a Unix-domain stream socket and dispatches
// frames to a Handler. Used by both the Hub (Worker→Hub control channel) and
// the Monitor (Worker→Monitor telemetry channel) — the two IPC servers in
// the system, per §4.5.3 and §4.2.
type Server struct {
	path       string
	logger     zerolog.Logger
	handler    Handler
	sendBuffer int

	mu       sync.Mutex
	listener net.Listener
	nextID   atomic.Int64
	conns    map[int64]*Conn
}

func NewServer(path string, sendBuffer int, handler Handler, logger zerolog.Logger) *Server {
	return &Server{
		path:       path,
		logger:     logger,
		handler:    handler,
		sendBuffer: sendBuffer,
		conns:      make(map[int64]*Conn),
	}
}

// Start binds the socket, removing any stale file left by a crashed prior
// instance, and returns once it is accepting connections.
func (s *Server) Start() error {
	_ = os.Remove(s.path)
	if dir := parentDir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Serve runs the accept loop until ctx is cancelled or the listener is closed.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(raw net.Conn) {
	c := &Conn{
		id:     s.nextID.Add(1),
		raw:    raw,
		send:   make(chan any, s.sendBuffer),
		logger: s.logger,
	}

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	defer func() {
		c.Close()
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		s.handler.OnClose(c)
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range c.send {
			if err := writeFrame(raw, msg); err != nil {
				return
			}
		}
	}()

	fr := NewFrameReader(raw)
	for {
		line, err := fr.ReadFrame()
		if err != nil {
			break
		}
		typ, err := PeekType(line)
		if err != nil {
			s.logger.Warn().Err(err).Msg("malformed ipc frame, dropping")
			continue
		}
		s.handler.OnFrame(c, typ, line)
	}

	c.Close()
	<-done
}

// Broadcast is a convenience for sending the same frame to every connected
// peer — not used by the route-table-driven Hub forwarding path (which
// targets one Worker), but useful for Monitor-side admin notices.
func (s *Server) Broadcast(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Send(v)
	}
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return ""
}
