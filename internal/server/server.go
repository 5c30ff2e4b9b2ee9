// Package server implements a minimal realtime database server speaking the
// client wire protocol. It backs the integration tests and cmd/server.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/omochice/rtdb-transport/pkg/protocol"
)

// ErrServerStopped is returned by Start after Stop.
var ErrServerStopped = errors.New("server stopped")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for simplicity
	},
}

// Option configures a Server.
type Option func(*Server)

// WithHandler sets the request handler. The default is EchoHandler.
func WithHandler(h Handler) Option {
	return func(s *Server) {
		s.handler = h
	}
}

// WithHost sets the host announced in handshakes.
func WithHost(host string) Option {
	return func(s *Server) {
		s.host = host
	}
}

// Server is a fake realtime database server.
type Server struct {
	address  string
	host     string
	handler  Handler
	listener net.Listener
	server   *http.Server
	hub      *Hub
	mu       sync.Mutex
	stopping bool
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Server that will listen on address.
func New(address string, opts ...Option) *Server {
	s := &Server{
		address: address,
		host:    "localhost",
		handler: EchoHandler(),
		hub:     NewHub(),
		quit:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds the listening socket. Start calls it when needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.listener = listener
	return nil
}

// Start serves connections until Stop is called.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mu.Lock()
	listener := s.listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	log.Printf("Realtime server started on %s", listener.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Wait for either error or quit signal
	select {
	case err := <-errChan:
		select {
		case <-s.quit:
			return ErrServerStopped
		default:
		}
		return fmt.Errorf("failed to serve: %w", err)
	case <-s.quit:
		return ErrServerStopped
	}
}

// Handler returns the HTTP handler serving the websocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(protocol.Path, s.handleWebSocket)
	return mux
}

// Stop closes the listener and every session.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)

		// wg.Add only happens under mu while stopping is false
		s.mu.Lock()
		s.stopping = true
		srv, listener := s.server, s.listener
		s.mu.Unlock()
		if srv != nil {
			srv.Close()
		} else if listener != nil {
			listener.Close()
		}

		s.hub.Each(func(sess *Session) {
			sess.conn.Close()
		})
		s.wg.Wait()
	})
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// SessionCount returns the number of connected clients.
func (s *Server) SessionCount() int {
	return s.hub.Count()
}

// WaitIdle blocks until no session is connected or ctx is done.
func (s *Server) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for s.hub.Count() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Sessions returns the connected sessions.
func (s *Server) Sessions() []*Session {
	return s.hub.Sessions()
}

// Broadcast pushes msg to every session and returns how many were reached.
func (s *Server) Broadcast(msg protocol.Message) int {
	sent := 0
	s.hub.Each(func(sess *Session) {
		if sess.Send(msg) {
			sent++
		}
	})
	return sent
}

// Reset tells every client to reconnect, to host when it is not empty, and
// closes their sockets.
func (s *Server) Reset(host string) int {
	log.Printf("Resetting all sessions (host=%q)", host)
	return s.hub.Each(func(sess *Session) {
		sess.SendAndClose(protocol.Reset{Host: host})
	})
}

// Shutdown tells every client not to reconnect and closes their sockets.
func (s *Server) Shutdown(reason string) int {
	log.Printf("Shutting down all sessions: %s", reason)
	return s.hub.Each(func(sess *Session) {
		sess.SendAndClose(protocol.Shutdown{Reason: reason})
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.quit:
		http.Error(w, "server stopping", http.StatusServiceUnavailable)
		return
	default:
	}

	query := r.URL.Query()
	if v := query.Get("v"); v != protocol.Version {
		http.Error(w, fmt.Sprintf("unsupported protocol version %q", v), http.StatusBadRequest)
		return
	}
	namespace := query.Get("ns")
	if namespace == "" {
		http.Error(w, "missing namespace", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	sess := &Session{
		id:        uuid.NewString(),
		namespace: namespace,
		conn:      conn,
		outgoing:  make(chan outgoing, outgoingBuffer),
	}
	if last := query.Get("ls"); last != "" {
		log.Printf("Session %s resumes %s", sess.id, last)
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.hub.Register(sess)
	s.wg.Add(2)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		sess.writeLoop()
	}()
	go s.serveSession(sess)
}

func (s *Server) serveSession(sess *Session) {
	defer s.wg.Done()
	defer func() {
		s.hub.Unregister(sess)
		sess.close()
		sess.conn.Close()
	}()

	sess.Send(protocol.Handshake{
		Timestamp: time.Now().UnixMilli(),
		Version:   protocol.Version,
		Host:      s.host,
		SessionID: sess.id,
	})

	var asm protocol.Reassembler
	for {
		messageType, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Session %s error: %v", sess.id, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, ok, err := asm.Feed(string(data))
		if err != nil {
			log.Printf("Closing session %s: %v", sess.id, err)
			return
		}
		if !ok {
			continue
		}

		switch m := msg.(type) {
		case protocol.Data:
			if !m.Numbered() {
				log.Printf("Session %s sent data without a request number", sess.id)
				continue
			}
			if reply, ok := s.handler.Handle(sess, m); ok {
				sess.Send(reply)
			}
		case protocol.Ping:
			sess.Send(protocol.Pong{})
		case protocol.Pong:
		default:
			log.Printf("Session %s sent unexpected %s", sess.id, msg.Kind())
		}
	}
}
