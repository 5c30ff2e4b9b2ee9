package server

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/omochice/rtdb-transport/pkg/protocol"
)

const outgoingBuffer = 64

type outgoing struct {
	frames []string
	// final closes the socket once the frames are written.
	final bool
}

// Session is one client connection to the fake server.
type Session struct {
	id        string
	namespace string
	conn      *websocket.Conn
	outgoing  chan outgoing

	mu     sync.Mutex
	closed bool
}

// ID returns the session id announced in the handshake.
func (s *Session) ID() string {
	return s.id
}

// Namespace returns the namespace the client asked for.
func (s *Session) Namespace() string {
	return s.namespace
}

// Send queues msg for the client. It reports false if the session is gone
// or its queue is full.
func (s *Session) Send(msg protocol.Message) bool {
	return s.enqueue(msg, false)
}

// SendAndClose queues msg and closes the session after writing it.
func (s *Session) SendAndClose(msg protocol.Message) bool {
	return s.enqueue(msg, true)
}

// SendRaw queues frames exactly as given.
func (s *Session) SendRaw(frames ...string) bool {
	return s.push(outgoing{frames: frames})
}

func (s *Session) enqueue(msg protocol.Message, final bool) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("Failed to encode %s for session %s: %v", msg.Kind(), s.id, err)
		return false
	}
	return s.push(outgoing{
		frames: protocol.Split(string(data), protocol.MaxFrameSize),
		final:  final,
	})
}

func (s *Session) push(item outgoing) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.outgoing <- item:
		return true
	default:
		log.Printf("Session %s queue full, dropping message", s.id)
		return false
	}
}

// close stops accepting messages; the writer exits after draining.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.outgoing)
}

func (s *Session) writeLoop() {
	for item := range s.outgoing {
		for _, f := range item.frames {
			if err := s.conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				log.Printf("Failed to send to session %s: %v", s.id, err)
				s.conn.Close()
				return
			}
		}
		if item.final {
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			s.conn.Close()
			return
		}
	}
}
