package transport_test

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/omochice/rtdb-transport/internal/transport"
)

// mockBinding is a socket-less Binding that records lifecycle calls.
type mockBinding struct {
	connectErr error
	connected  chan struct{}
	connects   atomic.Int32
	starts     atomic.Int32
	teardowns  atomic.Int32
	drops      atomic.Int32

	mu sync.Mutex
	t  *transport.Transport
}

func newMockBinding() *mockBinding {
	return &mockBinding{connected: make(chan struct{})}
}

func (m *mockBinding) Connect(ctx context.Context, t *transport.Transport) error {
	m.mu.Lock()
	m.t = t
	m.mu.Unlock()
	if m.connects.Add(1) == 1 {
		close(m.connected)
	}
	return m.connectErr
}

func (m *mockBinding) Start(t *transport.Transport) {
	m.starts.Add(1)
}

func (m *mockBinding) Teardown() error {
	m.teardowns.Add(1)
	return nil
}

// DropSocket behaves like a binding whose read loop notices the dead socket.
func (m *mockBinding) DropSocket() error {
	m.drops.Add(1)
	m.mu.Lock()
	t := m.t
	m.mu.Unlock()
	if t != nil {
		go t.Close()
	}
	return nil
}

// drain reads the messages queued for sending, stopping when the outbox is empty.
func drain(t *transport.Transport) []transport.Outgoing {
	var out []transport.Outgoing
	for t.Outbox().Len() > 0 {
		item, err := t.Outbox().Next(context.Background())
		if err != nil {
			break
		}
		out = append(out, item)
	}
	return out
}

var (
	_ transport.Binding       = (*mockBinding)(nil)
	_ transport.SocketDropper = (*mockBinding)(nil)
)
