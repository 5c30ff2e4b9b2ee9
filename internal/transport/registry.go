package transport

import (
	"sync"

	"github.com/omochice/rtdb-transport/pkg/protocol"
)

// Registry tracks live transports so tests can inject faults into all of
// them at once. Each process or test owns its own Registry.
type Registry struct {
	mu     sync.Mutex
	active map[*Transport]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[*Transport]struct{})}
}

// Register adds t until its done future resolves.
func (r *Registry) Register(t *Transport) {
	r.mu.Lock()
	r.active[t] = struct{}{}
	r.mu.Unlock()

	go func() {
		<-t.Done().Done()
		r.mu.Lock()
		delete(r.active, t)
		r.mu.Unlock()
	}()
}

// Len returns the number of registered transports.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// SimulateConnectionLoss drops the socket of every registered transport.
func (r *Registry) SimulateConnectionLoss() {
	for _, t := range r.snapshot() {
		t.dropSocket()
	}
}

// SimulateServerReset delivers a synthetic Reset to every registered transport.
func (r *Registry) SimulateServerReset() {
	for _, t := range r.snapshot() {
		_ = t.Dispatch(protocol.Reset{})
	}
}

func (r *Registry) snapshot() []*Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]*Transport, 0, len(r.active))
	for t := range r.active {
		list = append(list, t)
	}
	return list
}
