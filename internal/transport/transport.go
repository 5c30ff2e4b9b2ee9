// Package transport implements the connection state machine that sits
// between a realtime database client and its socket.
//
// A Transport owns the lifecycle state, the table of requests waiting for a
// reply, the ordered queue of outstanding pings and the push stream. Socket
// specifics live behind the Binding interface; see package ws for the
// websocket implementation.
//
// Completion handles are never resolved once the transport is torn down.
// Callers that wait on a response or a ping should also watch Done.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/omochice/rtdb-transport/internal/metrics"
	"github.com/omochice/rtdb-transport/pkg/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrClosed is returned for operations on a transport in a terminal state.
	ErrClosed = errors.New("transport closed")

	// ErrDuplicateRequest is returned when ReqNum is already waiting for a reply.
	ErrDuplicateRequest = errors.New("request number already pending")

	// ErrUnexpectedPong is returned by Dispatch for a Pong with no ping outstanding.
	ErrUnexpectedPong = errors.New("pong received with no ping outstanding")
)

// Binding is the socket-specific half of a transport.
type Binding interface {
	// Connect opens the socket and starts delivering inbound messages to
	// t.Dispatch. Socket failure must end in t.Close, never t.Kill.
	Connect(ctx context.Context, t *Transport) error

	// Start is called once, after the handshake, to begin draining t.Outbox.
	Start(t *Transport)

	// Teardown releases the socket. It may be called before Connect returns.
	Teardown() error
}

// SocketDropper is implemented by bindings that can drop their socket
// without a clean close, simulating a network failure.
type SocketDropper interface {
	DropSocket() error
}

// HandshakeInfo is the server metadata of the current connection.
type HandshakeInfo struct {
	Timestamp  int64
	Version    string
	Host       string
	SessionID  string
	ReceivedAt time.Time
}

// Outgoing is one entry of the outbound queue.
type Outgoing struct {
	Message   protocol.Message
	Keepalive bool
}

// Frames encodes the entry into the text frames written to the socket.
func (o Outgoing) Frames(max int) ([]string, error) {
	if o.Keepalive {
		return []string{protocol.KeepaliveFrame}, nil
	}
	data, err := protocol.Encode(o.Message)
	if err != nil {
		return nil, err
	}
	return protocol.Split(string(data), max), nil
}

type pendingRequest struct {
	request protocol.Data
	result  *Future[protocol.Data]
	span    trace.Span
	started time.Time
}

type pingEntry struct {
	sent   time.Time
	result *Future[time.Duration]
}

// Transport is a single connection to a realtime database server.
type Transport struct {
	id      string
	binding Binding
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	mu             sync.Mutex
	state          State
	pending        map[int64]*pendingRequest
	pings          []*pingEntry
	subs           map[*Subscription]struct{}
	resetHost      string
	shutdownReason string

	outbox *Queue[Outgoing]
	ready  *Future[HandshakeInfo]
	done   *Future[State]
}

// New creates a transport over b and starts connecting in the background.
func New(ctx context.Context, b Binding, opts ...Option) *Transport {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer(tracerName)
	}

	id := uuid.NewString()
	t := &Transport{
		id:      id,
		binding: b,
		logger:  o.Logger.With("conn_id", id),
		metrics: o.Metrics,
		tracer:  o.Tracer,
		state:   StateConnecting,
		pending: make(map[int64]*pendingRequest),
		subs:    make(map[*Subscription]struct{}),
		outbox:  NewQueue[Outgoing](),
		ready:   NewFuture[HandshakeInfo](),
		done:    NewFuture[State](),
	}

	t.metrics.TransportOpened()
	if o.Registry != nil {
		o.Registry.Register(t)
	}

	go t.connect(ctx)
	return t
}

func (t *Transport) connect(ctx context.Context) {
	if err := t.binding.Connect(ctx, t); err != nil {
		t.logger.Warn("connect failed", "error", err)
		t.Close()
	}
}

// ID returns the connection id used in logs.
func (t *Transport) ID() string {
	return t.id
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Ready is resolved with the handshake when the transport becomes Connected.
func (t *Transport) Ready() *Future[HandshakeInfo] {
	return t.ready
}

// Done is resolved with the terminal state once teardown has finished.
func (t *Transport) Done() *Future[State] {
	return t.done
}

// ResetHost returns the host named by the server's Reset, if any.
func (t *Transport) ResetHost() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resetHost
}

// ShutdownReason returns the reason carried by the server's Shutdown, if any.
func (t *Transport) ShutdownReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shutdownReason
}

// PendingRequests returns the number of requests waiting for a reply.
func (t *Transport) PendingRequests() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Outbox is the outbound queue drained by the binding.
func (t *Transport) Outbox() *Queue[Outgoing] {
	return t.outbox
}

// Logger returns the connection-scoped logger.
func (t *Transport) Logger() *slog.Logger {
	return t.logger
}

// Metrics returns the metrics sink, which may be nil.
func (t *Transport) Metrics() *metrics.Metrics {
	return t.metrics
}

// Submit sends req and returns a handle resolved by the Data reply carrying
// the same ReqNum. Any ReqNum is accepted, zero included.
func (t *Transport) Submit(ctx context.Context, req protocol.Data) (*Future[protocol.Data], error) {
	req.HasReqNum = true

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Terminal() {
		return nil, ErrClosed
	}
	if _, ok := t.pending[req.ReqNum]; ok {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateRequest, req.ReqNum)
	}

	_, span := t.tracer.Start(ctx, "rtdb.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int64("rtdb.req_num", req.ReqNum),
			attribute.String("rtdb.action", req.Action),
			attribute.String("rtdb.conn_id", t.id),
		),
	)
	entry := &pendingRequest{
		request: req,
		result:  NewFuture[protocol.Data](),
		span:    span,
		started: time.Now(),
	}
	t.pending[req.ReqNum] = entry
	t.outbox.Push(Outgoing{Message: req})
	t.metrics.RequestStarted()

	return entry.result, nil
}

// Ping sends a Ping. The handle is resolved by the next Pong, in call order,
// with the time elapsed since Ping was called.
func (t *Transport) Ping() (*Future[time.Duration], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Terminal() {
		return nil, ErrClosed
	}

	entry := &pingEntry{sent: time.Now(), result: NewFuture[time.Duration]()}
	t.pings = append(t.pings, entry)
	t.outbox.Push(Outgoing{Message: protocol.Ping{}})

	return entry.result, nil
}

// Close tears the transport down into Disconnected. Only the first call to
// Close or Kill has an effect; every call returns the done future.
func (t *Transport) Close() *Future[State] {
	return t.terminate(StateDisconnected)
}

// Kill is Close with Killed as the terminal state.
func (t *Transport) Kill() *Future[State] {
	return t.terminate(StateKilled)
}

func (t *Transport) terminate(target State) *Future[State] {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return t.done
	}
	from := t.state
	t.state = target
	pending := t.pending
	t.pending = make(map[int64]*pendingRequest)
	t.pings = nil
	subs := t.subs
	t.subs = make(map[*Subscription]struct{})
	t.mu.Unlock()

	t.logger.Info("transport closing", "from", from.String(), "to", target.String(), "pending", len(pending))

	if err := t.binding.Teardown(); err != nil {
		t.logger.Warn("teardown failed", "error", err)
	}
	t.outbox.Close()
	for s := range subs {
		s.queue.Close()
	}
	for _, p := range pending {
		p.span.SetStatus(codes.Error, ErrClosed.Error())
		p.span.End()
	}

	t.metrics.RequestsAbandoned(len(pending))
	t.metrics.TransportTerminated(target.String())
	t.done.Resolve(target)
	return t.done
}

// Dispatch handles one fully reassembled inbound message. Messages arriving
// after teardown are dropped.
func (t *Transport) Dispatch(msg protocol.Message) error {
	if t.State().Terminal() {
		return nil
	}

	switch m := msg.(type) {
	case protocol.Data:
		t.handleData(m)
	case protocol.Handshake:
		t.handleHandshake(m)
	case protocol.Reset:
		t.handleReset(m)
	case protocol.Ping:
		t.outbox.Push(Outgoing{Message: protocol.Pong{}})
	case protocol.Pong:
		return t.handlePong()
	case protocol.Shutdown:
		t.handleShutdown(m)
	default:
		return fmt.Errorf("unsupported message type %T", msg)
	}
	return nil
}

func (t *Transport) handleData(m protocol.Data) {
	t.mu.Lock()
	var entry *pendingRequest
	if m.Numbered() {
		if e, ok := t.pending[m.ReqNum]; ok {
			entry = e
			delete(t.pending, m.ReqNum)
		}
	}
	subs := make([]*Subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	if entry != nil {
		entry.result.Resolve(m)
		entry.span.End()
		t.metrics.RequestCompleted(time.Since(entry.started))
	}
	for _, s := range subs {
		s.queue.Push(m)
	}
}

func (t *Transport) handleHandshake(m protocol.Handshake) {
	t.mu.Lock()
	if t.state != StateConnecting {
		t.mu.Unlock()
		t.logger.Debug("ignoring repeated handshake", "session_id", m.SessionID)
		return
	}
	t.state = StateConnected
	t.mu.Unlock()

	t.ready.Resolve(HandshakeInfo{
		Timestamp:  m.Timestamp,
		Version:    m.Version,
		Host:       m.Host,
		SessionID:  m.SessionID,
		ReceivedAt: time.Now(),
	})
	t.logger.Info("transport connected", "session_id", m.SessionID, "host", m.Host, "version", m.Version)

	t.binding.Start(t)
}

func (t *Transport) handleReset(m protocol.Reset) {
	t.mu.Lock()
	t.resetHost = m.Host
	t.mu.Unlock()

	t.logger.Info("server requested reset", "host", m.Host)
	t.Close()
}

func (t *Transport) handleShutdown(m protocol.Shutdown) {
	t.mu.Lock()
	t.shutdownReason = m.Reason
	t.mu.Unlock()

	t.logger.Warn("server shutdown", "reason", m.Reason)
	t.Kill()
}

func (t *Transport) handlePong() error {
	t.mu.Lock()
	if len(t.pings) == 0 {
		t.mu.Unlock()
		t.metrics.ProtocolViolation("unexpected_pong")
		return ErrUnexpectedPong
	}
	entry := t.pings[0]
	t.pings[0] = nil
	t.pings = t.pings[1:]
	t.mu.Unlock()

	entry.result.Resolve(time.Since(entry.sent))
	return nil
}

// dropSocket simulates a connection loss. Bindings that cannot drop their
// socket are closed instead.
func (t *Transport) dropSocket() {
	if d, ok := t.binding.(SocketDropper); ok {
		if err := d.DropSocket(); err != nil {
			t.logger.Warn("drop socket failed", "error", err)
		}
		return
	}
	t.Close()
}

// Subscription receives every inbound Data message.
type Subscription struct {
	t     *Transport
	queue *Queue[protocol.Data]
}

// Subscribe registers a new push stream subscriber. Subscribing to a
// terminated transport returns a subscription that is already finished.
func (t *Transport) Subscribe() *Subscription {
	s := &Subscription{t: t, queue: NewQueue[protocol.Data]()}

	t.mu.Lock()
	if t.state.Terminal() {
		s.queue.Close()
	} else {
		t.subs[s] = struct{}{}
	}
	t.mu.Unlock()

	return s
}

// Next returns the next Data message. Once the transport is done and all
// delivered messages have been read it returns ErrClosed.
func (s *Subscription) Next(ctx context.Context) (protocol.Data, error) {
	msg, err := s.queue.Next(ctx)
	if errors.Is(err, ErrQueueClosed) {
		return msg, ErrClosed
	}
	return msg, err
}

// Cancel stops the subscription.
func (s *Subscription) Cancel() {
	s.t.mu.Lock()
	delete(s.t.subs, s)
	s.t.mu.Unlock()
	s.queue.Close()
}
