// Package ws binds a transport to a websocket using gobwas/ws.
package ws

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/omochice/rtdb-transport/internal/config"
	"github.com/omochice/rtdb-transport/internal/transport"
	"github.com/omochice/rtdb-transport/pkg/protocol"
)

var errDropped = errors.New("connection dropped while dialing")

// Binding is a transport.Binding over a single client websocket.
type Binding struct {
	cfg    config.Config
	dialer ws.Dialer

	mu         sync.Mutex
	conn       net.Conn
	closed     bool
	dropped    bool
	started    bool
	stop       chan struct{}
	cancelDial context.CancelFunc

	// wmu serialises frame writes from the send loop and control replies
	// from the read loop.
	wmu sync.Mutex
}

// New creates an unconnected binding for cfg.
func New(cfg config.Config) *Binding {
	return &Binding{
		cfg:    cfg,
		dialer: ws.Dialer{Timeout: cfg.DialTimeout.Duration},
		stop:   make(chan struct{}),
	}
}

// Dial creates a transport over a new websocket binding. ctx bounds the dial
// only; the transport lives until it is closed.
func Dial(ctx context.Context, cfg config.Config, opts ...transport.Option) *transport.Transport {
	return transport.New(ctx, New(cfg), opts...)
}

// URL returns the websocket URL for cfg.
func URL(cfg config.Config) string {
	scheme := "ws"
	if cfg.Secure {
		scheme = "wss"
	}

	query := "v=" + url.QueryEscape(protocol.Version) + "&ns=" + url.QueryEscape(cfg.Namespace)
	if cfg.LastSessionID != "" {
		query += "&ls=" + url.QueryEscape(cfg.LastSessionID)
	}

	u := url.URL{Scheme: scheme, Host: cfg.Host, Path: protocol.Path, RawQuery: query}
	return u.String()
}

// Connect implements transport.Binding.
func (b *Binding) Connect(ctx context.Context, t *transport.Transport) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if b.cfg.DialTimeout.Duration > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, b.cfg.DialTimeout.Duration)
		defer cancelTimeout()
	}

	b.mu.Lock()
	if b.dropped {
		b.mu.Unlock()
		return errDropped
	}
	b.cancelDial = cancel
	b.mu.Unlock()

	target := URL(b.cfg)
	conn, br, _, err := b.dialer.Dial(ctx, target)

	b.mu.Lock()
	b.cancelDial = nil
	dropped, closed := b.dropped, b.closed
	if err == nil && !dropped && !closed {
		b.conn = conn
	}
	b.mu.Unlock()

	switch {
	case dropped:
		if err == nil {
			conn.Close()
		}
		return errDropped
	case err != nil:
		return fmt.Errorf("failed to connect to %s: %w", target, err)
	case closed:
		conn.Close()
		return fmt.Errorf("dial finished after teardown: %w", transport.ErrClosed)
	}

	t.Logger().Debug("websocket connected", "url", target)

	go b.readLoop(t, conn, br)
	return nil
}

// Start implements transport.Binding.
func (b *Binding) Start(t *transport.Transport) {
	b.mu.Lock()
	conn := b.conn
	if b.closed || b.started || conn == nil {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	go b.sendLoop(t, conn)
	go b.keepalive(t)
}

// Teardown implements transport.Binding.
func (b *Binding) Teardown() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conn := b.conn
	b.conn = nil
	cancel := b.cancelDial
	b.mu.Unlock()

	close(b.stop)
	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}

	// A writer blocked on a dead socket holds wmu; skip the close frame then.
	if b.wmu.TryLock() {
		_ = wsutil.WriteClientMessage(conn, ws.OpClose, nil)
		b.wmu.Unlock()
	}
	return conn.Close()
}

// DropSocket closes the socket without a close frame. The read loop then
// fails and closes the transport as it would on a network error. A dial in
// flight is aborted and Connect fails.
func (b *Binding) DropSocket() error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	cancel := b.cancelDial
	if conn == nil {
		b.dropped = true
	}
	b.mu.Unlock()

	if conn == nil {
		if cancel != nil {
			cancel()
		}
		return nil
	}
	return conn.Close()
}

func (b *Binding) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Binding) readLoop(t *transport.Transport, conn net.Conn, br *bufio.Reader) {
	logger := t.Logger()
	m := t.Metrics()

	var src io.Reader = conn
	if br != nil {
		src = br
		defer ws.PutReader(br)
	}

	control := b.lockedControlHandler(conn)
	rd := &wsutil.Reader{
		Source:         src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}

	var asm protocol.Reassembler
	for {
		frame, err := nextFrame(rd, control)
		if err != nil {
			if !b.isClosed() {
				logger.Info("websocket closed", "error", err)
			}
			t.Close()
			return
		}
		m.FrameReceived()

		fragmented := asm.Pending()
		msg, ok, err := asm.Feed(string(frame))
		if err != nil {
			logger.Error("dropping connection on undecodable frame", "error", err)
			m.DecodeError()
			t.Close()
			return
		}
		if !ok {
			continue
		}

		m.MessageReceived(msg.Kind().String(), fragmented)
		if err := t.Dispatch(msg); err != nil {
			logger.Warn("protocol violation", "kind", msg.Kind().String(), "error", err)
		}
	}
}

// lockedControlHandler answers pings and close frames under the write lock.
func (b *Binding) lockedControlHandler(conn net.Conn) wsutil.FrameHandlerFunc {
	handler := wsutil.ControlFrameHandler(conn, ws.StateClientSide)
	return func(h ws.Header, r io.Reader) error {
		b.wmu.Lock()
		defer b.wmu.Unlock()
		return handler(h, r)
	}
}

// nextFrame returns the payload of the next text or binary message,
// handling control frames in between.
func nextFrame(rd *wsutil.Reader, control wsutil.FrameHandlerFunc) ([]byte, error) {
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(rd)
	}
}

func (b *Binding) sendLoop(t *transport.Transport, conn net.Conn) {
	logger := t.Logger()
	m := t.Metrics()

	for {
		item, err := t.Outbox().Next(context.Background())
		if err != nil {
			return
		}
		if b.isClosed() {
			return
		}

		frames, err := item.Frames(protocol.MaxFrameSize)
		if err != nil {
			logger.Error("failed to encode message", "error", err)
			continue
		}

		if err := b.writeFrames(conn, frames, m.FrameSent); err != nil {
			if !b.isClosed() && !errors.Is(err, net.ErrClosed) {
				logger.Warn("failed to send message", "error", err)
			}
			t.Close()
			return
		}

		if item.Keepalive {
			m.KeepaliveSent()
		} else {
			m.MessageSent(item.Message.Kind().String(), len(frames))
		}
	}
}

func (b *Binding) writeFrames(conn net.Conn, frames []string, sent func()) error {
	b.wmu.Lock()
	defer b.wmu.Unlock()

	for _, f := range frames {
		if err := wsutil.WriteClientText(conn, []byte(f)); err != nil {
			return err
		}
		sent()
	}
	return nil
}

func (b *Binding) keepalive(t *transport.Transport) {
	interval := b.cfg.KeepaliveInterval.Duration
	if interval <= 0 {
		interval = config.DefaultKeepaliveInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			if t.State() > transport.StateConnected {
				return
			}
			t.Outbox().Push(transport.Outgoing{Keepalive: true})
		}
	}
}

var (
	_ transport.Binding       = (*Binding)(nil)
	_ transport.SocketDropper = (*Binding)(nil)
)
