package transport_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/omochice/rtdb-transport/internal/metrics"
	"github.com/omochice/rtdb-transport/internal/transport"
	"github.com/omochice/rtdb-transport/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = time.Second

func newTestTransport(t *testing.T, opts ...transport.Option) (*transport.Transport, *mockBinding) {
	t.Helper()
	b := newMockBinding()
	opts = append([]transport.Option{
		transport.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	tr := transport.New(context.Background(), b, opts...)
	t.Cleanup(func() { tr.Close() })

	select {
	case <-b.connected:
	case <-time.After(waitFor):
		t.Fatal("Connect was not called")
	}
	return tr, b
}

func handshake(t *testing.T, tr *transport.Transport) {
	t.Helper()
	require.NoError(t, tr.Dispatch(protocol.Handshake{
		Timestamp: 1700000000000,
		Version:   protocol.Version,
		Host:      "db.example.net",
		SessionID: "session-1",
	}))
}

func resolved[T any](f *transport.Future[T]) bool {
	_, ok := f.Value()
	return ok
}

func TestTransport_InitialState(t *testing.T) {
	tr, b := newTestTransport(t)

	assert.Equal(t, transport.StateConnecting, tr.State())
	assert.NotEmpty(t, tr.ID())
	assert.EqualValues(t, 1, b.connects.Load())
	assert.EqualValues(t, 0, b.starts.Load())
	assert.False(t, resolved(tr.Ready()))
	assert.False(t, resolved(tr.Done()))
}

func TestTransport_ConnectFailureCloses(t *testing.T) {
	b := newMockBinding()
	b.connectErr = errors.New("dial refused")
	tr := transport.New(context.Background(), b,
		transport.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	state, err := tr.Done().Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, transport.StateDisconnected, state)
	assert.EqualValues(t, 1, b.teardowns.Load())
	assert.False(t, resolved(tr.Ready()))
}

func TestTransport_HandshakeOnce(t *testing.T) {
	tr, b := newTestTransport(t)

	handshake(t, tr)

	info, ok := tr.Ready().Value()
	require.True(t, ok, "ready not resolved by first handshake")
	assert.Equal(t, "session-1", info.SessionID)
	assert.Equal(t, "db.example.net", info.Host)
	assert.Equal(t, protocol.Version, info.Version)
	assert.EqualValues(t, 1700000000000, info.Timestamp)
	assert.False(t, info.ReceivedAt.IsZero())
	assert.Equal(t, transport.StateConnected, tr.State())
	assert.EqualValues(t, 1, b.starts.Load())

	require.NoError(t, tr.Dispatch(protocol.Handshake{SessionID: "session-2"}))

	info, _ = tr.Ready().Value()
	assert.Equal(t, "session-1", info.SessionID, "second handshake must not re-resolve ready")
	assert.EqualValues(t, 1, b.starts.Load(), "second handshake must not restart the binding")
	assert.Equal(t, transport.StateConnected, tr.State())
}

func TestTransport_SubmitEnqueuesData(t *testing.T) {
	tr, _ := newTestTransport(t)

	req := protocol.Data{ReqNum: 1, Action: "q"}
	f, err := tr.Submit(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, 1, tr.PendingRequests())

	out := drain(tr)
	require.Len(t, out, 1)
	req.HasReqNum = true
	assert.Equal(t, req, out[0].Message)
	assert.False(t, out[0].Keepalive)
}

func TestTransport_SubmitErrors(t *testing.T) {
	tr, _ := newTestTransport(t)

	_, err := tr.Submit(context.Background(), protocol.Data{ReqNum: 3})
	require.NoError(t, err)
	_, err = tr.Submit(context.Background(), protocol.Data{ReqNum: 3})
	assert.ErrorIs(t, err, transport.ErrDuplicateRequest)

	tr.Close()
	_, err = tr.Submit(context.Background(), protocol.Data{ReqNum: 4})
	assert.ErrorIs(t, err, transport.ErrClosed)
	_, err = tr.Ping()
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestTransport_ExactlyOnceCompletion(t *testing.T) {
	tr, _ := newTestTransport(t)
	handshake(t, tr)

	f5, err := tr.Submit(context.Background(), protocol.Data{ReqNum: 5})
	require.NoError(t, err)
	f6, err := tr.Submit(context.Background(), protocol.Data{ReqNum: 6})
	require.NoError(t, err)

	require.NoError(t, tr.Dispatch(protocol.Data{ReqNum: 6, Action: "first"}))
	assert.True(t, resolved(f6))
	assert.False(t, resolved(f5), "reqNum 5 resolved by the reply to 6")

	require.NoError(t, tr.Dispatch(protocol.Data{ReqNum: 5, Action: "second"}))
	require.True(t, resolved(f5))

	require.NoError(t, tr.Dispatch(protocol.Data{ReqNum: 5, Action: "duplicate"}))

	got5, _ := f5.Value()
	got6, _ := f6.Value()
	assert.Equal(t, "second", got5.Action, "duplicate reply must not re-resolve")
	assert.Equal(t, "first", got6.Action)
	assert.Equal(t, 0, tr.PendingRequests())
}

func TestTransport_PushStreamSeesAllData(t *testing.T) {
	tr, _ := newTestTransport(t)
	handshake(t, tr)
	sub := tr.Subscribe()

	_, err := tr.Submit(context.Background(), protocol.Data{ReqNum: 1})
	require.NoError(t, err)

	require.NoError(t, tr.Dispatch(protocol.Data{Action: "d"}))
	require.NoError(t, tr.Dispatch(protocol.Data{ReqNum: 1}))
	require.NoError(t, tr.Dispatch(protocol.Data{ReqNum: 99}))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	var got []protocol.Data
	for i := 0; i < 3; i++ {
		msg, err := sub.Next(ctx)
		require.NoError(t, err)
		got = append(got, msg)
	}
	assert.Equal(t, "d", got[0].Action)
	assert.EqualValues(t, 1, got[1].ReqNum)
	assert.EqualValues(t, 99, got[2].ReqNum)
}

func TestTransport_RequestNumberZero(t *testing.T) {
	tr, _ := newTestTransport(t)
	handshake(t, tr)

	f, err := tr.Submit(context.Background(), protocol.Data{Action: "q"})
	require.NoError(t, err)
	_, err = tr.Submit(context.Background(), protocol.Data{})
	assert.ErrorIs(t, err, transport.ErrDuplicateRequest)

	out := drain(tr)
	require.Len(t, out, 1)
	frames, err := out[0].Frames(protocol.MaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"t":"d","d":{"r":0,"a":"q"}}`}, frames)

	require.NoError(t, tr.Dispatch(protocol.Data{Action: "push"}))
	_, ok := f.Value()
	assert.False(t, ok, "a push must not complete request 0")

	require.NoError(t, tr.Dispatch(protocol.Data{HasReqNum: true, Action: "reply"}))
	resp, ok := f.Value()
	require.True(t, ok)
	assert.Equal(t, "reply", resp.Action)
	assert.Equal(t, 0, tr.PendingRequests())
}

func TestTransport_SubscriptionEndsWithTransport(t *testing.T) {
	tr, _ := newTestTransport(t)
	handshake(t, tr)
	sub := tr.Subscribe()

	require.NoError(t, tr.Dispatch(protocol.Data{Action: "last"}))
	tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	msg, err := sub.Next(ctx)
	require.NoError(t, err, "messages delivered before close are still readable")
	assert.Equal(t, "last", msg.Action)

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, transport.ErrClosed)

	late := tr.Subscribe()
	_, err = late.Next(ctx)
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestTransport_SubscriptionCancel(t *testing.T) {
	tr, _ := newTestTransport(t)
	sub := tr.Subscribe()
	sub.Cancel()

	require.NoError(t, tr.Dispatch(protocol.Data{Action: "ignored"}))

	_, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestTransport_PingOrdering(t *testing.T) {
	tr, _ := newTestTransport(t)
	handshake(t, tr)

	p1, err := tr.Ping()
	require.NoError(t, err)
	p2, err := tr.Ping()
	require.NoError(t, err)
	p3, err := tr.Ping()
	require.NoError(t, err)

	pings := 0
	for _, o := range drain(tr) {
		if o.Message == (protocol.Ping{}) {
			pings++
		}
	}
	assert.Equal(t, 3, pings)

	require.NoError(t, tr.Dispatch(protocol.Pong{}))
	assert.True(t, resolved(p1))
	assert.False(t, resolved(p2))
	assert.False(t, resolved(p3))

	require.NoError(t, tr.Dispatch(protocol.Data{Action: "interleaved"}))
	require.NoError(t, tr.Dispatch(protocol.Ping{}))

	require.NoError(t, tr.Dispatch(protocol.Pong{}))
	assert.True(t, resolved(p2))
	assert.False(t, resolved(p3))

	require.NoError(t, tr.Dispatch(protocol.Pong{}))
	assert.True(t, resolved(p3))
}

func TestTransport_UnexpectedPong(t *testing.T) {
	reg := prometheus.NewRegistry()
	tr, _ := newTestTransport(t, transport.WithMetrics(metrics.New(metrics.WithRegistry(reg))))
	handshake(t, tr)

	err := tr.Dispatch(protocol.Pong{})
	assert.ErrorIs(t, err, transport.ErrUnexpectedPong)
	assert.Equal(t, transport.StateConnected, tr.State(), "a stray pong does not tear down the transport")
}

func TestTransport_PeerPingGetsPong(t *testing.T) {
	tr, _ := newTestTransport(t)
	handshake(t, tr)

	require.NoError(t, tr.Dispatch(protocol.Ping{}))

	out := drain(tr)
	require.Len(t, out, 1)
	assert.Equal(t, protocol.Pong{}, out[0].Message)
}

func TestTransport_IdempotentTeardown(t *testing.T) {
	tests := []struct {
		name string
		run  func(tr *transport.Transport)
		want transport.State
	}{
		{
			name: "close twice",
			run: func(tr *transport.Transport) {
				tr.Close()
				tr.Close()
			},
			want: transport.StateDisconnected,
		},
		{
			name: "close then kill",
			run: func(tr *transport.Transport) {
				tr.Close()
				tr.Kill()
			},
			want: transport.StateDisconnected,
		},
		{
			name: "kill then close",
			run: func(tr *transport.Transport) {
				tr.Kill()
				tr.Close()
			},
			want: transport.StateKilled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, b := newTestTransport(t)
			handshake(t, tr)

			tt.run(tr)

			state, ok := tr.Done().Value()
			require.True(t, ok)
			assert.Equal(t, tt.want, state)
			assert.Equal(t, tt.want, tr.State())
			assert.EqualValues(t, 1, b.teardowns.Load())
		})
	}
}

func TestTransport_ConcurrentTeardown(t *testing.T) {
	tr, b := newTestTransport(t)
	handshake(t, tr)

	var wg sync.WaitGroup
	futures := make([]*transport.Future[transport.State], 20)
	for i := range futures {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				futures[i] = tr.Close()
			} else {
				futures[i] = tr.Kill()
			}
		}(i)
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	final, err := tr.Done().Wait(ctx)
	require.NoError(t, err)
	assert.True(t, final.Terminal())
	for _, f := range futures {
		assert.Same(t, tr.Done(), f, "every caller gets the same completion signal")
	}
	assert.EqualValues(t, 1, b.teardowns.Load())
	assert.Equal(t, final, tr.State())
}

func TestTransport_DanglingRequestsOnClose(t *testing.T) {
	tr, _ := newTestTransport(t)
	handshake(t, tr)

	f, err := tr.Submit(context.Background(), protocol.Data{ReqNum: 1})
	require.NoError(t, err)
	p, err := tr.Ping()
	require.NoError(t, err)

	tr.Close()
	require.NoError(t, tr.Dispatch(protocol.Data{ReqNum: 1}))
	require.NoError(t, tr.Dispatch(protocol.Pong{}))

	assert.False(t, resolved(f), "requests are never resolved after teardown")
	assert.False(t, resolved(p))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	select {
	case <-f.Done():
		t.Fatal("request resolved after teardown")
	case <-tr.Done().Done():
	case <-ctx.Done():
		t.Fatal("done not resolved")
	}

	_, err = tr.Outbox().Next(context.Background())
	require.NoError(t, err, "queued request is still in the closed outbox")
}

func TestTransport_ResetAndShutdown(t *testing.T) {
	t.Run("reset disconnects", func(t *testing.T) {
		tr, b := newTestTransport(t)
		handshake(t, tr)

		require.NoError(t, tr.Dispatch(protocol.Reset{Host: "other.example.net"}))

		state, ok := tr.Done().Value()
		require.True(t, ok)
		assert.Equal(t, transport.StateDisconnected, state)
		assert.Equal(t, "other.example.net", tr.ResetHost())
		assert.EqualValues(t, 1, b.teardowns.Load())
	})

	t.Run("shutdown kills", func(t *testing.T) {
		tr, b := newTestTransport(t)
		handshake(t, tr)

		require.NoError(t, tr.Dispatch(protocol.Shutdown{Reason: "quota"}))

		state, ok := tr.Done().Value()
		require.True(t, ok)
		assert.Equal(t, transport.StateKilled, state)
		assert.Equal(t, "quota", tr.ShutdownReason())
		assert.EqualValues(t, 1, b.teardowns.Load())
	})

	t.Run("reset before handshake", func(t *testing.T) {
		tr, _ := newTestTransport(t)

		require.NoError(t, tr.Dispatch(protocol.Reset{}))

		assert.Equal(t, transport.StateDisconnected, tr.State())
		assert.False(t, resolved(tr.Ready()))
	})
}

func TestTransport_HandshakeAfterCloseIgnored(t *testing.T) {
	tr, b := newTestTransport(t)
	tr.Close()

	require.NoError(t, tr.Dispatch(protocol.Handshake{SessionID: "late"}))

	assert.Equal(t, transport.StateDisconnected, tr.State())
	assert.False(t, resolved(tr.Ready()))
	assert.EqualValues(t, 0, b.starts.Load())
}

func TestTransport_MetricsTrackLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(metrics.WithRegistry(reg), metrics.WithNamespace("tt"))
	tr, _ := newTestTransport(t, transport.WithMetrics(m))
	handshake(t, tr)

	_, err := tr.Submit(context.Background(), protocol.Data{ReqNum: 1})
	require.NoError(t, err)
	_, err = tr.Submit(context.Background(), protocol.Data{ReqNum: 2})
	require.NoError(t, err)
	require.NoError(t, tr.Dispatch(protocol.Data{ReqNum: 1}))
	tr.Kill()

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetGauge() != nil:
				values[f.GetName()] = metric.GetGauge().GetValue()
			case metric.GetCounter() != nil:
				values[f.GetName()] += metric.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 0.0, values["tt_transport_pending_requests"])
	assert.Equal(t, 0.0, values["tt_transport_active"])
	assert.Equal(t, 1.0, values["tt_transport_terminations_total"])
}
