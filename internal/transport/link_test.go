package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rdsync/internal/buffer"
	"github.com/roach88/rdsync/internal/lifetime"
	"github.com/roach88/rdsync/internal/rd"
	"github.com/roach88/rdsync/internal/rdid"
	"github.com/roach88/rdsync/internal/scheduler"
)

// frameLog records the ids of frames a wire receives.
type frameLog struct {
	mu  sync.Mutex
	ids []rdid.RdId
}

func (f *frameLog) FrameSent(rdid.RdId, []byte) {}

func (f *frameLog) FrameReceived(id rdid.RdId, _ []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
}

func (f *frameLog) seen() []rdid.RdId {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rdid.RdId(nil), f.ids...)
}

func quietOptions() Options {
	return Options{Logger: rd.DiscardLogger()}
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

// acceptOne attaches the first accepted connection to wire.
func acceptOne(ctx context.Context, ln net.Listener, wire *rd.FrameWire, opts Options) <-chan error {
	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		done <- Attach(ctx, wire, NewStreamLink(conn, opts))
	}()
	return done
}

func TestStreamLink_SyncsPropertyOverTCP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	lt := lifetime.New()
	t.Cleanup(lt.Terminate)

	clientSched := scheduler.NewSingleThread("client")
	serverSched := scheduler.NewSingleThread("server")
	go clientSched.Run(ctx)
	go serverSched.Run(ctx)

	clientWire := rd.NewFrameWire(rd.WithWireLogger(rd.DiscardLogger()))
	serverWire := rd.NewFrameWire(rd.WithWireLogger(rd.DiscardLogger()))

	ln := listen(t)
	acceptOne(ctx, ln, serverWire, quietOptions())
	link, err := DialTCP(ctx, ln.Addr().String(), quietOptions())
	require.NoError(t, err)
	go Attach(ctx, clientWire, link)

	var client, server *rd.Property[string]
	scheduler.Invoke(serverSched, func() {
		p := rd.NewProtocol("server", rdid.NewSequentialIdentities(rdid.Server), serverSched, serverWire, lt, rd.WithLogger(rd.DiscardLogger()))
		server = rd.NewProperty(rd.String, "")
		p.BindStatic(server, "status")
	})
	scheduler.Invoke(clientSched, func() {
		p := rd.NewProtocol("client", rdid.NewSequentialIdentities(rdid.Client), clientSched, clientWire, lt, rd.WithLogger(rd.DiscardLogger()))
		client = rd.NewProperty(rd.String, "")
		p.BindStatic(client, "status")
		client.Set("ready")
	})

	require.Eventually(t, func() bool {
		var v string
		scheduler.Invoke(serverSched, func() { v = server.Value() })
		return v == "ready"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStreamLink_Heartbeats(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	opts := Options{PingInterval: 10 * time.Millisecond, Logger: rd.DiscardLogger()}

	ln := listen(t)
	accepted := make(chan *StreamLink, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		l := NewStreamLink(conn, opts)
		accepted <- l
		l.Serve(ctx, func([]byte) {})
	}()
	client, err := DialTCP(ctx, ln.Addr().String(), opts)
	require.NoError(t, err)
	go client.Serve(ctx, func([]byte) {})

	server := <-accepted
	require.Eventually(t, func() bool {
		return client.PingsReceived() > 0 && server.PingsReceived() > 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStreamLink_SilentPeerFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ln := listen(t)
	served := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			served <- err
			return
		}
		served <- NewStreamLink(conn, Options{PingInterval: 10 * time.Millisecond}).Serve(ctx, func([]byte) {})
	}()

	// A raw connection that never writes.
	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	select {
	case err := <-served:
		assert.ErrorIs(t, err, ErrPeerSilent)
	case <-time.After(2 * time.Second):
		t.Fatal("silent peer never detected")
	}
}

func TestStreamLink_ServeReturnsContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ln := listen(t)
	peer := make(chan net.Conn, 1)
	go func() {
		if conn, err := ln.Accept(); err == nil {
			peer <- conn
		}
	}()
	link, err := DialTCP(ctx, ln.Addr().String(), quietOptions())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- link.Serve(ctx, func([]byte) {}) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.ErrorIs(t, link.Transmit([]byte{1}), ErrClosed)
	(<-peer).Close()
}

func TestReconnector_DeliversBacklogAfterRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	log := &frameLog{}
	serverWire := rd.NewFrameWire(rd.WithWireLogger(rd.DiscardLogger()), rd.WithObserver(log))
	ln := listen(t)
	acceptOne(ctx, ln, serverWire, quietOptions())

	clientWire := rd.NewFrameWire(rd.WithWireLogger(rd.DiscardLogger()))
	clientWire.Send(42, func(b *buffer.Buffer) { b.WriteInt32(7) })

	var dials, connects atomic.Int32
	r := &Reconnector{
		Wire:    clientWire,
		Backoff: BackoffPolicy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
		Logger:  rd.DiscardLogger(),
		Dial: func(ctx context.Context) (Link, error) {
			if dials.Add(1) < 3 {
				return nil, errors.New("connection refused")
			}
			return DialTCP(ctx, ln.Addr().String(), quietOptions())
		},
		OnConnect: func(Link) { connects.Add(1) },
	}
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(log.seen()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []rdid.RdId{42}, log.seen())
	assert.Equal(t, int32(3), dials.Load())
	assert.Equal(t, int32(1), connects.Load())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestReconnector_GivesUp(t *testing.T) {
	refused := errors.New("connection refused")
	r := &Reconnector{
		Wire:    rd.NewFrameWire(rd.WithWireLogger(rd.DiscardLogger())),
		Backoff: BackoffPolicy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxElapsed: 20 * time.Millisecond},
		Logger:  rd.DiscardLogger(),
		Dial:    func(context.Context) (Link, error) { return nil, refused },
	}

	err := r.Run(context.Background())

	assert.ErrorIs(t, err, refused)
}

func TestWebSocketLink_CarriesFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	log := &frameLog{}
	serverWire := rd.NewFrameWire(rd.WithWireLogger(rd.DiscardLogger()), rd.WithObserver(log))
	srv := httptest.NewServer(WebSocketHandler(quietOptions(), func(r *http.Request, l *WebSocketLink) {
		Attach(ctx, serverWire, l)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(cancel)

	opts := Options{PingInterval: 10 * time.Millisecond, Logger: rd.DiscardLogger()}
	link, err := DialWebSocket(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), opts)
	require.NoError(t, err)

	clientWire := rd.NewFrameWire(rd.WithWireLogger(rd.DiscardLogger()))
	go Attach(ctx, clientWire, link)
	clientWire.Send(7, func(b *buffer.Buffer) { b.WriteString("over websocket") })
	clientWire.Send(8, func(b *buffer.Buffer) {})

	require.Eventually(t, func() bool {
		return len(log.seen()) == 2 && link.PongsReceived() > 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []rdid.RdId{7, 8}, log.seen())
}
