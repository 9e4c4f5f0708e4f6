package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const wsBufferSize = 32 * 1024

// WebSocketLink is a Link carrying one binary message per frame.
//
// Thread-safety: Transmit may be called from any goroutine. Serve must be
// called once.
type WebSocketLink struct {
	conn *websocket.Conn
	opts Options

	wmu       sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	pongs     atomic.Int64
}

// NewWebSocketLink wraps an established connection.
func NewWebSocketLink(conn *websocket.Conn, opts Options) *WebSocketLink {
	opts = opts.withDefaults()
	conn.SetReadLimit(int64(opts.MaxFrame))
	return &WebSocketLink{conn: conn, opts: opts}
}

// DialWebSocket connects to a ws:// or wss:// url.
func DialWebSocket(ctx context.Context, url string, opts Options) (*WebSocketLink, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:   wsBufferSize,
		WriteBufferSize:  wsBufferSize,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		conn.Close()
		return nil, fmt.Errorf("transport: websocket dial %s: %s", url, resp.Status)
	}
	return NewWebSocketLink(conn, opts), nil
}

// WebSocketHandler upgrades each request and hands the link to serve, which
// runs on the request goroutine and owns the link until it returns.
func WebSocketHandler(opts Options, serve func(r *http.Request, l *WebSocketLink)) http.Handler {
	opts = opts.withDefaults()
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsBufferSize,
		WriteBufferSize: wsBufferSize,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			opts.Logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		serve(r, NewWebSocketLink(conn, opts))
	})
}

// RemoteAddr implements Link.
func (l *WebSocketLink) RemoteAddr() string {
	return l.conn.RemoteAddr().String()
}

// PongsReceived counts heartbeat replies from the peer.
func (l *WebSocketLink) PongsReceived() int64 {
	return l.pongs.Load()
}

// Transmit implements rd.Transport.
func (l *WebSocketLink) Transmit(frame []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if len(frame) > l.opts.MaxFrame {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, len(frame), l.opts.MaxFrame)
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	return l.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (l *WebSocketLink) extendDeadline() {
	if l.opts.PingInterval > 0 {
		_ = l.conn.SetReadDeadline(time.Now().Add(l.opts.silence()))
	}
}

// Serve implements Link.
func (l *WebSocketLink) Serve(ctx context.Context, receive func([]byte)) error {
	g, gctx := errgroup.WithContext(ctx)

	l.conn.SetPongHandler(func(string) error {
		l.pongs.Add(1)
		l.extendDeadline()
		return nil
	})
	l.extendDeadline()

	g.Go(func() error {
		for {
			kind, data, err := l.conn.ReadMessage()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					return fmt.Errorf("%w: %v", ErrPeerSilent, err)
				}
				return err
			}
			l.extendDeadline()
			if kind != websocket.BinaryMessage {
				l.opts.Logger.Debug("ignoring non-binary websocket message", "type", kind)
				continue
			}
			receive(data)
		}
	})

	if l.opts.PingInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(l.opts.PingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-ticker.C:
				}
				if err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(l.opts.PingInterval)); err != nil {
					return err
				}
			}
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		l.Close()
		return nil
	})

	return g.Wait()
}

// Close sends a normal close message and closes the connection.
func (l *WebSocketLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = l.conn.Close()
	})
	return err
}
