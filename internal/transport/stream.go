package transport

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// StreamLink is a Link over a byte stream such as a TCP connection.
//
// Thread-safety: Transmit may be called from any goroutine; writes are
// serialized. Serve must be called once.
type StreamLink struct {
	conn net.Conn
	opts Options
	r    *bufio.Reader

	wmu sync.Mutex
	w   *bufio.Writer

	closeOnce sync.Once
	closed    atomic.Bool
	lastSeen  atomic.Int64
	pings     atomic.Int64
}

// NewStreamLink wraps conn.
func NewStreamLink(conn net.Conn, opts Options) *StreamLink {
	l := &StreamLink{
		conn: conn,
		opts: opts.withDefaults(),
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}
	l.lastSeen.Store(time.Now().UnixNano())
	return l
}

// DialTCP connects to addr.
func DialTCP(ctx context.Context, addr string, opts Options) (*StreamLink, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewStreamLink(conn, opts), nil
}

// RemoteAddr implements Link.
func (l *StreamLink) RemoteAddr() string {
	return l.conn.RemoteAddr().String()
}

// PingsReceived counts heartbeats read from the peer.
func (l *StreamLink) PingsReceived() int64 {
	return l.pings.Load()
}

// Transmit implements rd.Transport.
func (l *StreamLink) Transmit(frame []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if err := WriteFrame(l.w, frame, l.opts.MaxFrame); err != nil {
		return err
	}
	return l.w.Flush()
}

func (l *StreamLink) ping() error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if err := writePing(l.w); err != nil {
		return err
	}
	return l.w.Flush()
}

// Serve implements Link.
func (l *StreamLink) Serve(ctx context.Context, receive func([]byte)) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			frame, ping, err := ReadFrame(l.r, l.opts.MaxFrame)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return err
			}
			l.lastSeen.Store(time.Now().UnixNano())
			if ping {
				l.pings.Add(1)
				continue
			}
			receive(frame)
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
				if time.Since(time.Unix(0, l.lastSeen.Load())) > l.opts.silence() {
					return ErrPeerSilent
				}
				if err := l.ping(); err != nil {
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

// Close implements Link.
func (l *StreamLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		err = l.conn.Close()
	})
	return err
}
