// Package testwire connects two rd.FrameWire instances in memory.
//
// Frames wait in one queue per direction until the test pumps them with
// ProcessOne or ProcessAll, so a test controls exactly which messages the
// peer has seen. With auto flush enabled every frame is delivered as soon
// as it is sent.
package testwire

import (
	"slices"
	"sync"

	"github.com/roach88/rdsync/internal/rd"
)

// Direction selects one of the two queues.
type Direction int

const (
	// ToServer carries frames sent by the client.
	ToServer Direction = iota
	// ToClient carries frames sent by the server.
	ToClient
)

func (d Direction) String() string {
	if d == ToServer {
		return "client->server"
	}
	return "server->client"
}

// Pair is a client and a server wire joined by two frame queues.
//
// Thread-safety: all methods are safe for concurrent use. Frames are
// delivered on the goroutine that pumps them.
type Pair struct {
	Client *rd.FrameWire
	Server *rd.FrameWire

	mu       sync.Mutex
	queues   [2][][]byte
	auto     bool
	draining bool
	sent     [2]int
}

// NewPair creates connected wires. opts apply to both.
func NewPair(opts ...rd.WireOption) *Pair {
	p := &Pair{
		Client: rd.NewFrameWire(opts...),
		Server: rd.NewFrameWire(opts...),
	}
	p.Client.Connect(link{p: p, dir: ToServer})
	p.Server.Connect(link{p: p, dir: ToClient})
	return p
}

type link struct {
	p   *Pair
	dir Direction
}

func (l link) Transmit(frame []byte) error {
	l.p.enqueue(l.dir, slices.Clone(frame))
	return nil
}

func (p *Pair) enqueue(dir Direction, frame []byte) {
	p.mu.Lock()
	p.queues[dir] = append(p.queues[dir], frame)
	p.sent[dir]++
	auto := p.auto
	p.mu.Unlock()
	if auto {
		p.drain()
	}
}

// drain delivers until both queues are empty. Frames sent while a frame is
// being delivered are appended and picked up by the outer drain, so
// delivery order matches send order.
func (p *Pair) drain() int {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return 0
	}
	p.draining = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.draining = false
		p.mu.Unlock()
	}()

	n := 0
	for p.processOne(ToServer) || p.processOne(ToClient) {
		n++
	}
	return n
}

// SetAutoFlush turns immediate delivery on or off. Turning it on delivers
// everything already queued.
func (p *Pair) SetAutoFlush(auto bool) {
	p.mu.Lock()
	p.auto = auto
	p.mu.Unlock()
	if auto {
		p.drain()
	}
}

// Pending returns the number of undelivered frames in dir.
func (p *Pair) Pending(dir Direction) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues[dir])
}

// Sent returns the number of frames ever sent in dir.
func (p *Pair) Sent(dir Direction) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent[dir]
}

// ProcessOne delivers the oldest frame in dir and reports whether there was
// one.
func (p *Pair) ProcessOne(dir Direction) bool {
	return p.processOne(dir)
}

func (p *Pair) processOne(dir Direction) bool {
	p.mu.Lock()
	if len(p.queues[dir]) == 0 {
		p.mu.Unlock()
		return false
	}
	frame := p.queues[dir][0]
	p.queues[dir] = p.queues[dir][1:]
	p.mu.Unlock()

	if dir == ToServer {
		p.Server.Receive(frame)
	} else {
		p.Client.Receive(frame)
	}
	return true
}

// Process delivers every frame queued in dir, including ones sent in
// response, and returns how many were delivered.
func (p *Pair) Process(dir Direction) int {
	n := 0
	for p.processOne(dir) {
		n++
	}
	return n
}

// ProcessAll delivers frames in both directions until both queues are
// empty and returns how many were delivered.
func (p *Pair) ProcessAll() int {
	return p.drain()
}

// Drop discards the frames queued in dir and returns how many there were.
func (p *Pair) Drop(dir Direction) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.queues[dir])
	p.queues[dir] = nil
	return n
}
