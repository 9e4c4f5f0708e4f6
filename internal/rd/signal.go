package rd

import (
	"github.com/roach88/rdsync/internal/buffer"
	"github.com/roach88/rdsync/internal/lifetime"
	"github.com/roach88/rdsync/internal/reactive"
	"github.com/roach88/rdsync/internal/rdid"
	"github.com/roach88/rdsync/internal/scheduler"
)

// Signal is a replicated event stream. Fire sends the value and then
// notifies local subscribers; received values notify local subscribers on
// the signal's scheduler.
type Signal[T any] struct {
	reactiveBase
	ser    Serializer[T]
	signal reactive.Signal[T]
}

// NewSignal creates a signal whose values are written with ser.
func NewSignal[T any](ser Serializer[T]) *Signal[T] {
	s := &Signal[T]{ser: ser}
	s.hooks = s
	return s
}

func (s *Signal[T]) identifyChildren(rdid.Identities, rdid.RdId) {}

func (s *Signal[T]) preInit(lt *lifetime.Lifetime, proto *Protocol) {
	s.preInitReactive(lt, proto)
}

func (s *Signal[T]) init(*lifetime.Lifetime, *Protocol) {}

// SetScheduler makes received values arrive on sched instead of the
// protocol scheduler. Replacing an already set scheduler with a different
// one is logged and ignored.
func (s *Signal[T]) SetScheduler(sched scheduler.Scheduler) {
	s.mu.Lock()
	prev := s.wireScheduler
	if prev == nil {
		s.wireScheduler = sched
	}
	s.mu.Unlock()
	if prev != nil && prev != sched {
		s.logger().Error("signal scheduler already set", "location", s.Location())
	}
}

// Fire sends v to the peer and then delivers it locally. Before bind only
// local subscribers see it.
func (s *Signal[T]) Fire(v T) {
	s.assertBoundThreading()
	if proto := s.Protocol(); proto != nil {
		s.sendIfBound(func(b *buffer.Buffer) {
			s.ser.Write(proto.ctx, b, v)
		})
		trace(s.logger(), "signal send")
	}
	s.signal.Fire(v)
}

// Advise subscribes fn for the duration of lt.
func (s *Signal[T]) Advise(lt *lifetime.Lifetime, fn func(T)) {
	s.signal.Advise(lt, fn)
}

// OnWireReceived implements Wireable.
func (s *Signal[T]) OnWireReceived(b *buffer.Buffer, d *Dispatch) {
	v := s.ser.Read(d.proto.ctx, b)
	if s.decodeFailed(b) {
		return
	}
	trace(s.logger(), "signal received")
	d.Run(s.scheduler(d.proto), func() {
		s.signal.Fire(v)
	})
}
