package rd

import (
	"fmt"
	"time"

	"github.com/roach88/rdsync/internal/buffer"
	"github.com/roach88/rdsync/internal/lifetime"
	"github.com/roach88/rdsync/internal/rdid"
	"github.com/roach88/rdsync/internal/scheduler"
)

// Handler serves one request. lt ends when the caller cancels; the
// returned task is completed whenever the work is done.
type Handler[Req, Res any] func(lt *lifetime.Lifetime, req Req) *Task[Res]

// Call is a remote procedure. The side that sets a handler is the endpoint;
// the other side starts calls.
//
// A request travels as [taskId][request] to the call's id. The endpoint
// answers on taskId with a serialized Result. Either side sends a bare
// message on taskId to cancel: the caller when it gives up, the endpoint
// never.
type Call[Req, Res any] struct {
	reactiveBase
	reqSer    Serializer[Req]
	resultSer Serializer[Result[Res]]

	handler               Handler[Req, Res]
	handlerScheduler      scheduler.Scheduler
	cancellationScheduler scheduler.Scheduler
}

// NewCall creates a call with the given request and response serializers.
func NewCall[Req, Res any](reqSer Serializer[Req], resSer Serializer[Res]) *Call[Req, Res] {
	c := &Call[Req, Res]{reqSer: reqSer, resultSer: ResultSerializer(resSer)}
	c.hooks = c
	return c
}

func (c *Call[Req, Res]) identifyChildren(rdid.Identities, rdid.RdId) {}

func (c *Call[Req, Res]) preInit(lt *lifetime.Lifetime, proto *Protocol) {
	c.preInitReactive(lt, proto)
}

func (c *Call[Req, Res]) init(*lifetime.Lifetime, *Protocol) {}

// SetAsync allows starting calls from any goroutine.
func (c *Call[Req, Res]) SetAsync(async bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.async = async
}

// SetHandler serves requests with fn, run to completion on the handler
// scheduler. A returned error is reported to the caller as a Fault.
func (c *Call[Req, Res]) SetHandler(fn func(req Req) (Res, error)) {
	c.SetAsyncHandler(func(_ *lifetime.Lifetime, req Req) *Task[Res] {
		res, err := fn(req)
		if err != nil {
			return CompletedTask(Faulted[Res](err))
		}
		return CompletedTask(Succeeded(res))
	})
}

// SetAsyncHandler serves requests with h. Use Go for work that should
// leave the handler scheduler.
func (c *Call[Req, Res]) SetAsyncHandler(h Handler[Req, Res]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// SetHandlerScheduler runs handlers on s instead of the protocol scheduler.
func (c *Call[Req, Res]) SetHandlerScheduler(s scheduler.Scheduler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlerScheduler = s
}

// SetCancellationScheduler applies cancellations on s. The default applies
// them as soon as they arrive.
func (c *Call[Req, Res]) SetCancellationScheduler(s scheduler.Scheduler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancellationScheduler = s
}

func (c *Call[Req, Res]) handlerSetup() (Handler[Req, Res], scheduler.Scheduler, scheduler.Scheduler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancel := c.cancellationScheduler
	if cancel == nil {
		cancel = scheduler.Synchronous
	}
	return c.handler, c.handlerScheduler, cancel
}

// Start sends req and returns the pending result. The call is cancelled
// when lt ends before the result arrives.
func (c *Call[Req, Res]) Start(lt *lifetime.Lifetime, req Req) *Task[Res] {
	return c.StartOn(lt, req, nil)
}

// StartOn is Start with the result delivered on responses, or the protocol
// scheduler when nil.
func (c *Call[Req, Res]) StartOn(lt *lifetime.Lifetime, req Req, responses scheduler.Scheduler) *Task[Res] {
	c.assertBoundThreading()
	_, loc, state, proto, bindLt := c.snapshot()
	if state != Bound {
		violation(ErrCodeBindState, c.Location(), c.RdID(), "call requires state %s, was %s", Bound, state)
	}
	if responses == nil {
		responses = proto.scheduler
	}

	outer := bindLt
	intersected := false
	if !lt.IsEternal() {
		outer = lifetime.Intersect(lt, bindLt)
		intersected = true
	}

	taskID := proto.identities.Next(rdid.Null)
	site := newCallSite(c, proto, loc, taskID, outer, intersected, responses)
	outer.ExecuteIfAlive(func() {
		c.send(proto, func(b *buffer.Buffer) {
			taskID.Write(b)
			c.reqSer.Write(proto.ctx, b, req)
		})
		trace(c.logger(), "call send", "task", taskID)
	})
	return site.task
}

// Sync starts a call and blocks until the result arrives or the error
// timeout passes, which cancels the call. A nil timeouts means
// DefaultTimeouts. The result is delivered without the protocol scheduler,
// so Sync may block the scheduler goroutine.
func (c *Call[Req, Res]) Sync(req Req, timeouts *RpcTimeouts) (Res, error) {
	to := DefaultTimeouts
	if timeouts != nil {
		to = *timeouts
	}
	start := time.Now()
	task := c.StartOn(lifetime.Eternal(), req, scheduler.Synchronous)

	timer := time.NewTimer(to.Error)
	defer timer.Stop()
	select {
	case <-task.Done():
	case <-timer.C:
		task.Cancel()
		var zero Res
		return zero, &TimeoutError{Location: c.Location(), Timeout: to.Error}
	}

	if elapsed := time.Since(start); elapsed > to.Warn {
		c.logger().Warn("sync call took too long", "elapsed", elapsed, "warn_after", to.Warn)
	}
	r, _ := task.Result()
	return r.Unwrap()
}

// OnWireReceived implements Wireable. Messages on the call's own id are
// requests.
func (c *Call[Req, Res]) OnWireReceived(b *buffer.Buffer, d *Dispatch) {
	taskID := rdid.Read(b)
	req := c.reqSer.Read(d.proto.ctx, b)
	if c.decodeFailed(b) {
		return
	}
	handler, handlerSched, cancelSched := c.handlerSetup()
	ep := newEndpoint(c, d.proto, taskID, d.lt, cancelSched)
	trace(c.logger(), "call received", "task", taskID)

	d.Run(handlerSched, func() {
		if handler == nil {
			c.logger().Error("call has no handler", "task", taskID)
			ep.task.SetResult(Faulted[Res](ErrNoHandler))
			return
		}
		res := invokeHandler(handler, ep.lt, req)
		res.Advise(ep.lt, func(r Result[Res]) { ep.task.SetResult(r) })
	})
}

func invokeHandler[Req, Res any](h Handler[Req, Res], lt *lifetime.Lifetime, req Req) (t *Task[Res]) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("panic: %v", r)
			}
			t = CompletedTask(Faulted[Res](err))
		}
	}()
	t = h(lt, req)
	if t == nil {
		t = CompletedTask(Faulted[Res](fmt.Errorf("handler returned no task")))
	}
	return t
}

// callSite waits for the answer to one outgoing request.
type callSite[Req, Res any] struct {
	call      *Call[Req, Res]
	proto     *Protocol
	id        rdid.RdId
	location  string
	outer     *lifetime.Lifetime
	sub       *lifetime.Lifetime
	responses scheduler.Scheduler
	task      *Task[Res]
}

func newCallSite[Req, Res any](c *Call[Req, Res], proto *Protocol, loc string, id rdid.RdId, outer *lifetime.Lifetime, intersected bool, responses scheduler.Scheduler) *callSite[Req, Res] {
	s := &callSite[Req, Res]{
		call:      c,
		proto:     proto,
		id:        id,
		location:  loc + "." + id.String(),
		outer:     outer,
		sub:       outer.Nested(),
		responses: responses,
		task:      NewTask[Res](),
	}
	proto.wire.Advise(s.sub, s)
	if !s.sub.OnTermination(func() { s.task.Cancel() }) {
		s.task.Cancel()
	}
	s.task.Advise(lifetime.Eternal(), func(r Result[Res]) {
		s.sub.Terminate()
		if r.Kind == Cancelled {
			s.sendCancellation()
		}
		if intersected {
			if _, ok := asBindable(r.Value); !ok || r.Kind != Success {
				outer.Terminate()
			}
		}
	})
	return s
}

func (s *callSite[Req, Res]) RdID() rdid.RdId     { return s.id }
func (s *callSite[Req, Res]) Location() string    { return s.location }
func (s *callSite[Req, Res]) Protocol() *Protocol { return s.proto }

func (s *callSite[Req, Res]) sendCancellation() {
	s.proto.wire.Send(s.id, func(*buffer.Buffer) {})
	trace(s.call.logger(), "call cancellation sent", "task", s.id)
}

// OnWireReceived implements Wireable for the response.
func (s *callSite[Req, Res]) OnWireReceived(b *buffer.Buffer, d *Dispatch) {
	r := s.call.resultSer.Read(s.proto.ctx, b)
	if s.call.decodeFailed(b) {
		return
	}
	if _, done := s.task.Result(); done {
		trace(s.call.logger(), "call response dropped, result already set", "task", s.id)
		return
	}
	trace(s.call.logger(), "call response", "task", s.id, "kind", r.Kind)

	bindable := false
	if r.Kind == Success {
		if _, ok := asBindable(r.Value); ok {
			bindable = true
			def := lifetime.New()
			def.OnTermination(s.sendCancellation)
			if !s.outer.OnTermination(def.Terminate) {
				def.Terminate()
			}
			preBindValue(def, r.Value, s.call, s.id.String())
		}
	}

	d.Run(s.responses, func() {
		if !s.task.SetResult(r) {
			trace(s.call.logger(), "call response dropped, result already set", "task", s.id)
			return
		}
		if bindable {
			bindValue(r.Value)
		}
	})
}

// endpoint serves one incoming request.
type endpoint[Req, Res any] struct {
	call     *Call[Req, Res]
	proto    *Protocol
	id       rdid.RdId
	location string
	lt       *lifetime.Lifetime
	cancel   scheduler.Scheduler
	task     *Task[Res]
}

func newEndpoint[Req, Res any](c *Call[Req, Res], proto *Protocol, id rdid.RdId, parent *lifetime.Lifetime, cancel scheduler.Scheduler) *endpoint[Req, Res] {
	e := &endpoint[Req, Res]{
		call:     c,
		proto:    proto,
		id:       id,
		location: c.Location() + "." + id.String(),
		lt:       parent.Nested(),
		cancel:   cancel,
		task:     NewTask[Res](),
	}
	proto.wire.Advise(e.lt, e)
	if !e.lt.OnTermination(func() { e.task.Cancel() }) {
		e.task.Cancel()
	}
	e.task.Advise(lifetime.Eternal(), e.respond)
	return e
}

func (e *endpoint[Req, Res]) RdID() rdid.RdId     { return e.id }
func (e *endpoint[Req, Res]) Location() string    { return e.location }
func (e *endpoint[Req, Res]) Protocol() *Protocol { return e.proto }

func (e *endpoint[Req, Res]) respond(r Result[Res]) {
	write := func(b *buffer.Buffer) {
		e.call.resultSer.Write(e.proto.ctx, b, r)
	}
	if _, ok := asBindable(r.Value); ok && r.Kind == Success {
		identifyValue(r.Value, e.proto.identities, e.id)
		e.lt.ExecuteIfAlive(func() {
			preBindValue(e.lt, r.Value, e.call, e.id.String())
			e.proto.wire.Send(e.id, write)
			bindValue(r.Value)
		})
		return
	}
	e.lt.Terminate()
	e.proto.wire.Send(e.id, write)
	trace(e.call.logger(), "call result sent", "task", e.id, "kind", r.Kind)
}

// OnWireReceived implements Wireable for cancellation.
func (e *endpoint[Req, Res]) OnWireReceived(_ *buffer.Buffer, d *Dispatch) {
	trace(e.call.logger(), "call cancellation received", "task", e.id)
	d.Run(e.cancel, func() {
		if !e.task.Cancel() {
			// A bindable result outlives the call until the caller drops it.
			e.proto.scheduler.Queue(e.lt.Terminate)
		}
	})
}
