package rd

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/roach88/rdsync/internal/buffer"
	"github.com/roach88/rdsync/internal/lifetime"
	"github.com/roach88/rdsync/internal/reactive"
)

// ResultKind tags a task result. The ordinals are part of the wire format.
type ResultKind int32

const (
	Success ResultKind = iota
	Cancelled
	Fault
)

func (k ResultKind) String() string {
	switch k {
	case Success:
		return "Success"
	case Cancelled:
		return "Cancelled"
	case Fault:
		return "Fault"
	default:
		return fmt.Sprintf("ResultKind(%d)", int32(k))
	}
}

// Result is the outcome of a call.
type Result[T any] struct {
	Kind  ResultKind
	Value T
	Fault *FaultError
}

// Succeeded returns a successful result.
func Succeeded[T any](v T) Result[T] {
	return Result[T]{Kind: Success, Value: v}
}

// CancelledResult returns a cancelled result.
func CancelledResult[T any]() Result[T] {
	return Result[T]{Kind: Cancelled}
}

// Faulted returns a failed result carrying err.
func Faulted[T any](err error) Result[T] {
	return Result[T]{Kind: Fault, Fault: NewFaultError(err)}
}

// Unwrap returns the value, ErrCancelled, or the fault.
func (r Result[T]) Unwrap() (T, error) {
	switch r.Kind {
	case Success:
		return r.Value, nil
	case Cancelled:
		var zero T
		return zero, ErrCancelled
	default:
		var zero T
		return zero, r.Fault
	}
}

func (r Result[T]) String() string {
	switch r.Kind {
	case Success:
		return fmt.Sprintf("Success(%v)", r.Value)
	case Fault:
		return fmt.Sprintf("Fault(%v)", r.Fault)
	default:
		return r.Kind.String()
	}
}

// ResultSerializer writes a result as [int32 kind] followed by the value
// for Success or [type][message][text] strings for Fault.
func ResultSerializer[T any](inner Serializer[T]) Serializer[Result[T]] {
	return resultSerializer[T]{inner: inner}
}

type resultSerializer[T any] struct {
	inner Serializer[T]
}

func (s resultSerializer[T]) Read(ctx *SerializationCtx, b *buffer.Buffer) Result[T] {
	switch kind := ResultKind(b.ReadInt32()); kind {
	case Success:
		return Succeeded(s.inner.Read(ctx, b))
	case Cancelled:
		return CancelledResult[T]()
	case Fault:
		fe := &FaultError{TypeName: b.ReadString(), Message: b.ReadString(), Text: b.ReadString()}
		return Result[T]{Kind: Fault, Fault: fe}
	default:
		b.Fail(fmt.Errorf("rd: task result kind %d out of range", int32(kind)))
		return Result[T]{Kind: kind}
	}
}

func (s resultSerializer[T]) Write(ctx *SerializationCtx, b *buffer.Buffer, r Result[T]) {
	b.WriteInt32(int32(r.Kind))
	switch r.Kind {
	case Success:
		s.inner.Write(ctx, b, r.Value)
	case Fault:
		fe := r.Fault
		if fe == nil {
			fe = &FaultError{}
		}
		b.WriteString(fe.TypeName)
		b.WriteString(fe.Message)
		b.WriteString(fe.Text)
	}
}

// Task is a write-once slot for a call result. Setting a result when one is
// already present does nothing.
type Task[T any] struct {
	result *reactive.Property[Result[T]]
	done   chan struct{}
}

// NewTask creates a pending task.
func NewTask[T any]() *Task[T] {
	t := &Task[T]{result: reactive.NewOptProperty[Result[T]](), done: make(chan struct{})}
	t.result.Change(lifetime.Eternal(), func(Result[T]) { close(t.done) })
	return t
}

// CompletedTask returns a task holding r.
func CompletedTask[T any](r Result[T]) *Task[T] {
	t := NewTask[T]()
	t.SetResult(r)
	return t
}

// Go runs fn on a new goroutine and completes the task with its outcome.
// fn's context is cancelled when lt ends; if fn has not returned by then
// the task is Cancelled.
func Go[T any](lt *lifetime.Lifetime, fn func(ctx context.Context) (T, error)) *Task[T] {
	t := NewTask[T]()
	ctx := lt.Context()
	if !lt.OnTermination(func() { t.SetResult(CancelledResult[T]()) }) {
		t.SetResult(CancelledResult[T]())
		return t
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.SetResult(Faulted[T](fmt.Errorf("panic: %v", r)))
			}
		}()
		v, err := fn(ctx)
		if ctx.Err() != nil {
			t.SetResult(CancelledResult[T]())
			return
		}
		if err != nil {
			t.SetResult(Faulted[T](err))
			return
		}
		t.SetResult(Succeeded(v))
	}()
	return t
}

// SetResult stores r if the task is still pending and reports whether it
// did.
func (t *Task[T]) SetResult(r Result[T]) bool {
	return t.result.SetIfEmpty(r)
}

// Set completes the task successfully.
func (t *Task[T]) Set(v T) bool {
	return t.SetResult(Succeeded(v))
}

// Fail completes the task with err.
func (t *Task[T]) Fail(err error) bool {
	return t.SetResult(Faulted[T](err))
}

// Cancel completes the task as Cancelled.
func (t *Task[T]) Cancel() bool {
	return t.SetResult(CancelledResult[T]())
}

// Result returns the result, if set.
func (t *Task[T]) Result() (Result[T], bool) {
	return t.result.Get()
}

// Done is closed once the result is set.
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the result is set or ctx is done.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		r, _ := t.Result()
		return r.Unwrap()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Advise calls fn once with the result, immediately if it is already set.
func (t *Task[T]) Advise(lt *lifetime.Lifetime, fn func(Result[T])) {
	var once sync.Once
	t.result.Advise(lt, func(r Result[T]) {
		once.Do(func() { fn(r) })
	})
}

// RpcTimeouts bound a synchronous call: exceeding Warn is logged, exceeding
// Error fails the call with a TimeoutError.
type RpcTimeouts struct {
	Warn  time.Duration
	Error time.Duration
}

var (
	DefaultTimeouts     = RpcTimeouts{Warn: 200 * time.Millisecond, Error: 3 * time.Second}
	LongRunningTimeouts = RpcTimeouts{Warn: 10 * time.Second, Error: 15 * time.Second}
	InfiniteTimeouts    = RpcTimeouts{Warn: 60 * time.Second, Error: time.Duration(math.MaxInt64)}
)
