// Package reactive holds the in-process observable building blocks the
// protocol entities mirror their state into: Signal, Property and the
// collection event types.
//
// Subscriptions are scoped by a lifetime. Handlers run synchronously on the
// goroutine that fires the change, in subscription order.
package reactive

import (
	"reflect"
	"sync"

	"github.com/roach88/rdsync/internal/lifetime"
)

// Signal broadcasts values to subscribed handlers.
type Signal[T any] struct {
	mu   sync.Mutex
	subs []*subscription[T]
}

type subscription[T any] struct {
	fn func(T)
}

// Advise subscribes fn for the duration of lt.
func (s *Signal[T]) Advise(lt *lifetime.Lifetime, fn func(T)) {
	if !lt.IsAlive() {
		return
	}
	sub := &subscription[T]{fn: fn}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	lt.OnTermination(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, x := range s.subs {
			if x == sub {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	})
}

// Fire delivers v to every handler subscribed at the time of the call.
func (s *Signal[T]) Fire(v T) {
	s.mu.Lock()
	subs := s.subs
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(v)
	}
}

// HasSubscribers reports whether anyone is listening.
func (s *Signal[T]) HasSubscribers() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) > 0
}

// Equal compares two values for change detection. Comparable values use ==,
// so distinct pointers are never equal; other values fall back to
// reflect.DeepEqual.
func Equal[T any](a, b T) bool {
	va, vb := any(a), any(b)
	if va == nil || vb == nil {
		return va == nil && vb == nil
	}
	ta, tb := reflect.TypeOf(va), reflect.TypeOf(vb)
	if ta != tb {
		return false
	}
	if ta.Comparable() && comparableDeep(reflect.ValueOf(va)) {
		return va == vb
	}
	return reflect.DeepEqual(va, vb)
}

// comparableDeep reports whether == on v cannot panic at run time, which
// fails for interface fields holding uncomparable values.
func comparableDeep(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return true
		}
		e := v.Elem()
		return e.Type().Comparable() && comparableDeep(e)
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if !comparableDeep(v.Field(i)) {
				return false
			}
		}
		return true
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if !comparableDeep(v.Index(i)) {
				return false
			}
		}
		return true
	default:
		return true
	}
}
