package harness

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/rdsync/internal/lifetime"
	"github.com/roach88/rdsync/internal/rd"
	"github.com/roach88/rdsync/internal/reactive"
	"github.com/roach88/rdsync/internal/testutil"
)

// entity adapts one rd entity of string values to scenario steps.
type entity interface {
	bindable() rd.Bindable
	advise(lt *lifetime.Lifetime, events *testutil.EventLog, source string)
	apply(lt *lifetime.Lifetime, step Step)
	snapshot() EntityState
}

func newEntity(decl EntityDecl) entity {
	switch decl.Kind {
	case KindProperty:
		if decl.Initial != nil {
			return &propertyEntity{p: rd.NewProperty(rd.String, *decl.Initial)}
		}
		return &propertyEntity{p: rd.NewOptProperty(rd.String)}
	case KindList:
		return &listEntity{l: rd.NewList(rd.String)}
	case KindMap:
		return &mapEntity{m: rd.NewMap(rd.String, rd.String)}
	case KindSet:
		return &setEntity{s: rd.NewSet(rd.String)}
	case KindSignal:
		return &signalEntity{s: rd.NewSignal(rd.String)}
	case KindCall:
		return &callEntity{c: rd.NewCall(rd.String, rd.String), handler: decl.Handler}
	default:
		panic(fmt.Sprintf("harness: unknown entity kind %q", decl.Kind))
	}
}

type propertyEntity struct {
	p *rd.Property[string]
}

func (e *propertyEntity) bindable() rd.Bindable { return e.p }

func (e *propertyEntity) advise(lt *lifetime.Lifetime, events *testutil.EventLog, source string) {
	e.p.Advise(lt, func(v string) { events.Record(source, "set %s", v) })
}

func (e *propertyEntity) apply(_ *lifetime.Lifetime, step Step) {
	e.p.Set(step.Value)
}

func (e *propertyEntity) snapshot() EntityState {
	if v, ok := e.p.Get(); ok {
		return EntityState{Value: &v}
	}
	return EntityState{}
}

type listEntity struct {
	l *rd.List[string]
}

func (e *listEntity) bindable() rd.Bindable { return e.l }

func (e *listEntity) advise(lt *lifetime.Lifetime, events *testutil.EventLog, source string) {
	e.l.Advise(lt, func(ev reactive.ListEvent[string]) { events.Record(source, "%s", ev) })
}

func (e *listEntity) apply(_ *lifetime.Lifetime, step Step) {
	switch step.Do {
	case "add":
		e.l.Add(step.Value)
	case "insert":
		e.l.Insert(*step.Index, step.Value)
	case "set":
		e.l.Set(*step.Index, step.Value)
	case "remove":
		e.l.RemoveAt(*step.Index)
	case "clear":
		e.l.Clear()
	}
}

func (e *listEntity) snapshot() EntityState {
	return EntityState{Items: e.l.Values()}
}

type mapEntity struct {
	m *rd.Map[string, string]
}

func (e *mapEntity) bindable() rd.Bindable { return e.m }

func (e *mapEntity) advise(lt *lifetime.Lifetime, events *testutil.EventLog, source string) {
	e.m.Advise(lt, func(ev reactive.MapEvent[string, string]) { events.Record(source, "%s", ev) })
}

func (e *mapEntity) apply(_ *lifetime.Lifetime, step Step) {
	switch step.Do {
	case "set":
		e.m.Set(step.Key, step.Value)
	case "remove":
		e.m.Remove(step.Key)
	case "clear":
		e.m.Clear()
	}
}

func (e *mapEntity) snapshot() EntityState {
	entries := make(map[string]string, e.m.Len())
	for _, k := range e.m.Keys() {
		if v, ok := e.m.Get(k); ok {
			entries[k] = v
		}
	}
	return EntityState{Entries: entries}
}

type setEntity struct {
	s *rd.Set[string]
}

func (e *setEntity) bindable() rd.Bindable { return e.s }

func (e *setEntity) advise(lt *lifetime.Lifetime, events *testutil.EventLog, source string) {
	e.s.Advise(lt, func(ev reactive.SetEvent[string]) { events.Record(source, "%s", ev) })
}

func (e *setEntity) apply(_ *lifetime.Lifetime, step Step) {
	if step.Do == "add" {
		e.s.Add(step.Value)
	} else {
		e.s.Remove(step.Value)
	}
}

func (e *setEntity) snapshot() EntityState {
	items := e.s.Values()
	slices.Sort(items)
	return EntityState{Items: items}
}

type signalEntity struct {
	s *rd.Signal[string]
}

func (e *signalEntity) bindable() rd.Bindable { return e.s }

func (e *signalEntity) advise(lt *lifetime.Lifetime, events *testutil.EventLog, source string) {
	e.s.Advise(lt, func(v string) { events.Record(source, "fired %s", v) })
}

func (e *signalEntity) apply(_ *lifetime.Lifetime, step Step) {
	e.s.Fire(step.Value)
}

func (e *signalEntity) snapshot() EntityState { return EntityState{} }

// callEntity installs its handler when advised and records every request
// it handles and every result it receives.
type callEntity struct {
	c       *rd.Call[string, string]
	handler string

	mu     sync.Mutex
	events *testutil.EventLog
	source string
	last   *string
}

func (e *callEntity) bindable() rd.Bindable { return e.c }

func (e *callEntity) advise(_ *lifetime.Lifetime, events *testutil.EventLog, source string) {
	e.mu.Lock()
	e.events, e.source = events, source
	e.mu.Unlock()

	e.c.SetHandler(func(req string) (string, error) {
		events.Record(source, "handle %s", req)
		switch e.handler {
		case "upper":
			return strings.ToUpper(req), nil
		case "fail":
			return "", errors.New("rejected " + req)
		default:
			return req, nil
		}
	})
}

func (e *callEntity) apply(lt *lifetime.Lifetime, step Step) {
	task := e.c.Start(lt, step.Value)
	task.Advise(lt, func(r rd.Result[string]) {
		text := formatResult(r)
		e.mu.Lock()
		e.last = &text
		events, source := e.events, e.source
		e.mu.Unlock()
		events.Record(source, "result %s", text)
	})
}

func (e *callEntity) snapshot() EntityState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EntityState{Value: e.last}
}

// formatResult renders a result without the Go type of a fault, which
// depends on the handler's error implementation.
func formatResult(r rd.Result[string]) string {
	switch r.Kind {
	case rd.Success:
		return fmt.Sprintf("Success(%s)", r.Value)
	case rd.Fault:
		return fmt.Sprintf("Fault(%s)", r.Fault.Message)
	default:
		return r.Kind.String()
	}
}
