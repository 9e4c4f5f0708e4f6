package lifetime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifetime_TerminateRunsActionsInReverse(t *testing.T) {
	l := New()
	var order []int
	l.OnTermination(func() { order = append(order, 1) })
	l.OnTermination(func() { order = append(order, 2) })
	l.OnTermination(func() { order = append(order, 3) })

	l.Terminate()

	assert.Equal(t, []int{3, 2, 1}, order)
	assert.False(t, l.IsAlive())
}

func TestLifetime_TerminateIsIdempotent(t *testing.T) {
	l := New()
	count := 0
	l.OnTermination(func() { count++ })

	l.Terminate()
	l.Terminate()

	assert.Equal(t, 1, count)
}

func TestLifetime_OnTerminationAfterTerminate(t *testing.T) {
	l := Terminated()
	ran := false

	ok := l.OnTermination(func() { ran = true })

	assert.False(t, ok)
	assert.False(t, ran, "late callbacks are not run")
}

func TestLifetime_NotAliveDuringTermination(t *testing.T) {
	l := New()
	var aliveInside bool
	l.OnTermination(func() { aliveInside = l.IsAlive() })

	l.Terminate()

	assert.False(t, aliveInside)
}

func TestLifetime_NestedTerminatesWithParent(t *testing.T) {
	parent := New()
	child := parent.Nested()
	grandchild := child.Nested()

	parent.Terminate()

	assert.False(t, child.IsAlive())
	assert.False(t, grandchild.IsAlive())
}

func TestLifetime_NestedDetachesOnEarlyTermination(t *testing.T) {
	parent := New()
	for i := 0; i < 100; i++ {
		parent.Nested().Terminate()
	}

	parent.mu.Lock()
	defer parent.mu.Unlock()
	assert.Zero(t, parent.live)
	assert.LessOrEqual(t, len(parent.actions), 1, "detached children are compacted away")
}

func TestLifetime_NestedOfTerminated(t *testing.T) {
	child := Terminated().Nested()
	assert.False(t, child.IsAlive())
}

func TestEternal_NeverTerminates(t *testing.T) {
	e := Eternal()
	ran := false
	assert.True(t, e.OnTermination(func() { ran = true }))

	e.Terminate()

	assert.True(t, e.IsAlive())
	assert.False(t, ran)
	assert.True(t, e.IsEternal())
}

func TestIntersect_TerminatesWithEither(t *testing.T) {
	a, b := New(), New()
	both := Intersect(a, b)
	require.True(t, both.IsAlive())

	b.Terminate()

	assert.False(t, both.IsAlive())
	assert.True(t, a.IsAlive())
}

func TestIntersect_IgnoresEternal(t *testing.T) {
	a := New()
	res := Intersect(Eternal(), a)
	require.True(t, res.IsAlive())

	a.Terminate()
	assert.False(t, res.IsAlive())
}

func TestBracket(t *testing.T) {
	l := New()
	var events []string

	ok := l.Bracket(
		func() { events = append(events, "open") },
		func() { events = append(events, "close") },
	)
	require.True(t, ok)
	assert.Equal(t, []string{"open"}, events)

	l.Terminate()
	assert.Equal(t, []string{"open", "close"}, events)
}

func TestBracket_DeadLifetimeSkipsOpen(t *testing.T) {
	opened := false
	ok := Terminated().Bracket(func() { opened = true }, func() {})
	assert.False(t, ok)
	assert.False(t, opened)
}

func TestExecuteIfAlive(t *testing.T) {
	l := New()
	ran := 0
	assert.True(t, l.ExecuteIfAlive(func() { ran++ }))
	l.Terminate()
	assert.False(t, l.ExecuteIfAlive(func() { ran++ }))
	assert.Equal(t, 1, ran)
}

func TestContext_CancelledOnTermination(t *testing.T) {
	l := New()
	ctx := l.Context()
	require.NoError(t, ctx.Err())

	l.Terminate()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context was not cancelled")
	}
	assert.Error(t, Terminated().Context().Err())
}

func TestDone_ClosedAfterTermination(t *testing.T) {
	l := New()
	l.Terminate()

	select {
	case <-l.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestSequential_NextTerminatesPrevious(t *testing.T) {
	parent := New()
	seq := NewSequential(parent)

	first := seq.Next()
	second := seq.Next()

	assert.False(t, first.IsAlive())
	assert.True(t, second.IsAlive())

	seq.TerminateCurrent()
	assert.False(t, second.IsAlive())

	third := seq.Next()
	parent.Terminate()
	assert.False(t, third.IsAlive())
}
