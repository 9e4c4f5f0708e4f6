package reactive

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/rdsync/internal/lifetime"
)

func TestSignal_AdviseScopedByLifetime(t *testing.T) {
	var s Signal[int]
	lt := lifetime.New()
	var got []int
	s.Advise(lt, func(v int) { got = append(got, v) })

	s.Fire(1)
	lt.Terminate()
	s.Fire(2)

	assert.Equal(t, []int{1}, got)
	assert.False(t, s.HasSubscribers())
}

func TestSignal_UnsubscribeDuringFire(t *testing.T) {
	var s Signal[int]
	lt := lifetime.New()
	calls := 0
	s.Advise(lt, func(int) { calls++; lt.Terminate() })
	s.Advise(lifetime.Eternal(), func(int) { calls++ })

	s.Fire(1)
	s.Fire(2)

	assert.Equal(t, 3, calls)
}

func TestProperty_SetSkipsEqualValues(t *testing.T) {
	p := NewOptProperty[string]()
	var changes []string
	p.Change(lifetime.Eternal(), func(v string) { changes = append(changes, v) })

	assert.True(t, p.Set("a"))
	assert.False(t, p.Set("a"))
	assert.True(t, p.Set("b"))

	assert.Equal(t, []string{"a", "b"}, changes)
}

func TestProperty_AdviseAcknowledgesCurrent(t *testing.T) {
	p := NewProperty(1)
	var got []int
	p.Advise(lifetime.Eternal(), func(v int) { got = append(got, v) })
	p.Set(2)

	assert.Equal(t, []int{1, 2}, got)
}

func TestProperty_SetIfEmpty(t *testing.T) {
	p := NewOptProperty[int]()
	assert.True(t, p.SetIfEmpty(5))
	assert.False(t, p.SetIfEmpty(6))
	assert.Equal(t, 5, p.Value())
}

func TestProperty_ViewTerminatesPreviousValue(t *testing.T) {
	p := NewProperty("a")
	var lts []*lifetime.Lifetime
	p.View(lifetime.Eternal(), func(lt *lifetime.Lifetime, _ string) { lts = append(lts, lt) })

	p.Set("b")

	assert.Len(t, lts, 2)
	assert.False(t, lts[0].IsAlive())
	assert.True(t, lts[1].IsAlive())
}

func TestEqual(t *testing.T) {
	type point struct{ X, Y int }
	a, b := &point{1, 2}, &point{1, 2}

	assert.True(t, Equal(1, 1))
	assert.True(t, Equal(point{1, 2}, point{1, 2}))
	assert.False(t, Equal(a, b), "pointers compare by identity")
	assert.True(t, Equal([]byte{1}, []byte{1}))
	assert.True(t, Equal[any](nil, nil))
	assert.False(t, Equal[any](nil, 1))
	assert.True(t, Equal[any]([]int{1}, []int{1}), "uncomparable values inside interfaces fall back to deep equality")
}

func TestEventStrings(t *testing.T) {
	assert.Equal(t, "Add 1:x", MapEvent[int, string]{Op: OpAdd, Key: 1, New: "x"}.String())
	assert.Equal(t, "Update 0:y", ListEvent[string]{Op: OpUpdate, Index: 0, New: "y"}.String())
	assert.Equal(t, "Remove 3", SetEvent[int]{Kind: Remove, Value: 3}.String())
}
