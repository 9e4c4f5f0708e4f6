package rd_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/rdsync/internal/rd"
	"github.com/roach88/rdsync/internal/reactive"
	"github.com/roach88/rdsync/internal/scheduler"
	"github.com/roach88/rdsync/internal/testutil"
)

func TestSet_AddRemoveBothWays(t *testing.T) {
	pair := testutil.NewPair(t)
	client := rd.NewSet(rd.Int32)
	server := rd.NewSet(rd.Int32)
	pair.BindStatic("set", client, server)

	var events []string
	server.Advise(pair.Lifetime, func(e reactive.SetEvent[int32]) { events = append(events, e.String()) })

	assert.True(t, client.Add(1))
	assert.True(t, client.Add(2))
	assert.False(t, client.Add(2))
	pair.Flush()
	assert.ElementsMatch(t, []int32{1, 2}, server.Values())

	assert.True(t, server.Remove(1))
	assert.False(t, server.Remove(1))
	pair.Flush()
	assert.Equal(t, []int32{2}, client.Values())
	assert.Equal(t, []string{"Add 1", "Add 2", "Remove 1"}, events)
}

func TestSet_ItemsAddedBeforeBindAreSent(t *testing.T) {
	pair := testutil.NewPair(t)
	client := rd.NewSet(rd.String)
	client.Add("x")
	server := rd.NewSet(rd.String)

	pair.BindStatic("set", client, server)

	assert.True(t, server.Contains("x"))
	assert.Equal(t, 1, server.Len())
}

func TestSignal_FiresLocallyOnceAndRemotely(t *testing.T) {
	pair := testutil.NewPair(t)
	client := rd.NewSignal(rd.String)
	server := rd.NewSignal(rd.String)
	pair.BindStatic("sig", client, server)

	var local, remote []string
	client.Advise(pair.Lifetime, func(v string) { local = append(local, v) })
	server.Advise(pair.Lifetime, func(v string) { remote = append(remote, v) })

	client.Fire("a")
	client.Fire("b")
	pair.Flush()

	assert.Equal(t, []string{"a", "b"}, local)
	assert.Equal(t, []string{"a", "b"}, remote)
}

func TestSignal_UnboundFireIsLocalOnly(t *testing.T) {
	s := rd.NewSignal(rd.Void)
	n := 0
	s.Advise(testutil.NewPair(t).Lifetime, func(rd.Unit) { n++ })

	s.Fire(rd.Unit{})

	assert.Equal(t, 1, n)
}

func TestSignal_CustomScheduler(t *testing.T) {
	pair := testutil.NewPair(t)
	client := rd.NewSignal(rd.Int32)
	server := rd.NewSignal(rd.Int32)
	manual := scheduler.NewManual()
	server.SetScheduler(manual)
	pair.BindStatic("sig", client, server)

	var got []int32
	server.Advise(pair.Lifetime, func(v int32) { got = append(got, v) })

	client.Fire(42)
	pair.Flush()
	assert.Empty(t, got)
	assert.Equal(t, 1, manual.Pending())

	manual.Flush()
	assert.Equal(t, []int32{42}, got)

	// A second, different scheduler is ignored.
	server.SetScheduler(scheduler.Synchronous)
	client.Fire(43)
	pair.Flush()
	assert.Equal(t, []int32{42}, got)
	manual.Flush()
	assert.Equal(t, []int32{42, 43}, got)
}
