package rd_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rdsync/internal/rd"
	"github.com/roach88/rdsync/internal/scheduler"
	"github.com/roach88/rdsync/internal/testutil"
)

func TestAsync_WritableFromAnyGoroutine(t *testing.T) {
	sched := &scheduler.Inline{}
	var pair *testutil.Pair
	sched.Queue(func() {
		pair = testutil.NewPair(t, testutil.WithSchedulers(sched, scheduler.Synchronous))
	})

	client := rd.NewAsyncSet(rd.String)
	entries := rd.NewAsyncMap(rd.Int32, rd.String)
	plain := rd.NewSet(rd.String)
	sched.Queue(func() {
		pair.Client.BindStatic(client, "set")
		pair.Client.BindStatic(entries, "entries")
		pair.Client.BindStatic(plain, "plain")
	})
	server := rd.NewSet(rd.String)
	serverEntries := rd.NewMap(rd.Int32, rd.String)
	pair.Server.BindStatic(server, "set")
	pair.Server.BindStatic(serverEntries, "entries")
	pair.Flush()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.Add(fmt.Sprint(i))
			entries.Set(int32(i), fmt.Sprint(i))
		}()
	}
	wg.Wait()
	pair.Flush()

	assert.True(t, client.IsAsync())
	assert.Equal(t, 8, server.Len())
	assert.Equal(t, 8, serverEntries.Len())

	err := rd.Recover(func() { plain.Add("x") })
	require.NotNil(t, err)
	assert.True(t, rd.IsWrongScheduler(err))
}

func TestAsync_ReceivedChangesSkipScheduler(t *testing.T) {
	// Never run: anything queued on it stays queued.
	sched := scheduler.NewSingleThread("idle")
	pair := testutil.NewPair(t, testutil.WithSchedulers(sched, scheduler.Synchronous))

	client := rd.NewAsyncProperty(rd.String, "")
	server := rd.NewProperty(rd.String, "")
	pair.BindStatic("prop", client, server)

	var seen []string
	rd.AdviseOn(pair.Lifetime, sched, client.Change, func(v string) { seen = append(seen, v) })

	server.Set("hello")
	pair.Flush()

	assert.Equal(t, "hello", client.Value(), "applied on the receiving goroutine")
	assert.Empty(t, seen, "subscriber waits for its scheduler")
	assert.Equal(t, 1, sched.Len())

	sched.Close()
	require.NoError(t, sched.Run(t.Context()))
	assert.Equal(t, []string{"hello"}, seen)
}
