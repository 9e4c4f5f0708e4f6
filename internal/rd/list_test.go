package rd_test

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rdsync/internal/buffer"
	"github.com/roach88/rdsync/internal/rd"
	"github.com/roach88/rdsync/internal/reactive"
	"github.com/roach88/rdsync/internal/rdid"
	"github.com/roach88/rdsync/internal/scheduler"
	"github.com/roach88/rdsync/internal/testutil"
	"github.com/roach88/rdsync/internal/testwire"
)

func TestList_MirrorsMutations(t *testing.T) {
	pair := testutil.NewPair(t)
	client := rd.NewList(rd.String)
	server := rd.NewList(rd.String)
	pair.BindStatic("list", client, server)

	var events []string
	server.Advise(pair.Lifetime, func(e reactive.ListEvent[string]) { events = append(events, e.String()) })

	client.Add("a")
	client.Add("b")
	client.Insert(0, "z")
	client.Set(1, "A")
	client.RemoveAt(2)
	pair.Flush()

	assert.Equal(t, []string{"z", "A"}, server.Values())
	assert.Equal(t, []string{"Add 0:a", "Add 1:b", "Add 0:z", "Update 1:A", "Remove 2"}, events)
	assert.Equal(t, client.NextVersion(), server.NextVersion())
}

func TestList_RandomOpsReplayToSameSequence(t *testing.T) {
	pair := testutil.NewPair(t)
	client := rd.NewList(rd.Int32)
	server := rd.NewList(rd.Int32)
	pair.BindStatic("list", client, server)

	rng := rand.New(rand.NewPCG(1, 2))
	for i := range 200 {
		n := client.Len()
		switch op := rng.IntN(3); {
		case op == 0 || n == 0:
			client.Insert(rng.IntN(n+1), int32(i))
		case op == 1:
			client.Set(rng.IntN(n), int32(-i))
		default:
			client.RemoveAt(rng.IntN(n))
		}
	}
	pair.Flush()

	assert.Equal(t, client.Values(), server.Values())
}

func TestList_ItemsAddedBeforeBindAreSent(t *testing.T) {
	pair := testutil.NewPair(t)
	client := rd.NewList(rd.Int32)
	client.Add(1)
	client.Add(2)
	server := rd.NewList(rd.Int32)

	pair.BindStatic("list", client, server)

	assert.Equal(t, []int32{1, 2}, server.Values())
}

func TestList_VersionConflictIsFatal(t *testing.T) {
	pair := testutil.NewPair(t)
	client := rd.NewList(rd.Int32)
	server := rd.NewList(rd.Int32)
	pair.BindStatic("list", client, server)

	client.Add(1)
	pair.Flush()
	require.Equal(t, int64(2), server.NextVersion())

	frame := listFrame(server.RdID(), reactive.OpAdd, 5, 0, 99)
	err := rd.Recover(func() { pair.Wires.Server.Receive(frame) })

	require.NotNil(t, err)
	assert.True(t, rd.IsVersionConflict(err))
	assert.Equal(t, []int32{1}, server.Values(), "conflicting delta must not be applied")
	assert.Equal(t, int64(2), server.NextVersion())

	// The expected version still applies.
	pair.Wires.Server.Receive(listFrame(server.RdID(), reactive.OpAdd, 2, 1, 7))
	assert.Equal(t, []int32{1, 7}, server.Values())
}

func TestList_RemoteIndexOutOfRangeIsProtocolError(t *testing.T) {
	pair := testutil.NewPair(t)
	client := rd.NewList(rd.Int32)
	server := rd.NewList(rd.Int32)
	pair.BindStatic("list", client, server)

	client.Add(1)
	pair.Flush()

	tests := []struct {
		name  string
		op    reactive.CollectionOp
		index int32
	}{
		{"remove past end", reactive.OpRemove, 1},
		{"update past end", reactive.OpUpdate, 3},
		{"negative remove", reactive.OpRemove, -1},
		{"insert past end", reactive.OpAdd, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rd.Recover(func() {
				pair.Wires.Server.Receive(listFrame(server.RdID(), tt.op, server.NextVersion(), tt.index, 5))
			})

			require.NotNil(t, err)
			assert.True(t, rd.IsIndexOutOfRange(err), err.Error())
			assert.Equal(t, []int32{1}, server.Values())
			assert.Equal(t, int64(2), server.NextVersion())
		})
	}
}

func TestList_LocalInsertIndexIsClamped(t *testing.T) {
	pair := testutil.NewPair(t)
	client := rd.NewList(rd.Int32)
	server := rd.NewList(rd.Int32)
	pair.BindStatic("list", client, server)

	client.Insert(7, 1)
	client.Insert(-3, 0)
	pair.Flush()

	assert.Equal(t, []int32{0, 1}, client.Values())
	assert.Equal(t, client.Values(), server.Values())
}

func TestList_LocalIndexOutOfRangeSendsNothing(t *testing.T) {
	pair := testutil.NewPair(t)
	client := rd.NewList(rd.Int32)
	server := rd.NewList(rd.Int32)
	pair.BindStatic("list", client, server)
	client.Add(1)
	pair.Flush()

	assert.Panics(t, func() { client.Set(3, 9) })

	assert.Zero(t, pair.Wires.Pending(testwire.ToServer))
	assert.Equal(t, client.NextVersion(), server.NextVersion())
}

func TestList_VersionConflictEndsSingleThreadPeer(t *testing.T) {
	sched := scheduler.NewSingleThread("server")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = sched.Run(ctx) }()

	pair := testutil.NewPair(t, testutil.WithSchedulers(scheduler.Synchronous, sched))
	sched.SetPanicHandler(pair.Server.HandlePanic)
	client := rd.NewList(rd.Int32)
	server := rd.NewList(rd.Int32)
	pair.Client.BindStatic(client, "list")
	scheduler.Invoke(sched, func() { pair.Server.BindStatic(server, "list") })
	pair.Flush()
	require.NoError(t, pair.Server.Err())

	pair.Wires.Server.Receive(listFrame(client.RdID(), reactive.OpAdd, 5, 0, 99))

	select {
	case <-pair.Server.Failed():
	case <-time.After(time.Second):
		t.Fatal("protocol survived a version conflict")
	}
	assert.True(t, rd.IsVersionConflict(pair.Server.Err()))
	assert.False(t, pair.Server.Lifetime().IsAlive())
	assert.Equal(t, rd.NotBound, server.BindState())
}

func listFrame(id rdid.RdId, op reactive.CollectionOp, version int64, index int32, v int32) []byte {
	b := buffer.New()
	id.Write(b)
	b.WriteInt16(0)
	b.WriteInt64(int64(op) | version<<2)
	b.WriteInt32(index)
	if op != reactive.OpRemove {
		b.WriteInt32(v)
	}
	return b.Bytes()
}
