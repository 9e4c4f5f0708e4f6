package rd_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rdsync/internal/buffer"
	"github.com/roach88/rdsync/internal/rd"
	"github.com/roach88/rdsync/internal/reactive"
	"github.com/roach88/rdsync/internal/rdid"
	"github.com/roach88/rdsync/internal/testutil"
	"github.com/roach88/rdsync/internal/testwire"
)

// bindMasterMap binds a map pair where the server side is the master.
func bindMasterMap(t *testing.T, pair *testutil.Pair) (client, server *rd.Map[int32, string]) {
	t.Helper()
	client = rd.NewMap(rd.Int32, rd.String)
	server = rd.NewMap(rd.Int32, rd.String)
	client.SetMaster(false)
	server.SetMaster(true)
	pair.BindStatic("map", client, server)
	return client, server
}

func TestMap_EventLogAfterAck(t *testing.T) {
	pair := testutil.NewPair(t)
	client, server := bindMasterMap(t, pair)

	var log []string
	client.Advise(pair.Lifetime, func(e reactive.MapEvent[int32, string]) { log = append(log, e.String()) })

	server.Set(1, "1")
	server.Set(1, "2")
	server.Set(1, "2")
	pair.Flush()

	assert.Equal(t, []string{"Add 1:1", "Update 1:2"}, log)
	_, pending := server.Pending(1)
	assert.False(t, pending, "ack should clear the pending entry")
}

func TestMap_SlaveWriteDroppedWhileMasterPending(t *testing.T) {
	pair := testutil.NewPair(t)
	client, server := bindMasterMap(t, pair)

	server.Set(1, "master")
	client.Set(1, "slave")
	pair.Flush()

	v, _ := server.Get(1)
	assert.Equal(t, "master", v)
	v, _ = client.Get(1)
	assert.Equal(t, "master", v)

	// Once acknowledged, slave writes go through again.
	client.Set(1, "slave again")
	pair.Flush()
	v, _ = server.Get(1)
	assert.Equal(t, "slave again", v)
}

func TestMap_AckIsIdempotent(t *testing.T) {
	pair := testutil.NewPair(t)
	_, server := bindMasterMap(t, pair)

	server.Set(7, "x")
	version, ok := server.Pending(7)
	require.True(t, ok)
	pair.Flush()
	_, ok = server.Pending(7)
	require.False(t, ok)

	// A duplicate ack is a no-op.
	assert.Nil(t, rd.Recover(func() {
		pair.Wires.Server.Receive(mapAckFrame(server.RdID(), version, 7))
	}))
	_, ok = server.Pending(7)
	assert.False(t, ok)
}

func TestMap_StaleAckKeepsNewerPending(t *testing.T) {
	pair := testutil.NewPair(t)
	_, server := bindMasterMap(t, pair)

	server.Set(7, "x")
	first, _ := server.Pending(7)
	server.Set(7, "y")
	second, _ := server.Pending(7)
	require.Greater(t, second, first)
	pair.Wires.Drop(testwire.ToClient)

	pair.Wires.Server.Receive(mapAckFrame(server.RdID(), first, 7))
	got, ok := server.Pending(7)
	require.True(t, ok)
	assert.Equal(t, second, got)

	pair.Wires.Server.Receive(mapAckFrame(server.RdID(), second+5, 7))
	got, ok = server.Pending(7)
	require.True(t, ok)
	assert.Equal(t, second, got)

	pair.Wires.Server.Receive(mapAckFrame(server.RdID(), second, 7))
	_, ok = server.Pending(7)
	assert.False(t, ok)
}

func TestMap_UnversionedWithoutMaster(t *testing.T) {
	pair := testutil.NewPair(t)
	client := rd.NewMap(rd.String, rd.Int64)
	server := rd.NewMap(rd.String, rd.Int64)
	client.SetMaster(false)
	server.SetMaster(false)
	pair.BindStatic("map", client, server)

	client.Set("a", 1)
	server.Set("b", 2)
	pair.Flush()
	server.Remove("a")
	pair.Flush()

	assert.Equal(t, []string{"b"}, client.Keys())
	assert.Equal(t, []string{"b"}, server.Keys())
	_, pending := client.Pending("b")
	assert.False(t, pending)
}

func TestMap_EntriesSetBeforeBindAreSent(t *testing.T) {
	pair := testutil.NewPair(t)
	client := rd.NewMap(rd.Int32, rd.String)
	client.Set(1, "one")
	client.Set(2, "two")
	server := rd.NewMap(rd.Int32, rd.String)

	pair.BindStatic("map", client, server)

	assert.Equal(t, []int32{1, 2}, server.Keys())
	v, _ := server.Get(2)
	assert.Equal(t, "two", v)
}

func mapAckFrame(id rdid.RdId, version int64, key int32) []byte {
	b := buffer.New()
	id.Write(b)
	b.WriteInt16(0)
	b.WriteInt32(1<<8 | int32(rd.MapAck))
	b.WriteInt64(version)
	b.WriteInt32(key)
	return b.Bytes()
}
