package rd_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rdsync/internal/lifetime"
	"github.com/roach88/rdsync/internal/rd"
	"github.com/roach88/rdsync/internal/testutil"
	"github.com/roach88/rdsync/internal/testwire"
)

func TestProperty_OneMessagePerChange(t *testing.T) {
	pair := testutil.NewPair(t)
	client := rd.NewProperty(rd.String, "")
	server := rd.NewProperty(rd.String, "")
	pair.BindStatic("top", client, server)

	assert.Equal(t, 0, pair.Wires.Pending(testwire.ToClient), "default value should not be sent on bind")

	server.Set("Server value 1")
	require.Equal(t, 1, pair.Wires.Pending(testwire.ToClient))
	require.True(t, pair.Wires.ProcessOne(testwire.ToClient))
	assert.Equal(t, "Server value 1", client.Value())

	client.Set("Client value 1")
	require.Equal(t, 1, pair.Wires.Pending(testwire.ToServer))
	require.True(t, pair.Wires.ProcessOne(testwire.ToServer))
	assert.Equal(t, "Client value 1", server.Value())
}

func TestProperty_EqualValueSendsNothing(t *testing.T) {
	pair := testutil.NewPair(t)
	client := rd.NewProperty(rd.Int32, 0)
	server := rd.NewProperty(rd.Int32, 0)
	pair.BindStatic("top", client, server)

	assert.True(t, client.Set(5))
	assert.False(t, client.Set(5))
	assert.Equal(t, 1, pair.Wires.Pending(testwire.ToServer))
}

func TestProperty_MasterLastWriteWins(t *testing.T) {
	pair := testutil.NewPair(t)
	client := rd.NewProperty(rd.Int32, 0)
	server := rd.NewProperty(rd.Int32, 0)
	pair.BindStatic("top", client, server)
	require.True(t, client.IsMaster())
	require.False(t, server.IsMaster())

	// Both sides write before seeing each other.
	server.Set(10)
	client.Set(1)
	server.Set(11)
	client.Set(2)
	pair.Flush()

	assert.Equal(t, int32(2), client.Value())
	assert.Equal(t, int32(2), server.Value())
	assert.Equal(t, int32(2), client.MasterVersion())
	assert.Equal(t, client.MasterVersion(), server.MasterVersion())
}

func TestProperty_SlaveWritePropagatesWhenUncontested(t *testing.T) {
	pair := testutil.NewPair(t)
	client := rd.NewProperty(rd.Int32, 0)
	server := rd.NewProperty(rd.Int32, 0)
	pair.BindStatic("top", client, server)

	client.Set(1)
	pair.Flush()
	server.Set(7)
	pair.Flush()

	assert.Equal(t, int32(7), client.Value())
	assert.Equal(t, int32(7), server.Value())
}

func TestProperty_ValueSetBeforeBindIsSent(t *testing.T) {
	pair := testutil.NewPair(t)
	client := rd.NewProperty(rd.String, "")
	server := rd.NewProperty(rd.String, "")
	client.Set("early")

	pair.BindStatic("top", client, server)

	assert.Equal(t, "early", server.Value())
}

func TestProperty_OptionalStartsEmpty(t *testing.T) {
	pair := testutil.NewPair(t)
	client := rd.NewOptProperty(rd.String)
	server := rd.NewOptProperty(rd.String)
	pair.BindStatic("top", client, server)

	_, ok := server.Get()
	assert.False(t, ok)

	var seen []string
	server.Advise(pair.Lifetime, func(v string) { seen = append(seen, v) })
	client.Set("a")
	pair.Flush()

	assert.Equal(t, []string{"a"}, seen)
}

func TestProperty_NestedPropertyIsBoundUnderValue(t *testing.T) {
	pair := testutil.NewPair(t)
	ser := rd.PropertySerializer(rd.Int32)
	client := rd.NewOptProperty(ser)
	server := rd.NewOptProperty(ser)
	pair.BindStatic("outer", client, server)

	inner := rd.NewProperty(rd.Int32, 1)
	client.Set(inner)
	pair.Flush()

	remote, ok := server.Get()
	require.True(t, ok)
	assert.Equal(t, inner.RdID(), remote.RdID())
	assert.Equal(t, int32(1), remote.Value())
	assert.Equal(t, rd.Bound, remote.BindState())
	assert.Equal(t, "server.outer.$", remote.Location())

	inner.Set(2)
	pair.Flush()
	assert.Equal(t, int32(2), remote.Value())

	// Replacing the value unbinds the previous one on both sides.
	client.Set(rd.NewProperty(rd.Int32, 3))
	pair.Flush()
	assert.Equal(t, rd.NotBound, inner.BindState())
	assert.Equal(t, rd.NotBound, remote.BindState())
	assert.Equal(t, int32(3), server.Value().Value())
}

func TestProperty_UnbindClearsIdentity(t *testing.T) {
	pair := testutil.NewPair(t)
	lt := lifetime.New()
	p := rd.NewProperty(rd.Int32, 0)
	p.Identify(pair.Client.Identities(), pair.Client.Identities().Next(p.RdID()))
	p.PreBind(lt, pair.Client, "p")
	p.Bind()
	require.Equal(t, rd.Bound, p.BindState())

	lt.Terminate()

	assert.Equal(t, rd.NotBound, p.BindState())
	assert.True(t, p.RdID().IsNull())
	assert.Nil(t, p.Protocol())

	// Still usable locally.
	assert.True(t, p.Set(4))
	assert.Equal(t, int32(4), p.Value())
}
