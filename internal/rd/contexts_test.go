package rd_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rdsync/internal/rd"
	"github.com/roach88/rdsync/internal/testutil"
)

type observed struct {
	value string
	has   bool
}

func TestContexts_LightValueInstalledAroundApply(t *testing.T) {
	clientKey := rd.NewContext("request-id", false, rd.String)
	serverKey := rd.NewContext("request-id", false, rd.String)
	pair := testutil.NewPair(t,
		testutil.WithClientOptions(rd.WithContexts(clientKey)),
		testutil.WithServerOptions(rd.WithContexts(serverKey)),
	)
	client := rd.NewSignal(rd.Int32)
	server := rd.NewSignal(rd.Int32)
	pair.BindStatic("sig", client, server)

	var seen []observed
	server.Advise(pair.Lifetime, func(int32) {
		v, ok := serverKey.Value()
		seen = append(seen, observed{v, ok})
	})

	clientKey.With("req-1", func() { client.Fire(1) })
	client.Fire(2)
	pair.Flush()

	assert.Equal(t, []observed{{"req-1", true}, {"", false}}, seen)
	_, ok := serverKey.Value()
	assert.False(t, ok, "value must be restored after the apply")
}

func TestContexts_UnknownKeyResolvedFromRegistry(t *testing.T) {
	clientKey := rd.NewContext("trace", false, rd.Int64)
	pair := testutil.NewPair(t, testutil.WithClientOptions(rd.WithContexts(clientKey)))
	client := rd.NewSignal(rd.Void)
	server := rd.NewSignal(rd.Void)
	pair.BindStatic("sig", client, server)

	key, ok := pair.Server.Contexts().Lookup("trace")
	require.True(t, ok, "peer definition should register the key")
	remote, ok := key.(*rd.Context[any])
	require.True(t, ok)

	var got any
	server.Advise(pair.Lifetime, func(rd.Unit) { got, _ = remote.Value() })
	clientKey.With(77, func() { client.Fire(rd.Unit{}) })
	pair.Flush()

	assert.Equal(t, int64(77), got)
}

func TestContexts_HeavyValuesAreInterned(t *testing.T) {
	clientKey := rd.NewContext("tenant", true, rd.String)
	serverKey := rd.NewContext("tenant", true, rd.String)
	pair := testutil.NewPair(t,
		testutil.WithClientOptions(rd.WithContexts(clientKey)),
		testutil.WithServerOptions(rd.WithContexts(serverKey)),
	)
	client := rd.NewProperty(rd.Int32, 0)
	server := rd.NewProperty(rd.Int32, 0)
	pair.BindStatic("prop", client, server)

	var seen []string
	server.Change(pair.Lifetime, func(int32) {
		v, _ := serverKey.Value()
		seen = append(seen, v)
	})

	clientKey.With("acme", func() {
		client.Set(1)
		client.Set(2)
	})
	pair.Flush()

	assert.Equal(t, []string{"acme", "acme"}, seen)

	values, ok := rd.ValueSet(pair.Server.Contexts(), serverKey)
	require.True(t, ok)
	assert.True(t, values.Contains("acme"), "value set replicates to the peer")
}

func TestContexts_LateRegistrationIsAnnounced(t *testing.T) {
	pair := testutil.NewPair(t)
	client := rd.NewSignal(rd.Int32)
	server := rd.NewSignal(rd.Int32)
	pair.BindStatic("sig", client, server)

	clientKey := rd.NewContext("late", false, rd.String)
	serverKey := rd.NewContext("late", false, rd.String)
	pair.Server.Contexts().Register(serverKey)
	pair.Client.Contexts().Register(clientKey)
	pair.Flush()

	assert.Equal(t, []string{"late"}, pair.Client.Contexts().Registered())

	var got string
	server.Advise(pair.Lifetime, func(int32) { got, _ = serverKey.Value() })
	clientKey.With("now", func() { client.Fire(1) })
	pair.Flush()

	assert.Equal(t, "now", got)
}
