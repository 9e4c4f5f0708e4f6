package rd_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rdsync/internal/buffer"
	"github.com/roach88/rdsync/internal/lifetime"
	"github.com/roach88/rdsync/internal/rd"
	"github.com/roach88/rdsync/internal/rdid"
	"github.com/roach88/rdsync/internal/testutil"
)

// recorder is a Wireable that keeps the int32 payload of every message.
type recorder struct {
	id    rdid.RdId
	proto *rd.Protocol
	got   []int32
}

func (r *recorder) RdID() rdid.RdId        { return r.id }
func (r *recorder) Location() string       { return "recorder" }
func (r *recorder) Protocol() *rd.Protocol { return r.proto }

func (r *recorder) OnWireReceived(b *buffer.Buffer, d *rd.Dispatch) {
	v := b.ReadInt32()
	d.Run(nil, func() { r.got = append(r.got, v) })
}

// message builds a payload as the broker sees it: positioned after the id,
// with an empty context header.
func message(v int32) *buffer.Buffer {
	b := buffer.New()
	b.WriteInt16(0)
	b.WriteInt32(v)
	return buffer.FromBytes(b.Bytes())
}

func TestBroker_QueuesUntilDelivering(t *testing.T) {
	pair := testutil.NewPair(t)
	broker := rd.NewMessageBroker(true, rd.DiscardLogger())
	rec := &recorder{id: 42, proto: pair.Client}
	broker.AdviseOn(pair.Lifetime, rec)

	broker.Dispatch(42, message(1))
	broker.Dispatch(42, message(2))
	assert.Empty(t, rec.got)

	broker.StartDeliveringMessages()
	broker.Dispatch(42, message(3))

	assert.Equal(t, []int32{1, 2, 3}, rec.got)
}

func TestBroker_DuplicateSubscriptionPanics(t *testing.T) {
	pair := testutil.NewPair(t)
	broker := rd.NewMessageBroker(false, rd.DiscardLogger())
	broker.AdviseOn(pair.Lifetime, &recorder{id: 7, proto: pair.Client})

	err := rd.Recover(func() { broker.AdviseOn(pair.Lifetime, &recorder{id: 7, proto: pair.Client}) })

	require.NotNil(t, err)
	assert.Equal(t, rd.ErrCodeDuplicateSubscription, err.Code)
}

func TestBroker_SubscriptionEndsWithLifetime(t *testing.T) {
	pair := testutil.NewPair(t)
	broker := rd.NewMessageBroker(false, rd.DiscardLogger())
	lt := lifetime.New()
	first := &recorder{id: 9, proto: pair.Client}
	broker.AdviseOn(lt, first)
	require.True(t, broker.Subscribed(9))

	lt.Terminate()
	broker.Dispatch(9, message(1))

	assert.False(t, broker.Subscribed(9))
	assert.Empty(t, first.got)

	// The id is free for a new subscriber.
	second := &recorder{id: 9, proto: pair.Client}
	broker.AdviseOn(pair.Lifetime, second)
	broker.Dispatch(9, message(2))
	assert.Equal(t, []int32{2}, second.got)
}

func TestBroker_UnknownIDIsDropped(t *testing.T) {
	broker := rd.NewMessageBroker(false, rd.DiscardLogger())

	assert.NotPanics(t, func() { broker.Dispatch(1234, message(1)) })
}

func TestBroker_NullIDSubscriptionPanics(t *testing.T) {
	pair := testutil.NewPair(t)
	broker := rd.NewMessageBroker(false, rd.DiscardLogger())

	err := rd.Recover(func() { broker.AdviseOn(pair.Lifetime, &recorder{proto: pair.Client}) })

	require.NotNil(t, err)
	assert.Equal(t, rd.ErrCodeNullID, err.Code)
}
