package broker

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tokenex.com/internal/engine"
	"tokenex.com/internal/exchange"
)

func recv(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		require.True(t, ok, "channel closed")
		return m
	case <-time.After(time.Second):
		t.Fatal("timeout waiting message")
	}
	return Message{}
}

func TestMemBroker_FanOutByTopic(t *testing.T) {
	b := NewMemBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trades, err := b.Subscribe(ctx, []string{"exchange:trade"})
	require.NoError(t, err)
	all, err := b.Subscribe(ctx, Topics())
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, Message{Topic: "exchange:trade", Payload: []byte("t1")}))
	require.NoError(t, b.Publish(ctx, Message{Topic: "exchange:deposit", Payload: []byte("d1")}))

	assert.Equal(t, "t1", string(recv(t, trades).Payload))
	assert.Equal(t, "t1", string(recv(t, all).Payload))
	assert.Equal(t, "d1", string(recv(t, all).Payload))
	select {
	case m := <-trades:
		t.Fatalf("unexpected message on trades: %s", m.Topic)
	default:
	}
}

func TestMemBroker_UnsubscribeOnCancel(t *testing.T) {
	b := NewMemBroker()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Subscribe(ctx, []string{"exchange:order"})
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	// 取消后继续发布不会 panic
	require.NoError(t, b.Publish(context.Background(), Message{Topic: "exchange:order"}))
	require.NoError(t, b.Close())
}

func TestSink_PublishesEnvelopeJSON(t *testing.T) {
	b := NewMemBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.Subscribe(ctx, []string{exchange.EvTrade.Topic()})
	require.NoError(t, err)

	user := common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	env := engine.Envelope{Seq: 7, ReqID: "req-1", Event: exchange.Event{
		Type: exchange.EvTrade, OrderID: 3, User: user,
		AmountGet: decimal.NewFromInt(100), Fee: decimal.NewFromInt(1),
	}}
	s := NewSink(b)
	assert.Equal(t, "broker", s.Name())
	require.NoError(t, s.Consume(ctx, env))

	m := recv(t, ch)
	assert.Equal(t, "exchange:trade", m.Topic)
	assert.Equal(t, "3", string(m.Key))
	got, err := Decode(m)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.Seq)
	assert.Equal(t, "req-1", got.ReqID)
	assert.Equal(t, user, got.Event.User)
	assert.Equal(t, "100", got.Event.AmountGet.String())
}

func TestSubjectMapping(t *testing.T) {
	assert.Equal(t, "exchange.trade", topicToSubject("exchange:trade"))
	assert.Equal(t, "exchange:trade", subjectToTopic("exchange.trade"))
}

func TestNew(t *testing.T) {
	b, err := New(Config{})
	require.NoError(t, err)
	assert.IsType(t, &MemBroker{}, b)

	_, err = New(Config{Kind: "kafka"})
	assert.Error(t, err)
	_, err = New(Config{Kind: "rabbit"})
	assert.Error(t, err)
}
