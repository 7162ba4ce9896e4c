package indexer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tokenex.com/internal/engine"
	"tokenex.com/internal/exchange"
)

var (
	tokenA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tokenB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	maker  = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	taker  = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	feeTo  = common.HexToAddress("0x00000000000000000000000000000000000000fe")
)

func amt(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func tradeEnv(seq uint64) engine.Envelope {
	return engine.Envelope{Seq: seq, Event: exchange.Event{
		Type: exchange.EvTrade, OrderID: 7, Creator: maker, User: taker,
		TokenGet: tokenB, AmountGet: amt(100), TokenGive: tokenA, AmountGive: amt(50),
		Fee: amt(1), FeeAccount: feeTo, Timestamp: 1700000001,
	}}
}

func TestRowMappers(t *testing.T) {
	dep := engine.Envelope{Seq: 3, Event: exchange.Event{Type: exchange.EvWithdraw, Token: tokenA, User: maker,
		Amount: amt(40), Balance: amt(60), Timestamp: 9}}
	tr := transferRow(dep)
	assert.Equal(t, KindWithdraw, tr.Kind)
	assert.Equal(t, uint64(3), tr.Seq)
	assert.Equal(t, maker.Hex(), tr.Account)
	assert.True(t, amt(60).Equal(tr.Balance))

	env := tradeEnv(12)
	o := orderRow(env)
	assert.Equal(t, uint64(7), o.ID)
	assert.Equal(t, StatusOpen, o.Status)
	assert.Equal(t, maker.Hex(), o.Creator)
	assert.Equal(t, uint64(12), o.Seq)

	row := tradeRow(env)
	assert.Equal(t, maker.Hex(), row.Maker)
	assert.Equal(t, taker.Hex(), row.Taker)
	assert.Equal(t, feeTo.Hex(), row.FeeAccount)
	assert.True(t, amt(1).Equal(row.Fee))
}

func TestPairKeyIsSymmetric(t *testing.T) {
	assert.Equal(t, pairKey(tokenA, tokenB), pairKey(tokenB, tokenA))
	assert.Equal(t, "tokenex:trades:"+tokenA.Hex()+":"+tokenB.Hex(), pairKey(tokenB, tokenA))
}

func TestWithJitter(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := withJitter(time.Second, 100*time.Millisecond)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 1100*time.Millisecond)
	}
	assert.Equal(t, time.Second, withJitter(time.Second, 0))
}

// fakeStore 记录调用次数
type fakeStore struct {
	mu      sync.Mutex
	applied []uint64
	trades  []TradeRow
	calls   atomic.Int32
	delay   time.Duration
	err     error
	// 第 n 次查询时回调
	onTrades func(n int32)
}

func (f *fakeStore) Apply(_ context.Context, env engine.Envelope) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, env.Seq)
	return nil
}

func (f *fakeStore) Orders(context.Context, OrderQuery) ([]OrderRow, error) { return nil, nil }

func (f *fakeStore) Trades(context.Context, TradeQuery) ([]TradeRow, error) {
	n := f.calls.Add(1)
	if f.onTrades != nil {
		f.onTrades(n)
	}
	time.Sleep(f.delay)
	return f.trades, f.err
}

func (f *fakeStore) Transfers(context.Context, TransferQuery) ([]TransferRow, error) { return nil, nil }

type fakeCache struct {
	mu   sync.Mutex
	data map[string][]TradeRow
	dels []string
}

func newFakeCache() *fakeCache { return &fakeCache{data: map[string][]TradeRow{}} }

func (c *fakeCache) GetTrades(_ context.Context, key string) ([]TradeRow, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows, ok := c.data[key]
	return rows, ok, nil
}

func (c *fakeCache) SetTrades(_ context.Context, key string, rows []TradeRow, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = rows
	return nil
}

func (c *fakeCache) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
		c.dels = append(c.dels, k)
	}
	return nil
}

func TestHistory_PairTradesCachedUntilTrade(t *testing.T) {
	store := &fakeStore{trades: []TradeRow{tradeRow(tradeEnv(4))}}
	cache := newFakeCache()
	h := NewHistory(store, cache, time.Minute)
	ctx := context.Background()

	rows, err := h.PairTrades(ctx, tokenA, tokenB)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	_, err = h.PairTrades(ctx, tokenB, tokenA)
	require.NoError(t, err)
	assert.Equal(t, int32(1), store.calls.Load())

	sink := NewSink(store, h)
	require.NoError(t, sink.Consume(ctx, tradeEnv(5)))
	assert.Equal(t, []string{pairKey(tokenA, tokenB)}, cache.dels)
	assert.Equal(t, []uint64{5}, store.applied)

	_, err = h.PairTrades(ctx, tokenA, tokenB)
	require.NoError(t, err)
	assert.Equal(t, int32(2), store.calls.Load())
}

func TestHistory_SingleflightCollapsesMisses(t *testing.T) {
	store := &fakeStore{trades: []TradeRow{tradeRow(tradeEnv(4))}, delay: 50 * time.Millisecond}
	h := NewHistory(store, newFakeCache(), time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rows, err := h.PairTrades(context.Background(), tokenA, tokenB)
			assert.NoError(t, err)
			assert.Len(t, rows, 1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), store.calls.Load())
}

func TestHistory_TradeDuringLoadDropsStaleRows(t *testing.T) {
	started, release := make(chan struct{}), make(chan struct{})
	store := &fakeStore{trades: []TradeRow{tradeRow(tradeEnv(4))}}
	store.onTrades = func(n int32) {
		if n == 1 {
			close(started)
			<-release
		}
	}
	cache := newFakeCache()
	h := NewHistory(store, cache, time.Minute)
	ctx := context.Background()
	key := pairKey(tokenA, tokenB)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := h.PairTrades(ctx, tokenA, tokenB)
		assert.NoError(t, err)
	}()
	<-started
	require.NoError(t, NewSink(store, h).Consume(ctx, tradeEnv(5)))

	// 失效之后的请求自己去加载
	_, err := h.PairTrades(ctx, tokenA, tokenB)
	require.NoError(t, err)
	assert.Equal(t, int32(2), store.calls.Load())

	close(release)
	<-done
	_, ok, err := cache.GetTrades(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHistory_TradesBypassesCacheForAccountQueries(t *testing.T) {
	store := &fakeStore{}
	h := NewHistory(store, newFakeCache(), time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.Trades(ctx, TradeQuery{Account: maker})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), store.calls.Load())

	for i := 0; i < 2; i++ {
		_, err := h.Trades(ctx, TradeQuery{TokenA: tokenA, TokenB: tokenB})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), store.calls.Load())
}

func TestSink_StoreErrorSkipsInvalidate(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	cache := newFakeCache()
	sink := NewSink(store, NewHistory(store, cache, 0))
	assert.Equal(t, "mysql", sink.Name())
	require.Error(t, sink.Consume(context.Background(), tradeEnv(5)))
	assert.Empty(t, cache.dels)
}
