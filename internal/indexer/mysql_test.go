package indexer

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"tokenex.com/internal/engine"
	"tokenex.com/internal/exchange"
	"tokenex.com/pkg/orm"
	"tokenex.com/pkg/xredis"
)

// 需要本地 mysql：TOKENEX_TEST_MYSQL_DSN=root:root@tcp(127.0.0.1:3306)/tokenex_test?parseTime=true
func testDB(t *testing.T) *gorm.DB {
	dsn := os.Getenv("TOKENEX_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("TOKENEX_TEST_MYSQL_DSN not set")
	}
	ctx := context.Background()
	sqlDB, err := orm.OpenSQL(ctx, orm.Config{DSN: dsn, MaxIdle: 2, MaxOpen: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	db, err := orm.NewGorm(sqlDB, false)
	require.NoError(t, err)
	require.NoError(t, db.Migrator().DropTable(&OrderRow{}, &TradeRow{}, &TransferRow{}))
	require.NoError(t, Migrate(ctx, db))
	return db
}

func TestGormStore_ApplyIsIdempotent(t *testing.T) {
	db := testDB(t)
	store := NewStore(db)
	ctx := context.Background()

	order := tradeEnv(3)
	order.Event.Type = exchange.EvOrder
	envs := []engine.Envelope{
		{Seq: 1, Event: exchange.Event{Type: exchange.EvDeposit, Token: tokenA, User: maker, Amount: amt(100), Balance: amt(100)}},
		{Seq: 2, Event: exchange.Event{Type: exchange.EvDeposit, Token: tokenB, User: taker, Amount: amt(200), Balance: amt(200)}},
		order,
		tradeEnv(4),
	}
	// 至少一次投递，重复两遍
	for i := 0; i < 2; i++ {
		for _, env := range envs {
			require.NoError(t, store.Apply(ctx, env))
		}
	}

	orders, err := store.Orders(ctx, OrderQuery{Creator: maker})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, StatusFilled, orders[0].Status)
	assert.Equal(t, uint64(4), orders[0].Seq)

	// 旧的下单事件不会把状态改回去
	require.NoError(t, store.Apply(ctx, order))
	orders, err = store.Orders(ctx, OrderQuery{Status: StatusFilled})
	require.NoError(t, err)
	assert.Len(t, orders, 1)

	trades, err := store.Trades(ctx, TradeQuery{TokenA: tokenA, TokenB: tokenB})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, amt(1).Equal(trades[0].Fee))

	trades, err = store.Trades(ctx, TradeQuery{Account: taker})
	require.NoError(t, err)
	assert.Len(t, trades, 1)

	transfers, err := store.Transfers(ctx, TransferQuery{Account: maker})
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.Equal(t, KindDeposit, transfers[0].Kind)
}

func TestGormStore_CancelWithoutOrderRow(t *testing.T) {
	db := testDB(t)
	store := NewStore(db)
	ctx := context.Background()

	cancel := tradeEnv(9)
	cancel.Event.Type = exchange.EvCancel
	require.NoError(t, store.Apply(ctx, cancel))

	orders, err := store.Orders(ctx, OrderQuery{Status: StatusCancelled})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, uint64(7), orders[0].ID)
}

func TestRedisCache_RoundTrip(t *testing.T) {
	addr := os.Getenv("TOKENEX_TEST_REDIS")
	if addr == "" {
		t.Skip("TOKENEX_TEST_REDIS not set")
	}
	ctx := context.Background()
	rdb, err := xredis.NewRedis(ctx, xredis.Config{Addr: addr, PoolSize: 2})
	require.NoError(t, err)
	defer rdb.Close()

	cache := NewRedisCache(rdb)
	key := pairKey(tokenA, tokenB) + ":test"
	require.NoError(t, cache.SetTrades(ctx, key, []TradeRow{tradeRow(tradeEnv(4))}, 0))
	rows, ok, err := cache.GetTrades(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(7), rows[0].OrderID)

	require.NoError(t, cache.Del(ctx, key))
	_, ok, err = cache.GetTrades(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}
