package indexer

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"tokenex.com/internal/engine"
	"tokenex.com/internal/exchange"
	"tokenex.com/pkg/logger"
)

// 热门交易对的成交列表走缓存，只缓存第一页
const PairTradesLimit = 100

// History 看板用的历史查询
type History struct {
	store Store
	cache Cache
	sf    singleflight.Group
	ttl   time.Duration

	// 每个交易对的失效代数，Invalidate 一次加一
	genMu sync.Mutex
	gens  map[string]uint64
}

func NewHistory(store Store, cache Cache, ttl time.Duration) *History {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &History{store: store, cache: cache, ttl: ttl, gens: map[string]uint64{}}
}

func (h *History) gen(key string) uint64 {
	h.genMu.Lock()
	defer h.genMu.Unlock()
	return h.gens[key]
}

func (h *History) bump(key string) {
	h.genMu.Lock()
	h.gens[key]++
	h.genMu.Unlock()
}

func (h *History) Orders(ctx context.Context, q OrderQuery) ([]OrderRow, error) {
	return h.store.Orders(ctx, q)
}

func (h *History) Transfers(ctx context.Context, q TransferQuery) ([]TransferRow, error) {
	return h.store.Transfers(ctx, q)
}

// Trades 只有按交易对查第一页时走缓存
func (h *History) Trades(ctx context.Context, q TradeQuery) ([]TradeRow, error) {
	pairOnly := q.Account == (common.Address{}) && q.TokenA != (common.Address{}) && q.TokenB != (common.Address{})
	if !pairOnly || q.Page > 1 || (q.Limit > 0 && q.Limit != PairTradesLimit) || h.cache == nil {
		return h.store.Trades(ctx, q)
	}
	return h.PairTrades(ctx, q.TokenA, q.TokenB)
}

func (h *History) PairTrades(ctx context.Context, a, b common.Address) ([]TradeRow, error) {
	key := pairKey(a, b)
	if h.cache != nil {
		if rows, ok, err := h.cache.GetTrades(ctx, key); err == nil && ok {
			return rows, nil
		} else if err != nil {
			logger.Warn(ctx, "history cache get failed", zap.String("key", key), zap.Error(err))
		}
	}
	// singleflight 防击穿；失效之后来的请求不复用之前那次加载
	gen := h.gen(key)
	v, err, _ := h.sf.Do(key+"#"+strconv.FormatUint(gen, 10), func() (interface{}, error) {
		rows, err := h.store.Trades(ctx, TradeQuery{TokenA: a, TokenB: b, Limit: PairTradesLimit})
		if err != nil {
			return nil, err
		}
		if h.cache == nil {
			return rows, nil
		}
		if err := h.cache.SetTrades(ctx, key, rows, h.ttl); err != nil {
			logger.Warn(ctx, "history cache set failed", zap.String("key", key), zap.Error(err))
		}
		// 加载期间有成交，刚写进去的可能是旧数据
		if h.gen(key) != gen {
			if err := h.cache.Del(ctx, key); err != nil {
				logger.Warn(ctx, "history cache invalidate failed", zap.String("key", key), zap.Error(err))
			}
		}
		return rows, nil
	})
	if err != nil {
		return nil, err
	}
	rows := v.([]TradeRow)
	// 共享结果，返回副本
	return append([]TradeRow(nil), rows...), nil
}

// Invalidate 成交后删掉对应交易对的缓存
func (h *History) Invalidate(ctx context.Context, ev exchange.Event) {
	if h.cache == nil || ev.Type != exchange.EvTrade {
		return
	}
	key := pairKey(ev.TokenGet, ev.TokenGive)
	h.bump(key)
	if err := h.cache.Del(ctx, key); err != nil {
		logger.Warn(ctx, "history cache invalidate failed", zap.String("key", key), zap.Error(err))
	}
}

// Sink 把事件写进 SQL 投影
type Sink struct {
	store Store
	hist  *History
}

func NewSink(store Store, hist *History) *Sink {
	return &Sink{store: store, hist: hist}
}

func (s *Sink) Name() string { return "mysql" }

func (s *Sink) Consume(ctx context.Context, env engine.Envelope) error {
	if err := s.store.Apply(ctx, env); err != nil {
		return err
	}
	if s.hist != nil {
		s.hist.Invalidate(ctx, env.Event)
	}
	return nil
}

var _ engine.Sink = (*Sink)(nil)
