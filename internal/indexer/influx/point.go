package influx

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"tokenex.com/internal/exchange"
	"tokenex.com/internal/token"
)

// 价格保留 8 位小数
const pricePlaces = 8

// MetaFunc 查币种精度和 symbol，查不到按 18 位小数、地址作名字
type MetaFunc func(addr common.Address) (token.Meta, bool)

// Trade 一笔成交换算成 base/quote 之后的样子
type Trade struct {
	Pair  string
	Base  decimal.Decimal // 展示单位
	Quote decimal.Decimal
	Price decimal.Decimal // quote / base
	Fee   decimal.Decimal // base unit
	Seq   uint64
	Ts    int64
}

// TradeOf 地址小的一方做 base，两个方向的成交落在同一个交易对上
func TradeOf(seq uint64, ev exchange.Event, metas MetaFunc) (Trade, bool) {
	if ev.Type != exchange.EvTrade {
		return Trade{}, false
	}
	baseTok, baseAmt := ev.TokenGet, ev.AmountGet
	quoteTok, quoteAmt := ev.TokenGive, ev.AmountGive
	if bytes.Compare(baseTok.Bytes(), quoteTok.Bytes()) > 0 {
		baseTok, baseAmt, quoteTok, quoteAmt = quoteTok, quoteAmt, baseTok, baseAmt
	}
	bm, qm := meta(baseTok, metas), meta(quoteTok, metas)

	t := Trade{
		Pair:  bm.Symbol + "/" + qm.Symbol,
		Base:  bm.FromBase(baseAmt),
		Quote: qm.FromBase(quoteAmt),
		Fee:   ev.Fee,
		Seq:   seq,
		Ts:    ev.Timestamp,
	}
	if t.Base.IsZero() {
		return Trade{}, false
	}
	t.Price = t.Quote.DivRound(t.Base, pricePlaces)
	return t, true
}

func meta(addr common.Address, metas MetaFunc) token.Meta {
	if metas != nil {
		if m, ok := metas(addr); ok {
			return m
		}
	}
	return token.Meta{Address: addr, Symbol: addr.Hex(), Decimals: 18}
}
