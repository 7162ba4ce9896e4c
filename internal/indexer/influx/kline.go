package influx

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Bar 一个交易对在 [Start, Start+Interval) 内的 OHLCV
type Bar struct {
	Pair     string
	Interval time.Duration
	Start    int64 // unix 秒

	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal // base 数量
	Count  int64
}

// Agg 每个交易对维护一根正在构建的 bar。
// 成交按 seq 顺序到达，时间戳不减；更早桶的成交直接丢弃。
type Agg struct {
	interval int64
	cur      map[string]*Bar
	emit     func(Bar)

	lateDrops int64
}

func NewAgg(interval time.Duration, emit func(Bar)) *Agg {
	sec := int64(interval / time.Second)
	if sec <= 0 {
		sec = 60
	}
	return &Agg{interval: sec, cur: make(map[string]*Bar, 16), emit: emit}
}

func (a *Agg) Offer(t Trade) {
	bs := bucketStart(t.Ts, a.interval)
	b := a.cur[t.Pair]
	if b != nil && bs < b.Start {
		a.lateDrops++
		return
	}
	if b != nil && bs > b.Start {
		// 新桶：先输出旧 bar
		a.emit(*b)
		b = nil
	}
	if b == nil {
		a.cur[t.Pair] = &Bar{
			Pair:     t.Pair,
			Interval: time.Duration(a.interval) * time.Second,
			Start:    bs,
			Open:     t.Price,
			High:     t.Price,
			Low:      t.Price,
			Close:    t.Price,
			Volume:   t.Base,
			Count:    1,
		}
		return
	}
	if t.Price.GreaterThan(b.High) {
		b.High = t.Price
	}
	if t.Price.LessThan(b.Low) {
		b.Low = t.Price
	}
	b.Close = t.Price
	b.Volume = b.Volume.Add(t.Base)
	b.Count++
}

// Flush 输出所有未关闭的 bar，退出时调用
func (a *Agg) Flush() {
	pairs := make([]string, 0, len(a.cur))
	for p := range a.cur {
		pairs = append(pairs, p)
	}
	sort.Strings(pairs)
	for _, p := range pairs {
		a.emit(*a.cur[p])
	}
	a.cur = make(map[string]*Bar, 16)
}

func (a *Agg) LateDrops() int64 { return a.lateDrops }

func bucketStart(ts, interval int64) int64 {
	return (ts / interval) * interval
}
