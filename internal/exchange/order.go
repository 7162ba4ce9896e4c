package exchange

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type Order struct {
	ID         uint64          `json:"id"`
	Creator    common.Address  `json:"creator"`
	TokenGet   common.Address  `json:"tokenGet"`
	AmountGet  decimal.Decimal `json:"amountGet"`
	TokenGive  common.Address  `json:"tokenGive"`
	AmountGive decimal.Decimal `json:"amountGive"`
	Timestamp  int64           `json:"timestamp"`
	Cancelled  bool            `json:"cancelled"`
	Filled     bool            `json:"filled"`
}

// BalanceReader 下单时只需要读余额
type BalanceReader interface {
	BalanceOf(token, account common.Address) decimal.Decimal
}

// OrderStore id 从 1 开始严格递增，订单只追加不删除
type OrderStore struct {
	orders map[uint64]*Order
	count  uint64
}

func NewOrderStore() *OrderStore {
	return &OrderStore{orders: make(map[uint64]*Order, 1024)}
}

func (s *OrderStore) Count() uint64 { return s.count }

func (s *OrderStore) Get(id uint64) (Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return *o, nil
}

func (s *OrderStore) Cancelled(id uint64) bool {
	o, ok := s.orders[id]
	return ok && o.Cancelled
}

func (s *OrderStore) Filled(id uint64) bool {
	o, ok := s.orders[id]
	return ok && o.Filled
}

// Create 只校验下单那一刻的余额，不冻结资金
func (s *OrderStore) Create(bal BalanceReader, creator, tokenGet common.Address, amountGet decimal.Decimal,
	tokenGive common.Address, amountGive decimal.Decimal, now int64) (Order, error) {
	if have := bal.BalanceOf(tokenGive, creator); have.LessThan(amountGive) {
		return Order{}, insufficient(tokenGive, creator, have, amountGive)
	}
	if now < 1 {
		now = 1
	}
	s.count++
	o := &Order{
		ID:         s.count,
		Creator:    creator,
		TokenGet:   tokenGet,
		AmountGet:  amountGet,
		TokenGive:  tokenGive,
		AmountGive: amountGive,
		Timestamp:  now,
	}
	s.orders[o.ID] = o
	return *o, nil
}

// Cancel 只有创建者能撤；已成交的单不能再撤
func (s *OrderStore) Cancel(id uint64, requester common.Address) (Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if o.Creator != requester {
		return Order{}, fmt.Errorf("%w: order %d", ErrUnauthorized, id)
	}
	if o.Filled {
		return Order{}, fmt.Errorf("%w: order %d", ErrAlreadyFilled, id)
	}
	if o.Cancelled {
		return Order{}, fmt.Errorf("%w: order %d", ErrAlreadyCancelled, id)
	}
	o.Cancelled = true
	return *o, nil
}

func (s *OrderStore) markFilled(id uint64) {
	if o, ok := s.orders[id]; ok {
		o.Filled = true
	}
}

// All 按 id 排序导出，快照用
func (s *OrderStore) All() []Order {
	out := make([]Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// put 回放用，按给定 id 落单并推进计数器
func (s *OrderStore) put(o Order) error {
	if o.ID != s.count+1 {
		return fmt.Errorf("order id %d out of sequence, counter at %d", o.ID, s.count)
	}
	cp := o
	s.orders[o.ID] = &cp
	s.count = o.ID
	return nil
}

func (s *OrderStore) reset(orders []Order, count uint64) {
	s.orders = make(map[uint64]*Order, len(orders))
	for i := range orders {
		o := orders[i]
		s.orders[o.ID] = &o
	}
	s.count = count
}
