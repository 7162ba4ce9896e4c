package exchange

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type EventType uint8

const (
	EvDeposit EventType = iota + 1
	EvWithdraw
	EvOrder
	EvCancel
	EvTrade
)

func (t EventType) String() string {
	switch t {
	case EvDeposit:
		return "deposit"
	case EvWithdraw:
		return "withdraw"
	case EvOrder:
		return "order"
	case EvCancel:
		return "cancel"
	case EvTrade:
		return "trade"
	default:
		return "unknown"
	}
}

// Topic 广播用的主题名
func (t EventType) Topic() string { return "exchange:" + t.String() }

// Event 一次成功变更对应一条事件。
// Deposit/Withdraw 用 Token/User/Amount/Balance；Order/Cancel/Trade 用订单字段，
// Trade 的 User 是吃单方，另外带上实际扣的手续费。
type Event struct {
	Type EventType `json:"type"`

	Token   common.Address  `json:"token"`
	User    common.Address  `json:"user"`
	Amount  decimal.Decimal `json:"amount"`
	Balance decimal.Decimal `json:"balance"`

	OrderID    uint64          `json:"id"`
	Creator    common.Address  `json:"creator"`
	TokenGet   common.Address  `json:"tokenGet"`
	AmountGet  decimal.Decimal `json:"amountGet"`
	TokenGive  common.Address  `json:"tokenGive"`
	AmountGive decimal.Decimal `json:"amountGive"`
	Fee        decimal.Decimal `json:"fee"`
	FeeAccount common.Address  `json:"feeAccount"`
	Timestamp  int64           `json:"timestamp"`
}

// Accounts 事件涉及的账户，按账户推送时用
func (e Event) Accounts() []common.Address {
	switch e.Type {
	case EvDeposit, EvWithdraw:
		return []common.Address{e.User}
	case EvOrder, EvCancel:
		return []common.Address{e.Creator}
	case EvTrade:
		return []common.Address{e.User, e.Creator}
	}
	return nil
}

func orderEvent(t EventType, o Order, ts int64) Event {
	return Event{
		Type:       t,
		User:       o.Creator,
		OrderID:    o.ID,
		Creator:    o.Creator,
		TokenGet:   o.TokenGet,
		AmountGet:  o.AmountGet,
		TokenGive:  o.TokenGive,
		AmountGive: o.AmountGive,
		Timestamp:  ts,
	}
}

// Emitter 接收成功变更产生的事件
type Emitter interface {
	Emit(ev Event)
}

// Preparer 可选接口：提现在调用外部转账前先回调，返回错误则整笔放弃
type Preparer interface {
	Prepare(ev Event) error
}

type EmitterFunc func(ev Event)

func (f EmitterFunc) Emit(ev Event) { f(ev) }

type noopEmitter struct{}

func (noopEmitter) Emit(Event) {}

// Discard 丢弃所有事件
var Discard Emitter = noopEmitter{}
