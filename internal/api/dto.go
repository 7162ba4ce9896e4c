package api

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"tokenex.com/internal/engine"
	"tokenex.com/internal/exchange"
	"tokenex.com/internal/token"
)

// 请求里的金额都是展示单位
type transferReq struct {
	Token  string          `json:"token" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
}

type orderReq struct {
	TokenGet   string          `json:"tokenGet" binding:"required"`
	AmountGet  decimal.Decimal `json:"amountGet"`
	TokenGive  string          `json:"tokenGive" binding:"required"`
	AmountGive decimal.Decimal `json:"amountGive"`
}

// Amount 同时给展示单位和 base unit
type Amount struct {
	Value string `json:"value"`
	Base  string `json:"base"`
}

func amountOf(m token.Meta, base decimal.Decimal) Amount {
	return Amount{Value: m.FromBase(base).String(), Base: base.String()}
}

type exchangeResp struct {
	FeeAccount common.Address `json:"feeAccount"`
	FeePercent int64          `json:"feePercent"`
	Custody    common.Address `json:"custody"`
	Tokens     []token.Meta   `json:"tokens"`
}

type balanceResp struct {
	Token   common.Address `json:"token"`
	Symbol  string         `json:"symbol"`
	Account common.Address `json:"account"`
	Balance Amount         `json:"balance"`
}

type orderResp struct {
	ID         uint64         `json:"id"`
	Creator    common.Address `json:"creator"`
	TokenGet   common.Address `json:"tokenGet"`
	AmountGet  Amount         `json:"amountGet"`
	TokenGive  common.Address `json:"tokenGive"`
	AmountGive Amount         `json:"amountGive"`
	Timestamp  int64          `json:"timestamp"`
	Status     string         `json:"status"`
}

type statusResp struct {
	ID        uint64 `json:"id"`
	Cancelled bool   `json:"cancelled"`
	Filled    bool   `json:"filled"`
}

type commandResp struct {
	Seq     uint64         `json:"seq"`
	OrderID uint64         `json:"orderId,omitempty"`
	Type    string         `json:"type"`
	Event   exchange.Event `json:"event"`
}

func commandOf(res engine.Result) commandResp {
	return commandResp{Seq: res.Seq, OrderID: res.OrderID, Type: res.Event.Type.String(), Event: res.Event}
}

func orderStatus(o exchange.Order) string {
	switch {
	case o.Filled:
		return "filled"
	case o.Cancelled:
		return "cancelled"
	default:
		return "open"
	}
}
