package engine

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"tokenex.com/internal/exchange"
	"tokenex.com/pkg/xerr"
)

// 命令类型
type CmdType uint8

const (
	CmdDeposit CmdType = iota + 1
	CmdWithdraw
	CmdMakeOrder
	CmdCancelOrder
	CmdFillOrder
)

func (t CmdType) String() string {
	switch t {
	case CmdDeposit:
		return "deposit"
	case CmdWithdraw:
		return "withdraw"
	case CmdMakeOrder:
		return "make_order"
	case CmdCancelOrder:
		return "cancel_order"
	case CmdFillOrder:
		return "fill_order"
	default:
		return "unknown"
	}
}

// Command 提交给 actor 的一次变更请求，按 Type 取用对应字段
type Command struct {
	Type   CmdType
	ReqID  string // 上游幂等/追踪用
	Caller common.Address

	// Deposit / Withdraw
	Token  common.Address
	Amount decimal.Decimal

	// MakeOrder
	TokenGet   common.Address
	AmountGet  decimal.Decimal
	TokenGive  common.Address
	AmountGive decimal.Decimal

	// CancelOrder / FillOrder
	OrderID uint64
}

// Result 命令落盘之后才返回
type Result struct {
	Seq     uint64
	OrderID uint64
	Event   exchange.Event
}

// 日志记录类型
type RecordKind uint8

const (
	RecEvent          RecordKind = iota + 1 // 已提交的领域事件
	RecWithdrawIntent                       // 提现推币之前的意图
	RecCmdEnd                               // 命令边界：这个 seq 的事件完整
	RecCmdAbort                             // 意图之后外部转账失败
)

func (k RecordKind) String() string {
	switch k {
	case RecEvent:
		return "event"
	case RecWithdrawIntent:
		return "withdraw_intent"
	case RecCmdEnd:
		return "cmd_end"
	case RecCmdAbort:
		return "cmd_abort"
	default:
		return "unknown"
	}
}

// Record journal 里的一条记录
type Record struct {
	V     uint8           `json:"v"`
	Seq   uint64          `json:"seq"`
	Kind  RecordKind      `json:"kind"`
	ReqID string          `json:"reqId,omitempty"`
	Event *exchange.Event `json:"ev,omitempty"`
}

// Envelope 发布出去的事件，消费方按 Seq 去重
type Envelope struct {
	Seq   uint64         `json:"seq"`
	ReqID string         `json:"reqId,omitempty"`
	Event exchange.Event `json:"event"`
}

var (
	ErrEngineBusy     = xerr.New(xerr.EngineBusy, "engine busy: mailbox full")
	ErrJournalFailure = xerr.New(xerr.ServiceUnavailable, "journal failure")
	ErrStopped        = xerr.New(xerr.ServiceUnavailable, "engine stopped")
	ErrBadCommand     = xerr.New(xerr.RequestParamsError, "bad command")
)
