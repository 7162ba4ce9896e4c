package indexer

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusOpen      = "open"
	StatusCancelled = "cancelled"
	StatusFilled    = "filled"

	KindDeposit  = "deposit"
	KindWithdraw = "withdraw"
)

// 金额都存 base unit 整数
type OrderRow struct {
	ID         uint64          `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	Creator    string          `gorm:"column:creator;type:char(42);index:idx_orders_creator;not null" json:"creator"`
	TokenGet   string          `gorm:"column:token_get;type:char(42);index:idx_orders_pair,priority:1;not null" json:"tokenGet"`
	AmountGet  decimal.Decimal `gorm:"column:amount_get;type:decimal(65,0);not null" json:"amountGet"`
	TokenGive  string          `gorm:"column:token_give;type:char(42);index:idx_orders_pair,priority:2;not null" json:"tokenGive"`
	AmountGive decimal.Decimal `gorm:"column:amount_give;type:decimal(65,0);not null" json:"amountGive"`
	Status     string          `gorm:"column:status;type:varchar(16);index:idx_orders_status;not null" json:"status"`
	Timestamp  int64           `gorm:"column:ts;not null" json:"timestamp"`
	Seq        uint64          `gorm:"column:seq;not null" json:"seq"` // 最后一次变更的 seq
	UpdatedAt  time.Time       `gorm:"column:updated_at;autoUpdateTime" json:"-"`
}

func (OrderRow) TableName() string { return "orders" }

type TradeRow struct {
	Seq        uint64          `gorm:"column:seq;primaryKey;autoIncrement:false" json:"seq"`
	OrderID    uint64          `gorm:"column:order_id;uniqueIndex:uk_trades_order;not null" json:"orderId"`
	Maker      string          `gorm:"column:maker;type:char(42);index:idx_trades_maker;not null" json:"maker"`
	Taker      string          `gorm:"column:taker;type:char(42);index:idx_trades_taker;not null" json:"taker"`
	TokenGet   string          `gorm:"column:token_get;type:char(42);index:idx_trades_pair,priority:1;not null" json:"tokenGet"`
	AmountGet  decimal.Decimal `gorm:"column:amount_get;type:decimal(65,0);not null" json:"amountGet"`
	TokenGive  string          `gorm:"column:token_give;type:char(42);index:idx_trades_pair,priority:2;not null" json:"tokenGive"`
	AmountGive decimal.Decimal `gorm:"column:amount_give;type:decimal(65,0);not null" json:"amountGive"`
	Fee        decimal.Decimal `gorm:"column:fee;type:decimal(65,0);not null" json:"fee"`
	FeeAccount string          `gorm:"column:fee_account;type:char(42);not null" json:"feeAccount"`
	Timestamp  int64           `gorm:"column:ts;index:idx_trades_ts;not null" json:"timestamp"`
}

func (TradeRow) TableName() string { return "trades" }

type TransferRow struct {
	Seq       uint64          `gorm:"column:seq;primaryKey;autoIncrement:false" json:"seq"`
	Kind      string          `gorm:"column:kind;type:varchar(16);not null" json:"kind"`
	Token     string          `gorm:"column:token;type:char(42);index:idx_transfers_account,priority:2;not null" json:"token"`
	Account   string          `gorm:"column:account;type:char(42);index:idx_transfers_account,priority:1;not null" json:"account"`
	Amount    decimal.Decimal `gorm:"column:amount;type:decimal(65,0);not null" json:"amount"`
	Balance   decimal.Decimal `gorm:"column:balance;type:decimal(65,0);not null" json:"balance"`
	Timestamp int64           `gorm:"column:ts;not null" json:"timestamp"`
}

func (TransferRow) TableName() string { return "transfers" }
