package exchange

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// FeePolicy 构造后不可变
type FeePolicy struct {
	account common.Address
	percent int64
}

func NewFeePolicy(account common.Address, percent int64) (FeePolicy, error) {
	if percent < 0 {
		return FeePolicy{}, fmt.Errorf("fee percent must be non-negative, got %d", percent)
	}
	return FeePolicy{account: account, percent: percent}, nil
}

func (p FeePolicy) Account() common.Address { return p.account }
func (p FeePolicy) Percent() int64          { return p.percent }

// Fee amountGet * percent / 100，向零截断；小额成交手续费可以是 0
func (p FeePolicy) Fee(amountGet decimal.Decimal) decimal.Decimal {
	q, _ := amountGet.Mul(decimal.NewFromInt(p.percent)).QuoRem(hundred, 0)
	return q
}
