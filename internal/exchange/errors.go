package exchange

import (
	"fmt"

	"github.com/shopspring/decimal"
	"tokenex.com/pkg/xerr"
)

// 领域错误，都带业务码，HTTP 层直接按码回包
var (
	ErrInsufficientBalance = xerr.New(xerr.InsufficientBalance, "insufficient balance")
	ErrNotFound            = xerr.New(xerr.RecordNotFound, "order not found")
	ErrUnauthorized        = xerr.New(xerr.Forbidden, "not the order creator")
	ErrAlreadyCancelled    = xerr.New(xerr.AlreadyCancelled, "order already cancelled")
	ErrAlreadyFilled       = xerr.New(xerr.AlreadyFilled, "order already filled")
	ErrTransferFailed      = xerr.New(xerr.TransferFailed, "token transfer failed")
	ErrInvalidAmount       = xerr.New(xerr.InvalidAmount, "amount must be a non-negative integer")

	// ErrTransferPending 转账已广播但结果未知，Token 实现用它包装
	ErrTransferPending = xerr.New(xerr.TransferPending, "token transfer pending")
)

// ValidAmount 金额是 base unit 的非负整数
func ValidAmount(a decimal.Decimal) error {
	if a.IsNegative() || !a.IsInteger() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, a.String())
	}
	return nil
}

func insufficient(token, account fmt.Stringer, have, need decimal.Decimal) error {
	return fmt.Errorf("%w: token %s account %s have %s need %s",
		ErrInsufficientBalance, token, account, have.String(), need.String())
}
