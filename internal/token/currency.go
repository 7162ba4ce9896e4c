package token

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Meta 币种元数据，Decimals 决定展示单位和 base unit 的换算
type Meta struct {
	Address  common.Address `json:"address"`
	Name     string         `json:"name"`
	Symbol   string         `json:"symbol"`
	Decimals int32          `json:"decimals"`
	Driver   string         `json:"driver"`
}

func (m Meta) Validate() error {
	if m.Symbol == "" || m.Decimals < 0 || m.Decimals > 36 {
		return fmt.Errorf("bad token meta %q decimals %d", m.Symbol, m.Decimals)
	}
	if m.Address == (common.Address{}) {
		return fmt.Errorf("token %s: zero address", m.Symbol)
	}
	return nil
}

// ToBase 展示单位 -> base unit，精度超过 Decimals 时报错而不是截断
func (m Meta) ToBase(human decimal.Decimal) (decimal.Decimal, error) {
	base := human.Shift(m.Decimals)
	if !base.IsInteger() {
		return decimal.Zero, fmt.Errorf("%s supports at most %d decimals", m.Symbol, m.Decimals)
	}
	return base, nil
}

// FromBase base unit -> 展示单位
func (m Meta) FromBase(base decimal.Decimal) decimal.Decimal {
	return base.Shift(-m.Decimals)
}
