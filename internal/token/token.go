package token

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"tokenex.com/internal/exchange"
)

// Token 交易所用到的外部 token，多了一个钱包余额查询
type Token interface {
	exchange.Token
	BalanceOf(ctx context.Context, owner common.Address) (decimal.Decimal, error)
}

var ErrUnknownToken = errors.New("unknown token")

type entry struct {
	meta Meta
	tok  Token
}

// Registry 地址 -> token，按 symbol 也能查
type Registry struct {
	mu       sync.RWMutex
	byAddr   map[common.Address]entry
	bySymbol map[string]common.Address
}

func NewRegistry() *Registry {
	return &Registry{
		byAddr:   make(map[common.Address]entry),
		bySymbol: make(map[string]common.Address),
	}
}

func (r *Registry) Register(meta Meta, tok Token) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	sym := strings.ToUpper(meta.Symbol)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byAddr[meta.Address]; ok {
		return fmt.Errorf("token %s already registered", meta.Address.Hex())
	}
	if _, ok := r.bySymbol[sym]; ok {
		return fmt.Errorf("symbol %s already registered", sym)
	}
	r.byAddr[meta.Address] = entry{meta: meta, tok: tok}
	r.bySymbol[sym] = meta.Address
	return nil
}

// Lookup 实现 exchange.TokenResolver
func (r *Registry) Lookup(addr common.Address) (exchange.Token, bool) {
	tok, _, ok := r.Get(addr)
	if !ok {
		return nil, false
	}
	return tok, true
}

func (r *Registry) Get(addr common.Address) (Token, Meta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byAddr[addr]
	return e.tok, e.meta, ok
}

// Resolve 接受 0x 地址或 symbol
func (r *Registry) Resolve(s string) (Meta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if common.IsHexAddress(s) {
		if e, ok := r.byAddr[common.HexToAddress(s)]; ok {
			return e.meta, nil
		}
		return Meta{}, fmt.Errorf("%w: %s", ErrUnknownToken, s)
	}
	if addr, ok := r.bySymbol[strings.ToUpper(s)]; ok {
		return r.byAddr[addr].meta, nil
	}
	return Meta{}, fmt.Errorf("%w: %s", ErrUnknownToken, s)
}

func (r *Registry) List() []Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Meta, 0, len(r.byAddr))
	for _, e := range r.byAddr {
		out = append(out, e.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
