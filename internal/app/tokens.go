package app

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"tokenex.com/internal/config"
	"tokenex.com/internal/token"
	"tokenex.com/internal/token/erc20"
	"tokenex.com/pkg/hdwallet"
	"tokenex.com/pkg/logger"
	"tokenex.com/pkg/ratelimit"
)

// memory token 默认 18 位小数，发行一百万
var defaultSupply = decimal.NewFromInt(1_000_000)

const defaultDecimals = 18

// buildTokens 按配置建 token 注册表，返回托管地址。
// erc20 的托管地址由私钥推出，多个 erc20 必须是同一个私钥。
func buildTokens(ctx context.Context, cfg *config.Cfg) (*token.Registry, common.Address, []func(), error) {
	var (
		reg     = token.NewRegistry()
		custody common.Address
		closers []func()
		clients = map[string]*ethclient.Client{}
		breaker = ratelimit.NewManager(ratelimit.Rule{}, nil, erc20.IsSuccessful)
	)
	if cfg.Custody != "" {
		custody = common.HexToAddress(cfg.Custody)
	}
	fail := func(err error) (*token.Registry, common.Address, []func(), error) {
		for _, c := range closers {
			c()
		}
		return nil, common.Address{}, nil, err
	}

	for _, tc := range cfg.Tokens {
		meta := token.Meta{
			Address:  common.HexToAddress(tc.Address),
			Name:     tc.Name,
			Symbol:   tc.Symbol,
			Decimals: tc.Decimals,
			Driver:   tc.Driver,
		}
		if meta.Decimals == 0 {
			meta.Decimals = defaultDecimals
		}
		if meta.Name == "" {
			meta.Name = meta.Symbol
		}

		var tok token.Token
		switch tc.Driver {
		case "", "memory":
			meta.Driver = "memory"
			mem, err := memoryToken(meta, custody, cfg, tc)
			if err != nil {
				return fail(err)
			}
			tok = mem
		case "erc20":
			client, ok := clients[tc.RPC]
			if !ok {
				c, err := ethclient.DialContext(ctx, tc.RPC)
				if err != nil {
					return fail(fmt.Errorf("dial %s: %w", tc.RPC, err))
				}
				clients[tc.RPC] = c
				closers = append(closers, c.Close)
				client = c
			}
			key, err := custodyKey(tc)
			if err != nil {
				return fail(fmt.Errorf("token %s: %w", tc.Symbol, err))
			}
			chainID, err := client.ChainID(ctx)
			if err != nil {
				return fail(fmt.Errorf("token %s: chain id: %w", tc.Symbol, err))
			}
			e := erc20.New(meta, client, erc20.Config{
				ChainID:      chainID,
				Key:          key,
				PollInterval: tc.PollPeriod,
				Timeout:      tc.Timeout,
			}, breaker)
			if custody == (common.Address{}) {
				custody = e.Custody()
			} else if custody != e.Custody() {
				return fail(fmt.Errorf("token %s: key address %s is not custody %s", tc.Symbol, e.Custody().Hex(), custody.Hex()))
			}
			tok = e
		}
		if err := reg.Register(meta, tok); err != nil {
			return fail(err)
		}
		logger.Info(ctx, "token registered",
			zap.String("symbol", meta.Symbol),
			zap.String("address", meta.Address.Hex()),
			zap.String("driver", meta.Driver),
			zap.Int32("decimals", meta.Decimals),
		)
	}
	if custody == (common.Address{}) {
		return fail(fmt.Errorf("custody address unknown"))
	}
	return reg, custody, closers, nil
}

func custodyKey(tc config.Token) (*ecdsa.PrivateKey, error) {
	if tc.KeyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(tc.KeyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("bad key: %w", err)
		}
		return key, nil
	}
	w, err := hdwallet.New(tc.Mnemonic)
	if err != nil {
		return nil, err
	}
	key, _, err := w.DeriveKey(tc.AccountIndex)
	return key, err
}

// 没配 holder 时发行量给手续费账户
func memoryToken(meta token.Meta, custody common.Address, cfg *config.Cfg, tc config.Token) (*token.Memory, error) {
	holder := common.HexToAddress(cfg.Fee.Account)
	if tc.Holder != "" {
		holder = common.HexToAddress(tc.Holder)
	}
	supply := defaultSupply
	if tc.Supply != "" {
		v, err := decimal.NewFromString(tc.Supply)
		if err != nil {
			return nil, fmt.Errorf("token %s: bad supply: %w", tc.Symbol, err)
		}
		supply = v
	}
	base, err := meta.ToBase(supply)
	if err != nil {
		return nil, err
	}
	return token.NewMemory(meta, custody, holder, base), nil
}

// metaOf 给 influx sink 查精度
func metaOf(reg *token.Registry) func(common.Address) (token.Meta, bool) {
	return func(addr common.Address) (token.Meta, bool) {
		_, meta, ok := reg.Get(addr)
		return meta, ok
	}
}
