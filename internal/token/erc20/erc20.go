package erc20

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"tokenex.com/internal/exchange"
	"tokenex.com/internal/token"
	"tokenex.com/pkg/logger"
	"tokenex.com/pkg/metrics"
	"tokenex.com/pkg/ratelimit"
)

const erc20ABI = `[
{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
{"constant":false,"inputs":[{"name":"_from","type":"address"},{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"},
{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

var (
	parsedABI = mustABI()

	// ErrReverted 交易上链但执行失败（余额/授权不足等），不计入熔断
	ErrReverted = errors.New("erc20: transaction reverted")
	// ErrPending 已广播但没等到回执，交易之后仍可能上链
	ErrPending = fmt.Errorf("erc20: receipt not confirmed: %w", exchange.ErrTransferPending)
)

func mustABI() abi.ABI {
	a, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		panic(err)
	}
	return a
}

// Client ethclient.Client 的子集
type Client interface {
	ethereum.ContractCaller
	ethereum.GasEstimator
	ethereum.TransactionSender
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type Config struct {
	ChainID      *big.Int
	Key          *ecdsa.PrivateKey // 托管地址私钥，既是 transferFrom 的 spender 也是 transfer 的发送方
	PollInterval time.Duration
	Timeout      time.Duration
}

// Token 链上 ERC-20，发交易后等回执才返回
type Token struct {
	meta    token.Meta
	client  Client
	cfg     Config
	from    common.Address
	breaker *ratelimit.Manager

	mu sync.Mutex // 同一个 from 串行发交易，nonce 不打架
}

var _ token.Token = (*Token)(nil)

func New(meta token.Meta, client Client, cfg Config, breaker *ratelimit.Manager) *Token {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if breaker == nil {
		breaker = ratelimit.NewManager(ratelimit.Rule{}, nil, IsSuccessful)
	}
	return &Token{
		meta:    meta,
		client:  client,
		cfg:     cfg,
		from:    crypto.PubkeyToAddress(cfg.Key.PublicKey),
		breaker: breaker,
	}
}

// IsSuccessful revert 是业务失败，节点不健康才算熔断失败
func IsSuccessful(err error) bool {
	return err == nil || errors.Is(err, ErrReverted)
}

func (t *Token) Custody() common.Address { return t.from }

func (t *Token) breakerName() string { return "erc20:" + t.meta.Symbol }

func (t *Token) BalanceOf(ctx context.Context, owner common.Address) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := t.breaker.Do(t.breakerName(), func() error {
		data, err := parsedABI.Pack("balanceOf", owner)
		if err != nil {
			return err
		}
		addr := t.meta.Address
		res, err := t.client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
		if err != nil {
			return fmt.Errorf("call balanceOf: %w", err)
		}
		vals, err := parsedABI.Unpack("balanceOf", res)
		if err != nil {
			return err
		}
		if len(vals) != 1 {
			return fmt.Errorf("balanceOf: unexpected %d outputs", len(vals))
		}
		n, ok := vals[0].(*big.Int)
		if !ok {
			return fmt.Errorf("balanceOf: unexpected type %T", vals[0])
		}
		out = decimal.NewFromBigInt(n, 0)
		return nil
	})
	return out, err
}

// PullFrom transferFrom(owner, to, amount)，要求 owner 事先 approve 过托管地址
func (t *Token) PullFrom(ctx context.Context, owner, to common.Address, amount decimal.Decimal) error {
	err := t.send(ctx, "transferFrom", owner, to, amount.BigInt())
	metrics.TokenTransfers.WithLabelValues(t.meta.Symbol, "pull", result(err)).Inc()
	return err
}

func (t *Token) PushTo(ctx context.Context, recipient common.Address, amount decimal.Decimal) error {
	err := t.send(ctx, "transfer", recipient, amount.BigInt())
	metrics.TokenTransfers.WithLabelValues(t.meta.Symbol, "push", result(err)).Inc()
	return err
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrPending):
		return "pending"
	default:
		return "error"
	}
}

// send 广播之前的失败（估算、签名、广播）交易一定没发出去；
// 广播之后除了明确 revert，其它失败都返回 ErrPending
func (t *Token) send(ctx context.Context, method string, args ...any) error {
	data, err := parsedABI.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("pack %s: %w", method, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var signed *types.Transaction
	err = t.breaker.Do(t.breakerName(), func() error {
		tx, err := t.buildTx(ctx, data)
		if err != nil {
			return err
		}
		s, err := types.SignTx(tx, types.LatestSignerForChainID(t.cfg.ChainID), t.cfg.Key)
		if err != nil {
			return fmt.Errorf("sign: %w", err)
		}
		if err := t.client.SendTransaction(ctx, s); err != nil {
			return fmt.Errorf("broadcast: %w", err)
		}
		signed = s
		return nil
	})
	if err != nil {
		logger.Warn(ctx, "erc20 tx not sent",
			zap.String("symbol", t.meta.Symbol),
			zap.String("method", method),
			zap.Error(err),
		)
		return err
	}

	hash := signed.Hash()
	logger.Info(ctx, "erc20 tx sent",
		zap.String("symbol", t.meta.Symbol),
		zap.String("method", method),
		zap.String("hash", hash.Hex()),
		zap.Uint64("nonce", signed.Nonce()),
	)
	if err := t.waitReceipt(ctx, hash); err != nil {
		logger.Warn(ctx, "erc20 tx failed",
			zap.String("symbol", t.meta.Symbol),
			zap.String("method", method),
			zap.String("hash", hash.Hex()),
			zap.Bool("pending", errors.Is(err, ErrPending)),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// buildTx EIP-1559：feeCap = 2*baseFee + tip
func (t *Token) buildTx(ctx context.Context, data []byte) (*types.Transaction, error) {
	nonce, err := t.client.PendingNonceAt(ctx, t.from)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	tip, err := t.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas tip: %w", err)
	}
	head, err := t.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	to := t.meta.Address
	gas, err := t.client.EstimateGas(ctx, ethereum.CallMsg{From: t.from, To: &to, Data: data})
	if err != nil {
		// 估算失败通常是会 revert
		return nil, fmt.Errorf("%w: estimate gas: %v", ErrReverted, err)
	}

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   t.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas * 12 / 10,
		To:        &to,
		Data:      data,
	}), nil
}

// waitReceipt 轮询到超时为止；节点报错也继续轮询，超时时带上最后一次错误
func (t *Token) waitReceipt(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()
	tick := time.NewTicker(t.cfg.PollInterval)
	defer tick.Stop()

	var lastErr error
	for {
		r, err := t.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && r != nil:
			if r.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
			}
			return nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			lastErr = err
		}
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("%w: %s: last error: %v", ErrPending, hash.Hex(), lastErr)
			}
			return fmt.Errorf("%w: %s", ErrPending, hash.Hex())
		case <-tick.C:
		}
	}
}
