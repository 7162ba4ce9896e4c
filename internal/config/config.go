package config

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"tokenex.com/internal/api"
	"tokenex.com/internal/broker"
	"tokenex.com/internal/indexer/influx"
	"tokenex.com/pkg/orm"
	"tokenex.com/pkg/register/etcd"
	"tokenex.com/pkg/trace"
	"tokenex.com/pkg/xredis"
)

const ServiceName = "exchange-service"

type Cfg struct {
	Name        string        `mapstructure:"name"`
	LogLevel    string        `mapstructure:"log_level"`
	LogFile     string        `mapstructure:"log_file"`
	HTTP        api.Config    `mapstructure:"http"`
	AdminAddr   string        `mapstructure:"admin_addr"` // /metrics 和 pprof
	Engine      Engine        `mapstructure:"engine"`
	Fee         Fee           `mapstructure:"fee"`
	Custody     string        `mapstructure:"custody"` // 托管地址，erc20 驱动下由私钥推出时可不填
	Tokens      []Token       `mapstructure:"tokens"`
	MySQL       MySQL         `mapstructure:"mysql"`
	Redis       Redis         `mapstructure:"redis"`
	Broker      Broker        `mapstructure:"broker"`
	Influx      Influx        `mapstructure:"influx"`
	Trace       trace.Config  `mapstructure:"trace"`
	Etcd        Etcd          `mapstructure:"etcd"`
	Leader      Leader        `mapstructure:"leader"`
	ObserveTick time.Duration `mapstructure:"observe_tick"`
}

type Engine struct {
	Dir           string        `mapstructure:"dir"`
	BufSize       int           `mapstructure:"buf_size"`
	MailboxSize   int           `mapstructure:"mailbox_size"`
	BatchMax      int           `mapstructure:"batch_max"`
	BusSize       int           `mapstructure:"bus_size"`
	SnapshotEvery uint64        `mapstructure:"snapshot_every"`
	SnapshotPath  string        `mapstructure:"snapshot_path"` // 为空不开 pebble
	PublisherPoll time.Duration `mapstructure:"publisher_poll"`
}

type Fee struct {
	Account string `mapstructure:"account"`
	Percent int64  `mapstructure:"percent"`
}

// Token driver=memory 时 Holder/Supply 决定初始持有人；erc20 时走 RPC
type Token struct {
	Address  string `mapstructure:"address"`
	Name     string `mapstructure:"name"`
	Symbol   string `mapstructure:"symbol"`
	Decimals int32  `mapstructure:"decimals"`
	Driver   string `mapstructure:"driver"` // memory | erc20

	Holder string `mapstructure:"holder"`
	Supply string `mapstructure:"supply"` // 展示单位

	RPC        string        `mapstructure:"rpc"`
	KeyHex     string        `mapstructure:"key_hex"`
	Timeout    time.Duration `mapstructure:"timeout"`
	PollPeriod time.Duration `mapstructure:"poll_period"`

	// 没有 key_hex 时从助记词按 m/44'/60'/0'/0/index 派生托管私钥
	Mnemonic     string `mapstructure:"mnemonic"`
	AccountIndex uint32 `mapstructure:"account_index"`
}

type MySQL struct {
	orm.Config `mapstructure:",squash"`

	Enabled  bool          `mapstructure:"enabled"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type Redis struct {
	xredis.Config `mapstructure:",squash"`

	Enabled bool `mapstructure:"enabled"`
}

type Broker struct {
	broker.Config `mapstructure:",squash"`

	Enabled bool `mapstructure:"enabled"`
}

type Influx struct {
	influx.Config `mapstructure:",squash"`

	Enabled bool `mapstructure:"enabled"`
}

type Etcd struct {
	etcd.Config `mapstructure:",squash"`

	Enabled bool `mapstructure:"enabled"`
	// AdvertiseAddr 注册到 etcd 的地址，为空用 http.addr
	AdvertiseAddr string `mapstructure:"advertise_addr"`
}

// Leader 同一个 journal 只能有一个实例在写，依赖 redis
type Leader struct {
	Enabled bool          `mapstructure:"enabled"`
	Key     string        `mapstructure:"key"`
	TTL     time.Duration `mapstructure:"ttl"`
	Retry   time.Duration `mapstructure:"retry"`
}

// Validate 启动前检查，后面的组装默认配置是合法的
func (c *Cfg) Validate() error {
	if c.Name == "" {
		c.Name = ServiceName
	}
	if c.Engine.Dir == "" {
		return fmt.Errorf("engine.dir is required")
	}
	if !common.IsHexAddress(c.Fee.Account) {
		return fmt.Errorf("fee.account %q is not an address", c.Fee.Account)
	}
	if c.Custody != "" && !common.IsHexAddress(c.Custody) {
		return fmt.Errorf("custody %q is not an address", c.Custody)
	}
	if len(c.Tokens) == 0 {
		return fmt.Errorf("no tokens configured")
	}
	for i, t := range c.Tokens {
		if !common.IsHexAddress(t.Address) {
			return fmt.Errorf("tokens[%d] %s: bad address %q", i, t.Symbol, t.Address)
		}
		switch t.Driver {
		case "", "memory":
			if c.Custody == "" {
				return fmt.Errorf("tokens[%d] %s: memory driver needs custody", i, t.Symbol)
			}
			if t.Holder != "" && !common.IsHexAddress(t.Holder) {
				return fmt.Errorf("tokens[%d] %s: bad holder %q", i, t.Symbol, t.Holder)
			}
			if t.Supply != "" {
				if _, err := decimal.NewFromString(t.Supply); err != nil {
					return fmt.Errorf("tokens[%d] %s: bad supply: %w", i, t.Symbol, err)
				}
			}
		case "erc20":
			if t.RPC == "" || (t.KeyHex == "" && t.Mnemonic == "") {
				return fmt.Errorf("tokens[%d] %s: erc20 driver needs rpc and key_hex or mnemonic", i, t.Symbol)
			}
			// 真实资产：X-Account 必须验签，签名里的 request id 靠 redis 去重防重放
			if !c.HTTP.Auth.VerifySignature {
				return fmt.Errorf("tokens[%d] %s: erc20 driver needs http.auth.verify_signature", i, t.Symbol)
			}
			if !c.Redis.Enabled {
				return fmt.Errorf("tokens[%d] %s: erc20 driver needs redis for request dedup", i, t.Symbol)
			}
		default:
			return fmt.Errorf("tokens[%d] %s: unknown driver %q", i, t.Symbol, t.Driver)
		}
	}
	if c.Leader.Enabled && !c.Redis.Enabled {
		return fmt.Errorf("leader lock needs redis")
	}
	return nil
}
