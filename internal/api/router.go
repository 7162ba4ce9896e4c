package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	ginprom "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"
	"tokenex.com/internal/api/auth"
	"tokenex.com/internal/api/ws"
	"tokenex.com/internal/engine"
	"tokenex.com/internal/indexer"
	"tokenex.com/internal/token"
	pkgcommon "tokenex.com/pkg/common"
	"tokenex.com/pkg/middleware"
	"tokenex.com/pkg/ratelimit"
)

type Config struct {
	Addr         string        `mapstructure:"addr"`
	ServiceName  string        `mapstructure:"service_name"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Auth         auth.Config   `mapstructure:"auth"`
	Dev          bool          `mapstructure:"dev"`
	RateLimit    struct {
		RPS   float64 `mapstructure:"rps"`
		Burst int     `mapstructure:"burst"`
	} `mapstructure:"rate_limit"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// Deps History/Redis/WS 为空时对应功能不挂
type Deps struct {
	Engine  Submitter
	Core    Querier
	Tokens  *token.Registry
	History *indexer.History
	Redis   redis.Cmdable
	WS      *ws.Server
	Limiter *ratelimit.Store // 为空按 cfg.RateLimit 新建
	Done    <-chan struct{}  // 引擎退出后关闭，之后 /api 一律 503
}

var (
	promOnce sync.Once
	prom     *ginprom.Prometheus
)

// ginprom 的指标注册在全局 registry 上，只能建一次
func promMiddleware(service string) *ginprom.Prometheus {
	promOnce.Do(func() {
		prom = ginprom.NewPrometheus(service)
		prom.ReqCntURLLabelMappingFn = func(c *gin.Context) string {
			if p := c.FullPath(); p != "" {
				return p
			}
			return "unmatched"
		}
	})
	return prom
}

func NewRouter(ctx context.Context, cfg Config, d Deps) *gin.Engine {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "exchange-service"
	}
	store := d.Limiter
	if store == nil {
		store = NewLimiter(cfg)
	}
	store.StartJanitor(ctx, time.Minute)

	r := gin.New()
	promMiddleware("tokenex").Use(r)
	r.Use(
		otelgin.Middleware(cfg.ServiceName),
		middleware.ReqId(),
		corsMiddleware(cfg.CORSOrigins),
		middleware.Recover(),
		middleware.RateLimit(store, accountOrIP),
	)

	h := NewHandler(d.Engine, d.Core, d.Tokens)
	api := r.Group("/api", engineAlive(d.Done))
	{
		api.GET("/exchange", h.Exchange)
		api.GET("/balances/:token/:account", h.Balance)
		api.GET("/wallets/:token/:account", h.Wallet)
		api.GET("/orders/count", h.OrderCount)
		api.GET("/orders/:id", h.Order)
		api.GET("/orders/:id/status", h.OrderStatus)
	}

	write := api.Group("", auth.Required(cfg.Auth), Idempotent(d.Redis, cfg.Auth.VerifySignature))
	{
		write.POST("/deposits", h.Deposit)
		write.POST("/withdrawals", h.Withdraw)
		write.POST("/orders", h.MakeOrder)
		write.DELETE("/orders/:id", h.CancelOrder)
		write.POST("/orders/:id/fill", h.FillOrder)
	}

	if d.History != nil {
		hh := NewHistoryHandler(d.History)
		history := api.Group("/history")
		{
			history.GET("/orders", hh.Orders)
			history.GET("/trades", hh.Trades)
			history.GET("/transfers", hh.Transfers)
		}
	}

	if cfg.Dev {
		dev := &DevHandler{h: h}
		g := api.Group("/dev", auth.Required(cfg.Auth))
		{
			g.POST("/approve", dev.Approve)
			g.POST("/faucet", dev.Faucet)
		}
	}

	if d.WS != nil {
		r.GET("/ws", auth.Optional(cfg.Auth), d.WS.Handle)
	}
	r.GET("/healthz", func(c *gin.Context) {
		if stopped(d.Done) {
			c.String(http.StatusServiceUnavailable, "engine stopped")
			return
		}
		c.String(http.StatusOK, "ok")
	})
	return r
}

func stopped(done <-chan struct{}) bool {
	if done == nil {
		return false
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// engineAlive 引擎退出后内存里可能有没落盘的变更，读写都不再服务
func engineAlive(done <-chan struct{}) gin.HandlerFunc {
	return func(c *gin.Context) {
		if stopped(done) {
			pkgcommon.FailErr(c, engine.ErrStopped)
			c.Abort()
			return
		}
		c.Next()
	}
}

// NewLimiter 按配置建限流表，rps/burst 没配用默认值
func NewLimiter(cfg Config) *ratelimit.Store {
	rps, burst := LimitOf(cfg)
	return ratelimit.NewStore(rps, burst, 10*time.Minute)
}

func LimitOf(cfg Config) (rate.Limit, int) {
	rps, burst := cfg.RateLimit.RPS, cfg.RateLimit.Burst
	if rps <= 0 {
		rps = 50
	}
	if burst <= 0 {
		burst = 100
	}
	return rate.Limit(rps), burst
}

// accountOrIP 带了 X-Account 的按账户限流
func accountOrIP(c *gin.Context) string {
	if a := c.GetHeader(auth.HeaderAccount); a != "" {
		return "acct:" + a
	}
	return "ip:" + c.ClientIP()
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	if len(origins) == 0 {
		return cors.Default()
	}
	cfg := cors.DefaultConfig()
	cfg.AllowOrigins = origins
	cfg.AllowHeaders = append(cfg.AllowHeaders, auth.HeaderAccount, auth.HeaderSignature, "X-Request-Id")
	cfg.ExposeHeaders = []string{"X-Request-Id"}
	return cors.New(cfg)
}

func NewServer(cfg Config, h http.Handler) *http.Server {
	rt, wt := cfg.ReadTimeout, cfg.WriteTimeout
	if rt <= 0 {
		rt = 10 * time.Second
	}
	if wt <= 0 {
		wt = 10 * time.Second
	}
	return &http.Server{
		Addr:           cfg.Addr,
		Handler:        h,
		ReadTimeout:    rt,
		WriteTimeout:   wt,
		MaxHeaderBytes: 1 << 20,
	}
}
