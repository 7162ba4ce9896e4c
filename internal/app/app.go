package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"tokenex.com/internal/api"
	"tokenex.com/internal/api/ws"
	"tokenex.com/internal/broker"
	"tokenex.com/internal/config"
	"tokenex.com/internal/engine"
	"tokenex.com/internal/exchange"
	"tokenex.com/internal/indexer"
	"tokenex.com/internal/indexer/influx"
	"tokenex.com/internal/snapshot"
	"tokenex.com/internal/token"
	"tokenex.com/pkg/logger"
	"tokenex.com/pkg/metrics"
	"tokenex.com/pkg/orm"
	"tokenex.com/pkg/ratelimit"
	"tokenex.com/pkg/register"
	"tokenex.com/pkg/register/etcd"
	"tokenex.com/pkg/safe"
	"tokenex.com/pkg/trace"
	"tokenex.com/pkg/xredis"
)

var ErrLeaderLost = errors.New("leader lock lost")

// App 一个进程一份：持有所有连接，按启动的逆序关闭
type App struct {
	cfg *config.Cfg

	ctx    context.Context
	cancel context.CancelFunc

	rdb     *redis.Client
	lock    *xredis.RedisLockMaster
	sqlDB   *sql.DB
	tokens  *token.Registry
	snaps   *snapshot.PebbleStore
	eng     *engine.Engine
	disp    *engine.Dispatcher
	dispCtx context.Context
	dispEnd context.CancelFunc
	dispRun chan struct{}
	hub     *ws.Hub
	limiter *ratelimit.Store

	httpSrv  *http.Server
	adminSrv *http.Server

	etcdCli *clientv3.Client
	reg     register.Register
	ins     *register.Instance

	errCh   chan error
	closers []func(ctx context.Context)
}

// New 按依赖顺序把组件建起来，任何一步失败都会把已经建好的关掉
func New(ctx context.Context, cfg *config.Cfg) (a *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	actx, cancel := context.WithCancel(ctx)
	a = &App{cfg: cfg, ctx: actx, cancel: cancel, errCh: make(chan error, 4)}
	defer func() {
		if err != nil {
			a.Close(context.Background())
			a = nil
		}
	}()
	tick := cfg.ObserveTick
	if tick <= 0 {
		tick = 5 * time.Second
	}

	// ========= 链路追踪 =========
	if cfg.Trace.Enabled {
		shutdown, err := trace.InitTrace(actx, cfg.Name, cfg.Trace)
		if err != nil {
			return nil, fmt.Errorf("init trace: %w", err)
		}
		a.defer_(func(ctx context.Context) {
			if err := shutdown(ctx); err != nil {
				logger.Error(ctx, "shutdown tracer error", zap.Error(err))
			}
		})
	}

	// ========= Redis + 主节点锁 =========
	if cfg.Redis.Enabled {
		if a.rdb, err = xredis.NewRedis(actx, cfg.Redis.Config); err != nil {
			return nil, fmt.Errorf("init redis: %w", err)
		}
		a.defer_(func(context.Context) { _ = a.rdb.Close() })
		safe.GoCtx(actx, func(ctx context.Context) { metrics.ObserveRedis(ctx, a.rdb, tick) })
	}
	if cfg.Leader.Enabled {
		if err = a.acquireLeader(); err != nil {
			return nil, err
		}
	}

	// ========= MySQL 投影 =========
	var history *indexer.History
	var indexSink *indexer.Sink
	if cfg.MySQL.Enabled {
		if a.sqlDB, err = orm.OpenSQL(actx, cfg.MySQL.Config); err != nil {
			return nil, fmt.Errorf("init mysql: %w", err)
		}
		a.defer_(func(context.Context) { _ = a.sqlDB.Close() })
		safe.GoCtx(actx, func(ctx context.Context) { metrics.ObserveDB(ctx, a.sqlDB, tick) })

		db, err := orm.NewGorm(a.sqlDB, cfg.MySQL.LogSQL)
		if err != nil {
			return nil, fmt.Errorf("init gorm: %w", err)
		}
		if err := indexer.Migrate(actx, db); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		store := indexer.NewStore(db)
		var cache indexer.Cache
		if a.rdb != nil {
			cache = indexer.NewRedisCache(a.rdb)
		}
		history = indexer.NewHistory(store, cache, cfg.MySQL.CacheTTL)
		indexSink = indexer.NewSink(store, history)
	}

	// ========= Token + 核心 =========
	tokens, custody, tokClosers, err := buildTokens(actx, cfg)
	if err != nil {
		return nil, err
	}
	a.tokens = tokens
	for _, c := range tokClosers {
		a.defer_(func(context.Context) { c() })
	}
	fee, err := exchange.NewFeePolicy(common.HexToAddress(cfg.Fee.Account), cfg.Fee.Percent)
	if err != nil {
		return nil, err
	}
	core := exchange.New(fee, custody, tokens)

	// ========= 引擎：快照 + journal 恢复 =========
	var snaps engine.SnapshotStore
	if cfg.Engine.SnapshotPath != "" {
		if a.snaps, err = snapshot.Open(cfg.Engine.SnapshotPath); err != nil {
			return nil, fmt.Errorf("open snapshot: %w", err)
		}
		a.defer_(func(context.Context) { _ = a.snaps.Close() })
		snaps = a.snaps
	}
	a.eng, err = engine.Open(engine.Config{
		Dir:     cfg.Engine.Dir,
		BufSize: cfg.Engine.BufSize,
		Actor: engine.ActorConfig{
			MailboxSize:   cfg.Engine.MailboxSize,
			BatchMax:      cfg.Engine.BatchMax,
			SnapshotEvery: cfg.Engine.SnapshotEvery,
		},
		BusSize:       cfg.Engine.BusSize,
		PublisherPoll: cfg.Engine.PublisherPoll,
		Publish:       true,
	}, core, snaps)
	if err != nil {
		return nil, err
	}

	// ========= 事件下游 =========
	a.hub = ws.NewHub()
	a.disp = engine.NewDispatcher(a.eng.Events(), a.hub)
	if indexSink != nil {
		a.disp.Add(indexSink)
	}
	if cfg.Broker.Enabled {
		b, err := broker.New(cfg.Broker.Config)
		if err != nil {
			return nil, fmt.Errorf("init broker: %w", err)
		}
		a.defer_(func(context.Context) { _ = b.Close() })
		a.disp.Add(broker.NewSink(b))
	}
	if cfg.Influx.Enabled {
		s := influx.New(cfg.Influx.Config, metaOf(tokens))
		a.defer_(func(context.Context) { s.Close() })
		a.disp.Add(s)
	}

	// ========= HTTP =========
	a.limiter = api.NewLimiter(cfg.HTTP)
	if cfg.HTTP.ServiceName == "" {
		cfg.HTTP.ServiceName = cfg.Name
	}
	router := api.NewRouter(actx, cfg.HTTP, api.Deps{
		Engine:  a.eng,
		Core:    core,
		Tokens:  tokens,
		History: history,
		Redis:   a.redisOrNil(),
		WS:      ws.NewServer(actx, a.hub),
		Limiter: a.limiter,
		Done:    a.eng.Done(),
	})
	a.httpSrv = api.NewServer(cfg.HTTP, router)
	if cfg.Etcd.Enabled {
		if a.etcdCli, err = etcd.NewClient(cfg.Etcd.Config); err != nil {
			return nil, fmt.Errorf("connect etcd: %w", err)
		}
	}
	if cfg.AdminAddr != "" {
		a.adminSrv = &http.Server{Addr: cfg.AdminAddr, Handler: a.adminMux(), ReadHeaderTimeout: 5 * time.Second}
	}
	return a, nil
}

// redisOrNil 避免把 nil *redis.Client 装进接口
func (a *App) redisOrNil() redis.Cmdable {
	if a.rdb == nil {
		return nil
	}
	return a.rdb
}

func (a *App) acquireLeader() error {
	lc := a.cfg.Leader
	if lc.Key == "" {
		lc.Key = "tokenex:leader:" + a.cfg.Name
	}
	if lc.TTL <= 0 {
		lc.TTL = 10 * time.Second
	}
	if lc.Retry <= 0 {
		lc.Retry = time.Second
	}
	a.lock = xredis.NewRedisLockMaster(a.rdb, lc.Key)
	logger.Info(a.ctx, "waiting for leader lock", zap.String("key", lc.Key), zap.String("id", a.lock.ID()))
	if err := a.lock.WaitMaster(a.ctx, lc.TTL, lc.Retry); err != nil {
		return fmt.Errorf("wait leader: %w", err)
	}
	logger.Info(a.ctx, "leader lock acquired", zap.String("key", lc.Key))
	safe.GoCtx(a.ctx, func(ctx context.Context) {
		a.lock.KeepMaster(ctx, lc.TTL, func(err error) {
			logger.Error(ctx, "leader lock lost", zap.Error(err))
			a.fail(fmt.Errorf("%w: %v", ErrLeaderLost, err))
		})
	})
	a.defer_(func(ctx context.Context) { _ = a.lock.Release(ctx) })
	return nil
}

func (a *App) defer_(fn func(ctx context.Context)) { a.closers = append(a.closers, fn) }

func (a *App) fail(err error) {
	select {
	case a.errCh <- err:
	default:
	}
}

// Engine 测试和运维工具用
func (a *App) Engine() *engine.Engine { return a.eng }
func (a *App) Handler() http.Handler  { return a.httpSrv.Handler }

// Run 启动引擎、下游和监听，阻塞到 ctx 结束或某个组件出错
func (a *App) Run(ctx context.Context) error {
	a.eng.Start()
	a.dispCtx, a.dispEnd = context.WithCancel(context.WithoutCancel(a.ctx))
	a.dispRun = make(chan struct{})
	safe.Go(func() {
		defer close(a.dispRun)
		a.disp.Run(a.dispCtx)
	})

	safe.Go(func() {
		logger.Info(a.ctx, "http listening", zap.String("addr", a.httpSrv.Addr))
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.fail(fmt.Errorf("http: %w", err))
		}
	})
	if a.adminSrv != nil {
		safe.Go(func() {
			logger.Info(a.ctx, "admin listening", zap.String("addr", a.adminSrv.Addr))
			if err := a.adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.fail(fmt.Errorf("admin: %w", err))
			}
		})
	}
	if a.cfg.Etcd.Enabled {
		if err := a.register(); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
		logger.Info(ctx, "shutdown signal received")
		return nil
	case <-a.eng.Done():
		return engine.ErrJournalFailure
	case err := <-a.errCh:
		return err
	}
}

func (a *App) register() error {
	ec := a.cfg.Etcd
	addr := ec.AdvertiseAddr
	if addr == "" {
		addr = a.cfg.HTTP.Addr
	}
	a.reg = etcd.NewEtcdRegister(a.etcdCli, a.servicePrefix(), ec.TTLSecond)
	a.ins = &register.Instance{
		ID:   instanceID(),
		Name: a.cfg.Name,
		Addr: addr,
		MetaData: map[string]string{
			register.MetaLeader: fmt.Sprint(a.lock != nil),
			"ws":                "/ws",
		},
	}
	return a.reg.Register(a.ctx, a.ins)
}

func (a *App) servicePrefix() string {
	if p := a.cfg.Etcd.ServicePrefix; p != "" {
		return p
	}
	return "/tokenex/services"
}

func instanceID() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Reload 配置文件变更时调用，只改日志级别和限流
func (a *App) Reload(v *viper.Viper) {
	if lvl := v.GetString("log_level"); lvl != "" {
		logger.SetLevel(lvl)
	}
	var hc api.Config
	if err := v.UnmarshalKey("http", &hc); err != nil {
		logger.Warn(a.ctx, "reload http config failed", zap.Error(err))
		return
	}
	r, burst := api.LimitOf(hc)
	a.limiter.SetLimit(r, burst)
	logger.Info(a.ctx, "config reloaded",
		zap.String("log_level", v.GetString("log_level")),
		zap.Float64("rps", float64(r)),
		zap.Int("burst", burst),
	)
}

// Close 先停入口，再停引擎和下游，最后关连接
func (a *App) Close(ctx context.Context) {
	if a.reg != nil {
		if err := a.reg.UnRegister(ctx, a.ins); err != nil {
			logger.Warn(ctx, "etcd unregister failed", zap.Error(err))
		}
	}
	if a.etcdCli != nil {
		_ = a.etcdCli.Close()
	}
	if a.httpSrv != nil {
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			logger.Warn(ctx, "http shutdown", zap.Error(err))
		}
	}
	if a.eng != nil {
		a.eng.Stop()
	}
	// 引擎停了再停 dispatcher，总线里剩下的事件投递完再关下游
	if a.dispRun != nil {
		a.dispEnd()
		<-a.dispRun
		if n := a.disp.Drain(ctx); n > 0 {
			logger.Info(ctx, "drained events on shutdown", zap.Int("count", n))
		}
	}
	a.cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i](ctx)
	}
	a.closers = nil
	if a.adminSrv != nil {
		_ = a.adminSrv.Shutdown(ctx)
	}
	logger.Info(ctx, "service stopped")
}
