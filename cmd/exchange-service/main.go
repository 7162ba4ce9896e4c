package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"tokenex.com/internal/app"
	"tokenex.com/internal/config"
	pkgconfig "tokenex.com/pkg/config"
	"tokenex.com/pkg/logger"
)

func main() {
	// ========= 全局上下文 & 优雅退出 =========
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========= 配置：热更新只改日志级别和限流 =========
	var (
		cfg     config.Cfg
		current atomic.Pointer[app.App]
	)
	_, err := pkgconfig.LoadAndWatch(config.ServiceName, &cfg, func(v *viper.Viper) {
		if a := current.Load(); a != nil {
			a.Reload(v)
		}
	})
	if err != nil {
		panic(fmt.Sprintf("load config: %+v", err))
	}
	if cfg.Name == "" {
		cfg.Name = config.ServiceName
	}

	// ========= 日志 =========
	logger.InitWithFile(cfg.Name, cfg.LogLevel, cfg.LogFile)
	defer logger.Sync()
	logger.Info(ctx, "service starting", zap.String("http", cfg.HTTP.Addr), zap.String("journal", cfg.Engine.Dir))

	a, err := app.New(ctx, &cfg)
	if err != nil {
		logger.Fatal(ctx, "build app failed", zap.Error(err))
	}
	current.Store(a)

	runErr := a.Run(ctx)
	if runErr != nil {
		logger.Error(ctx, "service exiting on error", zap.Error(runErr))
	}

	// 最多给 10 秒收尾
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.Close(sctx)
	if runErr != nil {
		logger.Sync()
		os.Exit(1)
	}
}
